package credential

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	xerrors "ChainDCA/internal/errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer 用服务侧主密钥密封与解封会话签名私钥。
// 私钥永远不以明文落库，也不出现在任何日志里。
type Sealer struct {
	key []byte
}

// NewSealer 从十六进制主密钥创建 Sealer，密钥必须是 32 字节。
func NewSealer(masterKeyHex string) (*Sealer, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(masterKeyHex), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(CodeCredentialSeal, err, "主密钥不是合法的十六进制")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, xerrors.New(CodeCredentialSeal, "主密钥必须为 32 字节")
	}
	return &Sealer{key: key}, nil
}

// Seal 密封明文私钥，返回 base64(nonce || ciphertext)。
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", xerrors.Wrap(CodeCredentialSeal, err, "初始化 AEAD 失败")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", xerrors.Wrap(CodeCredentialSeal, err, "生成随机 nonce 失败")
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open 解封密文并返回明文私钥。
// 调用方用完后必须立即调用 Zero 清除明文。
func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, xerrors.Wrap(CodeCredentialSeal, err, "密文不是合法的 base64")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, xerrors.Wrap(CodeCredentialSeal, err, "初始化 AEAD 失败")
	}
	if len(raw) < aead.NonceSize() {
		return nil, xerrors.New(CodeCredentialSeal, "密文长度非法")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeCredentialSeal, err, "解封失败，密文可能被篡改")
	}
	return plaintext, nil
}

// Zero 将明文密钥从内存中抹除。
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
