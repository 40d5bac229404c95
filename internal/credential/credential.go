package credential

import (
	"math/big"
	"strings"

	xerrors "ChainDCA/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Scope 限定会话密钥可以签署的调用范围。
// 执行路径上的每次签名前都必须通过 Scope 校验。
type Scope struct {
	// AllowedTargets 是允许调用的合约地址白名单。
	AllowedTargets []string `json:"allowed_targets"`
	// AllowedSelectors 是允许的 4 字节方法选择器（0x 前缀十六进制）。
	// 为空表示不限制方法。
	AllowedSelectors []string `json:"allowed_selectors,omitempty"`
	// SpendCeiling 是单次执行允许消耗的输入金额上限（十进制字符串）。
	// 为空表示不限制。
	SpendCeiling string `json:"spend_ceiling,omitempty"`
}

// Credential 是用户签发给执行服务的委托凭证。
// 签名密钥以密文形式保存（SealedKey），仅在签名瞬间解封。
type Credential struct {
	ID          string `json:"id"`
	UserAddress string `json:"user_address"`
	// SignerAddress 是会话密钥对应的地址，用于链上校验。
	SignerAddress string `json:"signer_address"`
	Scope         Scope  `json:"scope"`
	NotBefore     int64  `json:"not_before"`
	NotAfter      int64  `json:"not_after"`
	Revoked       bool   `json:"revoked"`
	CreatedAt     int64  `json:"created_at"`
	RevokedAt     int64  `json:"revoked_at,omitempty"`
	// SealedKey 是 chacha20poly1305 密封后的签名私钥，base64 编码。
	SealedKey string `json:"-"`
}

var (
	// ErrCredentialNotFound 表示凭证不存在。
	ErrCredentialNotFound = xerrors.New(CodeCredentialNotFound, "credential not found")
	// ErrCredentialRevoked 表示凭证已被用户撤销。
	ErrCredentialRevoked = xerrors.New(CodeCredentialRevoked, "credential revoked", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrCredentialExpired 表示凭证不在有效期内。
	ErrCredentialExpired = xerrors.New(CodeCredentialExpired, "credential expired", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrScopeViolation 表示待签调用超出凭证授权范围。
	ErrScopeViolation = xerrors.New(CodeScopeViolation, "call outside credential scope", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeCredentialNotFound xerrors.Code = "CREDENTIAL_NOT_FOUND"
	CodeCredentialRevoked  xerrors.Code = "CREDENTIAL_REVOKED"
	CodeCredentialExpired  xerrors.Code = "CREDENTIAL_EXPIRED"
	CodeCredentialSeal     xerrors.Code = "CREDENTIAL_SEAL_FAILED"
	CodeScopeViolation     xerrors.Code = "CREDENTIAL_SCOPE_VIOLATION"
)

func init() {
	xerrors.Register(CodeCredentialNotFound, xerrors.Attributes{
		Message:   "credential not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCredentialRevoked, xerrors.Attributes{
		Message:   "credential revoked by user",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCredentialExpired, xerrors.Attributes{
		Message:   "credential outside validity window",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCredentialSeal, xerrors.Attributes{
		Message:   "credential seal or open failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeScopeViolation, xerrors.Attributes{
		Message:   "requested call outside delegated scope",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Usable 判断凭证当前是否可用于签名。
func (c *Credential) Usable(now int64) error {
	if c == nil {
		return ErrCredentialNotFound
	}
	if c.Revoked {
		return ErrCredentialRevoked
	}
	if c.NotBefore > 0 && now < c.NotBefore {
		return ErrCredentialExpired
	}
	if c.NotAfter > 0 && now >= c.NotAfter {
		return ErrCredentialExpired
	}
	return nil
}

// AllowsTarget 判断目标合约是否在白名单内。空白名单拒绝一切目标。
func (s Scope) AllowsTarget(target common.Address) bool {
	for _, allowed := range s.AllowedTargets {
		if common.IsHexAddress(allowed) && common.HexToAddress(allowed) == target {
			return true
		}
	}
	return false
}

// AllowsSelector 判断 calldata 的方法选择器是否被授权。
func (s Scope) AllowsSelector(calldata []byte) bool {
	if len(s.AllowedSelectors) == 0 {
		return true
	}
	if len(calldata) < 4 {
		return false
	}
	selector := common.Bytes2Hex(calldata[:4])
	for _, allowed := range s.AllowedSelectors {
		if strings.EqualFold(strings.TrimPrefix(allowed, "0x"), selector) {
			return true
		}
	}
	return false
}

// AllowsSpend 判断单次投入金额是否在授权上限内。
func (s Scope) AllowsSpend(amount *big.Int) bool {
	if strings.TrimSpace(s.SpendCeiling) == "" {
		return true
	}
	ceiling, ok := new(big.Int).SetString(s.SpendCeiling, 10)
	if !ok {
		return false
	}
	return amount != nil && amount.Cmp(ceiling) <= 0
}

// Authorize 对一笔待签调用做完整的范围校验。
func (c *Credential) Authorize(target common.Address, calldata []byte, spend *big.Int, now int64) error {
	if err := c.Usable(now); err != nil {
		return err
	}
	if !c.Scope.AllowsTarget(target) {
		return xerrors.New(CodeScopeViolation, "目标合约不在凭证白名单内: "+target.Hex())
	}
	if !c.Scope.AllowsSelector(calldata) {
		return xerrors.New(CodeScopeViolation, "方法选择器未被凭证授权")
	}
	if !c.Scope.AllowsSpend(spend) {
		return xerrors.New(CodeScopeViolation, "投入金额超出凭证单次上限")
	}
	return nil
}
