package authorizer

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"ChainDCA/internal/credential"
	xerrors "ChainDCA/internal/errors"
	"ChainDCA/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Call 是一笔待授权的链上调用。
type Call struct {
	Target   common.Address
	Calldata []byte
	Value    *big.Int
	// Spend 是本次调用消耗的输入金额，参与凭证上限校验。
	Spend *big.Int
	// Deadline 是签名有效截止时间戳，参与摘要计算。
	Deadline int64
}

// SignedCall 是授权通过后携带会话签名的调用。
type SignedCall struct {
	Call
	Signer    common.Address
	Signature []byte
	Digest    common.Hash
}

var (
	// ErrTargetForbidden 表示目标合约不在运营方允许的路由白名单内。
	ErrTargetForbidden = xerrors.New(CodeTargetForbidden, "target not on router allowlist", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTargetForbidden xerrors.Code = "AUTHORIZER_TARGET_FORBIDDEN"
	CodeSignFailed      xerrors.Code = "AUTHORIZER_SIGN_FAILED"
)

func init() {
	xerrors.Register(CodeTargetForbidden, xerrors.Attributes{
		Message:   "call target not on operator allowlist",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSignFailed, xerrors.Attributes{
		Message:   "session key signing failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Authorizer 校验调用范围并用会话密钥签名。
// 这是私钥唯一被解封的地方：解封、签名、抹除在同一栈帧内完成，
// 私钥材料不进入日志、错误信息或任何返回值。
type Authorizer struct {
	credentials credential.Store
	sealer      *credential.Sealer
	// allowlist 是运营方维护的路由合约白名单，独立于凭证范围。
	allowlist map[common.Address]struct{}
	logger    *slog.Logger
}

// New 创建 Authorizer。allowedTargets 为十六进制地址列表。
func New(credentials credential.Store, sealer *credential.Sealer, allowedTargets []string) *Authorizer {
	allowlist := make(map[common.Address]struct{}, len(allowedTargets))
	for _, target := range allowedTargets {
		if common.IsHexAddress(target) {
			allowlist[common.HexToAddress(target)] = struct{}{}
		}
	}
	return &Authorizer{
		credentials: credentials,
		sealer:      sealer,
		allowlist:   allowlist,
		logger:      logger.Named("authorizer"),
	}
}

// Authorize 执行双层校验后签名：先过运营方白名单，再过凭证范围。
func (a *Authorizer) Authorize(ctx context.Context, credentialRef string, call Call) (*SignedCall, error) {
	if _, ok := a.allowlist[call.Target]; !ok {
		return nil, xerrors.New(CodeTargetForbidden, "目标合约不在路由白名单内: "+call.Target.Hex())
	}

	cred, err := a.credentials.Get(ctx, credentialRef)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	if err := cred.Authorize(call.Target, call.Calldata, call.Spend, now); err != nil {
		return nil, err
	}

	digest := CallDigest(call)

	raw, err := a.sealer.Open(cred.SealedKey)
	if err != nil {
		return nil, err
	}
	defer credential.Zero(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, xerrors.Wrap(CodeSignFailed, err, "会话密钥损坏")
	}
	signature, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, xerrors.Wrap(CodeSignFailed, err, "签名失败")
	}

	signer := crypto.PubkeyToAddress(key.PublicKey)
	a.logger.Debug("调用已签名",
		slog.String("credential_id", cred.ID),
		slog.String("target", call.Target.Hex()),
		slog.String("signer", signer.Hex()),
	)
	return &SignedCall{
		Call:      call,
		Signer:    signer,
		Signature: signature,
		Digest:    digest,
	}, nil
}

// CallDigest 计算调用的签名摘要：
// keccak256(target || calldata || value(32) || deadline(32))。
func CallDigest(call Call) common.Hash {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	payload := make([]byte, 0, 20+len(call.Calldata)+64)
	payload = append(payload, call.Target.Bytes()...)
	payload = append(payload, call.Calldata...)
	payload = append(payload, math.U256Bytes(new(big.Int).Set(value))...)
	payload = append(payload, math.U256Bytes(big.NewInt(call.Deadline))...)
	return crypto.Keccak256Hash(payload)
}
