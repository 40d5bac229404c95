package relay

import (
	"context"
	"math/big"

	xerrors "ChainDCA/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Operation 是一笔交付给中继的已签名调用。
type Operation struct {
	OrderID string
	// Account 是代表用户持仓的链上账户地址。
	Account   common.Address
	Target    common.Address
	Calldata  []byte
	Value     *big.Int
	Signature []byte
	Signer    common.Address
	Deadline  int64
}

// Receipt 是中继确认后的执行结果。
type Receipt struct {
	TxHash common.Hash
	// Success 表示交易在链上成功执行而非回滚。
	Success bool
	// OutputAmount 是本次兑换实际产出的数量。
	OutputAmount *big.Int
	BlockNumber  uint64
	ConfirmedAt  int64
}

// Submitter 抽象中继提交通道。
// Submit 返回提交引用；WaitReceipt 在限定时间内等待链上确认，
// 超时返回 ErrConfirmTimeout，此时交易可能仍会上链。
type Submitter interface {
	Submit(ctx context.Context, op Operation) (string, error)
	WaitReceipt(ctx context.Context, ref string) (*Receipt, error)
}

var (
	// ErrSubmitFailed 表示中继拒绝或无法接受该操作。
	ErrSubmitFailed = xerrors.New(CodeSubmitFailed, "relay submission failed", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrConfirmTimeout 表示确认窗口内未观察到回执。
	ErrConfirmTimeout = xerrors.New(CodeConfirmTimeout, "confirmation window elapsed", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrReverted 表示交易上链但执行回滚。
	ErrReverted = xerrors.New(CodeReverted, "transaction reverted", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeSubmitFailed   xerrors.Code = "RELAY_SUBMIT_FAILED"
	CodeConfirmTimeout xerrors.Code = "RELAY_CONFIRM_TIMEOUT"
	CodeReverted       xerrors.Code = "RELAY_REVERTED"
)

func init() {
	xerrors.Register(CodeSubmitFailed, xerrors.Attributes{
		Message:   "relay rejected or failed to accept operation",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeConfirmTimeout, xerrors.Attributes{
		Message:   "no receipt within confirmation window",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeReverted, xerrors.Attributes{
		Message:   "transaction included but reverted",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}
