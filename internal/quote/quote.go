package quote

import (
	"context"
	"math/big"

	xerrors "ChainDCA/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Request 描述一次兑换询价。
type Request struct {
	InputToken   common.Address
	OutputToken  common.Address
	InputAmount  *big.Int
	Recipient    common.Address
	// MaxSlippageBps 是允许的最大滑点，万分比。
	MaxSlippageBps int
}

// Quote 是聚合器返回的可执行兑换路由。
type Quote struct {
	// Target 是路由合约地址，必须位于运营方维护的白名单内。
	Target   common.Address
	Calldata []byte
	Value    *big.Int
	// ExpectedOut 是按当前价格预估的产出。
	ExpectedOut *big.Int
	// MinimumOut 是链上强制的最低产出，低于它交易回滚。
	MinimumOut *big.Int
	// PriceImpactBps 是该路由的价格冲击，万分比。
	PriceImpactBps int
	ExpiresAt      int64
}

// Resolver 将询价请求解析为可执行路由。
type Resolver interface {
	Resolve(ctx context.Context, req Request) (*Quote, error)
}

var (
	// ErrNoRoute 表示聚合器找不到可行路由。
	ErrNoRoute = xerrors.New(CodeQuoteNoRoute, "no route for pair")
	// ErrQuoteInvalid 表示聚合器返回的路由缺少必要字段或数值非法。
	ErrQuoteInvalid = xerrors.New(CodeQuoteInvalid, "quote invalid", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSlippageExceeded 表示路由的保护下限低于策略允许的水平。
	ErrSlippageExceeded = xerrors.New(CodeSlippageExceeded, "slippage beyond policy", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeQuoteNoRoute     xerrors.Code = "QUOTE_NO_ROUTE"
	CodeQuoteUpstream    xerrors.Code = "QUOTE_UPSTREAM_FAILURE"
	CodeQuoteInvalid     xerrors.Code = "QUOTE_INVALID"
	CodeSlippageExceeded xerrors.Code = "QUOTE_SLIPPAGE_EXCEEDED"
)

func init() {
	xerrors.Register(CodeQuoteNoRoute, xerrors.Attributes{
		Message:   "aggregator found no route",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeQuoteUpstream, xerrors.Attributes{
		Message:   "quote upstream unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeQuoteInvalid, xerrors.Attributes{
		Message:   "quote response invalid",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSlippageExceeded, xerrors.Attributes{
		Message:   "quote slippage beyond policy limit",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}
