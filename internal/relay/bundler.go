package relay

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "ChainDCA/internal/errors"
	"ChainDCA/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// BundlerConfig 配置中继客户端。
type BundlerConfig struct {
	// Endpoint 是中继的 JSON-RPC 地址。
	Endpoint string
	// ConfirmTimeout 是 WaitReceipt 的总确认窗口。
	ConfirmTimeout time.Duration
	// PollInterval 是回执轮询间隔。
	PollInterval time.Duration
}

// Bundler 通过 JSON-RPC 与中继通信。
type Bundler struct {
	client         *rpc.Client
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

// NewBundler 创建中继客户端。
func NewBundler(ctx context.Context, cfg BundlerConfig) (*Bundler, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "中继地址不能为空")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	client, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, xerrors.Wrap(CodeSubmitFailed, err, "连接中继失败")
	}
	return &Bundler{
		client:         client,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger.Named("relay"),
	}, nil
}

// rpcOperation 是提交给中继的线上格式。
type rpcOperation struct {
	OrderID   string         `json:"orderId"`
	Account   common.Address `json:"account"`
	Target    common.Address `json:"target"`
	Calldata  hexutil.Bytes  `json:"calldata"`
	Value     *hexutil.Big   `json:"value"`
	Signature hexutil.Bytes  `json:"signature"`
	Signer    common.Address `json:"signer"`
	Deadline  int64          `json:"deadline"`
}

// rpcReceipt 是中继返回的回执格式。
type rpcReceipt struct {
	TxHash       common.Hash    `json:"txHash"`
	Status       string         `json:"status"`
	OutputAmount *hexutil.Big   `json:"outputAmount"`
	BlockNumber  hexutil.Uint64 `json:"blockNumber"`
}

// Submit 实现 Submitter 接口。
func (b *Bundler) Submit(ctx context.Context, op Operation) (string, error) {
	payload := rpcOperation{
		OrderID:   op.OrderID,
		Account:   op.Account,
		Target:    op.Target,
		Calldata:  op.Calldata,
		Value:     (*hexutil.Big)(op.Value),
		Signature: op.Signature,
		Signer:    op.Signer,
		Deadline:  op.Deadline,
	}

	var ref string
	if err := b.client.CallContext(ctx, &ref, "relay_submitOperation", payload); err != nil {
		return "", xerrors.Wrap(CodeSubmitFailed, err, "中继提交失败")
	}
	if strings.TrimSpace(ref) == "" {
		return "", xerrors.New(CodeSubmitFailed, "中继返回了空的提交引用")
	}

	b.logger.Info("操作已提交中继",
		slog.String("order_id", op.OrderID),
		slog.String("ref", ref),
		slog.String("target", op.Target.Hex()),
	)
	return ref, nil
}

// WaitReceipt 在确认窗口内轮询回执。
// 窗口内未确认时返回 ErrConfirmTimeout；调用方必须把该次执行
// 视为结果未知，不得重复提交同一笔操作。
func (b *Bundler) WaitReceipt(ctx context.Context, ref string) (*Receipt, error) {
	deadline := time.Now().Add(b.confirmTimeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		var raw *rpcReceipt
		err := b.client.CallContext(ctx, &raw, "relay_getReceipt", ref)
		if err == nil && raw != nil && raw.Status != "pending" {
			output := new(big.Int)
			if raw.OutputAmount != nil {
				output = raw.OutputAmount.ToInt()
			}
			receipt := &Receipt{
				TxHash:       raw.TxHash,
				Success:      raw.Status == "success",
				OutputAmount: output,
				BlockNumber:  uint64(raw.BlockNumber),
				ConfirmedAt:  time.Now().Unix(),
			}
			if !receipt.Success {
				return receipt, ErrReverted
			}
			return receipt, nil
		}
		if err != nil {
			b.logger.Warn("查询回执失败，继续轮询", slog.String("ref", ref), slog.Any("error", err))
		}

		if time.Now().After(deadline) {
			return nil, ErrConfirmTimeout
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待回执被取消")
		case <-ticker.C:
		}
	}
}

// Close 关闭底层 RPC 连接。
func (b *Bundler) Close() {
	if b != nil && b.client != nil {
		b.client.Close()
	}
}

var _ Submitter = (*Bundler)(nil)
