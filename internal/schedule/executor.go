package schedule

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"ChainDCA/internal/authorizer"
	"ChainDCA/internal/credential"
	xerrors "ChainDCA/internal/errors"
	"ChainDCA/internal/observability/alerting"
	"ChainDCA/internal/observability/metrics"
	"ChainDCA/internal/order"
	"ChainDCA/internal/quote"
	"ChainDCA/internal/relay"
	"ChainDCA/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Policy 汇总执行路径上的安全参数。
type Policy struct {
	// MaxSlippageBps 是策略允许的最大滑点，万分比。
	MaxSlippageBps int
	// PauseAfterFailures 是连续失败多少次后自动暂停订单。
	PauseAfterFailures int
	// ConfirmTimeout 是等待链上确认的窗口。
	ConfirmTimeout time.Duration
	// LeaseMargin 是租约在确认窗口之外的冗余时长。
	LeaseMargin time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxSlippageBps <= 0 {
		p.MaxSlippageBps = 300
	}
	if p.PauseAfterFailures <= 0 {
		p.PauseAfterFailures = 5
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = 2 * time.Minute
	}
	if p.LeaseMargin <= 0 {
		p.LeaseMargin = 30 * time.Second
	}
	return p
}

// LeaseTTL 返回租约时长：确认窗口加冗余。
// 租约必须覆盖整个确认窗口，结果未知时由过期自然接管。
func (p Policy) LeaseTTL() time.Duration {
	return p.ConfirmTimeout + p.LeaseMargin
}

// BalanceReader 抽象执行前的余额预检。
type BalanceReader interface {
	HasBalance(ctx context.Context, account, token common.Address, amount *big.Int) (bool, error)
}

// Executor 把一个到期订单从报价推进到落账。
// 它是无状态的：同一订单被并发触发时由租约保证至多一次提交。
type Executor struct {
	orders      order.Store
	credentials credential.Store
	quotes      quote.Resolver
	signer      *authorizer.Authorizer
	submitter   relay.Submitter
	balances    BalanceReader
	gate        Gate
	alerter     alerting.Dispatcher
	policy      Policy
	owner       string
	logger      *slog.Logger
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithGate 指定跨实例执行闸门。
func WithGate(gate Gate) ExecutorOption {
	return func(e *Executor) {
		if gate != nil {
			e.gate = gate
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ExecutorOption {
	return func(e *Executor) {
		e.alerter = dispatcher
	}
}

// WithBalanceReader 配置链上余额预检。
func WithBalanceReader(balances BalanceReader) ExecutorOption {
	return func(e *Executor) {
		e.balances = balances
	}
}

// NewExecutor 构造 Executor。
func NewExecutor(
	orders order.Store,
	credentials credential.Store,
	quotes quote.Resolver,
	signer *authorizer.Authorizer,
	submitter relay.Submitter,
	policy Policy,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		orders:      orders,
		credentials: credentials,
		quotes:      quotes,
		signer:      signer,
		submitter:   submitter,
		gate:        NoopGate{},
		policy:      policy.withDefaults(),
		owner:       uuid.NewString(),
		logger:      logger.Named("executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 对单个订单做一次执行尝试。
//
// 返回 nil 表示本次触发已处理完毕（包括被跳过与失败落账的情形），
// 返回非 nil 仅用于基础设施错误。执行失败都会落账到订单上，
// 不依赖队列重投。
func (e *Executor) Execute(ctx context.Context, orderID string) error {
	now := time.Now().Unix()

	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		if stdErrors.Is(err, order.ErrOrderNotFound) {
			e.logger.Debug("跳过不存在的订单", slog.String("order_id", orderID))
			return nil
		}
		return err
	}

	// 过期的活跃订单直接收口为 completed。
	if o.Status == order.StatusActive && o.Expired(now) {
		if _, err := e.orders.SetStatus(ctx, orderID, []order.Status{order.StatusActive}, order.StatusCompleted); err != nil {
			e.logger.Warn("收口过期订单失败", slog.String("order_id", orderID), slog.Any("error", err))
		}
		return nil
	}
	if !o.Due(now) {
		return nil
	}

	ttl := e.policy.LeaseTTL()
	gateOK, err := e.gate.TryAcquire(ctx, orderID, e.owner, ttl)
	if err != nil {
		return err
	}
	if !gateOK {
		e.logger.Debug("闸门被占用，跳过", slog.String("order_id", orderID))
		return nil
	}

	o, err = e.orders.AcquireLease(ctx, orderID, e.owner, ttl)
	if err != nil {
		_ = e.gate.Release(ctx, orderID, e.owner)
		if stdErrors.Is(err, order.ErrLeaseHeld) || stdErrors.Is(err, order.ErrOrderTerminal) {
			e.logger.Debug("租约被占用或订单已终态，跳过", slog.String("order_id", orderID))
			return nil
		}
		return err
	}
	// 租约拿到后重新核对到期条件，避免执行并发取消后的订单。
	if !o.Due(now) {
		e.releaseAll(ctx, orderID)
		return nil
	}

	outcomeKnown := true
	defer func() {
		// 结果未知时保留租约，由 TTL 过期后下一轮接管；
		// 确认窗口内绝不允许第二次提交。
		if outcomeKnown {
			e.releaseAll(ctx, orderID)
		}
	}()

	cred, err := e.credentials.Get(ctx, o.CredentialRef)
	if err != nil {
		e.pauseOrder(ctx, o, xerrors.CodeOf(err), err)
		return nil
	}
	if err := cred.Usable(now); err != nil {
		// 凭证不可用不是一次执行失败：不追加回执，不累计失败，直接暂停。
		e.pauseOrder(ctx, o, xerrors.CodeOf(err), err)
		return nil
	}

	amount, err := o.PerOccurrence()
	if err != nil {
		e.pauseOrder(ctx, o, order.CodeOrderCorrupted, err)
		return nil
	}

	account := accountOf(o)
	inputToken := common.HexToAddress(o.InputToken)

	if e.balances != nil {
		enough, balErr := e.balances.HasBalance(ctx, account, inputToken, amount)
		if balErr != nil {
			e.logger.Warn("余额预检失败，跳过本次执行",
				slog.String("order_id", orderID), slog.Any("error", balErr))
			return nil
		}
		if !enough {
			// 余额不足同样不是执行失败：状态切换，等用户充值后恢复。
			if _, err := e.orders.SetStatus(ctx, orderID,
				[]order.Status{order.StatusActive}, order.StatusInsufficientBalance); err != nil {
				e.logger.Warn("标记余额不足失败", slog.String("order_id", orderID), slog.Any("error", err))
			}
			logger.Audit().Warn("order_insufficient_balance",
				slog.String("order_id", orderID),
				slog.String("amount", amount.String()),
			)
			return nil
		}
	}

	q, err := e.quotes.Resolve(ctx, quote.Request{
		InputToken:     inputToken,
		OutputToken:    common.HexToAddress(o.OutputToken),
		InputAmount:    amount,
		Recipient:      common.HexToAddress(o.DestinationAddress),
		MaxSlippageBps: e.policy.MaxSlippageBps,
	})
	if err != nil {
		e.recordFailure(ctx, o, amount, quoteFailureReason(err), "", err)
		return nil
	}
	// 不依赖 Resolver 自律：下限低于策略滑点容忍的报价在这里再挡一次。
	if floor := quote.SlippageFloor(q.ExpectedOut, e.policy.MaxSlippageBps); q.MinimumOut == nil || q.MinimumOut.Cmp(floor) < 0 {
		e.recordFailure(ctx, o, amount, order.ReasonQuoteRejected, "", quote.ErrSlippageExceeded)
		return nil
	}
	if err := quote.CheckPriceRange(amount, q.ExpectedOut, o.MinRate, o.MaxRate); err != nil {
		e.recordFailure(ctx, o, amount, order.ReasonQuoteRejected, "", err)
		return nil
	}

	deadline := now + int64(e.policy.ConfirmTimeout/time.Second)
	signed, err := e.signer.Authorize(ctx, o.CredentialRef, authorizer.Call{
		Target:   q.Target,
		Calldata: q.Calldata,
		Value:    q.Value,
		Spend:    amount,
		Deadline: deadline,
	})
	if err != nil {
		// 范围越界是安全事件：暂停订单并告警，而不是按普通失败计数。
		e.pauseOrder(ctx, o, xerrors.CodeOf(err), err)
		return nil
	}

	ref, err := e.submitter.Submit(ctx, relay.Operation{
		OrderID:   orderID,
		Account:   account,
		Target:    signed.Target,
		Calldata:  signed.Calldata,
		Value:     signed.Value,
		Signature: signed.Signature,
		Signer:    signed.Signer,
		Deadline:  deadline,
	})
	if err != nil {
		e.recordFailure(ctx, o, amount, order.ReasonSubmissionFailed, "", err)
		return nil
	}

	receipt, err := e.submitter.WaitReceipt(ctx, ref)
	switch {
	case err == nil:
		// 拿到回执，落账在下方统一处理。
	case stdErrors.Is(err, relay.ErrConfirmTimeout):
		// 结果未知：记一次超时失败，但保留租约直到 TTL 过期，
		// 确保确认窗口内不会重复提交同一笔操作。
		outcomeKnown = false
		e.recordFailure(ctx, o, amount, order.ReasonTimeout, ref, err)
		return nil
	case stdErrors.Is(err, relay.ErrReverted):
		txHash := ""
		if receipt != nil {
			txHash = receipt.TxHash.Hex()
		}
		e.recordFailure(ctx, o, amount, order.ReasonSubmissionFailed, txHash, err)
		return nil
	default:
		outcomeKnown = false
		return err
	}

	nextDue := nextDueAfter(o, now)
	record := &order.ExecutionRecord{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		AttemptedAt:  now,
		InputAmount:  order.FormatAmount(amount),
		OutputAmount: order.FormatAmount(receipt.OutputAmount),
		TxHash:       receipt.TxHash.Hex(),
		Outcome:      order.OutcomeCompleted,
		Rate:         order.RealizedRate(amount, receipt.OutputAmount),
	}
	updated, err := e.orders.ApplyExecution(ctx, orderID, order.ExecutionUpdate{
		InputAmount:  order.FormatAmount(amount),
		OutputAmount: order.FormatAmount(receipt.OutputAmount),
		TxHash:       receipt.TxHash.Hex(),
		ExecutedAt:   now,
		NextDueAt:    nextDue,
		Record:       record,
	})
	if err != nil {
		// 交易已上链但落账失败，必须告警人工对账。
		e.logger.Error("执行成功但落账失败",
			slog.String("order_id", orderID),
			slog.String("tx_hash", receipt.TxHash.Hex()),
			slog.Any("error", err),
		)
		e.emitAlert(ctx, o, xerrors.CodeStorageFailure, err, map[string]string{
			"tx_hash": receipt.TxHash.Hex(),
			"stage":   "accounting",
		})
		return err
	}

	metrics.ObserveExecution(string(order.OutcomeCompleted))
	logger.Audit().Info("execution_completed",
		slog.String("order_id", orderID),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.String("input_amount", record.InputAmount),
		slog.String("output_amount", record.OutputAmount),
		slog.String("rate", record.Rate),
		slog.Int("occurrences", updated.OccurrencesExecuted),
		slog.String("status", string(updated.Status)),
	)
	return nil
}

func (e *Executor) releaseAll(ctx context.Context, orderID string) {
	if err := e.orders.ReleaseLease(ctx, orderID, e.owner); err != nil {
		e.logger.Warn("释放租约失败", slog.String("order_id", orderID), slog.Any("error", err))
	}
	_ = e.gate.Release(ctx, orderID, e.owner)
}

// recordFailure 追加失败回执并按阈值决定是否暂停。
// quoteFailureReason 区分报价失败的性质：上游聚合器暂时不可用记
// quote_unavailable，其余（滑点、坏数据、无路由）都是策略拒绝。
func quoteFailureReason(err error) order.FailureReason {
	if xerrors.CodeOf(err) == quote.CodeQuoteUpstream {
		return order.ReasonQuoteUnavailable
	}
	return order.ReasonQuoteRejected
}

func (e *Executor) recordFailure(ctx context.Context, o *order.Order, amount *big.Int, reason order.FailureReason, txHash string, cause error) {
	pause := o.ConsecutiveFailures+1 >= e.policy.PauseAfterFailures
	record := &order.ExecutionRecord{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		AttemptedAt: time.Now().Unix(),
		InputAmount: order.FormatAmount(amount),
		TxHash:      txHash,
		Outcome:     order.OutcomeFailed,
		Reason:      reason,
	}

	updated, err := e.orders.ApplyFailure(ctx, o.ID, order.FailureUpdate{Record: record, Pause: pause})
	if err != nil {
		e.logger.Error("失败落账出错", slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}

	metrics.ObserveExecution(string(order.OutcomeFailed))
	metrics.ObserveFailure(string(reason))
	logger.Audit().Warn("execution_failed",
		slog.String("order_id", o.ID),
		slog.String("reason", string(reason)),
		slog.String("error", cause.Error()),
		slog.Int("consecutive_failures", updated.ConsecutiveFailures),
		slog.Bool("paused", updated.Status == order.StatusPaused),
	)
	if updated.Status == order.StatusPaused {
		e.emitAlert(ctx, updated, xerrors.CodeOf(cause), cause, map[string]string{
			"reason": string(reason),
			"stage":  "auto_pause",
		})
	}
}

// pauseOrder 在不追加回执的情况下暂停订单，用于凭证与安全问题。
func (e *Executor) pauseOrder(ctx context.Context, o *order.Order, code xerrors.Code, cause error) {
	if _, err := e.orders.SetStatus(ctx, o.ID, []order.Status{order.StatusActive}, order.StatusPaused); err != nil {
		e.logger.Warn("暂停订单失败", slog.String("order_id", o.ID), slog.Any("error", err))
	}
	logger.Audit().Warn("order_auto_paused",
		slog.String("order_id", o.ID),
		slog.String("code", string(code)),
		slog.String("error", cause.Error()),
	)
	e.emitAlert(ctx, o, code, cause, map[string]string{"stage": "pre_flight"})
}

func (e *Executor) emitAlert(ctx context.Context, o *order.Order, code xerrors.Code, cause error, metadata map[string]string) {
	if e.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		OrderID:    o.ID,
		Failures:   o.ConsecutiveFailures,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("order_id", o.ID),
		)
	}
}

// accountOf 返回持仓账户地址，未配置独立账户时回落到用户地址。
func accountOf(o *order.Order) common.Address {
	if common.IsHexAddress(o.AccountAddress) && o.AccountAddress != "" {
		return common.HexToAddress(o.AccountAddress)
	}
	return common.HexToAddress(o.UserAddress)
}

// nextDueAfter 从计划到期时间推进，落后多个周期时追平到未来，
// 避免一次积压触发连环补执行。
func nextDueAfter(o *order.Order, now int64) int64 {
	next := o.Cadence.NextAfter(o.NextDueAt)
	for next <= now {
		next = o.Cadence.NextAfter(next)
	}
	return next
}
