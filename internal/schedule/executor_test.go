package schedule

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"ChainDCA/internal/authorizer"
	"ChainDCA/internal/credential"
	xerrors "ChainDCA/internal/errors"
	"ChainDCA/internal/order"
	"ChainDCA/internal/quote"
	"ChainDCA/internal/relay"

	"github.com/ethereum/go-ethereum/common"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var testRouter = "0xdef1c0ded9bec7f1a1670819833240f027b25eff"

// fakeResolver 返回脚本化的报价。
type fakeResolver struct {
	mu      sync.Mutex
	calls   int
	quote   *quote.Quote
	err     error
	entered chan struct{} // 非 nil 时，首次进入 Resolve 即关闭
	gate    chan struct{} // 非 nil 时，Resolve 阻塞到其关闭
}

func (f *fakeResolver) Resolve(_ context.Context, req quote.Request) (*quote.Quote, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first && f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	q := *f.quote
	return &q, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSubmitter 记录提交并返回脚本化的回执。
type fakeSubmitter struct {
	mu          sync.Mutex
	submissions []relay.Operation
	submitErr   error
	receipt     *relay.Receipt
	receiptErr  error
}

func (f *fakeSubmitter) Submit(_ context.Context, op relay.Operation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, op)
	return "ref-1", nil
}

func (f *fakeSubmitter) WaitReceipt(context.Context, string) (*relay.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return f.receipt, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeSubmitter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

type fakeBalances struct {
	enough bool
}

func (f *fakeBalances) HasBalance(context.Context, common.Address, common.Address, *big.Int) (bool, error) {
	return f.enough, nil
}

type fixture struct {
	orders    *order.MemoryStore
	creds     *credential.Service
	credStore *credential.MemoryStore
	resolver  *fakeResolver
	submitter *fakeSubmitter
	signer    *authorizer.Authorizer
	executor  *Executor
	order     *order.Order
	ctx       context.Context
}

func goodQuote() *quote.Quote {
	return &quote.Quote{
		Target:      common.HexToAddress(testRouter),
		Calldata:    []byte{0x38, 0xed, 0x17, 0x39, 0x01},
		Value:       new(big.Int),
		ExpectedOut: big.NewInt(250),
		MinimumOut:  big.NewInt(245),
	}
}

func newFixture(t *testing.T, mutate func(o *order.Order)) *fixture {
	t.Helper()
	ctx := context.Background()

	sealer, err := credential.NewSealer(testMasterKey)
	if err != nil {
		t.Fatalf("创建 Sealer 失败: %v", err)
	}
	credStore := credential.NewMemoryStore()
	credSvc := credential.NewService(credStore, sealer)
	cred, err := credSvc.Issue(ctx, credential.IssueParams{
		UserAddress: "0x2222222222222222222222222222222222222222",
		Scope:       credential.Scope{AllowedTargets: []string{testRouter}},
		NotAfter:    time.Now().Add(24 * time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("签发凭证失败: %v", err)
	}

	orders := order.NewMemoryStore()
	now := time.Now().Unix()
	o := &order.Order{
		ID:                  "order-1",
		UserAddress:         "0x2222222222222222222222222222222222222222",
		DestinationAddress:  "0x2222222222222222222222222222222222222222",
		InputToken:          "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		OutputToken:         "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		TotalAmount:         "300",
		PerOccurrenceAmount: "100",
		Cadence:             order.CadenceDaily,
		PlannedOccurrences:  3,
		Status:              order.StatusActive,
		ConsumedAmount:      "0",
		RemainingAmount:     "300",
		CredentialRef:       cred.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
		NextDueAt:           now - 10,
	}
	if mutate != nil {
		mutate(o)
	}
	if err := orders.Create(ctx, o); err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}

	resolver := &fakeResolver{quote: goodQuote()}
	submitter := &fakeSubmitter{receipt: &relay.Receipt{
		TxHash:       common.HexToHash("0x1234"),
		Success:      true,
		OutputAmount: big.NewInt(250),
		ConfirmedAt:  now,
	}}

	signer := authorizer.New(credStore, sealer, []string{testRouter})
	executor := NewExecutor(orders, credStore, resolver, signer, submitter, Policy{
		MaxSlippageBps:     300,
		PauseAfterFailures: 5,
		ConfirmTimeout:     time.Minute,
	}, WithBalanceReader(&fakeBalances{enough: true}))

	return &fixture{
		orders:    orders,
		creds:     credSvc,
		credStore: credStore,
		resolver:  resolver,
		submitter: submitter,
		signer:    signer,
		executor:  executor,
		order:     o,
		ctx:       ctx,
	}
}

func TestExecutorFullPlan(t *testing.T) {
	f := newFixture(t, nil)

	for i := 1; i <= 3; i++ {
		if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
			t.Fatalf("第 %d 次执行失败: %v", i, err)
		}
		// 落账后把下一次到期拉回过去，模拟时间推进。
		if i < 3 {
			o, _ := f.orders.Get(f.ctx, f.order.ID)
			if o.NextDueAt <= time.Now().Unix() {
				t.Fatal("落账后 next_due_at 应推进到未来")
			}
			rewind(t, f, o)
		}
	}

	final, err := f.orders.Get(f.ctx, f.order.ID)
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if final.Status != order.StatusCompleted {
		t.Fatalf("三次执行后状态 = %s, want completed", final.Status)
	}
	if final.ConsumedAmount != "300" || final.RemainingAmount != "0" {
		t.Fatalf("守恒不成立: consumed=%s remaining=%s", final.ConsumedAmount, final.RemainingAmount)
	}
	if final.OccurrencesExecuted != 3 {
		t.Fatalf("已执行次数 = %d, want 3", final.OccurrencesExecuted)
	}
	if f.submitter.submitCount() != 3 {
		t.Fatalf("提交次数 = %d, want 3", f.submitter.submitCount())
	}

	records, _ := f.orders.Records(f.ctx, f.order.ID, 10)
	if len(records) != 3 {
		t.Fatalf("回执条数 = %d, want 3", len(records))
	}
	for _, record := range records {
		if record.Outcome != order.OutcomeCompleted {
			t.Fatalf("回执结果 = %s, want completed", record.Outcome)
		}
	}

	// 完成后的触发必须是空操作。
	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("终态触发应为空操作: %v", err)
	}
	if f.submitter.submitCount() != 3 {
		t.Fatal("终态订单不应再次提交")
	}
}

// rewind 把订单的 next_due_at 拨回过去（白盒辅助）。
func rewind(t *testing.T, f *fixture, o *order.Order) {
	t.Helper()
	past := time.Now().Unix() - 10
	updated, err := f.orders.Reschedule(f.ctx, o.ID, past)
	if err != nil {
		t.Fatalf("回拨到期时间失败: %v", err)
	}
	if updated.NextDueAt != past {
		t.Fatal("回拨未生效")
	}
}

func TestExecutorLeaseBlocksConcurrentSubmit(t *testing.T) {
	f := newFixture(t, nil)

	// 另一实例已持有租约。
	if _, err := f.orders.AcquireLease(f.ctx, f.order.ID, "other-instance", time.Minute); err != nil {
		t.Fatalf("预置租约失败: %v", err)
	}

	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("租约被占时应静默跳过: %v", err)
	}
	if f.submitter.submitCount() != 0 {
		t.Fatal("租约被占时不得提交")
	}
	if f.resolver.callCount() != 0 {
		t.Fatal("租约被占时不应询价")
	}
}

func TestExecutorPriceRangeRejectsWithoutSubmit(t *testing.T) {
	f := newFixture(t, func(o *order.Order) {
		// 成交率 250/100 = 2.5，低于最低限价 3。
		o.MinRate = "3"
	})

	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if f.submitter.submitCount() != 0 {
		t.Fatal("限价拒绝的报价不得提交")
	}

	o, _ := f.orders.Get(f.ctx, f.order.ID)
	if o.ConsumedAmount != "0" {
		t.Fatal("失败不应消耗预算")
	}
	if o.ConsecutiveFailures != 1 {
		t.Fatalf("连续失败计数 = %d, want 1", o.ConsecutiveFailures)
	}

	records, _ := f.orders.Records(f.ctx, f.order.ID, 10)
	if len(records) != 1 || records[0].Reason != order.ReasonQuoteRejected {
		t.Fatalf("应追加一条 quote_rejected 回执, got %+v", records)
	}
}

func TestExecutorSlippageFloorRejectsWithoutSubmit(t *testing.T) {
	f := newFixture(t, nil)
	// 300bps 下预期 1000 的下限是 970，聚合器只保 900，必须整单拒绝。
	f.resolver.quote = &quote.Quote{
		Target:      common.HexToAddress(testRouter),
		Calldata:    []byte{0x38, 0xed, 0x17, 0x39, 0x01},
		Value:       new(big.Int),
		ExpectedOut: big.NewInt(1000),
		MinimumOut:  big.NewInt(900),
	}

	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if f.submitter.submitCount() != 0 {
		t.Fatal("下限低于滑点容忍的报价不得提交")
	}

	records, _ := f.orders.Records(f.ctx, f.order.ID, 10)
	if len(records) != 1 || records[0].Reason != order.ReasonQuoteRejected {
		t.Fatalf("应追加一条 quote_rejected 回执, got %+v", records)
	}
	o, _ := f.orders.Get(f.ctx, f.order.ID)
	if o.ConsumedAmount != "0" || o.OccurrencesExecuted != 0 {
		t.Fatal("拒绝不应消耗预算或推进计数")
	}
}

func TestExecutorUpstreamQuoteFailureReason(t *testing.T) {
	f := newFixture(t, nil)
	f.resolver.err = xerrors.New(quote.CodeQuoteUpstream, "聚合器返回 502")

	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if f.submitter.submitCount() != 0 {
		t.Fatal("无报价时不得提交")
	}

	records, _ := f.orders.Records(f.ctx, f.order.ID, 10)
	if len(records) != 1 || records[0].Reason != order.ReasonQuoteUnavailable {
		t.Fatalf("上游故障应记 quote_unavailable 回执, got %+v", records)
	}
}

func TestExecutorTimeoutPausesAfterThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.submitter.receiptErr = relay.ErrConfirmTimeout
	f.submitter.receipt = nil

	// 超时会保留租约。用亚秒级 TTL 让租约立即过期，
	// 顺序重试走的是过期接管路径而不是重入。
	executor := NewExecutor(f.orders, f.credStore, f.resolver, f.signer, f.submitter, Policy{
		MaxSlippageBps:     300,
		PauseAfterFailures: 5,
		ConfirmTimeout:     time.Millisecond,
		LeaseMargin:        time.Millisecond,
	}, WithBalanceReader(&fakeBalances{enough: true}))

	for i := 1; i <= 5; i++ {
		if err := executor.Execute(f.ctx, f.order.ID); err != nil {
			t.Fatalf("第 %d 次执行失败: %v", i, err)
		}
	}

	o, _ := f.orders.Get(f.ctx, f.order.ID)
	if o.Status != order.StatusPaused {
		t.Fatalf("连续 5 次超时后应暂停, got %s", o.Status)
	}
	if o.ConsecutiveFailures != 5 {
		t.Fatalf("连续失败计数 = %d, want 5", o.ConsecutiveFailures)
	}
	if o.ConsumedAmount != "0" || o.OccurrencesExecuted != 0 {
		t.Fatal("超时失败不应消耗预算或推进计数")
	}

	records, _ := f.orders.Records(f.ctx, f.order.ID, 10)
	if len(records) != 5 {
		t.Fatalf("回执条数 = %d, want 5", len(records))
	}
	for _, record := range records {
		if record.Reason != order.ReasonTimeout {
			t.Fatalf("回执原因 = %s, want timeout", record.Reason)
		}
	}
}

func TestExecutorConcurrentTriggerSubmitsOnce(t *testing.T) {
	f := newFixture(t, nil)
	entered := make(chan struct{})
	gate := make(chan struct{})
	f.resolver.entered = entered
	f.resolver.gate = gate

	done := make(chan error, 1)
	go func() {
		done <- f.executor.Execute(f.ctx, f.order.ID)
	}()

	// 第一次执行持有租约并卡在报价阶段，
	// 此时同进程的第二次触发必须被租约整体挡下。
	<-entered
	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("并发触发不应报错: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("持有租约的执行失败: %v", err)
	}

	f.submitter.mu.Lock()
	submissions := len(f.submitter.submissions)
	f.submitter.mu.Unlock()
	if submissions != 1 {
		t.Fatalf("提交次数 = %d, want 1", submissions)
	}

	o, _ := f.orders.Get(f.ctx, f.order.ID)
	if o.OccurrencesExecuted != 1 {
		t.Fatalf("执行期数 = %d, want 1", o.OccurrencesExecuted)
	}
	if o.ConsumedAmount != "100" {
		t.Fatalf("已消耗预算 = %s, want 100", o.ConsumedAmount)
	}
}

func TestExecutorRevokedCredentialPausesWithoutQuote(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.creds.Revoke(f.ctx, f.order.CredentialRef); err != nil {
		t.Fatalf("撤销凭证失败: %v", err)
	}

	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	o, _ := f.orders.Get(f.ctx, f.order.ID)
	if o.Status != order.StatusPaused {
		t.Fatalf("凭证撤销后应暂停, got %s", o.Status)
	}
	if f.resolver.callCount() != 0 {
		t.Fatal("凭证不可用时不应询价")
	}
	// 凭证问题不是执行失败：不追加回执，不累计失败。
	records, _ := f.orders.Records(f.ctx, f.order.ID, 10)
	if len(records) != 0 {
		t.Fatalf("不应追加回执, got %d 条", len(records))
	}
	if o.ConsecutiveFailures != 0 {
		t.Fatal("凭证问题不应累计失败")
	}
}

func TestExecutorInsufficientBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.executor.balances = &fakeBalances{enough: false}

	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	o, _ := f.orders.Get(f.ctx, f.order.ID)
	if o.Status != order.StatusInsufficientBalance {
		t.Fatalf("余额不足应切换状态, got %s", o.Status)
	}
	if f.resolver.callCount() != 0 || f.submitter.submitCount() != 0 {
		t.Fatal("余额不足时不应询价或提交")
	}

	// 充值后可恢复。
	if _, err := f.orders.SetStatus(f.ctx, o.ID,
		[]order.Status{order.StatusInsufficientBalance}, order.StatusActive); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	f.executor.balances = &fakeBalances{enough: true}
	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("恢复后执行失败: %v", err)
	}
	if f.submitter.submitCount() != 1 {
		t.Fatal("恢复后应正常提交")
	}
}

func TestExecutorSubmitFailureCounts(t *testing.T) {
	f := newFixture(t, nil)
	f.submitter.submitErr = relay.ErrSubmitFailed

	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	o, _ := f.orders.Get(f.ctx, f.order.ID)
	if o.ConsecutiveFailures != 1 {
		t.Fatalf("连续失败计数 = %d, want 1", o.ConsecutiveFailures)
	}
	records, _ := f.orders.Records(f.ctx, f.order.ID, 10)
	if len(records) != 1 || records[0].Reason != order.ReasonSubmissionFailed {
		t.Fatal("应追加一条 submission_failed 回执")
	}
}

func TestExecutorSuccessResetsFailureStreak(t *testing.T) {
	f := newFixture(t, nil)

	f.submitter.submitErr = relay.ErrSubmitFailed
	for i := 0; i < 3; i++ {
		if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
			t.Fatalf("执行失败: %v", err)
		}
	}
	o, _ := f.orders.Get(f.ctx, f.order.ID)
	if o.ConsecutiveFailures != 3 {
		t.Fatalf("连续失败计数 = %d, want 3", o.ConsecutiveFailures)
	}

	f.submitter.submitErr = nil
	if err := f.executor.Execute(f.ctx, f.order.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	o, _ = f.orders.Get(f.ctx, f.order.ID)
	if o.ConsecutiveFailures != 0 {
		t.Fatalf("成功后失败计数应清零, got %d", o.ConsecutiveFailures)
	}
	if o.OccurrencesExecuted != 1 {
		t.Fatalf("已执行次数 = %d, want 1", o.OccurrencesExecuted)
	}
}
