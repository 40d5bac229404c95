package order

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustCreate(t *testing.T, store Store, o *Order) *Order {
	t.Helper()
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}
	return o
}

func TestMemoryStoreLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	o := mustCreate(t, store, newTestOrder())

	if _, err := store.AcquireLease(ctx, o.ID, "worker-a", time.Minute); err != nil {
		t.Fatalf("首次获取租约失败: %v", err)
	}
	// 未过期的租约对任何人都关闭，持有者自己重取也被拒绝。
	if _, err := store.AcquireLease(ctx, o.ID, "worker-a", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("期望 ErrLeaseHeld, got %v", err)
	}
	// 其他调用方必须被拒绝。
	if _, err := store.AcquireLease(ctx, o.ID, "worker-b", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("期望 ErrLeaseHeld, got %v", err)
	}

	// 释放后其他调用方可以获取。
	if err := store.ReleaseLease(ctx, o.ID, "worker-a"); err != nil {
		t.Fatalf("释放租约失败: %v", err)
	}
	if _, err := store.AcquireLease(ctx, o.ID, "worker-b", time.Minute); err != nil {
		t.Fatalf("释放后获取租约失败: %v", err)
	}

	// 非持有者释放是空操作，租约仍然有效。
	if err := store.ReleaseLease(ctx, o.ID, "worker-a"); err != nil {
		t.Fatalf("非持有者释放应为空操作: %v", err)
	}
	if _, err := store.AcquireLease(ctx, o.ID, "worker-c", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("期望 ErrLeaseHeld, got %v", err)
	}
}

func TestMemoryStoreLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	o := mustCreate(t, store, newTestOrder())

	if _, err := store.AcquireLease(ctx, o.ID, "worker-a", time.Minute); err != nil {
		t.Fatalf("获取租约失败: %v", err)
	}
	// 把租约改为已过期，过期租约视为可抢占。
	store.mu.Lock()
	store.leases[o.ID] = lease{owner: "worker-a", expires: time.Now().Unix() - 10}
	store.mu.Unlock()
	if _, err := store.AcquireLease(ctx, o.ID, "worker-b", time.Minute); err != nil {
		t.Fatalf("过期租约应可被接管: %v", err)
	}
}

func TestMemoryStoreApplyExecution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	o := mustCreate(t, store, newTestOrder())
	now := time.Now().Unix()

	for i := 1; i <= 3; i++ {
		updated, err := store.ApplyExecution(ctx, o.ID, ExecutionUpdate{
			InputAmount:  "100",
			OutputAmount: "250",
			TxHash:       "0xabc",
			ExecutedAt:   now,
			NextDueAt:    now + 86400,
			Record: &ExecutionRecord{
				ID:           o.ID + "-r" + string(rune('0'+i)),
				OrderID:      o.ID,
				AttemptedAt:  now,
				InputAmount:  "100",
				OutputAmount: "250",
				TxHash:       "0xabc",
				Outcome:      OutcomeCompleted,
			},
		})
		if err != nil {
			t.Fatalf("第 %d 次落账失败: %v", i, err)
		}
		if updated.OccurrencesExecuted != i {
			t.Fatalf("已执行次数 = %d, want %d", updated.OccurrencesExecuted, i)
		}
		if err := updated.Validate(); err != nil {
			t.Fatalf("落账后守恒校验失败: %v", err)
		}
	}

	final, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("预算耗尽后状态 = %s, want completed", final.Status)
	}
	if final.ConsumedAmount != "300" || final.RemainingAmount != "0" {
		t.Fatalf("落账金额不符: consumed=%s remaining=%s", final.ConsumedAmount, final.RemainingAmount)
	}

	// 终态吸收：继续落账必须被拒绝。
	if _, err := store.ApplyExecution(ctx, o.ID, ExecutionUpdate{InputAmount: "100"}); !errors.Is(err, ErrOrderTerminal) {
		t.Fatalf("期望 ErrOrderTerminal, got %v", err)
	}

	records, err := store.Records(ctx, o.ID, 10)
	if err != nil {
		t.Fatalf("查询回执失败: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("回执条数 = %d, want 3", len(records))
	}
}

func TestMemoryStoreCancelledAcceptsInFlightExecution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	o := mustCreate(t, store, newTestOrder())
	if _, err := store.SetStatus(ctx, o.ID, nil, StatusCancelled); err != nil {
		t.Fatalf("取消失败: %v", err)
	}

	now := time.Now().Unix()
	updated, err := store.ApplyExecution(ctx, o.ID, ExecutionUpdate{
		InputAmount:  "100",
		OutputAmount: "250",
		TxHash:       "0xdef",
		ExecutedAt:   now,
		NextDueAt:    now + 86400,
	})
	if err != nil {
		t.Fatalf("取消后的在途落账应被接受: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Fatalf("在途落账不应改变终态, got %s", updated.Status)
	}
	if updated.ConsumedAmount != "100" {
		t.Fatalf("在途落账金额不符: %s", updated.ConsumedAmount)
	}
}

func TestMemoryStoreApplyFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	o := mustCreate(t, store, newTestOrder())
	now := time.Now().Unix()

	for i := 1; i <= 4; i++ {
		updated, err := store.ApplyFailure(ctx, o.ID, FailureUpdate{
			Record: &ExecutionRecord{
				ID:          o.ID + "-f" + string(rune('0'+i)),
				OrderID:     o.ID,
				AttemptedAt: now,
				InputAmount: "100",
				Outcome:     OutcomeFailed,
				Reason:      ReasonTimeout,
			},
		})
		if err != nil {
			t.Fatalf("记录失败回执出错: %v", err)
		}
		if updated.ConsecutiveFailures != i {
			t.Fatalf("连续失败计数 = %d, want %d", updated.ConsecutiveFailures, i)
		}
		if updated.Status != StatusActive {
			t.Fatalf("未达阈值不应暂停, got %s", updated.Status)
		}
	}

	updated, err := store.ApplyFailure(ctx, o.ID, FailureUpdate{Pause: true})
	if err != nil {
		t.Fatalf("第 5 次失败落账出错: %v", err)
	}
	if updated.Status != StatusPaused {
		t.Fatalf("达到阈值后应暂停, got %s", updated.Status)
	}
	if updated.OccurrencesExecuted != 0 || updated.ConsumedAmount != "0" {
		t.Fatal("失败不应推进计数或消耗预算")
	}

	// 恢复后失败计数清零。
	resumed, err := store.SetStatus(ctx, o.ID, []Status{StatusPaused}, StatusActive)
	if err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if resumed.ConsecutiveFailures != 0 {
		t.Fatalf("恢复后失败计数应清零, got %d", resumed.ConsecutiveFailures)
	}
}

func TestMemoryStoreSetStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	o := mustCreate(t, store, newTestOrder())

	if _, err := store.SetStatus(ctx, o.ID, []Status{StatusPaused}, StatusActive); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("from 不匹配应返回 ErrOrderConflict, got %v", err)
	}
	if _, err := store.SetStatus(ctx, o.ID, []Status{StatusActive}, StatusPaused); err != nil {
		t.Fatalf("暂停失败: %v", err)
	}
	if _, err := store.SetStatus(ctx, o.ID, nil, StatusCancelled); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	if _, err := store.SetStatus(ctx, o.ID, nil, StatusActive); !errors.Is(err, ErrOrderTerminal) {
		t.Fatalf("终态迁移应返回 ErrOrderTerminal, got %v", err)
	}
	// 终态判定先于 from 条件：带不匹配 from 条件也要报终态而不是冲突。
	if _, err := store.SetStatus(ctx, o.ID, []Status{StatusPaused}, StatusActive); !errors.Is(err, ErrOrderTerminal) {
		t.Fatalf("终态订单应统一返回 ErrOrderTerminal, got %v", err)
	}
}

func TestMemoryStoreListDue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	now := time.Now().Unix()

	first := newTestOrder()
	first.ID = "due-late"
	first.NextDueAt = now - 10
	mustCreate(t, store, first)

	second := newTestOrder()
	second.ID = "due-early"
	second.NextDueAt = now - 100
	mustCreate(t, store, second)

	notDue := newTestOrder()
	notDue.ID = "not-due"
	notDue.NextDueAt = now + 600
	mustCreate(t, store, notDue)

	paused := newTestOrder()
	paused.ID = "paused"
	paused.Status = StatusPaused
	paused.NextDueAt = now - 50
	mustCreate(t, store, paused)

	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue 失败: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("到期订单数 = %d, want 2", len(due))
	}
	if due[0].ID != "due-early" || due[1].ID != "due-late" {
		t.Fatalf("到期订单应按 next_due_at 升序: %s, %s", due[0].ID, due[1].ID)
	}
}

func TestServiceCreateAndLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()
	svc := NewService(store)

	o, err := svc.Create(ctx, CreateParams{
		UserAddress:   "0x1111111111111111111111111111111111111111",
		InputToken:    "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		OutputToken:   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		TotalAmount:   "1000",
		Occurrences:   3,
		Cadence:       CadenceDaily,
		CredentialRef: "cred-1",
	})
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	// 1000 ÷ 3 向上取整。
	if o.PerOccurrenceAmount != "334" {
		t.Fatalf("单次金额 = %s, want 334", o.PerOccurrenceAmount)
	}
	if o.RemainingAmount != "1000" || o.ConsumedAmount != "0" {
		t.Fatal("新订单初始金额不正确")
	}
	if o.DestinationAddress != o.UserAddress {
		t.Fatal("默认收款地址应回落到用户地址")
	}

	if _, err := svc.Pause(ctx, o.ID); err != nil {
		t.Fatalf("暂停失败: %v", err)
	}
	if _, err := svc.Resume(ctx, o.ID); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if _, err := svc.Cancel(ctx, o.ID); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	if _, err := svc.Resume(ctx, o.ID); !errors.Is(err, ErrOrderTerminal) {
		t.Fatalf("取消后恢复应返回 ErrOrderTerminal, got %v", err)
	}
}

func TestServiceCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	cases := []struct {
		name   string
		mutate func(p *CreateParams)
	}{
		{"missing user", func(p *CreateParams) { p.UserAddress = "" }},
		{"missing token", func(p *CreateParams) { p.InputToken = "" }},
		{"same token", func(p *CreateParams) { p.OutputToken = p.InputToken }},
		{"missing credential", func(p *CreateParams) { p.CredentialRef = "" }},
		{"zero occurrences", func(p *CreateParams) { p.Occurrences = 0 }},
		{"bad cadence", func(p *CreateParams) { p.Cadence = "sometimes" }},
		{"zero amount", func(p *CreateParams) { p.TotalAmount = "0" }},
		{"negative amount", func(p *CreateParams) { p.TotalAmount = "-5" }},
		{"expiry before start", func(p *CreateParams) { p.StartAt = 2000; p.ExpiresAt = 1000 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := CreateParams{
				UserAddress:   "0x1111111111111111111111111111111111111111",
				InputToken:    "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				OutputToken:   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
				TotalAmount:   "1000",
				Occurrences:   3,
				Cadence:       CadenceDaily,
				CredentialRef: "cred-1",
			}
			tc.mutate(&params)
			if _, err := svc.Create(ctx, params); err == nil {
				t.Fatal("期望创建失败，实际成功")
			}
		})
	}
}
