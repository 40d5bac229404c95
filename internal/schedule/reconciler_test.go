package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ChainDCA/internal/order"
)

// capturingProducer 记录投递的订单 ID。
type capturingProducer struct {
	mu     sync.Mutex
	ids    []string
	failOn map[string]bool
}

func (p *capturingProducer) Publish(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[orderID] {
		return errors.New("queue unavailable")
	}
	p.ids = append(p.ids, orderID)
	return nil
}

func (p *capturingProducer) Close() error { return nil }

func (p *capturingProducer) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func seedOrder(t *testing.T, store order.Store, id string, nextDue int64, status order.Status) {
	t.Helper()
	now := time.Now().Unix()
	o := &order.Order{
		ID:                  id,
		UserAddress:         "0x2222222222222222222222222222222222222222",
		InputToken:          "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		OutputToken:         "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		TotalAmount:         "300",
		PerOccurrenceAmount: "100",
		Cadence:             order.CadenceDaily,
		PlannedOccurrences:  3,
		Status:              status,
		ConsumedAmount:      "0",
		RemainingAmount:     "300",
		CredentialRef:       "cred-1",
		CreatedAt:           now,
		UpdatedAt:           now,
		NextDueAt:           nextDue,
	}
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("创建订单 %s 失败: %v", id, err)
	}
}

func TestReconcilerSweep(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	now := time.Now().Unix()

	seedOrder(t, store, "due-1", now-100, order.StatusActive)
	seedOrder(t, store, "due-2", now-50, order.StatusActive)
	seedOrder(t, store, "future", now+600, order.StatusActive)
	seedOrder(t, store, "paused", now-50, order.StatusPaused)

	producer := &capturingProducer{}
	reconciler := NewReconciler(store, producer, 100)

	summary, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	if summary.Due != 2 || summary.Published != 2 || summary.Failed != 0 {
		t.Fatalf("汇总不符: %+v", summary)
	}

	published := producer.published()
	if len(published) != 2 || published[0] != "due-1" || published[1] != "due-2" {
		t.Fatalf("投递顺序应按到期时间: %v", published)
	}
}

func TestReconcilerSweepIsolatesPublishFailures(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	now := time.Now().Unix()

	seedOrder(t, store, "due-1", now-100, order.StatusActive)
	seedOrder(t, store, "due-2", now-50, order.StatusActive)

	producer := &capturingProducer{failOn: map[string]bool{"due-1": true}}
	reconciler := NewReconciler(store, producer, 100)

	summary, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	if summary.Due != 2 || summary.Published != 1 || summary.Failed != 1 {
		t.Fatalf("单笔失败应隔离: %+v", summary)
	}
}

func TestReconcilerSweepIdempotent(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	now := time.Now().Unix()
	seedOrder(t, store, "due-1", now-100, order.StatusActive)

	producer := &capturingProducer{}
	reconciler := NewReconciler(store, producer, 100)

	// 连续两轮扫描会重复投递同一订单；
	// 去重由执行器的租约保证，扫描侧只需保持无副作用。
	for i := 0; i < 2; i++ {
		if _, err := reconciler.Sweep(ctx); err != nil {
			t.Fatalf("第 %d 轮扫描失败: %v", i+1, err)
		}
	}
	if got := len(producer.published()); got != 2 {
		t.Fatalf("投递次数 = %d, want 2", got)
	}

	o, _ := store.Get(ctx, "due-1")
	if o.Status != order.StatusActive || o.OccurrencesExecuted != 0 {
		t.Fatal("扫描不应改变订单状态")
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	queue := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var handled []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 2, func(_ context.Context, orderID string) error {
			mu.Lock()
			handled = append(handled, orderID)
			if len(handled) == 3 {
				cancel()
			}
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(context.Background(), id); err != nil {
			t.Fatalf("投递失败: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("消费超时")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 3 {
		t.Fatalf("处理条数 = %d, want 3", len(handled))
	}
}
