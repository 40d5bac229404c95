package order

import (
	"context"
	"time"
)

// ExecutionUpdate 描述一次成功执行后需要原子落账的变更。
// 金额字段由调度器计算，存储层只负责校验与写入。
type ExecutionUpdate struct {
	InputAmount  string
	OutputAmount string
	TxHash       string
	ExecutedAt   int64
	NextDueAt    int64
	Record       *ExecutionRecord
}

// FailureUpdate 描述一次失败执行需要原子落账的变更。
type FailureUpdate struct {
	Record *ExecutionRecord
	// Pause 为真时同时将订单置为 paused（连续失败达到阈值）。
	Pause bool
}

// Store 抽象了订单与执行回执的持久化接口。
// 实现必须保证单个订单上的租约与落账操作原子生效。
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, opts ListOptions) ([]*Order, error)
	// ListDue 返回 next_due_at <= now 且状态为 active 的订单。
	ListDue(ctx context.Context, now int64, limit int) ([]*Order, error)

	// AcquireLease 以 CAS 方式在订单记录上设置执行租约。
	// 租约已被持有且未过期时返回 ErrLeaseHeld，且不产生任何副作用。
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (*Order, error)
	// ReleaseLease 释放当前调用方持有的租约。他人持有时为空操作。
	ReleaseLease(ctx context.Context, id, owner string) error

	// ApplyExecution 在确认上链后一次性推进计数、落账并追加回执。
	ApplyExecution(ctx context.Context, id string, upd ExecutionUpdate) (*Order, error)
	// ApplyFailure 追加失败回执并累加连续失败计数。
	ApplyFailure(ctx context.Context, id string, upd FailureUpdate) (*Order, error)

	// SetStatus 按状态机迁移表更新状态。from 为空表示任意非终态。
	SetStatus(ctx context.Context, id string, from []Status, to Status) (*Order, error)

	// Reschedule 调整订单的下一次到期时间，终态订单拒绝调整。
	Reschedule(ctx context.Context, id string, nextDueAt int64) (*Order, error)

	Records(ctx context.Context, orderID string, limit int) ([]*ExecutionRecord, error)
	Stats(ctx context.Context, opts ListOptions) (OrderStats, error)
	Close() error
}
