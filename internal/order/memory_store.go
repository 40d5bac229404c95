package order

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ChainDCA/internal/errors"
)

// MemoryStore 以内存方式保存订单状态，主要用于测试与单机体验。
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[string]*Order
	records map[string][]*ExecutionRecord
	leases  map[string]lease
}

type lease struct {
	owner   string
	expires int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]*Order),
		records: make(map[string][]*ExecutionRecord),
		leases:  make(map[string]lease),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrOrderConflict
	}
	now := time.Now().Unix()
	if o.CreatedAt == 0 {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	m.orders[o.ID] = o.Clone()
	return nil
}

// Get 返回订单的深拷贝。
func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// List 返回符合过滤条件的订单。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		if !matchesListFilters(o, opts) {
			continue
		}
		results = append(results, o.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByNextDueAsc {
			if results[i].NextDueAt == results[j].NextDueAt {
				return results[i].ID < results[j].ID
			}
			return results[i].NextDueAt < results[j].NextDueAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// ListDue 返回到期且可执行的订单，按到期时间升序。
func (m *MemoryStore) ListDue(_ context.Context, now int64, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	due := make([]*Order, 0, 16)
	for _, o := range m.orders {
		if o.Due(now) {
			due = append(due, o.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextDueAt == due[j].NextDueAt {
			return due[i].ID < due[j].ID
		}
		return due[i].NextDueAt < due[j].NextDueAt
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// AcquireLease 以 CAS 语义获取执行租约。
func (m *MemoryStore) AcquireLease(_ context.Context, id, owner string, ttl time.Duration) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return o.Clone(), ErrOrderTerminal
	}
	// 未过期的租约一律拒绝，包括持有者自己：
	// 同一订单的两次并发触发绝不能都拿到租约。
	now := time.Now().Unix()
	if held, ok := m.leases[id]; ok && held.expires > now {
		return o.Clone(), ErrLeaseHeld
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	m.leases[id] = lease{owner: owner, expires: now + int64(ttl/time.Second)}
	return o.Clone(), nil
}

// ReleaseLease 释放调用方持有的租约。他人持有时为空操作。
func (m *MemoryStore) ReleaseLease(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[id]; ok && held.owner == owner {
		delete(m.leases, id)
	}
	return nil
}

// ApplyExecution 在确认上链后一次性落账。
func (m *MemoryStore) ApplyExecution(_ context.Context, id string, upd ExecutionUpdate) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	// completed 为吸收态；cancelled 允许在途执行补记最后一笔账。
	if o.Status == StatusCompleted {
		return o.Clone(), ErrOrderTerminal
	}

	if err := applyExecutionUpdate(o, upd); err != nil {
		return nil, err
	}
	if upd.Record != nil {
		record := *upd.Record
		m.records[id] = append(m.records[id], &record)
	}
	return o.Clone(), nil
}

// ApplyFailure 追加失败回执并累加连续失败计数。
func (m *MemoryStore) ApplyFailure(_ context.Context, id string, upd FailureUpdate) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return o.Clone(), ErrOrderTerminal
	}

	o.ConsecutiveFailures++
	if upd.Pause && o.Status == StatusActive {
		o.Status = StatusPaused
	}
	o.UpdatedAt = time.Now().Unix()
	if upd.Record != nil {
		record := *upd.Record
		m.records[id] = append(m.records[id], &record)
	}
	return o.Clone(), nil
}

// Reschedule 调整下一次到期时间。
func (m *MemoryStore) Reschedule(_ context.Context, id string, nextDueAt int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return o.Clone(), ErrOrderTerminal
	}
	o.NextDueAt = nextDueAt
	o.UpdatedAt = time.Now().Unix()
	return o.Clone(), nil
}

// SetStatus 按状态机迁移表更新状态。
func (m *MemoryStore) SetStatus(_ context.Context, id string, from []Status, to Status) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	// 终态判定先于 from 条件：终态订单统一报 ErrOrderTerminal。
	if o.Status.Terminal() {
		return o.Clone(), ErrOrderTerminal
	}
	if len(from) > 0 {
		matched := false
		for _, status := range from {
			if o.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return o.Clone(), ErrOrderConflict
		}
	}
	if !CanTransition(o.Status, to) {
		return o.Clone(), ErrOrderConflict
	}
	o.Status = to
	if to == StatusActive {
		o.ConsecutiveFailures = 0
	}
	o.UpdatedAt = time.Now().Unix()
	return o.Clone(), nil
}

// Records 返回订单的执行回执，按时间升序。
func (m *MemoryStore) Records(_ context.Context, orderID string, limit int) ([]*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.records[orderID]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	result := make([]*ExecutionRecord, 0, limit)
	for _, record := range records[:limit] {
		clone := *record
		result = append(result, &clone)
	}
	return result, nil
}

// Stats 统计符合过滤条件的订单数量。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (OrderStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	now := time.Now().Unix()

	stats := OrderStats{}
	for _, o := range m.orders {
		if !matchesListFilters(o, opts) {
			continue
		}
		stats.Total++
		switch o.Status {
		case StatusActive:
			stats.Active++
		case StatusPaused:
			stats.Paused++
		case StatusCompleted:
			stats.Completed++
		case StatusCancelled:
			stats.Cancelled++
		case StatusInsufficientBalance:
			stats.InsufficientBalance++
		}
		if o.Due(now) {
			stats.DueNow++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// applyExecutionUpdate 推进计数并落账，调用方必须独占持有该订单。
func applyExecutionUpdate(o *Order, upd ExecutionUpdate) error {
	input, err := ParseAmount(upd.InputAmount)
	if err != nil {
		return xerrors.Wrap(CodeOrderValidation, err, "执行输入金额非法")
	}
	consumed, err := ParseAmount(o.ConsumedAmount)
	if err != nil {
		return xerrors.Wrap(CodeOrderCorrupted, err, "已消耗金额无法解析")
	}
	remaining, err := ParseAmount(o.RemainingAmount)
	if err != nil {
		return xerrors.Wrap(CodeOrderCorrupted, err, "剩余金额无法解析")
	}
	if remaining.Cmp(input) < 0 {
		return xerrors.New(CodeOrderValidation, "执行金额超过剩余预算")
	}

	consumed.Add(consumed, input)
	remaining.Sub(remaining, input)

	o.ConsumedAmount = FormatAmount(consumed)
	o.RemainingAmount = FormatAmount(remaining)
	o.OccurrencesExecuted++
	o.ConsecutiveFailures = 0
	o.LastExecutedAt = upd.ExecutedAt
	o.NextDueAt = upd.NextDueAt
	o.UpdatedAt = time.Now().Unix()
	if upd.TxHash != "" {
		o.ExecutionRefs = append(o.ExecutionRefs, upd.TxHash)
	}
	// 预算耗尽或达到计划次数即完成；在途的 cancelled 保持 cancelled。
	if o.Status == StatusActive && (remaining.Sign() == 0 || o.OccurrencesExecuted >= o.PlannedOccurrences) {
		o.Status = StatusCompleted
	}
	return o.Validate()
}

func matchesListFilters(o *Order, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if o.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UserAddress != "" && o.UserAddress != opts.UserAddress {
		return false
	}
	if opts.DueBefore > 0 && o.NextDueAt > opts.DueBefore {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
