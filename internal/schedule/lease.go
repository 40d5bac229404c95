package schedule

import (
	"context"
	"time"
)

// Gate 是执行前的抢占闸门，用来在多实例并发时减少存储层竞争。
// 权威租约始终是订单记录上的 CAS 列，Gate 只是快速路径：
// 拿不到闸门直接放弃本次触发，拿到闸门仍要走存储层租约。
type Gate interface {
	TryAcquire(ctx context.Context, orderID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, orderID, owner string) error
}

// NoopGate 直接放行，适用于单实例或纯内存部署。
type NoopGate struct{}

func (NoopGate) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (NoopGate) Release(context.Context, string, string) error { return nil }

var _ Gate = NoopGate{}
