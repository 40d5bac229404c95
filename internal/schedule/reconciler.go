package schedule

import (
	"context"
	"log/slog"
	"time"

	"ChainDCA/internal/observability/metrics"
	"ChainDCA/internal/order"
	"ChainDCA/pkg/logger"
)

// SweepSummary 汇总一轮扫描的结果。
type SweepSummary struct {
	Due       int   `json:"due"`
	Published int   `json:"published"`
	Failed    int   `json:"failed"`
	SweptAt   int64 `json:"swept_at"`
}

// Reconciler 周期性扫描到期订单并投递触发队列。
// 扫描是幂等的：重复投递同一订单由执行器的租约挡下，
// 一轮扫描出错不影响其余订单。
type Reconciler struct {
	orders    order.Store
	producer  Producer
	batchSize int
	logger    *slog.Logger
}

// NewReconciler 创建 Reconciler。
func NewReconciler(orders order.Store, producer Producer, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Reconciler{
		orders:    orders,
		producer:  producer,
		batchSize: batchSize,
		logger:    logger.Named("reconciler"),
	}
}

// Sweep 执行一轮到期扫描。
func (r *Reconciler) Sweep(ctx context.Context) (SweepSummary, error) {
	now := time.Now().Unix()
	summary := SweepSummary{SweptAt: now}

	due, err := r.orders.ListDue(ctx, now, r.batchSize)
	if err != nil {
		return summary, err
	}
	summary.Due = len(due)

	for _, o := range due {
		if err := r.producer.Publish(ctx, o.ID); err != nil {
			// 单笔投递失败不中断整轮扫描，下一轮会重试。
			summary.Failed++
			r.logger.Warn("投递到期订单失败",
				slog.String("order_id", o.ID),
				slog.Any("error", err),
			)
			continue
		}
		summary.Published++
	}

	metrics.ObserveSweep(summary.Due, summary.Published)
	if summary.Due > 0 {
		r.logger.Info("到期扫描完成",
			slog.Int("due", summary.Due),
			slog.Int("published", summary.Published),
			slog.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}

// Run 按固定间隔循环扫描，直到上下文取消。
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("到期扫描失败", slog.Any("error", err))
			}
		}
	}
}
