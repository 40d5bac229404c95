package schedule

import (
	"context"
	"log/slog"

	xerrors "ChainDCA/internal/errors"
	"ChainDCA/pkg/logger"
)

// Processor 从触发队列消费订单并交给执行器处理。
type Processor struct {
	executor    *Executor
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor *Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		workerCount: 4,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，阻塞直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, orderID string) error {
	if err := p.executor.Execute(ctx, orderID); err != nil {
		p.logger.Error("执行订单出错",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
