package schedule

import (
	"context"
)

// Handler 处理来自触发队列的订单 ID。
type Handler func(ctx context.Context, orderID string) error

// Producer 负责向触发队列投递到期订单。
type Producer interface {
	Publish(ctx context.Context, orderID string) error
	Close() error
}

// Consumer 负责从触发队列消费订单。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
