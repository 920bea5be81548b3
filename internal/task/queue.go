package task

import (
	"context"
	"log/slog"

	"MetaCortex/pkg/logger"
)

// Handler 处理来自消息队列的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// dispatch 调用 handler，失败只记录日志；任务状态由处理器负责回写。
func dispatch(ctx context.Context, handler Handler, driver, taskID string) {
	if err := handler(ctx, taskID); err != nil {
		logger.Named("task.queue").Warn("任务处理返回错误",
			slog.String("driver", driver),
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
	}
}
