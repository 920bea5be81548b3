package task

import (
	"context"

	xerrors "MetaCortex/internal/errors"
)

// Store 抽象了任务状态的持久化接口。所有读取都返回副本。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将 queued 任务迁移到 running。
	Claim(ctx context.Context, id string) (*Task, error)
	// MarkCompleted 将 running 任务迁移到 completed。
	MarkCompleted(ctx context.Context, id string, result Result) (*Task, error)
	// MarkFailed 将未结束的任务迁移到 error，message 写入 result。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, message string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
