package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	xerrors "MetaCortex/internal/errors"
	"MetaCortex/pkg/logger"
)

// Observer 接收任务状态迁移的度量数据，elapsed 仅在终态时有意义。
type Observer interface {
	ObserveTask(status Status, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveTask(Status, time.Duration) {}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithEventBus 与处理器共享同一个事件总线。
func WithEventBus(bus *EventBus) ServiceOption {
	return func(s *Service) {
		if bus != nil {
			s.events = bus
		}
	}
}

// WithServiceObserver 注入度量采集器。
func WithServiceObserver(observer Observer) ServiceOption {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// Service 负责任务的创建与查询。
type Service struct {
	store    Store
	producer Producer
	events   *EventBus
	observer Observer
	logger   *slog.Logger
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		producer: producer,
		events:   NewEventBus(),
		observer: nopObserver{},
		logger:   logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewTaskID 生成 task_ 前缀的任务 ID。
func NewTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Submit 创建一个新的任务并推送到队列，不等待执行。
func (s *Service) Submit(ctx context.Context, query string) (*Task, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务内容不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	task := &Task{
		ID:     NewTaskID(),
		Query:  query,
		Status: StatusQueued,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	s.observer.ObserveTask(StatusQueued, 0)
	s.events.Publish(task)

	if err := s.producer.Publish(ctx, task.ID); err != nil {
		s.logger.Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		if failed, markErr := s.store.MarkFailed(context.WithoutCancel(ctx), task.ID, CodeTaskPublish, "Error: "+wrapped.Error()); markErr == nil {
			s.observer.ObserveTask(StatusError, 0)
			s.events.Publish(failed)
		}
		return nil, wrapped
	}
	logger.Audit().Info("task_enqueued",
		slog.String("task_id", task.ID),
		slog.String("query", task.Query),
	)
	return cloneTask(task), nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// List 返回符合过滤条件的任务列表，默认返回全部任务并按提交顺序排列。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Events 返回服务使用的事件总线。
func (s *Service) Events() *EventBus {
	return s.events
}

// Subscribe 订阅任务状态事件。
func (s *Service) Subscribe(ch chan<- Event) event.Subscription {
	return s.events.Subscribe(ch)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 等待任务进入终态。优先响应状态事件，
// 同时按 interval 轮询存储以覆盖其他进程完成的任务。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	events := make(chan Event, 16)
	sub := s.events.Subscribe(events)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case ev := <-events:
				if ev.TaskID == id && ev.Status.Terminal() {
					return ev.Task, nil
				}
			case <-ticker.C:
				break wait
			}
		}
	}
}
