package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"MetaCortex/internal/agent"
	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/observability/alerting"
	"MetaCortex/pkg/logger"
)

// Executor 定义了处理器所需的 Agent 能力。
type Executor interface {
	Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error)
}

// Processor 负责从队列消费任务并交给 Agent 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	events      *EventBus
	observer    Observer
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorEvents 配置状态事件总线，通常与 Service.Events 共享。
func WithProcessorEvents(bus *EventBus) ProcessorOption {
	return func(p *Processor) {
		p.events = bus
	}
}

// WithProcessorObserver 注入度量采集器。
func WithProcessorObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("task.processor"),
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	p.logger.Info("任务处理器启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个任务 ID。重复投递或已结束的任务会被跳过。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskFinalized) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, err, "claim")
		return err
	}
	p.observer.ObserveTask(StatusRunning, 0)
	p.events.Publish(task)

	start := time.Now()
	result, execErr := p.execute(ctx, task)
	if execErr != nil {
		return p.fail(ctx, task, execErr, time.Since(start))
	}

	record := Result{Answer: result.Answer, Outcome: string(result.Outcome), Turns: result.Turns}
	done, err := p.store.MarkCompleted(context.WithoutCancel(ctx), task.ID, record)
	if err != nil {
		p.logger.Error("标记任务完成状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return p.fail(ctx, task, err, time.Since(start))
	}
	elapsed := time.Since(start)
	p.observer.ObserveTask(StatusCompleted, elapsed)
	p.events.Publish(done)
	logger.Audit().Info("task_completed",
		slog.String("task_id", task.ID),
		slog.String("outcome", record.Outcome),
		slog.Int("turns", record.Turns),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// execute 调用 Agent，并把 panic 转换为错误。
func (p *Processor) execute(ctx context.Context, task *Task) (result *agent.TaskResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("任务执行发生 panic",
				slog.String("task_id", task.ID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = xerrors.New(CodeTaskProcessing, fmt.Sprintf("任务执行异常: %v", rec))
		}
	}()
	result, err = p.executor.Execute(ctx, agent.TaskRequest{ID: task.ID, Query: task.Query})
	if err == nil && result == nil {
		err = xerrors.New(CodeTaskProcessing, "执行器未返回结果")
	}
	// 服务停止导致的取消照常记为失败，但不告警。
	if err != nil && stdErrors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = xerrors.Wrap(CodeTaskProcessing, err, "任务因服务停止被取消",
			xerrors.WithAlert(false), xerrors.WithSeverity(xerrors.SeverityInfo))
	}
	return result, err
}

func (p *Processor) fail(ctx context.Context, task *Task, execErr error, elapsed time.Duration) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	failed, storeErr := p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, code, "Error: "+execErr.Error())
	if storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	p.observer.ObserveTask(StatusError, elapsed)
	p.events.Publish(failed)
	logger.Audit().Warn("task_failed",
		slog.String("task_id", task.ID),
		slog.String("error_code", string(code)),
		slog.String("error", execErr.Error()),
	)
	p.emitAlert(ctx, task, execErr, "execute")
	return nil
}

// emitAlert 仅对需要告警的错误发送通知，未编码的错误按任务执行失败处理。
func (p *Processor) emitAlert(ctx context.Context, task *Task, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil || cause == nil {
		return
	}
	coded, ok := xerrors.From(cause)
	if !ok {
		coded = xerrors.Wrap(CodeTaskProcessing, cause, "")
	}
	if !xerrors.ShouldAlert(coded) {
		p.logger.Debug("错误无需告警",
			slog.String("task_id", task.ID),
			slog.String("error_code", string(xerrors.CodeOf(coded))),
		)
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(coded),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(coded),
		TaskID:     task.ID,
		Query:      task.Query,
		Stage:      stage,
		Metadata:   coded.Metadata(),
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
