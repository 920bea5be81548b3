package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"MetaCortex/internal/action"
	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/llm"
)

const (
	turnLimitMessage = "Reached maximum number of turns without a final answer."
	reasoningNudge   = "Continue. Respond with an Action line to call a tool or a Final answer line."
)

// state 是单次运行的状态机节点。
type state int

const (
	stateInitializing state = iota
	stateAwaitingModel
	stateParsing
	stateDispatching
	stateObserving
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateAwaitingModel:
		return "awaiting_model"
	case stateParsing:
		return "parsing"
	case stateDispatching:
		return "dispatching"
	case stateObserving:
		return "observing"
	default:
		return "terminated"
	}
}

// run 持有一次运行的全部可变状态，只在单个 goroutine 内使用。
type run struct {
	agent   *Agent
	ctx     context.Context
	req     TaskRequest
	started time.Time

	messages    []llm.Message
	transcript  []Turn
	counter     int
	modelCalls  int
	output      string
	step        action.Step
	current     Turn
	lastThought string

	result *TaskResult
	err    error
}

func newRun(ctx context.Context, a *Agent, req TaskRequest) *run {
	return &run{agent: a, ctx: ctx, req: req}
}

func (r *run) execute() (*TaskResult, error) {
	r.started = time.Now()
	var span trace.Span
	r.ctx, span = r.agent.tracer.Start(r.ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("task_id", r.req.ID),
			attribute.Int("max_turns", r.agent.maxTurns),
		))
	defer span.End()

	for st := stateInitializing; st != stateTerminated; {
		r.agent.logger.Debug("状态迁移", slog.String("task_id", r.req.ID), slog.String("state", st.String()))
		switch st {
		case stateInitializing:
			st = r.initialize()
		case stateAwaitingModel:
			st = r.awaitModel()
		case stateParsing:
			st = r.parse()
		case stateDispatching:
			st = r.dispatch()
		case stateObserving:
			st = r.observe()
		}
	}

	elapsed := time.Since(r.started)
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(r.err)))
		r.agent.observer.ObserveRun("error", r.counter, elapsed)
		r.agent.logger.Warn("任务运行失败",
			slog.String("task_id", r.req.ID),
			slog.Int("turn", r.counter),
			slog.Any("error", r.err),
		)
		r.journal(fmt.Sprintf("=== Error ===\n%s\n", r.err.Error()))
		return nil, r.err
	}

	span.SetAttributes(
		attribute.String("outcome", string(r.result.Outcome)),
		attribute.Int("turns", r.result.Turns),
	)
	r.agent.observer.ObserveRun(string(r.result.Outcome), r.result.Turns, elapsed)
	r.agent.logger.Info("任务运行结束",
		slog.String("task_id", r.req.ID),
		slog.String("outcome", string(r.result.Outcome)),
		slog.Int("turns", r.result.Turns),
		slog.Duration("elapsed", elapsed),
	)
	return r.result, nil
}

func (r *run) initialize() state {
	prompt, err := r.agent.SystemPrompt()
	if err != nil {
		r.err = err
		return stateTerminated
	}
	r.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: r.req.Query},
	}
	r.counter = 1
	r.journal(fmt.Sprintf("Question: %s\n", r.req.Query))
	return stateAwaitingModel
}

func (r *run) awaitModel() state {
	ctx, span := r.agent.tracer.Start(r.ctx, "agent.model_call",
		trace.WithAttributes(attribute.Int("turn", r.counter)))
	output, err := r.agent.callModel(ctx, r.messages, r.modelCalls == 0)
	r.modelCalls++
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		span.End()
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			r.err = xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "任务执行被中止")
			return stateTerminated
		}
		r.err = xerrors.Wrap(llm.CodeProviderFailed, err, fmt.Sprintf("第 %d 轮模型调用失败: %v", r.counter, err))
		return stateTerminated
	}
	span.End()
	r.output = output
	r.messages = append(r.messages, llm.Message{Role: llm.RoleAssistant, Content: output})
	return stateParsing
}

func (r *run) parse() state {
	r.step = action.Parse(r.output)
	r.current = Turn{
		Number:     r.counter,
		Thought:    r.step.Thought,
		ActionText: r.step.ActionText,
	}
	if r.step.Thought != "" {
		r.lastThought = r.step.Thought
	}

	switch r.step.Kind {
	case action.KindFinal:
		r.transcript = append(r.transcript, r.current)
		r.journal(renderTurn(r.current) + fmt.Sprintf("Final answer: %s\n", r.step.Answer))
		r.finish(OutcomeAnswered, r.step.Answer)
		return stateTerminated
	case action.KindAction:
		if r.step.Err != nil {
			r.current.Observation = r.step.Err.Error()
			return stateObserving
		}
		return stateDispatching
	default:
		return stateObserving
	}
}

func (r *run) dispatch() state {
	inv := r.step.Invocation
	name := inv.QualifiedName()
	entry, err := r.agent.catalog.Resolve(name)
	if err != nil {
		r.current.Observation = fmt.Sprintf("Tool '%s' is not available.", name)
		return stateObserving
	}

	ctx, span := r.agent.tracer.Start(r.ctx, "agent.tool_call",
		trace.WithAttributes(
			attribute.String("tool", name),
			attribute.Int("turn", r.counter),
		))
	output, err := r.agent.invoker.Invoke(ctx, entry, inv.Args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
		r.current.Observation = fmt.Sprintf("Error calling tool %s: %s", name, err.Error())
	} else {
		r.current.Observation = output
	}
	span.End()
	return stateObserving
}

func (r *run) observe() state {
	r.transcript = append(r.transcript, r.current)
	r.journal(renderTurn(r.current))

	next := "Observation: " + r.current.Observation
	if r.step.Kind == action.KindReasoning {
		next = reasoningNudge
	}
	r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Content: next})

	r.counter++
	if r.counter > r.agent.maxTurns {
		answer := turnLimitMessage
		if r.lastThought != "" {
			answer += "\n\nLast thought: " + r.lastThought
		}
		r.journal(turnLimitMessage + "\n")
		r.finish(OutcomeTurnLimit, answer)
		return stateTerminated
	}
	return stateAwaitingModel
}

func (r *run) finish(outcome Outcome, answer string) {
	turns := r.counter
	if outcome == OutcomeTurnLimit {
		turns = r.counter - 1
	}
	r.result = &TaskResult{
		TaskID:     r.req.ID,
		Query:      r.req.Query,
		Answer:     answer,
		Outcome:    outcome,
		Turns:      turns,
		ModelCalls: r.modelCalls,
		Transcript: append([]Turn(nil), r.transcript...),
	}
}

func (r *run) journal(text string) {
	if r.agent.journal == nil || r.req.ID == "" {
		return
	}
	if err := r.agent.journal.Append(r.ctx, r.req.ID, text); err != nil {
		r.agent.logger.Warn("写入思考过程失败",
			slog.String("task_id", r.req.ID),
			slog.Any("error", err),
		)
	}
}

func renderTurn(turn Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Turn %d ---\n", turn.Number)
	if turn.Thought != "" {
		fmt.Fprintf(&b, "Thought: %s\n", turn.Thought)
	}
	if turn.ActionText != "" {
		fmt.Fprintf(&b, "%s\n", turn.ActionText)
	}
	if turn.Observation != "" {
		fmt.Fprintf(&b, "Observation: %s\n", turn.Observation)
	}
	return b.String()
}
