package agent

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/llm"
	"MetaCortex/internal/registry"
	"MetaCortex/pkg/logger"
)

// CodeTurnLimit 标记因轮次耗尽而结束的运行，不属于错误。
const CodeTurnLimit xerrors.Code = "TURN_LIMIT_EXCEEDED"

func init() {
	xerrors.Register(CodeTurnLimit, xerrors.Attributes{
		Message:  "turn limit exceeded",
		Severity: xerrors.SeverityInfo,
	})
}

const (
	defaultMaxTurns     = 25
	defaultInitRetries  = 2
	defaultRetryBackoff = 500 * time.Millisecond
	defaultAgentName    = "MetaCortex"
)

//go:embed prompts/system.tmpl
var defaultPromptTemplate string

// Outcome 区分正常作答与轮次耗尽。
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeTurnLimit Outcome = "turn_limit"
)

// TaskRequest 描述一次智能体运行。
type TaskRequest struct {
	ID    string `json:"id,omitempty"`
	Query string `json:"query"`
}

// Turn 是 transcript 中的一条记录。
type Turn struct {
	Number      int    `json:"number"`
	Thought     string `json:"thought,omitempty"`
	ActionText  string `json:"action_text,omitempty"`
	Observation string `json:"observation,omitempty"`
}

// TaskResult 汇总一次运行的结果。
type TaskResult struct {
	TaskID     string  `json:"task_id,omitempty"`
	Query      string  `json:"query"`
	Answer     string  `json:"answer"`
	Outcome    Outcome `json:"outcome"`
	Turns      int     `json:"turns"`
	ModelCalls int     `json:"model_calls"`
	Transcript []Turn  `json:"transcript"`
}

// ToolCatalog 是运行所需的注册表能力。
type ToolCatalog interface {
	Resolve(name string) (registry.Entry, error)
	DescribeAll() []registry.Descriptor
}

// ToolInvoker 执行解析出的工具调用。
type ToolInvoker interface {
	Invoke(ctx context.Context, entry registry.Entry, args map[string]string) (string, error)
}

// Journal 持久化每一轮的思考过程。
type Journal interface {
	Append(ctx context.Context, taskID, text string) error
}

// Observer 接收模型调用与运行结束的度量数据。
type Observer interface {
	ObserveModelCall(outcome string, duration time.Duration)
	ObserveRun(outcome string, turns int, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveModelCall(string, time.Duration) {}
func (nopObserver) ObserveRun(string, int, time.Duration)  {}

type directInvoker struct{}

func (directInvoker) Invoke(ctx context.Context, entry registry.Entry, args map[string]string) (string, error) {
	return entry.Caller.CallTool(ctx, entry.Descriptor.Tool, args)
}

// Agent 驱动 ReAct 循环，可被多个任务并发复用。
type Agent struct {
	llmClient    llm.Client
	catalog      ToolCatalog
	invoker      ToolInvoker
	journal      Journal
	observer     Observer
	name         string
	promptText   string
	prompt       *template.Template
	maxTurns     int
	initRetries  int
	retryBackoff time.Duration
	llmTimeout   time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxTurns 设置单次运行的最大轮次。
func WithMaxTurns(turns int) Option {
	return func(a *Agent) {
		if turns > 0 {
			a.maxTurns = turns
		}
	}
}

// WithInitRetries 设置首次模型调用失败时的重试次数，0 表示不重试。
func WithInitRetries(retries int) Option {
	return func(a *Agent) {
		if retries >= 0 {
			a.initRetries = retries
		}
	}
}

// WithRetryBackoff 设置首次调用重试之间的等待时间。
func WithRetryBackoff(backoff time.Duration) Option {
	return func(a *Agent) {
		if backoff >= 0 {
			a.retryBackoff = backoff
		}
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithSystemPrompt 使用自定义模板替换内置系统提示词。
func WithSystemPrompt(text string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(text) != "" {
			a.promptText = text
		}
	}
}

// WithName 设置渲染进提示词的智能体名称。
func WithName(name string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(name) != "" {
			a.name = name
		}
	}
}

// WithToolInvoker 指定工具调用入口，通常为 toolserver.Manager。
func WithToolInvoker(invoker ToolInvoker) Option {
	return func(a *Agent) {
		if invoker != nil {
			a.invoker = invoker
		}
	}
}

// WithJournal 配置思考过程日志。
func WithJournal(journal Journal) Option {
	return func(a *Agent) {
		a.journal = journal
	}
}

// WithObserver 注入度量采集器。
func WithObserver(observer Observer) Option {
	return func(a *Agent) {
		if observer != nil {
			a.observer = observer
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。提示词模板在此处解析，错误会立即返回。
func New(llmClient llm.Client, catalog ToolCatalog, opts ...Option) (*Agent, error) {
	if llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}
	ag := &Agent{
		llmClient:    llmClient,
		catalog:      catalog,
		invoker:      directInvoker{},
		observer:     nopObserver{},
		name:         defaultAgentName,
		promptText:   defaultPromptTemplate,
		maxTurns:     defaultMaxTurns,
		initRetries:  defaultInitRetries,
		retryBackoff: defaultRetryBackoff,
		logger:       logger.Named("agent"),
		tracer:       otel.Tracer("MetaCortex/internal/agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}

	tmpl, err := template.New("system").Parse(ag.promptText)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析系统提示词模板失败")
	}
	ag.prompt = tmpl
	return ag, nil
}

// MaxTurns 返回生效的最大轮次。
func (a *Agent) MaxTurns() int { return a.maxTurns }

type promptData struct {
	AgentName string
	Tools     []registry.Descriptor
}

// SystemPrompt 以当前工具目录渲染系统提示词。
func (a *Agent) SystemPrompt() (string, error) {
	var buf bytes.Buffer
	if err := a.prompt.Execute(&buf, promptData{
		AgentName: a.name,
		Tools:     a.catalog.DescribeAll(),
	}); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "渲染系统提示词失败")
	}
	return strings.TrimSpace(buf.String()), nil
}

// Execute 运行一次完整的 ReAct 循环。
// 轮次耗尽不视为错误，结果的 Outcome 为 turn_limit；模型调用失败返回 MODEL_PROVIDER_FAILED。
func (a *Agent) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务内容不能为空")
	}
	r := newRun(ctx, a, req)
	return r.execute()
}

func (a *Agent) callModel(ctx context.Context, messages []llm.Message, first bool) (string, error) {
	attempts := 1
	if first {
		attempts += a.initRetries
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			a.logger.Warn("模型调用失败，准备重试",
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(a.retryBackoff):
			}
		}
		output, err := a.generateOnce(ctx, messages)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (a *Agent) generateOnce(ctx context.Context, messages []llm.Message) (string, error) {
	callCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := a.llmClient.Generate(callCtx, llm.Request{Messages: append([]llm.Message(nil), messages...)})
	if err != nil {
		a.observer.ObserveModelCall("error", time.Since(start))
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		a.observer.ObserveModelCall("error", time.Since(start))
		return "", fmt.Errorf("模型返回了空内容")
	}
	a.observer.ObserveModelCall("ok", time.Since(start))
	return resp.Content, nil
}
