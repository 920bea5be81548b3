package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"MetaCortex/internal/agent"
	"MetaCortex/internal/config"
	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/llm"
	"MetaCortex/internal/llm/openai"
	"MetaCortex/internal/llm/scriptbridge"
	"MetaCortex/internal/observability/alerting"
	"MetaCortex/internal/observability/metrics"
	"MetaCortex/internal/registry"
	"MetaCortex/internal/storage/journal"
	"MetaCortex/internal/storage/sqldb"
	"MetaCortex/internal/task"
	"MetaCortex/internal/toolserver"
	"MetaCortex/pkg/logger"
)

// runtime 汇总进程内共享的组件。
type runtime struct {
	cfg      *config.Config
	metrics  *metrics.Collector
	manager  *toolserver.Manager
	registry *registry.Registry
	journal  *journal.FileJournal
	agent    *agent.Agent

	closers []func() error
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

// newRuntime 连接工具服务器、填充注册表并构造 Agent。
// 单个工具服务器失败不会阻止启动。
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg, metrics: metrics.New(), registry: registry.New()}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	j, err := journal.NewFileJournal(cfg.Runtime.JournalDir())
	if err != nil {
		return nil, err
	}
	rt.journal = j

	rt.manager = toolserver.NewManager(
		toolserver.WithClientInfo("metacortex", version),
		toolserver.WithObserver(rt.metrics),
	)
	rt.closers = append(rt.closers, rt.manager.Close)

	for _, conn := range rt.manager.ConnectAll(ctx, cfg.ToolServers) {
		rt.metrics.SetToolServerUp(conn.Name(), conn.Status() == toolserver.StatusVerified)
	}
	if err := rt.manager.Populate(rt.registry); err != nil {
		rt.Close()
		return nil, err
	}
	logger.L().Info("工具目录已就绪",
		slog.Int("servers", len(rt.registry.Servers())),
		slog.Int("tools", rt.registry.Len()),
	)

	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		rt.Close()
		return nil, err
	}

	prompt := cfg.Agent.SystemPrompt
	if cfg.Agent.PromptFile != "" {
		content, err := os.ReadFile(cfg.Agent.PromptFile)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("读取提示词文件失败: %w", err)
		}
		prompt = string(content)
	}

	ag, err := agent.New(client, rt.registry,
		agent.WithName(cfg.Agent.Name),
		agent.WithMaxTurns(cfg.Agent.MaxTurns),
		agent.WithInitRetries(cfg.Agent.InitRetries),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout()),
		agent.WithSystemPrompt(prompt),
		agent.WithToolInvoker(rt.manager),
		agent.WithJournal(rt.journal),
		agent.WithObserver(rt.metrics),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.agent = ag
	return rt, nil
}

// Close 按注册的逆序释放资源。
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return stdErrors.Join(errs...)
}

func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "openai", "openrouter":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.OpenAI.ResolveAPIKey(),
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			Timeout:     cfg.OpenAI.Timeout(),
			Headers:     cfg.OpenAI.Headers,
		})
	case "script_bridge":
		return scriptbridge.NewClient(scriptbridge.Config{
			Executable: cfg.Script.Executable,
			Args:       cfg.Script.Args,
			ScriptPath: scriptbridge.ResolveScriptPath(cfg.Script.WorkingDir, cfg.Script.ScriptPath),
			WorkingDir: cfg.Script.WorkingDir,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的大模型 provider: "+cfg.Provider)
	}
}

func newTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, sqldb.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	case "sqlite":
		return task.NewSQLiteStore(ctx, cfg.DSN)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务存储驱动: "+cfg.Driver)
	}
}

func newTaskQueue(ctx context.Context, cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	case "nats":
		return task.NewNATSQueue(task.NATSConfig{
			URL:        cfg.NATS.URL,
			Subject:    cfg.NATS.Subject,
			QueueGroup: cfg.NATS.QueueGroup,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的队列驱动: "+cfg.Driver)
	}
}

// newAlerter 根据配置组装告警渠道，未配置任何渠道时返回 nil。
func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookHeaders))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
