package main

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"MetaCortex/internal/agent"
	"MetaCortex/internal/api"
	"MetaCortex/internal/task"
	"MetaCortex/pkg/logger"
	"MetaCortex/sdk/go/metacortex"
)

// Run 启动 API、任务处理器与可选的独立指标端口，直到收到退出信号。
func (c *ServeCmd) Run(ctx context.Context, cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	store, err := newTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	queue, err := newTaskQueue(ctx, cfg.TaskQueue)
	if err != nil {
		_ = store.Close()
		return err
	}

	bus := task.NewEventBus()
	service := task.NewService(store, queue,
		task.WithEventBus(bus),
		task.WithServiceObserver(rt.metrics),
	)
	// Service 关闭时一并释放存储与队列。
	defer service.Close()

	processor := task.NewProcessor(rt.agent, store, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithAlertDispatcher(newAlerter(cfg.Alerting)),
		task.WithProcessorEvents(bus),
		task.WithProcessorObserver(rt.metrics),
	)

	server := api.NewServer(cfg.Server.Address, service,
		api.WithTools(rt.registry),
		api.WithServerStatuses(rt.manager),
		api.WithThoughts(rt.journal),
		api.WithMetrics(rt.metrics),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithAPIKeys(cfg.Server.ResolveAPIKeys()...),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	)

	logger.L().Info("MetaCortex 启动",
		slog.String("version", version),
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Storage.TaskStore.Driver),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.Int("workers", cfg.TaskQueue.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error {
			return ignoreCanceled(rt.metrics.StartServer(gctx, cfg.Metrics.Address))
		})
	}
	err = g.Wait()
	logger.L().Info("MetaCortex 已停止")
	return err
}

// Run 在本进程内执行一次完整的 ReAct 循环。
func (c *AskCmd) Run(ctx context.Context, cli *CLI) error {
	query := strings.TrimSpace(strings.Join(c.Query, " "))
	if query == "" {
		return stdErrors.New("问题内容不能为空")
	}
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.agent.Execute(ctx, agent.TaskRequest{ID: task.NewTaskID(), Query: query})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, result.Answer)
	if result.Outcome == agent.OutcomeTurnLimit {
		fmt.Fprintf(os.Stderr, "（在 %d 轮内未得到最终答案）\n", result.Turns)
	}
	return nil
}

// Run 通过 HTTP API 提交任务，可选等待完成。
func (c *SubmitCmd) Run(ctx context.Context) error {
	query := strings.TrimSpace(strings.Join(c.Query, " "))
	if query == "" {
		return stdErrors.New("问题内容不能为空")
	}
	client, err := metacortex.NewClient(c.URL, nil)
	if err != nil {
		return err
	}
	client.SetAPIKey(c.APIKey)
	submitted, err := client.SubmitTask(ctx, query)
	if err != nil {
		return err
	}
	if !c.Wait {
		fmt.Fprintln(os.Stdout, submitted.TaskID)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	finished, err := client.Wait(waitCtx, submitted.TaskID, metacortex.DefaultWait)
	if err != nil {
		return fmt.Errorf("等待任务 %s 失败: %w", submitted.TaskID, err)
	}
	fmt.Fprintln(os.Stdout, finished.Result)
	if finished.Status == metacortex.StatusError {
		return fmt.Errorf("任务 %s 执行失败", finished.TaskID)
	}
	return nil
}

// Run 连接配置中的工具服务器并打印工具目录。
func (c *ToolsCmd) Run(ctx context.Context, cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	tools := rt.registry.DescribeAll()
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"servers": rt.manager.Statuses(),
			"tools":   tools,
		})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATUS\tTOOLS\tERROR")
	for _, status := range rt.manager.Statuses() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", status.Name, status.Status, status.Tools, status.Error)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TOOL\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\n", tool.QualifiedName(), firstLine(tool.Description))
	}
	return w.Flush()
}

// Run 打印版本号。
func (c *VersionCmd) Run() error {
	fmt.Fprintf(os.Stdout, "metacortexd %s\n", version)
	return nil
}

func ignoreCanceled(err error) error {
	if err == nil || stdErrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
