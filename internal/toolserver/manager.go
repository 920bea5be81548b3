package toolserver

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"MetaCortex/internal/config"
	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/registry"
	"MetaCortex/pkg/logger"
)

const maxToolPages = 100

// Observer 接收工具调用的度量数据。
type Observer interface {
	ObserveToolCall(server, tool, outcome string, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveToolCall(string, string, string, time.Duration) {}

// Option 自定义 Manager。
type Option func(*Manager)

// WithDialer 替换默认的 mcp-go 拨号逻辑。
func WithDialer(dial Dialer) Option {
	return func(m *Manager) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// WithClientInfo 设置初始化握手中上报的客户端信息。
func WithClientInfo(name, version string) Option {
	return func(m *Manager) {
		if name != "" {
			m.clientInfo.Name = name
		}
		if version != "" {
			m.clientInfo.Version = version
		}
	}
}

// WithObserver 注入度量采集器。
func WithObserver(observer Observer) Option {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager 负责建立、校验并维护所有工具服务器连接。
type Manager struct {
	dial       Dialer
	clientInfo mcp.Implementation
	observer   Observer
	logger     *slog.Logger
	tracer     trace.Tracer

	mu    sync.RWMutex
	conns []*Connection
}

// NewManager 创建连接管理器。
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dial:       DialMCP,
		clientInfo: mcp.Implementation{Name: "metacortex", Version: "0.1.0"},
		observer:   nopObserver{},
		logger:     logger.Named("toolserver"),
		tracer:     otel.Tracer("MetaCortex/internal/toolserver"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConnectAll 并行连接所有启用的服务器。单个服务器失败只影响自身，
// 返回的连接顺序与配置顺序一致。
func (m *Manager) ConnectAll(ctx context.Context, servers []config.ToolServerConfig) []*Connection {
	conns := make([]*Connection, 0, len(servers))
	for _, cfg := range servers {
		if cfg.Disabled {
			m.logger.Info("跳过已禁用的工具服务器", slog.String("server", cfg.Name))
			continue
		}
		conns = append(conns, newConnection(cfg))
	}

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(func() error {
			m.connect(ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.conns = append(m.conns, conns...)
	m.mu.Unlock()
	return conns
}

func (m *Manager) connect(ctx context.Context, conn *Connection) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "toolserver.connect",
		trace.WithAttributes(
			attribute.String("server", conn.Name()),
			attribute.String("transport", conn.cfg.Transport),
		))
	defer span.End()

	if timeout := conn.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fail := func(stage string, err error) {
		wrapped := xerrors.Wrap(CodeServerUnavailable, err, fmt.Sprintf("%s 阶段失败", stage),
			xerrors.WithMetadata("server", conn.Name()))
		conn.markFailed(wrapped)
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		m.logger.Warn("工具服务器连接失败",
			slog.String("server", conn.Name()),
			slog.String("stage", stage),
			slog.Any("error", err),
		)
		logger.Audit().Warn("tool_server_failed",
			slog.String("server", conn.Name()),
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
	}

	session, err := m.dial(ctx, conn.cfg)
	if err != nil {
		fail("dial", err)
		return
	}
	conn.setSession(session)

	serverName, err := m.Verify(ctx, session)
	if err != nil {
		fail("verify", err)
		return
	}

	tools, err := m.ListTools(ctx, conn.Name(), session)
	if err != nil {
		fail("list_tools", err)
		return
	}

	conn.markVerified(serverName, tools)
	span.SetAttributes(attribute.Int("tools", len(tools)))
	m.logger.Info("工具服务器已就绪",
		slog.String("server", conn.Name()),
		slog.Int("tools", len(tools)),
		slog.Duration("elapsed", time.Since(start)),
	)
	logger.Audit().Info("tool_server_verified",
		slog.String("server", conn.Name()),
		slog.String("transport", conn.cfg.Transport),
		slog.Int("tools", len(tools)),
	)
}

// Verify 执行初始化握手并发送一次 ping，返回服务器自报名称。
func (m *Manager) Verify(ctx context.Context, session Session) (string, error) {
	var req mcp.InitializeRequest
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = m.clientInfo
	res, err := session.Initialize(ctx, req)
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	if err := session.Ping(ctx); err != nil {
		return "", fmt.Errorf("ping: %w", err)
	}
	if res == nil {
		return "", nil
	}
	return res.ServerInfo.Name, nil
}

// ListTools 拉取服务器的全部工具（支持分页）。
func (m *Manager) ListTools(ctx context.Context, server string, session Session) ([]registry.Descriptor, error) {
	var (
		req   mcp.ListToolsRequest
		tools []registry.Descriptor
	)
	for page := 0; page < maxToolPages; page++ {
		res, err := session.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		if res == nil {
			break
		}
		for _, tool := range res.Tools {
			tools = append(tools, toDescriptor(server, tool))
		}
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return tools, nil
}

// Populate 将已验证连接的工具写入注册表，保持配置顺序。
// 重复的限定名视为致命配置错误。
func (m *Manager) Populate(reg *registry.Registry) error {
	for _, conn := range m.Connections() {
		if conn.Status() != StatusVerified {
			continue
		}
		if err := reg.Register(conn.Name(), conn, conn.Tools()); err != nil {
			m.logger.Error("注册工具失败", slog.String("server", conn.Name()), slog.Any("error", err))
			return err
		}
	}
	return nil
}

// Invoke 调用注册表解析出的工具，并记录追踪、日志与度量。
func (m *Manager) Invoke(ctx context.Context, entry registry.Entry, args map[string]string) (string, error) {
	server, tool := entry.Descriptor.Server, entry.Descriptor.Tool
	ctx, span := m.tracer.Start(ctx, "toolserver.invoke",
		trace.WithAttributes(
			attribute.String("server", server),
			attribute.String("tool", tool),
			attribute.Int("args", len(args)),
		))
	defer span.End()

	start := time.Now()
	output, err := entry.Caller.CallTool(ctx, tool, args)
	elapsed := time.Since(start)

	if err != nil {
		var toolErr *ToolError
		if !stdErrors.As(err, &toolErr) {
			err = newToolError(server, tool, CodeToolInvocation, "", err)
		}
		m.observer.ObserveToolCall(server, tool, "error", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
		m.logger.Warn("工具调用失败",
			slog.String("tool", entry.Descriptor.QualifiedName()),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		return "", err
	}

	m.observer.ObserveToolCall(server, tool, "ok", elapsed)
	m.logger.Debug("工具调用完成",
		slog.String("tool", entry.Descriptor.QualifiedName()),
		slog.Duration("elapsed", elapsed),
		slog.Int("output_bytes", len(output)),
	)
	return output, nil
}

// Connections 返回全部连接（含失败的）。
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Connection(nil), m.conns...)
}

// Statuses 返回每个连接的状态快照。
func (m *Manager) Statuses() []ConnectionStatus {
	conns := m.Connections()
	out := make([]ConnectionStatus, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Snapshot())
	}
	return out
}

// Close 关闭所有会话。
func (m *Manager) Close() error {
	var errs []error
	for _, conn := range m.Connections() {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭 %s 失败: %w", conn.Name(), err))
		}
	}
	return stdErrors.Join(errs...)
}
