package toolserver

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"MetaCortex/internal/config"
	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/registry"
)

const (
	CodeToolInvocation    xerrors.Code = "TOOL_INVOCATION_FAILED"
	CodeServerUnavailable xerrors.Code = "TOOL_SERVER_UNAVAILABLE"
)

var (
	// ErrToolInvocation 表示工具调用失败（传输错误或工具自身报错）。
	ErrToolInvocation = xerrors.New(CodeToolInvocation, "tool invocation failed")
	// ErrServerUnavailable 表示目标服务器未处于可用状态。
	ErrServerUnavailable = xerrors.New(CodeServerUnavailable, "tool server unavailable")
)

func init() {
	xerrors.Register(CodeToolInvocation, xerrors.Attributes{
		Message:  "tool invocation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeServerUnavailable, xerrors.Attributes{
		Message:  "tool server unavailable",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Status 表示连接所处的生命周期阶段。
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
	StatusClosed     Status = "closed"
)

// Session 是连接管理所需的 MCP 客户端能力，*client.Client 满足该接口。
type Session interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	Ping(ctx context.Context) error
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

var _ Session = (*client.Client)(nil)

// Dialer 根据配置建立会话。
type Dialer func(ctx context.Context, cfg config.ToolServerConfig) (Session, error)

// DialMCP 使用 mcp-go 按传输类型建立会话。
func DialMCP(ctx context.Context, cfg config.ToolServerConfig) (Session, error) {
	switch cfg.Transport {
	case "", "stdio":
		c, err := client.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("启动 stdio 服务器失败: %w", err)
		}
		return c, nil
	case "sse":
		c, err := client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
		if err != nil {
			return nil, fmt.Errorf("创建 SSE 客户端失败: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("连接 SSE 服务器失败: %w", err)
		}
		return c, nil
	case "http":
		c, err := client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
		if err != nil {
			return nil, fmt.Errorf("创建 HTTP 客户端失败: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("连接 HTTP 服务器失败: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("未知的传输类型: %s", cfg.Transport)
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// ToolError 是工具调用失败的统一描述，不会向上暴露原始传输错误类型。
type ToolError struct {
	Server string
	Tool   string
	Reason string
	Cause  error
	code   xerrors.Code
}

func (e *ToolError) Error() string {
	return e.Reason
}

// Unwrap 同时暴露错误码哨兵与底层原因。
func (e *ToolError) Unwrap() []error {
	sentinel := ErrToolInvocation
	if e.code == CodeServerUnavailable {
		sentinel = ErrServerUnavailable
	}
	if e.Cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Cause}
}

func newToolError(server, tool string, code xerrors.Code, reason string, cause error) *ToolError {
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	return &ToolError{Server: server, Tool: tool, Reason: reason, Cause: cause, code: code}
}

// Connection 表示与单个工具服务器的会话。
type Connection struct {
	cfg config.ToolServerConfig

	callMu sync.Mutex

	mu          sync.RWMutex
	session     Session
	status      Status
	lastErr     error
	tools       []registry.Descriptor
	serverName  string
	connectedAt time.Time
}

func newConnection(cfg config.ToolServerConfig) *Connection {
	return &Connection{cfg: cfg, status: StatusConnecting}
}

// Name 返回服务器名称。
func (c *Connection) Name() string { return c.cfg.Name }

// Status 返回当前状态。
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err 返回最近一次导致失败的错误。
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Tools 返回启动时获取的工具快照。
func (c *Connection) Tools() []registry.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]registry.Descriptor(nil), c.tools...)
}

func (c *Connection) setSession(session Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *Connection) markVerified(serverName string, tools []registry.Descriptor) {
	c.mu.Lock()
	c.status = StatusVerified
	c.serverName = serverName
	c.tools = tools
	c.lastErr = nil
	c.connectedAt = time.Now()
	c.mu.Unlock()
}

func (c *Connection) markFailed(err error) {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.status = StatusFailed
	c.lastErr = err
	c.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

func (c *Connection) currentSession() (Session, Status) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.status
}

// CallTool 调用该服务器上的工具。未开启 multiplex 时同一连接同一时刻只有一个调用在途。
func (c *Connection) CallTool(ctx context.Context, tool string, args map[string]string) (string, error) {
	session, status := c.currentSession()
	if status != StatusVerified || session == nil {
		return "", newToolError(c.cfg.Name, tool, CodeServerUnavailable,
			fmt.Sprintf("tool server %s is %s", c.cfg.Name, status), nil)
	}
	if !c.cfg.Multiplex {
		c.callMu.Lock()
		defer c.callMu.Unlock()
	}
	if timeout := c.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var req mcp.CallToolRequest
	req.Params.Name = tool
	arguments := make(map[string]any, len(args))
	for k, v := range args {
		arguments[k] = v
	}
	req.Params.Arguments = arguments

	result, err := session.CallTool(ctx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", newToolError(c.cfg.Name, tool, CodeToolInvocation, "tool call timed out", err)
		}
		return "", newToolError(c.cfg.Name, tool, CodeToolInvocation, "", err)
	}
	if result == nil {
		return "", nil
	}
	text := renderContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", newToolError(c.cfg.Name, tool, CodeToolInvocation, text, nil)
	}
	return text, nil
}

// Close 关闭会话并将状态置为 closed。
func (c *Connection) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.status = StatusClosed
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// ConnectionStatus 是连接状态的只读快照。
type ConnectionStatus struct {
	Name        string     `json:"name"`
	Transport   string     `json:"transport"`
	Status      Status     `json:"status"`
	ServerName  string     `json:"server_name,omitempty"`
	Tools       int        `json:"tools"`
	Error       string     `json:"error,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// Snapshot 返回当前状态快照。
func (c *Connection) Snapshot() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := ConnectionStatus{
		Name:       c.cfg.Name,
		Transport:  c.cfg.Transport,
		Status:     c.status,
		ServerName: c.serverName,
		Tools:      len(c.tools),
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	if !c.connectedAt.IsZero() {
		at := c.connectedAt
		st.ConnectedAt = &at
	}
	return st
}

var _ registry.Caller = (*Connection)(nil)

func renderContent(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, content := range contents {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
			continue
		}
		encoded, err := json.Marshal(content)
		if err != nil {
			continue
		}
		parts = append(parts, string(encoded))
	}
	return strings.Join(parts, "\n")
}

func toDescriptor(server string, tool mcp.Tool) registry.Descriptor {
	schema := tool.RawInputSchema
	if len(schema) == 0 {
		if encoded, err := json.Marshal(tool.InputSchema); err == nil {
			schema = encoded
		}
	}
	return registry.Descriptor{
		Server:      server,
		Tool:        tool.Name,
		Description: tool.Description,
		Schema:      schema,
	}
}
