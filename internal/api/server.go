package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/observability/metrics"
	"MetaCortex/internal/registry"
	"MetaCortex/internal/task"
	"MetaCortex/internal/toolserver"
	"MetaCortex/pkg/logger"
)

const maxBodyBytes = 1 << 20

// maxTaskWait 限制 GET /tasks/{id}?wait= 的最长挂起时间。
const maxTaskWait = time.Minute

// TaskService 是 API 依赖的任务服务能力。
type TaskService interface {
	Submit(ctx context.Context, query string) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
	WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*task.Task, error)
}

// ToolCatalog 提供已注册工具的描述。
type ToolCatalog interface {
	DescribeAll() []registry.Descriptor
}

// ServerStatuses 提供工具服务器连接状态。
type ServerStatuses interface {
	Statuses() []toolserver.ConnectionStatus
}

// ThoughtReader 读取任务的思考过程记录。
type ThoughtReader interface {
	Read(ctx context.Context, taskID string) (string, error)
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTools 暴露 /tools。
func WithTools(catalog ToolCatalog) Option {
	return func(s *Server) { s.tools = catalog }
}

// WithServerStatuses 暴露 /servers。
func WithServerStatuses(src ServerStatuses) Option {
	return func(s *Server) { s.servers = src }
}

// WithThoughts 暴露 /tasks/{id}/thought-process。
func WithThoughts(reader ThoughtReader) Option {
	return func(s *Server) { s.thoughts = reader }
}

// WithMetrics 启用请求指标并暴露 /metrics。
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) { s.metrics = collector }
}

// WithAllowedOrigins 设置 CORS 允许的来源，默认 "*"。
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// Server 负责暴露 REST 接口，供外部提交任务并查询结果。
type Server struct {
	addr            string
	tasks           TaskService
	tools           ToolCatalog
	servers         ServerStatuses
	thoughts        ThoughtReader
	metrics         *metrics.Collector
	origins         []string
	apiKeys         [][]byte
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks TaskService, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		origins:         []string{"*"},
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，接口同时挂载在 /api/v1 与根路径下。
func (s *Server) Handler() http.Handler {
	routes := http.NewServeMux()
	s.route(routes, "POST /tasks", s.handleCreateTask)
	s.route(routes, "GET /tasks", s.handleListTasks)
	s.route(routes, "GET /tasks/{id}", s.handleTaskDetail)
	s.route(routes, "GET /tasks/{id}/thought-process", s.handleThoughtProcess)
	s.route(routes, "GET /tools", s.handleTools)
	s.route(routes, "GET /servers", s.handleServers)
	s.route(routes, "GET /stats", s.handleStats)
	s.route(routes, "GET /healthz", s.handleHealth)
	if s.metrics != nil {
		routes.Handle("GET /metrics", s.metrics.Handler())
	}

	root := http.NewServeMux()
	root.Handle("/api/v1/", http.StripPrefix("/api/v1", routes))
	root.Handle("/", routes)
	return s.withCORS(s.withAuth(root))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	label := pattern
	if idx := strings.IndexByte(pattern, ' '); idx >= 0 {
		label = pattern[idx+1:]
	}
	mux.Handle(pattern, s.instrument(label, handler))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(label string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(label, r.Method, rec.status, time.Since(start))
		}
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.origins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

type createTaskRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.tasks.Submit(r.Context(), req.Query)
	if err != nil {
		s.logger.Warn("提交任务失败", slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, err)
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		done, err := s.tasks.WaitUntilCompleted(ctx, id, 0)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, done)
			return
		case !errors.Is(err, context.DeadlineExceeded):
			writeError(w, err)
			return
		}
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// parseWait 解析长轮询时长，超过 maxTaskWait 时截断。
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "wait 必须为非负时长，例如 30s")
	}
	return min(wait, maxTaskWait), nil
}

func (s *Server) handleThoughtProcess(w http.ResponseWriter, r *http.Request) {
	if s.thoughts == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "未启用思考过程记录"))
		return
	}
	id := r.PathValue("id")
	if _, err := s.tasks.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	text, err := s.thoughts.Read(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	tools := []registry.Descriptor{}
	if s.tools != nil {
		tools = append(tools, s.tools.DescribeAll()...)
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	statuses := []toolserver.ConnectionStatus{}
	if s.servers != nil {
		statuses = append(statuses, s.servers.Statuses()...)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为非负整数")
		}
		opts = append(opts, task.WithLimit(n))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(n))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if q.Get("order") == "updated" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedDesc))
	}
	return opts, nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	var coded *xerrors.Error
	if errors.As(err, &coded) {
		message = coded.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Error: errorDetail{Code: string(code), Message: message}})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, task.CodeTaskFinalized:
		return http.StatusConflict
	case xerrors.CodeUnavailable, xerrors.CodeQueueFailure, task.CodeTaskPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeUnavailable, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
