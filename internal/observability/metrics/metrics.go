package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MetaCortex/internal/task"
)

const namespace = "metacortex"

// Collector 聚合服务的全部 Prometheus 指标。
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	toolCalls   *prometheus.CounterVec
	toolLatency *prometheus.HistogramVec
	toolServers *prometheus.GaugeVec

	modelCalls   *prometheus.CounterVec
	modelLatency *prometheus.HistogramVec

	runs     *prometheus.CounterVec
	runTurns *prometheus.HistogramVec
}

// New 创建独立注册表上的 Collector，并注册 Go 运行时与进程指标。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions by target status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from claim to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by server, tool and outcome.",
		}, []string{"server", "tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "tool"}),
		toolServers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_server_up",
			Help:      "1 when the tool server connection is verified.",
		}, []string{"server"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model provider calls by outcome.",
		}, []string{"outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model provider latency in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Finished agent runs by outcome.",
		}, []string{"outcome"}),
		runTurns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_turns",
			Help:      "Turns used per agent run.",
			Buckets:   prometheus.LinearBuckets(1, 3, 10),
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpErrors, c.httpLatency,
		c.tasks, c.taskDuration,
		c.toolCalls, c.toolLatency, c.toolServers,
		c.modelCalls, c.modelLatency,
		c.runs, c.runTurns,
	)
	return c
}

// Registry 返回底层注册表。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTask 实现 task.Observer。
func (c *Collector) ObserveTask(status task.Status, elapsed time.Duration) {
	c.tasks.WithLabelValues(string(status)).Inc()
	if status.Terminal() {
		c.taskDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	}
}

// ObserveToolCall 实现 toolserver.Observer。
func (c *Collector) ObserveToolCall(server, tool, outcome string, duration time.Duration) {
	c.toolCalls.WithLabelValues(server, tool, outcome).Inc()
	c.toolLatency.WithLabelValues(server, tool).Observe(duration.Seconds())
}

// SetToolServerUp 记录工具服务器是否可用。
func (c *Collector) SetToolServerUp(server string, up bool) {
	value := 0.0
	if up {
		value = 1
	}
	c.toolServers.WithLabelValues(server).Set(value)
}

// ObserveModelCall 实现 agent.Observer。
func (c *Collector) ObserveModelCall(outcome string, duration time.Duration) {
	c.modelCalls.WithLabelValues(outcome).Inc()
	c.modelLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRun 实现 agent.Observer。
func (c *Collector) ObserveRun(outcome string, turns int, _ time.Duration) {
	c.runs.WithLabelValues(outcome).Inc()
	c.runTurns.WithLabelValues(outcome).Observe(float64(turns))
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
