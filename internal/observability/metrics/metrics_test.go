package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"MetaCortex/internal/task"
)

func TestCollectorRecordsDomainMetrics(t *testing.T) {
	c := New()
	c.ObserveTask(task.StatusQueued, 0)
	c.ObserveTask(task.StatusCompleted, 3*time.Second)
	c.ObserveToolCall("filesystem", "list_directory", "ok", 20*time.Millisecond)
	c.ObserveToolCall("filesystem", "list_directory", "error", 5*time.Millisecond)
	c.ObserveModelCall("ok", time.Second)
	c.ObserveRun("answered", 4, 2*time.Second)
	c.SetToolServerUp("filesystem", true)
	c.SetToolServerUp("broken", false)
	c.ObserveHTTPRequest("/tasks", http.MethodPost, 500, 10*time.Millisecond)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"queued", testutil.ToFloat64(c.tasks.WithLabelValues("queued")), 1},
		{"completed", testutil.ToFloat64(c.tasks.WithLabelValues("completed")), 1},
		{"tool ok", testutil.ToFloat64(c.toolCalls.WithLabelValues("filesystem", "list_directory", "ok")), 1},
		{"tool error", testutil.ToFloat64(c.toolCalls.WithLabelValues("filesystem", "list_directory", "error")), 1},
		{"model", testutil.ToFloat64(c.modelCalls.WithLabelValues("ok")), 1},
		{"runs", testutil.ToFloat64(c.runs.WithLabelValues("answered")), 1},
		{"server up", testutil.ToFloat64(c.toolServers.WithLabelValues("filesystem")), 1},
		{"server down", testutil.ToFloat64(c.toolServers.WithLabelValues("broken")), 0},
		{"http errors", testutil.ToFloat64(c.httpErrors.WithLabelValues("/tasks", http.MethodPost)), 1},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestHandlerExposesTextFormat(t *testing.T) {
	c := New()
	c.ObserveHTTPRequest("/healthz", http.MethodGet, 200, time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`metacortex_http_requests_total{code="200",handler="/healthz",method="GET"} 1`,
		"metacortex_http_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
