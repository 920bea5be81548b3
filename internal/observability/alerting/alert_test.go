package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	xerrors "MetaCortex/internal/errors"
)

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var (
		got    Event
		header string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, map[string]string{"X-Token": "secret"})
	event := Event{
		Code:       "MODEL_PROVIDER_FAILED",
		Message:    "rate limited",
		Severity:   xerrors.SeverityWarning,
		TaskID:     "task_1",
		Stage:      "execute",
		OccurredAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if header != "secret" {
		t.Fatalf("custom header missing")
	}
	if diff := cmp.Diff(event, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, nil).Notify(context.Background(), Event{TaskID: "x"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return ChannelWebhook }
func (failingNotifier) Notify(context.Context, Event) error {
	return io.ErrUnexpectedEOF
}

func TestFanoutDispatchesToAllChannels(t *testing.T) {
	var buf bytes.Buffer
	logNotifier := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	d := NewFanout(logNotifier, failingNotifier{}, nil)

	if diff := cmp.Diff([]Channel{ChannelLog, ChannelWebhook}, d.Channels()); diff != "" {
		t.Fatalf("channels mismatch (-want +got):\n%s", diff)
	}
	err := d.Notify(context.Background(), Event{
		Code:     "TASK_PROCESSING_FAILED",
		Severity: xerrors.SeverityCritical,
		TaskID:   "task_9",
		Metadata: map[string]string{"cause": "panic"},
	})
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected joined webhook error, got %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"msg":"task_alert"`, `"level":"ERROR"`, `"task_id":"task_9"`, `"meta.cause":"panic"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s: %s", want, out)
		}
	}
}
