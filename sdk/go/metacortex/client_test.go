package metacortex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"MetaCortex/internal/agent"
	"MetaCortex/internal/api"
	"MetaCortex/internal/storage/journal"
	"MetaCortex/internal/task"
)

type echoAgent struct {
	journal *journal.FileJournal
}

func (e echoAgent) Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error) {
	if req.Query == "explode" {
		return nil, errors.New("provider offline")
	}
	_ = e.journal.Append(ctx, req.ID, "Question: "+req.Query+"\n")
	return &agent.TaskResult{TaskID: req.ID, Answer: "echo: " + req.Query, Outcome: agent.OutcomeAnswered, Turns: 1}, nil
}

func newLiveClient(t *testing.T) *Client {
	t.Helper()
	j, err := journal.NewFileJournal(t.TempDir())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(8)
	svc := task.NewService(store, queue)
	processor := task.NewProcessor(echoAgent{journal: j}, store, queue,
		task.WithWorkerCount(2),
		task.WithProcessorEvents(svc.Events()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(api.NewServer(":0", svc, api.WithThoughts(j)).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitAndWait(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.SubmitTask(ctx, "ping")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(submitted.TaskID, "task_") {
		t.Fatalf("unexpected task id %q", submitted.TaskID)
	}

	finished, err := client.Wait(ctx, submitted.TaskID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.Status != StatusCompleted || finished.Result != "echo: ping" {
		t.Fatalf("unexpected task: %+v", finished)
	}

	thoughts, err := client.ThoughtProcess(ctx, submitted.TaskID)
	if err != nil {
		t.Fatalf("thought process: %v", err)
	}
	if thoughts != "Question: ping\n" {
		t.Fatalf("unexpected thought process %q", thoughts)
	}

	listed, err := client.ListTasks(ctx, ListOptions{Statuses: []string{StatusCompleted}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].TaskID != submitted.TaskID {
		t.Fatalf("unexpected list: %+v", listed)
	}
}

func TestFailedTaskCarriesErrorResult(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.SubmitTask(ctx, "explode")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	finished, err := client.Wait(ctx, submitted.TaskID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.Status != StatusError || !strings.HasPrefix(finished.Result, "Error: ") {
		t.Fatalf("unexpected task: %+v", finished)
	}

	stats, err := client.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Error != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWaitLongPollsServer(t *testing.T) {
	var (
		mu    sync.Mutex
		waits []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		waits = append(waits, r.URL.Query().Get("wait"))
		status := StatusRunning
		if len(waits) > 1 {
			status = StatusCompleted
		}
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(Task{TaskID: "task-1", Status: status, Result: "done"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	finished, err := client.Wait(context.Background(), "task-1", 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.Status != StatusCompleted {
		t.Fatalf("unexpected task: %+v", finished)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"2s", "2s"}, waits); diff != "" {
		t.Fatalf("wait parameter mismatch (-want +got):\n%s", diff)
	}
}

func TestWaitStopsAtContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Task{TaskID: "task-1", Status: StatusQueued})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := client.Wait(ctx, "task-1", time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSubmitValidationError(t *testing.T) {
	client := newLiveClient(t)

	_, err := client.SubmitTask(context.Background(), "   ")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code == "" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/task-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(struct {
				Error APIError `json:"error"`
			}{Error: APIError{Code: "TASK_NOT_FOUND", Message: "missing"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetTask(context.Background(), "task-404")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	want := &APIError{StatusCode: http.StatusNotFound, Code: "TASK_NOT_FOUND", Message: "missing"}
	if diff := cmp.Diff(want, err); diff != "" {
		t.Fatalf("error mismatch (-want +got):\n%s", diff)
	}
}

func TestAPIErrorKeepsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"TASK_NOT_FOUND","message":"missing","StatusCode":0}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetTask(context.Background(), "task-404")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status code overwritten by body: %v", err)
	}
}

func TestListOptionsQuery(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.RawQuery
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/prefix", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.ListTasks(context.Background(), ListOptions{
		Limit:         5,
		Statuses:      []string{StatusQueued, StatusRunning},
		Query:         "weather",
		RecentUpdates: true,
	}); err != nil {
		t.Fatalf("list: %v", err)
	}
	want := "limit=5&order=updated&q=weather&status=queued%2Crunning"
	if raw != want {
		t.Fatalf("query = %q, want %q", raw, want)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

func TestAPIKeyIsSentAsBearerToken(t *testing.T) {
	svc := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(4))
	srv := httptest.NewServer(api.NewServer(":0", svc, api.WithAPIKeys("secret")).Handler())
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Tools(context.Background()); err == nil {
		t.Fatal("expected unauthorized without key")
	} else if apiErr := new(APIError); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	client.SetAPIKey("secret")
	tools, err := client.Tools(context.Background())
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(tools) != 0 {
		t.Fatalf("expected no tools, got %d", len(tools))
	}
}
