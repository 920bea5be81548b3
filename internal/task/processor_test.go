package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"MetaCortex/internal/agent"
	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/llm"
	"MetaCortex/internal/observability/alerting"
)

type fakeAgent struct {
	processed atomic.Int32
	latency   time.Duration
	fail      map[string]error
	panicOn   string

	mu   sync.Mutex
	seen map[string]int
}

func (f *fakeAgent) Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error) {
	f.mu.Lock()
	if f.seen == nil {
		f.seen = map[string]int{}
	}
	f.seen[req.ID]++
	f.mu.Unlock()

	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if req.Query == f.panicOn {
		panic("boom")
	}
	if err := f.fail[req.Query]; err != nil {
		return nil, err
	}
	f.processed.Add(1)
	return &agent.TaskResult{TaskID: req.ID, Query: req.Query, Answer: "answer to " + req.Query, Outcome: agent.OutcomeAnswered, Turns: 2}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[Status]int
}

func (c *countingObserver) ObserveTask(status Status, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[Status]int{}
	}
	c.counts[status]++
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeAgent{latency: 10 * time.Millisecond}
	observer := &countingObserver{}

	service := NewService(store, queue, WithServiceObserver(observer))
	processor := NewProcessor(executor, store, queue,
		WithWorkerCount(8),
		WithProcessorEvents(service.Events()),
		WithProcessorObserver(observer),
	)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	submitted := make([]string, 0, total)
	seen := map[string]bool{}
	for i := 0; i < total; i++ {
		task, err := service.Submit(ctx, fmt.Sprintf("query-%d", i))
		if err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
		if task.Status != StatusQueued || !strings.HasPrefix(task.ID, "task_") {
			t.Fatalf("unexpected submitted task: %+v", task)
		}
		if seen[task.ID] {
			t.Fatalf("duplicate task id %s", task.ID)
		}
		seen[task.ID] = true
		submitted = append(submitted, task.ID)
	}

	for _, id := range submitted {
		done, err := service.WaitUntilCompleted(ctx, id, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if done.Status != StatusCompleted || done.Outcome != "answered" || !strings.HasPrefix(done.Result, "answer to query-") {
			t.Fatalf("unexpected result: %+v", done)
		}
	}
	cancel()

	if int(executor.processed.Load()) != total {
		t.Fatalf("expected %d executions, got %d", total, executor.processed.Load())
	}
	observer.mu.Lock()
	defer observer.mu.Unlock()
	if observer.counts[StatusQueued] != total || observer.counts[StatusRunning] != total || observer.counts[StatusCompleted] != total {
		t.Fatalf("unexpected transition counts: %+v", observer.counts)
	}

	tasks, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != total || tasks[0].ID != submitted[0] || tasks[total-1].ID != submitted[total-1] {
		t.Fatalf("list should return all tasks in submission order")
	}
}

func TestProcessorSkipsRedelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	executor := &fakeAgent{}
	processor := NewProcessor(executor, store, nil)

	if err := store.Create(ctx, &Task{ID: "task_dup", Query: "q"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := processor.Handle(ctx, "task_dup"); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}
	if err := processor.Handle(ctx, "task_unknown"); err != nil {
		t.Fatalf("unknown id should be skipped, got %v", err)
	}
	if executor.seen["task_dup"] != 1 {
		t.Fatalf("task executed %d times", executor.seen["task_dup"])
	}
}

func TestProcessorRecordsFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alerter := &recordingAlerter{}
	executor := &fakeAgent{
		fail:    map[string]error{"provider": xerrors.Wrap(llm.CodeProviderFailed, errors.New("401 unauthorized"), "第 1 轮模型调用失败")},
		panicOn: "explode",
	}
	processor := NewProcessor(executor, store, nil, WithAlertDispatcher(alerter))

	for _, tc := range []struct {
		id, query string
		code      xerrors.Code
	}{
		{"task_p", "provider", llm.CodeProviderFailed},
		{"task_x", "explode", CodeTaskProcessing},
	} {
		if err := store.Create(ctx, &Task{ID: tc.id, Query: tc.query}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := processor.Handle(ctx, tc.id); err != nil {
			t.Fatalf("handle: %v", err)
		}
		got, _ := store.Get(ctx, tc.id)
		if got.Status != StatusError || got.ErrorCode != string(tc.code) || !strings.HasPrefix(got.Result, "Error: ") {
			t.Fatalf("unexpected failed task %s: %+v", tc.id, got)
		}
	}

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.events) != 2 || alerter.events[0].TaskID != "task_p" || alerter.events[0].Code != llm.CodeProviderFailed {
		t.Fatalf("unexpected alerts: %+v", alerter.events)
	}
}

func TestConcurrentSubmitEmitsOrderedTransitions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	bus := NewEventBus()
	service := NewService(store, queue, WithEventBus(bus))
	processor := NewProcessor(&fakeAgent{latency: time.Millisecond}, store, queue,
		WithWorkerCount(6),
		WithProcessorEvents(bus),
	)

	var (
		mu       sync.Mutex
		statuses = map[string][]Status{}
	)
	events := make(chan Event, 64)
	sub := service.Subscribe(events)
	defer sub.Unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				mu.Lock()
				statuses[ev.TaskID] = append(statuses[ev.TaskID], ev.Status)
				mu.Unlock()
			}
		}
	}()
	go func() { _ = processor.Start(ctx) }()

	const total = 300
	ids := make(chan string, total)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := service.Submit(ctx, fmt.Sprintf("parallel-%d", i))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids <- task.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	distinct := map[string]bool{}
	for id := range ids {
		if distinct[id] {
			t.Fatalf("duplicate task id %s", id)
		}
		distinct[id] = true
	}
	if len(distinct) != total {
		t.Fatalf("expected %d ids, got %d", total, len(distinct))
	}

	finished := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for id := range distinct {
			if len(statuses[id]) < 3 {
				return false
			}
		}
		return true
	}
	for !finished() {
		select {
		case <-ctx.Done():
			t.Fatal("timed out waiting for every task to complete")
		case <-time.After(10 * time.Millisecond):
		}
	}

	want := []Status{StatusQueued, StatusRunning, StatusCompleted}
	mu.Lock()
	defer mu.Unlock()
	for id := range distinct {
		if diff := cmp.Diff(want, statuses[id]); diff != "" {
			t.Fatalf("task %s transitions mismatch (-want +got):\n%s", id, diff)
		}
	}
}

func TestProcessorAlertsOnlyWhenRequired(t *testing.T) {
	store := NewMemoryStore()
	alerter := &recordingAlerter{}
	executor := &fakeAgent{
		fail: map[string]error{
			"invalid":  xerrors.New(xerrors.CodeInvalidArgument, "bad input"),
			"silenced": xerrors.Wrap(xerrors.CodeExecutorFailure, errors.New("busy"), "执行器繁忙", xerrors.WithAlert(false)),
			"storage":  xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("disk full"), "写入失败", xerrors.WithMetadata("table", "tasks")),
		},
	}
	processor := NewProcessor(executor, store, nil, WithAlertDispatcher(alerter))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for _, tc := range []struct {
		id, query string
		ctx       context.Context
		latency   time.Duration
	}{
		{"task_invalid", "invalid", context.Background(), 0},
		{"task_silenced", "silenced", context.Background(), 0},
		{"task_storage", "storage", context.Background(), 0},
		{"task_shutdown", "shutdown", canceled, time.Second},
	} {
		if err := store.Create(context.Background(), &Task{ID: tc.id, Query: tc.query}); err != nil {
			t.Fatalf("create: %v", err)
		}
		executor.latency = tc.latency
		if err := processor.Handle(tc.ctx, tc.id); err != nil {
			t.Fatalf("handle %s: %v", tc.id, err)
		}
		got, _ := store.Get(context.Background(), tc.id)
		if got.Status != StatusError {
			t.Fatalf("expected %s to fail, got %+v", tc.id, got)
		}
	}

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	want := []alerting.Event{{
		Code:     xerrors.CodeStorageFailure,
		Severity: xerrors.SeverityCritical,
		TaskID:   "task_storage",
		Query:    "storage",
		Stage:    "execute",
		Metadata: map[string]string{"table": "tasks"},
	}}
	ignore := cmpopts.IgnoreFields(alerting.Event{}, "Message", "OccurredAt")
	if diff := cmp.Diff(want, alerter.events, ignore); diff != "" {
		t.Fatalf("alerts mismatch (-want +got):\n%s", diff)
	}
}
