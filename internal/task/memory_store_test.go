package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// storeContract 对任意 Store 实现执行相同的状态机校验。
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := store.Create(ctx, &Task{ID: id, Query: "query " + id}); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}
	if err := store.Create(ctx, &Task{ID: "t1", Query: "dup"}); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusQueued || got.Query != "query t1" || got.Result != "" {
		t.Fatalf("unexpected new task: %+v", got)
	}
	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := store.MarkCompleted(ctx, "t1", Result{Answer: "x"}); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("queued task must not complete directly, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.StartedAt == 0 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}

	done, err := store.MarkCompleted(ctx, "t1", Result{Answer: "42", Outcome: "answered", Turns: 3})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.Result != "42" || done.Outcome != "answered" || done.Turns != 3 || done.FinishedAt == 0 {
		t.Fatalf("unexpected completed task: %+v", done)
	}
	if _, err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "late"); !stdErrors.Is(err, ErrTaskFinalized) {
		t.Fatalf("terminal task must be immutable, got %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTaskFinalized) {
		t.Fatalf("terminal task must not be reclaimed, got %v", err)
	}

	failed, err := store.MarkFailed(ctx, "t2", CodeTaskPublish, "Error: broker down")
	if err != nil {
		t.Fatalf("fail queued task: %v", err)
	}
	if failed.Status != StatusError || failed.ErrorCode != string(CodeTaskPublish) || failed.Result != "Error: broker down" {
		t.Fatalf("unexpected failed task: %+v", failed)
	}

	all, err := store.List(ctx, BuildListOptions())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, ids(all)); diff != "" {
		t.Fatalf("default order should follow submission (-want +got):\n%s", diff)
	}

	queued, err := store.List(ctx, BuildListOptions(WithStatuses(StatusQueued)))
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if diff := cmp.Diff([]string{"t3"}, ids(queued)); diff != "" {
		t.Fatalf("status filter mismatch (-want +got):\n%s", diff)
	}

	page, err := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if diff := cmp.Diff([]string{"t2"}, ids(page)); diff != "" {
		t.Fatalf("pagination mismatch (-want +got):\n%s", diff)
	}

	matched, err := store.List(ctx, BuildListOptions(WithQuery("broker")))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if diff := cmp.Diff([]string{"t2"}, ids(matched)); diff != "" {
		t.Fatalf("query filter mismatch (-want +got):\n%s", diff)
	}

	stats, err := store.Stats(ctx, BuildListOptions())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := TaskStats{Total: 3, Queued: 1, Completed: 1, Error: 1}
	stats.OldestUpdatedAt, stats.NewestUpdatedAt = 0, 0
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}

	empty, err := store.Stats(ctx, BuildListOptions(WithStatuses(StatusRunning)))
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if empty.Total != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "a", Query: "q"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.Get(ctx, "a")
	got.Status = StatusCompleted
	got.Result = "tampered"

	again, _ := store.Get(ctx, "a")
	if again.Status != StatusQueued || again.Result != "" {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}

func TestMemoryStoreUpdatedOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Task{ID: id, Query: id}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	base := time.Now().Add(-time.Minute).Unix()
	store.mu.Lock()
	store.tasks["a"].UpdatedAt = base + 30
	store.tasks["b"].UpdatedAt = base
	store.tasks["c"].UpdatedAt = base + 10
	store.mu.Unlock()

	tasks, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedDesc)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "c", "b"}, ids(tasks)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(time.Unix(base+5, 0))))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "c"}, ids(recent)); diff != "" {
		t.Fatalf("since filter mismatch (-want +got):\n%s", diff)
	}
}
