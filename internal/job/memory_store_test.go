package job

import (
	"context"
	"testing"
	"time"

	"ARC-Router/internal/dispatch"
	"ARC-Router/internal/task"
)

func newJob(t *testing.T, id, content string) *Job {
	t.Helper()
	tk, err := task.New(map[string]any{"content": content}, task.WithID(id))
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return &Job{ID: id, Task: tk, Status: StatusPending, MaxAttempts: 3}
}

func succeededResult(id string, output any, kind task.Kind) *dispatch.Result {
	return &dispatch.Result{
		Response: *task.Succeeded(id, "alpha", output, nil),
		Kind:     kind,
		Mode:     dispatch.ModeFallback,
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Minute)

	for _, j := range []*Job{
		newJob(t, "j1", "first question"),
		newJob(t, "j2", "second question"),
		newJob(t, "j3", "what is the average"),
	} {
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("create job %s: %v", j.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "j2", CodeJobProcessing, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", succeededResult("j3", "4.5", task.KindStatistics)); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "j3" {
		t.Fatalf("expected newest job first, got %+v", all)
	}

	cases := []struct {
		name string
		opts []ListOption
		want []string
	}{
		{"status", []ListOption{WithStatuses(StatusFailed)}, []string{"j2"}},
		{"result", []ListOption{WithResultPresence(true)}, []string{"j3"}},
		{"kind", []ListOption{WithKinds(task.KindStatistics)}, []string{"j3"}},
		{"query", []ListOption{WithQuery("SECOND")}, []string{"j2"}},
		{"query result", []ListOption{WithQuery("4.5")}, []string{"j3"}},
		{"since", []ListOption{WithUpdatedSince(base.Add(15 * time.Second))}, []string{"j3", "j2"}},
		{"ascending", []ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(2)}, []string{"j1", "j2"}},
		{"offset", []ListOption{WithOffset(1), WithLimit(1)}, []string{"j2"}},
		{"offset past end", []ListOption{WithOffset(10)}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.List(ctx, BuildListOptions(tc.opts...))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			ids := make([]string, 0, len(got))
			for _, j := range got {
				ids = append(ids, j.ID)
			}
			if len(ids) != len(tc.want) {
				t.Fatalf("want %v, got %v", tc.want, ids)
			}
			for i := range ids {
				if ids[i] != tc.want[i] {
					t.Fatalf("want %v, got %v", tc.want, ids)
				}
			}
		})
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected stats window: %+v", stats)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	j := newJob(t, "j1", "hello")
	j.MaxAttempts = 2
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, j); !IsJobError(err, CodeJobConflict) {
		t.Fatalf("duplicate create should conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "j1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v err=%v", claimed, err)
	}
	if _, err := store.Claim(ctx, "j1"); !IsJobError(err, CodeJobConflict) {
		t.Fatalf("running job should not be claimed twice, got %v", err)
	}
	_ = store.MarkFailed(ctx, "j1", CodeJobProcessing, "boom", nil)
	if _, err := store.Claim(ctx, "j1"); err != nil {
		t.Fatalf("failed job should be claimable again: %v", err)
	}
	_ = store.MarkFailed(ctx, "j1", CodeJobProcessing, "boom", nil)
	if _, err := store.Claim(ctx, "j1"); !IsJobError(err, CodeJobExhausted) {
		t.Fatalf("attempts should be exhausted, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !IsJobError(err, CodeJobNotFound) {
		t.Fatalf("missing job should be not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newJob(t, "j1", "hello"))

	got, _ := store.Get(ctx, "j1")
	got.Status = StatusSucceeded
	got.Task.Payload["content"] = "mutated"

	again, _ := store.Get(ctx, "j1")
	if again.Status != StatusPending || again.Task.Payload["content"] != "hello" {
		t.Fatalf("store state leaked through returned copy: %+v", again)
	}
}
