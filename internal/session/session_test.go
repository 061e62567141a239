package session

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

type storeFactory func(t *testing.T, opts ...Option) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts ...Option) Store {
			return NewMemoryStore(opts...)
		},
		"sqlite": func(t *testing.T, opts ...Option) Store {
			store, err := NewSQLStore(context.Background(), SQLConfig{Dialect: DialectSQLite, DSN: ":memory:"}, opts...)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"redis": func(t *testing.T, opts ...Option) Store {
			addr := os.Getenv("ARC_TEST_REDIS_ADDR")
			if addr == "" {
				t.Skip("ARC_TEST_REDIS_ADDR 未设置")
			}
			prefix := fmt.Sprintf("arc:test:%d", time.Now().UnixNano())
			store, err := NewRedisStore(context.Background(), RedisConfig{Address: addr}, append(opts, WithKeyPrefix(prefix))...)
			if err != nil {
				t.Fatalf("open redis: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func newTask(t *testing.T, content string) *task.Task {
	t.Helper()
	tk, err := task.New(map[string]any{"content": content})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return tk
}

func inputs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Input
	}
	return out
}

func TestStoreHistory(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t, WithMaxEntries(3))

			for i := 1; i <= 5; i++ {
				tk := newTask(t, fmt.Sprintf("question %d", i))
				resp := task.Succeeded(tk.ID, "alpha", fmt.Sprintf("answer %d", i), task.Confidence(0.8))
				added, err := store.AddTask(ctx, "s1", tk, resp)
				if err != nil || !added {
					t.Fatalf("add %d: added=%v err=%v", i, added, err)
				}
			}

			all, err := store.RecentHistory(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if diff := cmp.Diff([]string{"question 3", "question 4", "question 5"}, inputs(all)); diff != "" {
				t.Fatalf("history should keep the newest entries (-want +got):\n%s", diff)
			}
			if all[2].Output != "answer 5" || all[2].Adapter != "alpha" || *all[2].Confidence != 0.8 {
				t.Fatalf("unexpected entry: %+v", all[2])
			}

			recent, err := store.RecentHistory(ctx, "s1", 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if diff := cmp.Diff([]string{"question 4", "question 5"}, inputs(recent)); diff != "" {
				t.Fatalf("recent mismatch (-want +got):\n%s", diff)
			}

			summary, err := store.Summary(ctx, "s1")
			if err != nil {
				t.Fatalf("summary: %v", err)
			}
			if summary.Entries != 3 || summary.Turns != 5 || summary.Succeeded != 3 || summary.Failed != 0 {
				t.Fatalf("unexpected summary: %+v", summary)
			}
		})
	}
}

func TestStoreSkipsConsecutiveDuplicates(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			first := newTask(t, "same question")
			if added, err := store.AddTask(ctx, "s1", first, task.Succeeded(first.ID, "a", "x", nil)); err != nil || !added {
				t.Fatalf("first add: added=%v err=%v", added, err)
			}
			again := newTask(t, "same question")
			added, err := store.AddTask(ctx, "s1", again, task.Failed(again.ID, "a", "", fmt.Errorf("boom")))
			if err != nil {
				t.Fatalf("duplicate add: %v", err)
			}
			if added {
				t.Fatalf("consecutive duplicate should be skipped")
			}
			other := newTask(t, "different")
			if added, _ := store.AddTask(ctx, "s1", other, nil); !added {
				t.Fatalf("new input should be added")
			}
			if added, _ := store.AddTask(ctx, "s1", again, nil); !added {
				t.Fatalf("non-consecutive repeat should be added")
			}

			summary, _ := store.Summary(ctx, "s1")
			if summary.Entries != 3 || summary.Turns != 3 || summary.Failed != 2 {
				t.Fatalf("unexpected summary: %+v", summary)
			}
		})
	}
}

func TestStoreSessionsAreIsolatedAndResettable(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			a := newTask(t, "for a")
			b := newTask(t, "for b")
			_, _ = store.AddTask(ctx, "a", a, nil)
			_, _ = store.AddTask(ctx, "b", b, nil)

			if err := store.Reset(ctx, "a"); err != nil {
				t.Fatalf("reset: %v", err)
			}
			history, _ := store.RecentHistory(ctx, "a", 0)
			if len(history) != 0 {
				t.Fatalf("reset session should be empty: %+v", history)
			}
			summary, _ := store.Summary(ctx, "a")
			if summary.Turns != 0 {
				t.Fatalf("reset should clear turns: %+v", summary)
			}
			history, _ = store.RecentHistory(ctx, "b", 0)
			if diff := cmp.Diff([]string{"for b"}, inputs(history)); diff != "" {
				t.Fatalf("other session affected (-want +got):\n%s", diff)
			}
			if added, _ := store.AddTask(ctx, "a", a, nil); !added {
				t.Fatalf("after reset the same input is not a duplicate")
			}
		})
	}
}

func TestStoreValidation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.AddTask(ctx, " ", newTask(t, "x"), nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("blank session id should be rejected, got %v", err)
	}
	if _, err := store.AddTask(ctx, "s", nil, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("nil task should be rejected, got %v", err)
	}
	if _, err := store.RecentHistory(ctx, "", 1); err == nil {
		t.Fatalf("blank session id should be rejected")
	}
}

func TestEntryUsesDispatchKind(t *testing.T) {
	tk := newTask(t, "what is 10% of 50")
	resp := task.Succeeded(tk.ID, "calc", 5, nil).WithMetadata("kind", string(task.KindPercentage))
	entry := NewEntry("s", tk, resp, time.Unix(0, 0))
	if entry.Kind != task.KindPercentage || entry.Output != "5" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestOpenDrivers(t *testing.T) {
	store, err := Open(context.Background(), Config{Driver: "sqlite", DSN: ":memory:", MaxEntries: 5})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*SQLStore); !ok {
		t.Fatalf("expected SQLStore, got %T", store)
	}
	if _, err := Open(context.Background(), Config{Driver: "cassandra"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unknown driver should be rejected, got %v", err)
	}
}
