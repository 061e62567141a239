package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"ARC-Router/internal/adapter"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/merge"
	"ARC-Router/internal/routing"
	"ARC-Router/internal/task"
	"ARC-Router/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubAdapter struct {
	name  string
	calls atomic.Int32
	fn    func(call int, t *task.Task) (*task.Response, error)
}

func (s *stubAdapter) Name() string                 { return s.name }
func (s *stubAdapter) SupportsKind(task.Kind) bool { return true }
func (s *stubAdapter) Call(_ context.Context, t *task.Task) (*task.Response, error) {
	call := int(s.calls.Add(1))
	return s.fn(call, t)
}

func succeeding(name string, output any, confidence float64) *stubAdapter {
	return &stubAdapter{name: name, fn: func(_ int, t *task.Task) (*task.Response, error) {
		return task.Succeeded(t.ID, name, output, task.Confidence(confidence)), nil
	}}
}

func failing(name string) *stubAdapter {
	return &stubAdapter{name: name, fn: func(int, *task.Task) (*task.Response, error) {
		return nil, errors.New(name + " unavailable")
	}}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func newEngine(t *testing.T, rule routing.Rule, cfg Config, adapters ...adapter.Adapter) (*Engine, *sleepRecorder) {
	t.Helper()
	table, err := routing.NewTable(rule)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	rec := &sleepRecorder{}
	return New(adapter.NewRegistry(adapters...), table, WithConfig(cfg), WithSleep(rec.sleep)), rec
}

func newTask(t *testing.T, content string) *task.Task {
	t.Helper()
	tk, err := task.New(map[string]any{"content": content}, task.WithID("task-1"))
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return tk
}

func TestFallbackChainReturnsFirstSuccess(t *testing.T) {
	primary, fb1, fb2 := failing("primary"), failing("fallback1"), succeeding("fallback2", "done", 0.8)
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	engine, _ := newEngine(t, routing.Rule{Primary: "primary", Fallbacks: []string{"fallback1", "fallback2"}}, cfg, primary, fb1, fb2)

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if !res.Success || res.Output != "done" || res.Adapter() != "fallback2" {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
	if res.Mode != ModeFallback {
		t.Fatalf("unexpected mode: %s", res.Mode)
	}
	if diff := cmp.Diff([]string{"primary", "fallback1", "fallback2"}, res.Attempted()); diff != "" {
		t.Fatalf("attempts mismatch (-want +got):\n%s", diff)
	}
	if res.Attempts[1].Success || res.Attempts[1].Calls != 1 || !strings.Contains(res.Attempts[1].Error, "fallback1 unavailable") {
		t.Fatalf("fallback1 attempt not recorded: %+v", res.Attempts[1])
	}
	if fb2.calls.Load() != 1 {
		t.Fatalf("fallback2 should be called once, got %d", fb2.calls.Load())
	}
}

func TestFallbackShortCircuits(t *testing.T) {
	primary, backup := succeeding("primary", "p", 0.9), succeeding("backup", "b", 0.9)
	engine, _ := newEngine(t, routing.Rule{Primary: "primary", Fallbacks: []string{"backup"}}, DefaultConfig(), primary, backup)

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Output != "p" || backup.calls.Load() != 0 {
		t.Fatalf("backup must not run after primary success: %+v", res.Response)
	}
}

func TestFallbackDisabled(t *testing.T) {
	primary, backup := failing("primary"), succeeding("backup", "b", 0.9)
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.FallbackEnabled = false
	engine, _ := newEngine(t, routing.Rule{Primary: "primary", Fallbacks: []string{"backup"}}, cfg, primary, backup)

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Success || backup.calls.Load() != 0 {
		t.Fatalf("fallbacks must be ignored when disabled: %+v", res.Response)
	}
	if res.ErrorCode != string(task.CodeCandidatesExhausted) {
		t.Fatalf("unexpected code: %s", res.ErrorCode)
	}
}

func TestUnregisteredCandidatesAreSkipped(t *testing.T) {
	real := succeeding("real", "ok", 0.7)
	engine, _ := newEngine(t, routing.Rule{Primary: "ghost", Fallbacks: []string{"real"}}, DefaultConfig(), real)

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if !res.Success || res.Output != "ok" {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
	if !res.Attempts[0].Skipped || res.Attempts[0].ErrorCode != string(task.CodeAdapterUnregistered) {
		t.Fatalf("ghost should be recorded as skipped: %+v", res.Attempts[0])
	}
}

func TestNoRegisteredCandidates(t *testing.T) {
	engine, _ := newEngine(t, routing.Rule{Primary: "ghost", Fallbacks: []string{"phantom"}}, DefaultConfig())
	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Success || res.ErrorCode != string(task.CodeNoRouteCandidates) {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
	if !strings.Contains(res.Error, "ghost") || !strings.Contains(res.Error, "phantom") {
		t.Fatalf("error should name candidates: %s", res.Error)
	}
}

func TestAllCandidatesExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	engine, _ := newEngine(t, routing.Rule{Primary: "a", Fallbacks: []string{"ghost", "b"}}, cfg, failing("a"), failing("b"))

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Success || res.Output != nil || res.ErrorCode != string(task.CodeCandidatesExhausted) {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
	if !strings.Contains(res.Error, "a, b") || !strings.Contains(res.Error, "b unavailable") {
		t.Fatalf("error should name attempted adapters and last error: %s", res.Error)
	}
	if diff := cmp.Diff([]string{"ghost"}, res.Metadata["skipped"]); diff != "" {
		t.Fatalf("skipped mismatch (-want +got):\n%s", diff)
	}
	if res.Adapter() != EngineAdapter {
		t.Fatalf("failure should be attributed to the engine, got %s", res.Adapter())
	}
}

func TestRetryBoundAndBackoff(t *testing.T) {
	always := failing("flaky")
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = 10 * time.Millisecond
	engine, rec := newEngine(t, routing.Rule{Primary: "flaky"}, cfg, always)

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Success {
		t.Fatalf("expected failure")
	}
	if got := always.calls.Load(); got != 4 {
		t.Fatalf("expected maxRetries+1 = 4 calls, got %d", got)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if diff := cmp.Diff(want, rec.delays); diff != "" {
		t.Fatalf("backoff mismatch (-want +got):\n%s", diff)
	}
	if res.Attempts[0].Retries != 3 || res.Attempts[0].Calls != 4 {
		t.Fatalf("unexpected attempt record: %+v", res.Attempts[0])
	}
}

func TestBackoffSaturates(t *testing.T) {
	cases := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{500 * time.Millisecond, 0, 500 * time.Millisecond},
		{500 * time.Millisecond, 3, 4 * time.Second},
		{500 * time.Millisecond, 40, maxBackoff},
		{500 * time.Millisecond, 200, maxBackoff},
		{time.Hour, 1, maxBackoff},
		{0, 10, 0},
	}
	for _, tc := range cases {
		if got := backoff(tc.base, tc.attempt); got != tc.want {
			t.Fatalf("backoff(%v, %d) = %v, want %v", tc.base, tc.attempt, got, tc.want)
		}
	}
}

func TestRetryLogsCarryTaskID(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(logger.ContextHandler(slog.NewJSONHandler(&buf, nil)))
	table, err := routing.NewTable(routing.Rule{Primary: "flaky"})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	rec := &sleepRecorder{}
	engine := New(adapter.NewRegistry(failing("flaky")), table,
		WithConfig(cfg), WithSleep(rec.sleep), WithLogger(log))

	engine.Dispatch(context.Background(), newTask(t, "hello"))

	out := buf.String()
	if !strings.Contains(out, "adapter call failed, retrying") || !strings.Contains(out, `"task_id":"task-1"`) {
		t.Fatalf("retry log missing task id:\n%s", out)
	}
}

func TestRetryBudgetIsPerAdapter(t *testing.T) {
	a, b := failing("a"), failing("b")
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond
	engine, rec := newEngine(t, routing.Rule{Primary: "a", Fallbacks: []string{"b"}}, cfg, a, b)

	engine.Dispatch(context.Background(), newTask(t, "hello"))
	if a.calls.Load() != 2 || b.calls.Load() != 2 {
		t.Fatalf("each adapter gets its own budget: a=%d b=%d", a.calls.Load(), b.calls.Load())
	}
	if diff := cmp.Diff([]time.Duration{time.Millisecond, time.Millisecond}, rec.delays); diff != "" {
		t.Fatalf("backoff should restart per adapter (-want +got):\n%s", diff)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	flaky := &stubAdapter{name: "flaky", fn: func(call int, tk *task.Task) (*task.Response, error) {
		if call < 3 {
			return task.Failed(tk.ID, "flaky", "", errors.New("busy")), nil
		}
		return task.Succeeded(tk.ID, "flaky", "ok", nil), nil
	}}
	engine, _ := newEngine(t, routing.Rule{Primary: "flaky"}, DefaultConfig(), flaky)

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if !res.Success || res.Metadata["retries"] != 2 {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
}

func TestAdapterFailureShapes(t *testing.T) {
	nilResp := &stubAdapter{name: "nil", fn: func(int, *task.Task) (*task.Response, error) { return nil, nil }}
	panicky := &stubAdapter{name: "panic", fn: func(int, *task.Task) (*task.Response, error) { panic("kaboom") }}
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	engine, _ := newEngine(t, routing.Rule{Primary: "nil", Fallbacks: []string{"panic"}}, cfg, nilResp, panicky)

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(res.Attempts[1].Error, "kaboom") {
		t.Fatalf("panic should be converted to a failure: %+v", res.Attempts[1])
	}
	if res.Attempts[0].ErrorCode != string(task.CodeAdapterCallFailed) {
		t.Fatalf("nil response should be an adapter failure: %+v", res.Attempts[0])
	}
}

func TestEnsembleMergesSuccesses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Merge = merge.Config{Strategy: merge.Consensus}
	engine, _ := newEngine(t,
		routing.Rule{Primary: "a", Fallbacks: []string{"b", "c"}, Ensemble: true}, cfg,
		succeeding("a", "42", 0.9), succeeding("b", "42", 0.7), failing("c"))

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if !res.Success || res.Output != "42" || res.Mode != ModeEnsemble {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
	if res.Merge == nil || res.Merge.TotalSources != 2 || res.Merge.Succeeded != 2 {
		t.Fatalf("merge should receive exactly the successes: %+v", res.Merge)
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("every candidate should be attempted: %+v", res.Attempts)
	}
}

func TestEnsembleInsufficientSourcesIsData(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Merge = merge.Config{Strategy: merge.Consensus, MinSources: 3}
	engine, _ := newEngine(t,
		routing.Rule{Primary: "a", Fallbacks: []string{"b", "c"}, Ensemble: true}, cfg,
		succeeding("a", "x", 0.9), succeeding("b", "x", 0.9), failing("c"))

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Success || res.ErrorCode != string(task.CodeInsufficientSources) {
		t.Fatalf("expected INSUFFICIENT_SOURCES, got %+v", res.Response)
	}
	if res.Merge == nil || res.Merge.Succeeded != 2 {
		t.Fatalf("merge result should be attached: %+v", res.Merge)
	}

	engine, _ = newEngine(t,
		routing.Rule{Primary: "a", Fallbacks: []string{"b", "c"}, Ensemble: true}, cfg,
		succeeding("a", "x", 0.9), failing("b"), failing("c"))
	res = engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Merge == nil || res.Merge.TotalSources != 1 {
		t.Fatalf("merge should receive the single success: %+v", res.Merge)
	}
}

func TestEnsembleAllFail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	engine, _ := newEngine(t, routing.Rule{Primary: "a", Fallbacks: []string{"b"}, Ensemble: true}, cfg, failing("a"), failing("b"))
	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Success || res.ErrorCode != string(task.CodeCandidatesExhausted) || res.Merge != nil {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
	if !strings.Contains(res.Error, "a, b") {
		t.Fatalf("error should name every attempted adapter: %s", res.Error)
	}
}

func TestEnsembleRunsConcurrently(t *testing.T) {
	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	go func() {
		started.Wait()
		close(release)
	}()

	adapters := make([]adapter.Adapter, 0, n)
	names := []string{"a", "b", "c"}
	for _, name := range names {
		adapters = append(adapters, &stubAdapter{name: name, fn: func(_ int, tk *task.Task) (*task.Response, error) {
			started.Done()
			select {
			case <-release:
				return task.Succeeded(tk.ID, name, "same", task.Confidence(0.8)), nil
			case <-time.After(5 * time.Second):
				return nil, errors.New("calls were not concurrent")
			}
		}})
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	engine, _ := newEngine(t, routing.Rule{Primary: "a", Fallbacks: []string{"b", "c"}, Ensemble: true}, cfg, adapters...)

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if !res.Success || res.Merge.TotalSources != n {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
}

func TestClassificationSelectsRule(t *testing.T) {
	table, _ := routing.NewTable(routing.Rule{Primary: "general"})
	_ = table.SetRule(routing.Rule{Kind: task.KindStatistics, Primary: "stats"})
	reg := adapter.NewRegistry(succeeding("general", "g", 0.5), succeeding("stats", "s", 0.9))
	engine := New(reg, table)

	res := engine.Dispatch(context.Background(), newTask(t, "What is the average of 3 and 5?"))
	if res.Kind != task.KindStatistics || res.Output != "s" {
		t.Fatalf("expected statistics route, got kind=%s output=%v", res.Kind, res.Output)
	}
	if res.Classification == nil || res.Classification.Explicit {
		t.Fatalf("classification should be inferred: %+v", res.Classification)
	}

	custom, _ := task.New(map[string]any{"content": "average please"}, task.WithKind("translation"))
	_ = table.SetRule(routing.Rule{Kind: "translation", Primary: "general"})
	res = engine.Dispatch(context.Background(), custom)
	if res.Kind != "translation" || res.Output != "g" {
		t.Fatalf("kind with a routing rule should be honored, got %s", res.Kind)
	}
}

func TestInvalidTask(t *testing.T) {
	engine, _ := newEngine(t, routing.Rule{Primary: "a"}, DefaultConfig(), succeeding("a", "x", 1))
	res := engine.Dispatch(context.Background(), &task.Task{ID: "bad"})
	if res.Success || res.ErrorCode != string(task.CodeValidation) {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
	if res := engine.Dispatch(context.Background(), nil); res.Success {
		t.Fatalf("nil task must fail")
	}
}

func TestObserverBracketsEveryCall(t *testing.T) {
	var mu sync.Mutex
	var events []string
	obs := ObserverFunc(func(tk *task.Task, name string) func(*task.Response) {
		mu.Lock()
		events = append(events, "start:"+name)
		mu.Unlock()
		return func(resp *task.Response) {
			mu.Lock()
			defer mu.Unlock()
			if resp.Success {
				events = append(events, "ok:"+name)
			} else {
				events = append(events, "fail:"+name)
			}
		}
	})
	table, _ := routing.NewTable(routing.Rule{Primary: "a", Fallbacks: []string{"b"}})
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	engine := New(adapter.NewRegistry(failing("a"), succeeding("b", "x", 1)), table, WithConfig(cfg), WithObserver(obs))

	engine.Dispatch(context.Background(), newTask(t, "hello"))
	want := []string{"start:a", "fail:a", "start:b", "ok:b"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("observer events mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchDeadline(t *testing.T) {
	blocking := adapter.NewFunc("slow", func(ctx context.Context, tk *task.Task) (*task.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	table, _ := routing.NewTable(routing.Rule{Primary: "slow"})
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	engine := New(adapter.NewRegistry(blocking), table, WithConfig(cfg))

	res := engine.Dispatch(context.Background(), newTask(t, "hello"))
	if res.Success {
		t.Fatalf("expected timeout failure")
	}
	if !strings.Contains(res.Error, string(xerrors.CodeTimeout)) {
		t.Fatalf("expected timeout in error, got %s", res.Error)
	}
}

func TestDispatchBatchKeepsOrder(t *testing.T) {
	echo := adapter.NewFunc("echo", func(_ context.Context, tk *task.Task) (*task.Response, error) {
		content, _ := tk.PrimaryContent()
		return task.Succeeded(tk.ID, "echo", content, nil), nil
	})
	table, _ := routing.NewTable(routing.Rule{Primary: "echo"})
	engine := New(adapter.NewRegistry(echo), table)

	tasks := make([]*task.Task, 0, 5)
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		tk, _ := task.New(map[string]any{"content": text})
		tasks = append(tasks, tk)
	}
	results := engine.DispatchBatch(context.Background(), tasks)
	for i, res := range results {
		if res.TaskID != tasks[i].ID || res.Output != tasks[i].Payload["content"] {
			t.Fatalf("result %d out of order: %+v", i, res.Response)
		}
	}
}
