package arc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ARC-Router/internal/adapter"
	"ARC-Router/internal/api"
	"ARC-Router/internal/dispatch"
	"ARC-Router/internal/job"
	"ARC-Router/internal/observability/metrics"
	"ARC-Router/internal/routing"
	"ARC-Router/internal/session"
	"ARC-Router/internal/task"
)

func newTestServer(t *testing.T) *Client {
	t.Helper()
	answer := func(name, output string, confidence float64) adapter.Adapter {
		return adapter.NewFunc(name, func(_ context.Context, tk *task.Task) (*task.Response, error) {
			return task.Succeeded(tk.ID, name, output, task.Confidence(confidence)), nil
		})
	}
	registry := adapter.NewRegistry(answer("alpha", "42", 0.9), answer("beta", "42", 0.7))
	table, err := routing.NewTable(routing.Rule{Primary: "alpha", Fallbacks: []string{"beta"}})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if err := table.SetRule(routing.Rule{Kind: task.KindStatistics, Primary: "alpha", Fallbacks: []string{"beta"}, Ensemble: true}); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	collector := metrics.NewCollector()
	queue := job.NewMemoryQueue(16)
	service := job.NewService(job.NewMemoryStore(), queue, 3,
		job.WithExecutor(dispatch.New(registry, table)),
		job.WithSessions(session.NewMemoryStore()),
		job.WithMetrics(collector))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = job.NewProcessor(service, queue).Start(ctx)
	}()

	srv := httptest.NewServer(api.NewServer("", service,
		api.WithRoutes(table), api.WithRegistry(registry), api.WithMetrics(collector)).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestDispatchAndHistory(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	result, err := client.Dispatch(ctx, Request{SessionID: "s1", Payload: map[string]any{"content": "what is 6*7"}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.Success || result.Output != "42" || result.Adapter() != "alpha" || result.Mode != "fallback" {
		t.Fatalf("unexpected result: %+v", result)
	}

	ensemble, err := client.Dispatch(ctx, Request{Kind: "statistics", Payload: map[string]any{"content": "mean of 40 and 44"}})
	if err != nil {
		t.Fatalf("ensemble dispatch: %v", err)
	}
	if ensemble.Mode != "ensemble" || ensemble.Output != "42" || ensemble.Adapter() != "ensemble" {
		t.Fatalf("unexpected ensemble result: %+v", ensemble)
	}

	history, err := client.History(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Input != "what is 6*7" || history[0].Output != "42" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestSubmitAndWait(t *testing.T) {
	client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.SubmitTask(ctx, Request{ID: "job-1", Payload: map[string]any{"prompt": "hi"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.ID != "job-1" {
		t.Fatalf("unexpected job: %+v", submitted)
	}
	job, err := client.WaitForTask(ctx, "job-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != "succeeded" || job.Result == nil || job.Result.Output != "42" {
		t.Fatalf("unexpected job: %+v", job)
	}

	jobs, err := client.ListTasks(ctx, ListOptions{Statuses: []string{"succeeded"}})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list: %v %+v", err, jobs)
	}

	_, err = client.GetTask(ctx, "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRoutesAdaptersAndMerge(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	rules, err := client.ReplaceRoutes(ctx, []Rule{{Kind: "rate", Primary: "beta"}})
	if err != nil {
		t.Fatalf("replace routes: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("default rule should be kept: %+v", rules)
	}
	if got, _ := client.Routes(ctx); len(got) != 2 {
		t.Fatalf("unexpected routes: %+v", got)
	}

	adapters, err := client.Adapters(ctx)
	if err != nil || len(adapters) != 2 {
		t.Fatalf("adapters: %v %+v", err, adapters)
	}

	low, high := 0.4, 0.8
	merged, err := client.Merge(ctx, []Response{
		{TaskID: "t", Output: "a", Success: true, Confidence: &low, Metadata: map[string]any{"adapter": "x"}},
		{TaskID: "t", Output: "b", Success: true, Confidence: &high, Metadata: map[string]any{"adapter": "y"}},
	}, &MergeConfig{Strategy: "highest-confidence"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.Output != "b" || merged.Strategy != "highest-confidence" || merged.TotalSources != 2 {
		t.Fatalf("unexpected merge: %+v", merged)
	}

	_, err = client.Merge(ctx, nil, nil)
	var apiErr *APIError
	if err == nil || !asAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "EMPTY_RESPONSE_SET" {
		t.Fatalf("expected 400 EMPTY_RESPONSE_SET, got %v", err)
	}
}

func TestAPIErrorFallsBackToBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	client.SetHeader("X-Trace", "1")
	_, err := client.Adapters(context.Background())
	var apiErr *APIError
	if !asAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func asAPIError(err error, target **APIError) bool {
	e, ok := err.(*APIError)
	if ok {
		*target = e
	}
	return ok
}
