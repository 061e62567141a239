package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ARC-Router/sdk/go/arc"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/dispatch", func(w http.ResponseWriter, r *http.Request) {
		var req arc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		confidence := 0.82
		_ = json.NewEncoder(w).Encode(arc.DispatchResult{
			Response: arc.Response{
				TaskID:     "task-demo",
				Output:     "15% of 80 is 12",
				Confidence: &confidence,
				Success:    true,
				Metadata:   map[string]any{"adapter": "gpt", "kind": "percentage"},
				Timestamp:  time.Now().UTC(),
			},
			Kind: "percentage",
			Mode: "fallback",
		})
	})
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(arc.Job{ID: "job-demo", Status: "pending", MaxAttempts: 3})
	})
	mux.HandleFunc("GET /api/v1/tasks/job-demo", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(arc.Job{
			ID:       "job-demo",
			Status:   "succeeded",
			Attempts: 1,
			Result:   &arc.DispatchResult{Response: arc.Response{Output: "done", Success: true}, Mode: "ensemble"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := arc.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Dispatch(ctx, arc.Request{Payload: map[string]any{"content": "What is 15% of 80?"}})
	if err != nil {
		panic(err)
	}
	fmt.Printf("dispatched %s via %s: %v\n", result.Kind, result.Adapter(), result.Output)

	job, err := client.SubmitTask(ctx, arc.Request{Payload: map[string]any{"content": "summarize the report"}})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s (status=%s)\n", job.ID, job.Status)

	done, err := client.WaitForTask(ctx, job.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished: %s result=%v\n", done.ID, done.Status, done.Result.Output)
}
