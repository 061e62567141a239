package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	xerrors "ARC-Router/internal/errors"
)

// scriptedSource 依次返回预设的消息，之后返回 end。
type scriptedSource struct {
	mu    sync.Mutex
	items []delivery
	end   error
}

func (s *scriptedSource) fetch(context.Context) (delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return delivery{}, s.end
	}
	d := s.items[0]
	s.items = s.items[1:]
	return d, nil
}

func TestServeAcksAndRedelivers(t *testing.T) {
	var acked, redelivered atomic.Int32
	item := func(id string) delivery {
		return delivery{
			jobID:     id,
			ack:       func() { acked.Add(1) },
			redeliver: func(context.Context) { redelivered.Add(1) },
		}
	}
	src := &scriptedSource{items: []delivery{item("ok-1"), item("bad"), item("ok-2")}, end: errDrained}

	err := serve(context.Background(), 2, src.fetch, func(_ context.Context, id string) error {
		if id == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("drained queue should return nil, got %v", err)
	}
	if acked.Load() != 2 || redelivered.Load() != 1 {
		t.Fatalf("acked=%d redelivered=%d", acked.Load(), redelivered.Load())
	}
}

func TestServeReturnsFetchError(t *testing.T) {
	src := &scriptedSource{end: xerrors.New(xerrors.CodeQueueFailure, "broker gone")}
	err := serve(context.Background(), 3, src.fetch, func(context.Context, string) error { return nil })
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemoryQueue(4)
	handled := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id string) error {
			handled <- id
			return nil
		})
	}()

	if err := q.Publish(context.Background(), "job-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := <-handled; got != "job-1" {
		t.Fatalf("unexpected job %q", got)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
