package logger

import (
	"context"
	"log/slog"
	"sync"
)

// swapHandler forwards records to a handler that Init can replace. Derived
// handlers (With/WithGroup) remember their operations and replay them on the
// current base, so loggers built before Init pick up the new outputs.
type swapHandler struct {
	state *swapState
	ops   []func(slog.Handler) slog.Handler

	mu      sync.Mutex
	gen     uint64
	derived slog.Handler
}

type swapState struct {
	mu   sync.RWMutex
	base slog.Handler
	gen  uint64
}

func newSwapHandler(base slog.Handler) *swapHandler {
	return &swapHandler{state: &swapState{base: base, gen: 1}}
}

func (h *swapHandler) swap(base slog.Handler) {
	h.state.mu.Lock()
	h.state.base = base
	h.state.gen++
	h.state.mu.Unlock()
}

// current returns the base handler with this handler's operations applied.
// A nil base falls back to the application logger.
func (h *swapHandler) current() slog.Handler {
	h.state.mu.RLock()
	base, gen := h.state.base, h.state.gen
	h.state.mu.RUnlock()

	if base == nil {
		return h.apply(root.current())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.derived != nil && h.gen == gen {
		return h.derived
	}
	h.derived, h.gen = h.apply(base), gen
	return h.derived
}

func (h *swapHandler) apply(base slog.Handler) slog.Handler {
	for _, op := range h.ops {
		base = op(base)
	}
	return base
}

func (h *swapHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.current().Enabled(ctx, l)
}

func (h *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(base slog.Handler) slog.Handler { return base.WithAttrs(attrs) })
}

func (h *swapHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(base slog.Handler) slog.Handler { return base.WithGroup(name) })
}

func (h *swapHandler) derive(op func(slog.Handler) slog.Handler) *swapHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &swapHandler{state: h.state, ops: append(ops, op)}
}

type ctxAttrsKey struct{}

// With returns a context carrying attributes that every *Context logging call
// (InfoContext, WarnContext, ...) made with it will include.
func With(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	record := slog.Record{}
	record.Add(args...)
	attrs := append([]slog.Attr(nil), attrsFrom(ctx)...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return context.WithValue(ctx, ctxAttrsKey{}, attrs)
}

func attrsFrom(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(ctxAttrsKey{}).([]slog.Attr)
	return attrs
}

// ContextHandler wraps h so that records logged with a context carry the
// attributes stored by With.
func ContextHandler(h slog.Handler) slog.Handler {
	if _, ok := h.(contextHandler); ok {
		return h
	}
	return contextHandler{h}
}

// contextHandler adds the attributes stored by With to each record.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := attrsFrom(ctx); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
