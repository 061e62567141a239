package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"ARC-Router/internal/adapter"
	"ARC-Router/internal/classifier"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/merge"
	"ARC-Router/internal/routing"
	"ARC-Router/internal/task"
	"ARC-Router/pkg/logger"
)

// Config 控制调度引擎的重试、备选与合并行为。
type Config struct {
	// MaxRetries 是每个适配器在首次调用之后的最大重试次数。
	MaxRetries int
	// RetryDelay 是第一次重试前的等待时间，之后按 2^attempt 递增。
	RetryDelay time.Duration
	// FallbackEnabled 为 false 时只尝试主适配器。
	FallbackEnabled bool
	// Merge 是集成模式使用的默认合并配置。
	Merge merge.Config
	// Timeout 是整个调度的截止时间，0 表示不限制。
	Timeout time.Duration
	// CallTimeout 是单次适配器调用的超时，0 表示由适配器自行决定。
	CallTimeout time.Duration
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		RetryDelay:      500 * time.Millisecond,
		FallbackEnabled: true,
		Merge:           merge.DefaultConfig(),
	}
}

// Engine 根据路由表把任务派发给适配器。引擎不持有任务间共享的可变状态，可并发调用。
type Engine struct {
	registry   *adapter.Registry
	table      *routing.Table
	classifier *classifier.Classifier
	cfg        Config
	observer   Observer
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithConfig 覆盖默认配置。
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClassifier 使用自定义分类器。
func WithClassifier(c *classifier.Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classifier = c
		}
	}
}

// WithObserver 注册调用观察者，用于日志与指标。
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithSleep 替换重试等待函数，测试中用于记录退避时间。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithLogger 指定引擎使用的日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New 创建调度引擎。未指定分类器时使用以路由表为识别依据的默认分类器。
func New(registry *adapter.Registry, table *routing.Table, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		table:    table,
		cfg:      DefaultConfig(),
		observer: nopObserver{},
		sleep:    sleepContext,
		log:      logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.classifier == nil {
		e.classifier = classifier.New(classifier.WithRecognizer(table.Has))
	}
	if e.cfg.MaxRetries < 0 {
		e.cfg.MaxRetries = 0
	}
	return e
}

// Config 返回引擎配置的副本。
func (e *Engine) Config() Config {
	return e.cfg
}

// Dispatch 执行一次任务调度。所有失败都以 Success=false 的 Result 返回。
func (e *Engine) Dispatch(ctx context.Context, t *task.Task) *Result {
	if err := t.Validate(); err != nil {
		taskID := ""
		if t != nil {
			taskID = t.ID
		}
		return &Result{
			Response: *task.Failed(taskID, EngineAdapter, task.CodeValidation, err),
			Kind:     task.KindUnspecified,
			Attempts: []Attempt{},
		}
	}

	ctx = logger.With(ctx, "task_id", t.ID)
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	cls := e.classifier.Explain(t)
	working := t
	if cls.Kind != t.Kind {
		working = t.WithKind(cls.Kind)
	}
	rule, exact := e.table.GetRule(cls.Kind)
	candidates := routing.Candidates(rule, e.cfg.FallbackEnabled)

	e.log.DebugContext(ctx, "dispatching task",
		"kind", cls.Kind,
		"explicit", cls.Explicit,
		"rule", rule.Kind,
		"exact_rule", exact,
		"ensemble", rule.Ensemble,
		"candidates", candidates,
	)

	var result *Result
	if rule.Ensemble {
		result = e.ensemble(ctx, working, candidates)
	} else {
		result = e.fallback(ctx, working, candidates)
	}
	result.Kind = cls.Kind
	result.Classification = &cls
	result.Response.Metadata["kind"] = string(cls.Kind)
	result.Response.Metadata["mode"] = string(result.Mode)
	return result
}

// DispatchBatch 并行调度多个任务，结果顺序与输入一致。
func (e *Engine) DispatchBatch(ctx context.Context, tasks []*task.Task) []*Result {
	results := make([]*Result, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = e.Dispatch(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fallback 顺序尝试候选适配器，首个成功即返回。
func (e *Engine) fallback(ctx context.Context, t *task.Task, candidates []string) *Result {
	result := &Result{Mode: ModeFallback, Attempts: make([]Attempt, 0, len(candidates))}
	var last *task.Response
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			last = task.Failed(t.ID, name, "", contextError(err))
			break
		}
		a, ok := e.registry.Get(name)
		if !ok {
			e.log.DebugContext(ctx, "skipping unregistered adapter", "adapter", name)
			result.Attempts = append(result.Attempts, Attempt{
				Adapter:   name,
				Skipped:   true,
				ErrorCode: string(task.CodeAdapterUnregistered),
				Error:     fmt.Sprintf("adapter %s 未注册", name),
			})
			continue
		}
		resp, attempt := e.executeWithRetry(ctx, t, a)
		result.Attempts = append(result.Attempts, attempt)
		if resp.Success {
			result.Response = *resp
			return result
		}
		last = resp
		e.log.WarnContext(ctx, "adapter failed, trying next candidate", "adapter", name, "error", resp.Error)
	}
	result.Response = *e.exhausted(t, result, candidates, last)
	return result
}

// ensemble 并发调用全部已注册候选，等待全部结束后合并成功的响应。
func (e *Engine) ensemble(ctx context.Context, t *task.Task, candidates []string) *Result {
	result := &Result{Mode: ModeEnsemble, Attempts: make([]Attempt, 0, len(candidates))}

	registered := make([]adapter.Adapter, 0, len(candidates))
	for _, name := range candidates {
		a, ok := e.registry.Get(name)
		if !ok {
			result.Attempts = append(result.Attempts, Attempt{
				Adapter:   name,
				Skipped:   true,
				ErrorCode: string(task.CodeAdapterUnregistered),
				Error:     fmt.Sprintf("adapter %s 未注册", name),
			})
			continue
		}
		registered = append(registered, a)
	}

	responses := make([]*task.Response, len(registered))
	attempts := make([]Attempt, len(registered))
	var g errgroup.Group
	for i, a := range registered {
		g.Go(func() error {
			responses[i], attempts[i] = e.executeWithRetry(ctx, t, a)
			return nil
		})
	}
	_ = g.Wait()
	result.Attempts = append(result.Attempts, attempts...)

	successes := make([]*task.Response, 0, len(responses))
	var last *task.Response
	for _, resp := range responses {
		if resp.Success {
			successes = append(successes, resp)
		} else {
			last = resp
		}
	}
	if len(successes) == 0 {
		result.Response = *e.exhausted(t, result, candidates, last)
		return result
	}

	merged, err := merge.Merge(successes, e.cfg.Merge)
	if err != nil {
		result.Response = *task.Failed(t.ID, EngineAdapter, "", err)
		return result
	}
	if !merged.Success {
		e.log.WarnContext(ctx, "ensemble merge failed", "error", merged.Error)
	}
	result.Merge = merged
	result.Response = *merged.Response.Clone()
	return result
}

// exhausted 构造候选全部失败或全部未注册时的失败响应。
func (e *Engine) exhausted(t *task.Task, result *Result, candidates []string, last *task.Response) *task.Response {
	attempted := result.Attempted()
	var err *xerrors.Error
	switch {
	case last != nil && len(attempted) == 0:
		// 上下文在首次调用前已结束。
		err = xerrors.New(xerrors.Code(last.ErrorCode), last.Error)
	case len(attempted) == 0:
		err = xerrors.New(task.CodeNoRouteCandidates,
			fmt.Sprintf("没有已注册的候选适配器 (candidates: %s)", strings.Join(candidates, ", ")))
	default:
		lastErr := "unknown"
		if last != nil {
			lastErr = last.Error
		}
		err = xerrors.New(task.CodeCandidatesExhausted,
			fmt.Sprintf("所有候选适配器均失败 (attempted: %s): %s", strings.Join(attempted, ", "), lastErr))
	}
	resp := task.Failed(t.ID, EngineAdapter, err.Code(), err)
	resp.Metadata["attempted"] = attempted
	resp.Metadata["skipped"] = result.Skipped()
	return resp
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func contextError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "调度超时")
	}
	return xerrors.Wrap(xerrors.CodeCanceled, err, "调度被取消")
}
