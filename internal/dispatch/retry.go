package dispatch

import (
	"context"
	"fmt"
	"time"

	"ARC-Router/internal/adapter"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// executeWithRetry 对单个适配器执行有界重试：attempt 从 0 计数，失败且 attempt < MaxRetries
// 时等待 RetryDelay×2^attempt 后重试。重试预算按适配器独立计算。
func (e *Engine) executeWithRetry(ctx context.Context, t *task.Task, a adapter.Adapter) (*task.Response, Attempt) {
	name := a.Name()
	started := time.Now()
	record := Attempt{Adapter: name}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := e.invoke(ctx, t, a)
		record.Calls++
		if err == nil {
			record.Success = true
			record.Retries = attempt
			record.Duration = time.Since(started)
			if attempt > 0 {
				resp.Metadata["retries"] = attempt
			}
			return resp, record
		}
		lastErr = err
		record.Retries = attempt

		if attempt >= e.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			lastErr = contextError(ctx.Err())
			break
		}
		delay := backoff(e.cfg.RetryDelay, attempt)
		e.log.WarnContext(ctx, "adapter call failed, retrying",
			"adapter", name,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = contextError(err)
			break
		}
	}

	code := xerrors.CodeOf(lastErr)
	if code == xerrors.CodeUnknown {
		code = task.CodeAdapterCallFailed
	}
	failure := task.Failed(t.ID, name, code, lastErr)
	failure.Metadata["retries"] = record.Retries
	record.Error = failure.Error
	record.ErrorCode = failure.ErrorCode
	record.Duration = time.Since(started)
	return failure, record
}

// invoke 调用一次适配器，把 error、nil 响应、失败响应与 panic 统一为 error。
func (e *Engine) invoke(ctx context.Context, t *task.Task, a adapter.Adapter) (resp *task.Response, err error) {
	name := a.Name()
	done := e.observer.StartTask(t, name)
	defer func() {
		if done == nil {
			return
		}
		if err != nil {
			done(task.Failed(t.ID, name, "", err))
			return
		}
		done(resp)
	}()
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = xerrors.New(task.CodeAdapterCallFailed, fmt.Sprintf("adapter %s panic: %v", name, r))
		}
	}()

	callCtx := ctx
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	out, callErr := a.Call(callCtx, t.Clone())
	switch {
	case callErr != nil:
		if ctxErr := callCtx.Err(); ctxErr != nil && xerrors.CodeOf(callErr) == xerrors.CodeUnknown {
			return nil, contextError(ctxErr)
		}
		return nil, callErr
	case out == nil:
		return nil, xerrors.New(task.CodeAdapterCallFailed, fmt.Sprintf("adapter %s 未返回响应", name))
	case !out.Success:
		code := xerrors.Code(out.ErrorCode)
		if code == "" {
			code = task.CodeAdapterCallFailed
		}
		message := out.Error
		if message == "" {
			message = fmt.Sprintf("adapter %s 返回失败", name)
		}
		return nil, xerrors.New(code, message)
	}
	return out.Normalize(t.ID, name), nil
}

// maxBackoff 是单次重试等待的上限。
const maxBackoff = 5 * time.Minute

// backoff 返回 base×2^attempt，结果不超过 maxBackoff，且不会溢出。
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= maxBackoff {
		return maxBackoff
	}
	delay := base
	for range attempt {
		if delay >= maxBackoff/2 {
			return maxBackoff
		}
		delay *= 2
	}
	return delay
}
