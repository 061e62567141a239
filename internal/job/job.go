// Package job 提供异步调度：提交的任务进入队列，由 Processor 调用调度引擎执行，
// 调用方通过 ID 查询最终的调度结果。
package job

import (
	stdErrors "errors"

	"ARC-Router/internal/dispatch"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job 描述一次排队执行的调度。
type Job struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	Task        *task.Task `json:"task"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	// Result 写入后不再修改，克隆时共享。
	Result    *dispatch.Result `json:"result,omitempty"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// Request 是提交调度的入参。
type Request struct {
	ID          string         `json:"id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Kind        task.Kind      `json:"kind,omitempty"`
	Payload     map[string]any `json:"payload"`
	RequesterID string         `json:"requester_id,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewTask 由请求构造待调度的任务，作业 ID 同时作为任务 ID。
func (r Request) NewTask(id string) (*task.Task, error) {
	opts := []task.Option{
		task.WithKind(r.Kind),
		task.WithRequester(r.RequesterID),
		task.WithPriority(r.Priority),
		task.WithMetadata(r.Metadata),
	}
	if id != "" {
		opts = append(opts, task.WithID(id))
	}
	return task.New(r.Payload, opts...)
}

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示作业已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示作业的执行次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job attempts exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_ATTEMPTS_EXHAUSTED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job attempts exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsJobError 判断错误是否为指定的作业错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrJobNotFound):
		return target == CodeJobNotFound
	case stdErrors.Is(err, ErrJobConflict):
		return target == CodeJobConflict
	case stdErrors.Is(err, ErrJobCompleted):
		return target == CodeJobCompleted
	case stdErrors.Is(err, ErrJobExhausted):
		return target == CodeJobExhausted
	}
	return false
}

// IsValidStatus 检查给定的作业状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 表示作业不会再被执行。
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusSucceeded:
		return true
	case StatusFailed:
		return j.Attempts >= j.MaxAttempts || !retryable(xerrors.Code(j.ErrorCode))
	}
	return false
}

func retryable(code xerrors.Code) bool {
	return xerrors.AttributesOf(code).Retryable
}

func cloneJob(j *Job) *Job {
	clone := *j
	clone.Task = j.Task.Clone()
	return &clone
}
