package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ARC-Router/internal/dispatch"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/observability/alerting"
	"ARC-Router/internal/observability/metrics"
	"ARC-Router/internal/session"
	"ARC-Router/internal/task"
	"ARC-Router/pkg/logger"
)

// Executor 是服务所需的调度能力，*dispatch.Engine 满足该接口。
type Executor interface {
	Dispatch(ctx context.Context, t *task.Task) *dispatch.Result
}

// Service 负责作业的创建、同步调度与查询。
type Service struct {
	store       Store
	producer    Producer
	maxAttempts int
	executor    Executor
	sessions    session.Store
	alerter     alerting.Dispatcher
	metrics     *metrics.Collector
	log         *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithExecutor 配置调度执行器。
func WithExecutor(executor Executor) ServiceOption {
	return func(s *Service) {
		s.executor = executor
	}
}

// WithSessions 配置会话历史存储，调度完成后按 SessionID 追加记录。
func WithSessions(store session.Store) ServiceOption {
	return func(s *Service) {
		s.sessions = store
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ServiceOption {
	return func(s *Service) {
		s.alerter = dispatcher
	}
}

// WithMetrics 配置指标收集器。
func WithMetrics(collector *metrics.Collector) ServiceOption {
	return func(s *Service) {
		s.metrics = collector
	}
}

// NewService 构造作业服务。maxAttempts 是单个作业最多被执行的次数。
func NewService(store Store, producer Producer, maxAttempts int, opts ...ServiceOption) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	s := &Service{
		store:       store,
		producer:    producer,
		maxAttempts: maxAttempts,
		log:         logger.Named("job"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的作业并推送到队列。指定的 ID 已存在时直接返回已有作业。
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	t, err := req.NewTask(jobID)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:          jobID,
		SessionID:   strings.TrimSpace(req.SessionID),
		Task:        t,
		Status:      StatusPending,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		s.log.Error("作业入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), nil)
		s.emitAlert(ctx, job, CodeJobPublish, wrapped, "publish")
		return nil, wrapped
	}
	logger.Audit().Info("作业入队成功",
		slog.String("job_id", jobID),
		slog.String("session_id", job.SessionID),
		slog.String("kind", string(t.Kind)),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	return s.store.Get(ctx, jobID)
}

// Dispatch 同步执行一次调度。只有请求无效或服务未配置执行器时返回 error，
// 调度失败以 Success=false 的 Result 表示。
func (s *Service) Dispatch(ctx context.Context, req Request) (*dispatch.Result, error) {
	if s.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置调度执行器")
	}
	t, err := req.NewTask(strings.TrimSpace(req.ID))
	if err != nil {
		return nil, err
	}
	started := time.Now()
	result := s.executor.Dispatch(ctx, t)
	s.complete(ctx, strings.TrimSpace(req.SessionID), t, result, time.Since(started))
	if !result.Success {
		s.emitAlert(ctx, &Job{ID: t.ID, Task: t, Result: result, Attempts: 1, MaxAttempts: 1},
			xerrors.Code(result.ErrorCode), stdErrors.New(result.Error), "sync")
	}
	return result, nil
}

// complete 在调度结束后记录指标与会话历史。
func (s *Service) complete(ctx context.Context, sessionID string, t *task.Task, result *dispatch.Result, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveDispatch(result.Kind, string(result.Mode), result.Success, elapsed)
		if result.Merge != nil {
			s.metrics.ObserveMerge(result.Merge.Strategy.String(), result.Merge.Success)
		}
	}
	if s.sessions != nil && sessionID != "" {
		if _, err := s.sessions.AddTask(ctx, sessionID, t, &result.Response); err != nil {
			s.log.Warn("写入会话历史失败", slog.Any("error", err), slog.String("session_id", sessionID), slog.String("task_id", t.ID))
		}
	}
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// History 返回会话最近的调度记录。
func (s *Service) History(ctx context.Context, sessionID string, count int) ([]session.Entry, error) {
	if s.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未配置")
	}
	return s.sessions.RecentHistory(ctx, sessionID, count)
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.sessions != nil {
		errs = append(errs, s.sessions.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询作业状态，直到作业不会再被执行或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if s == nil || s.alerter == nil || job == nil || !xerrors.ShouldAlertCode(code) {
		return
	}
	event := alerting.NewEvent(code, job.ID, cause)
	event.Attempts = job.Attempts
	event.MaxAttempts = job.MaxAttempts
	event.Metadata["stage"] = stage
	if job.SessionID != "" {
		event.Metadata["session_id"] = job.SessionID
	}
	if job.Result != nil {
		event.Kind = string(job.Result.Kind)
	} else if job.Task != nil {
		event.Kind = string(job.Task.Kind)
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.log.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
