package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/pkg/logger"
)

// Processor 负责从队列消费作业并交给调度引擎执行。
type Processor struct {
	service     *Service
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor，复用服务的存储、执行器、会话与告警配置。
func NewProcessor(service *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("job.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动作业处理循环，阻塞到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	s := p.service
	if s == nil || s.store == nil || s.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	ctx = logger.With(ctx, "job_id", jobID)
	job, err := s.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.DebugContext(ctx, "跳过作业", slog.String("reason", err.Error()))
			return nil
		}
		p.logger.ErrorContext(ctx, "领取作业失败", slog.Any("error", err))
		s.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	started := time.Now()
	result := s.executor.Dispatch(ctx, job.Task)
	elapsed := time.Since(started)
	job.Result = result

	if result.Success {
		if err := s.store.MarkSucceeded(ctx, job.ID, result); err != nil {
			p.logger.ErrorContext(ctx, "标记作业成功状态失败", slog.Any("error", err))
			if storeErr := s.store.MarkFailed(ctx, job.ID, CodeJobProcessing, err.Error(), result); storeErr != nil {
				return storeErr
			}
			return p.requeue(ctx, job)
		}
		s.complete(ctx, job.SessionID, job.Task, result, elapsed)
		logger.Audit().InfoContext(ctx, "作业执行成功",
			slog.String("kind", string(result.Kind)),
			slog.String("mode", string(result.Mode)),
			slog.String("adapter", result.Adapter()),
			slog.Int("attempts", job.Attempts),
		)
		return nil
	}

	code := xerrors.Code(result.ErrorCode)
	if code == "" {
		code = CodeJobProcessing
	}
	job.Status, job.ErrorCode = StatusFailed, string(code)
	terminal := job.Terminal()

	logger.Audit().WarnContext(ctx, "作业执行失败",
		slog.String("kind", string(result.Kind)),
		slog.Bool("terminal", terminal),
		slog.String("error", result.Error),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	// 会话与告警先于状态落库，轮询方看到终态时它们已经完成。
	stage := "retry"
	if terminal {
		stage = "terminal"
		s.complete(ctx, job.SessionID, job.Task, result, elapsed)
	}
	s.emitAlert(ctx, job, code, stdErrors.New(result.Error), stage)

	if storeErr := s.store.MarkFailed(ctx, job.ID, code, result.Error, result); storeErr != nil {
		p.logger.ErrorContext(ctx, "标记作业失败状态出错", slog.Any("error", storeErr))
		return storeErr
	}
	if !terminal {
		return p.requeue(ctx, job)
	}
	return nil
}

func (p *Processor) requeue(ctx context.Context, job *Job) error {
	if err := p.service.producer.Publish(ctx, job.ID); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", job.ID))
	}
	p.logger.Debug("作业已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}
