package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/pkg/logger"
)

// Handler 处理来自消息队列的作业 ID。返回错误时 Redis 与 RabbitMQ 队列会重新投递。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 负责从队列中消费作业。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// QueueConfig 选择队列实现。
type QueueConfig struct {
	// Driver 取值 memory、redis、rabbitmq，默认 memory。
	Driver   string
	Buffer   int
	Redis    RedisQueueConfig
	RabbitMQ RabbitMQConfig
}

// OpenQueue 根据配置创建队列。
func OpenQueue(ctx context.Context, cfg QueueConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver))
	}
}

// delivery 是从队列取出的一条消息。ack 在处理成功后调用，redeliver 在处理失败后调用；
// 两者都可以为空。
type delivery struct {
	jobID     string
	ack       func()
	redeliver func(ctx context.Context)
}

// errDrained 表示队列已关闭且不会再有消息。
var errDrained = stdErrors.New("queue drained")

// serve 启动 workers 个协程，循环调用 fetch 取消息并交给 handler。
// 返回条件：ctx 结束（返回 ctx.Err()）、队列关闭（返回 nil）、fetch 出错（返回该错误）。
func serve(ctx context.Context, workers int, fetch func(context.Context) (delivery, error), handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	log := logger.Named("job.queue")
	workerCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for workerCtx.Err() == nil {
				d, err := fetch(workerCtx)
				if err != nil {
					if !stdErrors.Is(err, errDrained) && workerCtx.Err() == nil {
						stop(err)
					}
					return
				}
				if err := handler(workerCtx, d.jobID); err != nil {
					log.WarnContext(logger.With(workerCtx, "job_id", d.jobID), "作业处理失败",
						"error", err, "redeliver", d.redeliver != nil)
					if d.redeliver != nil {
						d.redeliver(workerCtx)
					}
					continue
				}
				if d.ack != nil {
					d.ack()
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if cause := context.Cause(workerCtx); cause != nil && !stdErrors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}
