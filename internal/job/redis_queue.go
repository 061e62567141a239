package job

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ARC-Router/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现作业队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 使用已有客户端创建队列。
func NewRedisQueueWithClient(client redis.UniversalClient, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "arc:jobs"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将作业投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布作业失败")
	}
	return nil
}

// Consume 通过 BRPOP 取作业，处理失败的作业用 RPUSH 放回出队端，下一次优先取到。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return serve(ctx, workerCount, q.fetch, handler)
}

func (q *RedisQueue) fetch(ctx context.Context) (delivery, error) {
	for {
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// 等待超时，继续阻塞。
			continue
		case err != nil && ctx.Err() != nil:
			return delivery{}, ctx.Err()
		case errors.Is(err, redis.ErrClosed):
			return delivery{}, errDrained
		case err != nil:
			return delivery{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取作业失败")
		case len(values) != 2:
			continue
		}
		jobID := values[1]
		return delivery{
			jobID: jobID,
			redeliver: func(ctx context.Context) {
				_ = q.client.RPush(ctx, q.queue, jobID).Err()
			},
		}, nil
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
