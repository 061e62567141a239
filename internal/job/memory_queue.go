package job

import (
	"context"
	"sync"

	xerrors "ARC-Router/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，适合单进程部署与测试。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将作业投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	// 持有读锁直到写入完成，避免与 Close 竞争导致向已关闭的 channel 写入。
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- jobID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的作业，直到 ctx 结束或队列关闭。
// 处理失败的作业不会重新投递，重试由 Processor 负责。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return serve(ctx, workerCount, q.fetch, handler)
}

func (q *MemoryQueue) fetch(ctx context.Context) (delivery, error) {
	select {
	case <-ctx.Done():
		return delivery{}, ctx.Err()
	case jobID, ok := <-q.ch:
		if !ok {
			return delivery{}, errDrained
		}
		return delivery{jobID: jobID}, nil
	}
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
