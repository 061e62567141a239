package job

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "ARC-Router/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现作业队列。消息体是作业 ID，采用手动确认。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = "arc.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	q := &RabbitMQQueue{conn: conn, queue: cfg.Queue}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	q.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ prefetch 失败")
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return nil
}

func (q *RabbitMQQueue) ready() error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	return nil
}

// Publish 以持久化消息投递作业。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.ready(); err != nil {
		return err
	}
	msg := amqp.Publishing{ContentType: "text/plain", DeliveryMode: amqp.Persistent, Body: []byte(jobID)}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布作业失败")
	}
	return nil
}

// Consume 消费队列直到 ctx 结束。处理成功 Ack，失败 Nack 并重新入队。
// 消费通道被服务端关闭时返回 QUEUE_FAILURE。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if err := q.ready(); err != nil {
		return err
	}
	msgs, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	fetch := func(ctx context.Context) (delivery, error) {
		select {
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return delivery{}, xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 消费通道已关闭")
			}
			return delivery{
				jobID:     string(msg.Body),
				ack:       func() { _ = msg.Ack(false) },
				redeliver: func(context.Context) { _ = msg.Nack(false, true) },
			}, nil
		}
	}
	return serve(ctx, workerCount, fetch, handler)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
