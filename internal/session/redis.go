package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// RedisConfig 描述 Redis 会话存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisStore 为每个会话维护一个 list（最新在前）与一个元数据 hash。
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore 连接 Redis 并创建会话存储。
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisStoreWithClient(client, opts...), nil
}

// NewRedisStoreWithClient 使用已有客户端创建会话存储，Close 时会关闭该客户端。
func NewRedisStoreWithClient(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: buildOptions(opts)}
}

func (r *RedisStore) entriesKey(sessionID string) string {
	return r.opts.prefix + ":" + sessionID + ":entries"
}

func (r *RedisStore) metaKey(sessionID string) string {
	return r.opts.prefix + ":" + sessionID + ":meta"
}

// AddTask 实现 Store 接口。重复检测与写入在 WATCH 事务内完成。
func (r *RedisStore) AddTask(ctx context.Context, sessionID string, t *task.Task, resp *task.Response) (bool, error) {
	if err := validate(sessionID, t); err != nil {
		return false, err
	}
	entry := NewEntry(sessionID, t, resp, r.opts.now())
	entry.ID = uuid.NewString()
	encoded, err := json.Marshal(entry)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话记录失败")
	}

	entriesKey, metaKey := r.entriesKey(sessionID), r.metaKey(sessionID)
	added := false
	txf := func(tx *redis.Tx) error {
		last, err := tx.HGet(ctx, metaKey, "last_input").Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case last == entry.Input:
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, entriesKey, encoded)
			pipe.LTrim(ctx, entriesKey, 0, int64(r.opts.maxEntries-1))
			pipe.HIncrBy(ctx, metaKey, "turns", 1)
			pipe.HSet(ctx, metaKey, "last_input", entry.Input)
			return nil
		})
		if err == nil {
			added = true
		}
		return err
	}
	if err := r.client.Watch(ctx, txf, metaKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return false, xerrors.Wrap(xerrors.CodeConflict, err, "会话并发写入冲突")
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话历史失败")
	}
	return added, nil
}

// RecentHistory 实现 Store 接口。
func (r *RedisStore) RecentHistory(ctx context.Context, sessionID string, count int) ([]Entry, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if count > 0 {
		stop = int64(count - 1)
	}
	return r.load(ctx, sessionID, stop)
}

// load 读取最新的 stop+1 条记录并按时间顺序返回。
func (r *RedisStore) load(ctx context.Context, sessionID string, stop int64) ([]Entry, error) {
	values, err := r.client.LRange(ctx, r.entriesKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话历史失败")
	}
	entries := make([]Entry, len(values))
	for i, raw := range values {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析会话记录失败 (session: %s)", sessionID))
		}
		entries[len(values)-1-i] = e
	}
	return entries, nil
}

// Reset 实现 Store 接口。
func (r *RedisStore) Reset(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.entriesKey(sessionID), r.metaKey(sessionID)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空会话失败")
	}
	return nil
}

// Summary 实现 Store 接口。
func (r *RedisStore) Summary(ctx context.Context, sessionID string) (Summary, error) {
	if err := validateID(sessionID); err != nil {
		return Summary{}, err
	}
	entries, err := r.load(ctx, sessionID, -1)
	if err != nil {
		return Summary{}, err
	}
	raw, err := r.client.HGet(ctx, r.metaKey(sessionID), "turns").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Summary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话元数据失败")
	}
	turns, _ := strconv.Atoi(raw)
	return summarize(sessionID, entries, turns), nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
