package session

import (
	"context"
	"fmt"
	"strings"

	xerrors "ARC-Router/internal/errors"
)

// Config 选择会话存储的驱动。
type Config struct {
	// Driver 取值 memory、redis、mysql、sqlite，默认 memory。
	Driver     string
	DSN        string
	Redis      RedisConfig
	KeyPrefix  string
	MaxEntries int
}

// Open 根据配置创建会话存储。
func Open(ctx context.Context, cfg Config) (Store, error) {
	opts := []Option{WithMaxEntries(cfg.MaxEntries), WithKeyPrefix(cfg.KeyPrefix)}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(opts...), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis, opts...)
	case "mysql":
		return NewSQLStore(ctx, SQLConfig{Dialect: DialectMySQL, DSN: cfg.DSN}, opts...)
	case "sqlite":
		return NewSQLStore(ctx, SQLConfig{Dialect: DialectSQLite, DSN: cfg.DSN}, opts...)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的会话存储驱动: %s", cfg.Driver))
	}
}
