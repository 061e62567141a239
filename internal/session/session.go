// Package session 记录每个会话最近的调度历史。
//
// 核心调度流程不依赖会话；服务层在调度完成后调用 AddTask 追加记录，
// 需要上下文时通过 RecentHistory 读取。所有实现都只保留最近 MaxEntries 条记录，
// 并跳过与上一条输入完全相同的重复提交。
package session

import (
	"context"
	"strings"
	"time"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// DefaultMaxEntries 是每个会话默认保留的历史条数。
const DefaultMaxEntries = 20

// Entry 是一条会话历史。
type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id"`
	Kind       task.Kind `json:"kind"`
	Input      string    `json:"input"`
	Output     string    `json:"output,omitempty"`
	Adapter    string    `json:"adapter,omitempty"`
	Success    bool      `json:"success"`
	Confidence *float64  `json:"confidence,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary 汇总会话状态。Turns 统计累计接受的提交次数，不受裁剪影响。
type Summary struct {
	SessionID    string    `json:"session_id"`
	Entries      int       `json:"entries"`
	Turns        int       `json:"turns"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Store 抽象会话历史的存储。
type Store interface {
	// AddTask 追加一条记录，输入与上一条相同则跳过并返回 false。
	AddTask(ctx context.Context, sessionID string, t *task.Task, resp *task.Response) (bool, error)
	// RecentHistory 按时间顺序返回最近 count 条记录，count <= 0 返回全部。
	RecentHistory(ctx context.Context, sessionID string, count int) ([]Entry, error)
	Reset(ctx context.Context, sessionID string) error
	Summary(ctx context.Context, sessionID string) (Summary, error)
	Close() error
}

type options struct {
	maxEntries int
	prefix     string
	now        func() time.Time
}

// Option 定义存储的可选配置。
type Option func(*options)

// WithMaxEntries 设置每个会话保留的条数。
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithKeyPrefix 设置 Redis 键前缀。
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		maxEntries: DefaultMaxEntries,
		prefix:     "arc:session",
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// NewEntry 由任务与响应构造一条历史记录。
func NewEntry(sessionID string, t *task.Task, resp *task.Response, at time.Time) Entry {
	entry := Entry{
		SessionID: sessionID,
		TaskID:    t.ID,
		Kind:      t.Kind,
		Input:     InputOf(t),
		CreatedAt: at,
	}
	if resp != nil {
		entry.Adapter = resp.Adapter()
		entry.Success = resp.Success
		entry.Error = resp.Error
		if resp.Output != nil {
			entry.Output = task.Stringify(resp.Output)
		}
		if resp.Confidence != nil {
			c := *resp.Confidence
			entry.Confidence = &c
		}
		if kind, ok := resp.Metadata["kind"].(string); ok && kind != "" {
			entry.Kind = task.Kind(kind)
		}
	}
	return entry
}

// InputOf 返回用于重复检测的输入文本。
func InputOf(t *task.Task) string {
	if content, ok := t.PrimaryContent(); ok {
		return strings.TrimSpace(content)
	}
	return task.Stringify(t.Payload)
}

func validate(sessionID string, t *task.Task) error {
	if strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	return nil
}

func validateID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	return nil
}

func summarize(sessionID string, entries []Entry, turns int) Summary {
	s := Summary{SessionID: sessionID, Entries: len(entries), Turns: turns}
	for _, e := range entries {
		if e.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if e.CreatedAt.After(s.LastActivity) {
			s.LastActivity = e.CreatedAt
		}
	}
	return s
}

func tail(entries []Entry, count int) []Entry {
	if count > 0 && len(entries) > count {
		entries = entries[len(entries)-count:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
