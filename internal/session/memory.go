package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"ARC-Router/internal/task"
)

// MemoryStore 在进程内保存会话历史，主要用于开发与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	opts     options
	sessions map[string]*memorySession
}

type memorySession struct {
	entries   []Entry
	turns     int
	lastInput string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{opts: buildOptions(opts), sessions: make(map[string]*memorySession)}
}

// AddTask 实现 Store 接口。
func (m *MemoryStore) AddTask(_ context.Context, sessionID string, t *task.Task, resp *task.Response) (bool, error) {
	if err := validate(sessionID, t); err != nil {
		return false, err
	}
	entry := NewEntry(sessionID, t, resp, m.opts.now())
	entry.ID = uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &memorySession{}
		m.sessions[sessionID] = s
	}
	if s.turns > 0 && s.lastInput == entry.Input {
		return false, nil
	}
	s.entries = append(s.entries, entry)
	if over := len(s.entries) - m.opts.maxEntries; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
	s.turns++
	s.lastInput = entry.Input
	return true, nil
}

// RecentHistory 实现 Store 接口。
func (m *MemoryStore) RecentHistory(_ context.Context, sessionID string, count int) ([]Entry, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return []Entry{}, nil
	}
	return tail(s.entries, count), nil
}

// Reset 实现 Store 接口。
func (m *MemoryStore) Reset(_ context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// Summary 实现 Store 接口。
func (m *MemoryStore) Summary(_ context.Context, sessionID string) (Summary, error) {
	if err := validateID(sessionID); err != nil {
		return Summary{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Summary{SessionID: sessionID}, nil
	}
	return summarize(sessionID, s.entries, s.turns), nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
