package job

import (
	"slices"
	"strings"
	"time"

	"ARC-Router/internal/task"
)

// SortOrder defines how results should be ordered when listing jobs.
type SortOrder int

const (
	// SortByUpdatedDesc orders jobs by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders jobs by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how jobs are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Kinds      []task.Kind
	SessionID  string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	opts.Limit = min(opts.Limit, 100)
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.SessionID = strings.TrimSpace(opts.SessionID)
	opts.Query = strings.ToLower(strings.TrimSpace(opts.Query))
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching jobs.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters jobs by status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithKinds filters jobs by the task kind resolved at dispatch, or the submitted kind while pending.
func WithKinds(kinds ...task.Kind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// WithSession keeps only jobs submitted for the session.
func WithSession(sessionID string) ListOption {
	return func(opts *ListOptions) {
		opts.SessionID = sessionID
	}
}

// WithUpdatedSince keeps jobs updated at or after ts. A zero ts clears the bound.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil keeps jobs updated at or before ts. A zero ts clears the bound.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// WithResultPresence filters jobs by whether a dispatch result is attached.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasResult = &hasResult
	}
}

// WithSortOrder changes the returned order of jobs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery matches the job id, the task content and the result output or error.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// normalizeStatuses 去掉未知与重复的状态，保留首次出现的顺序。
func normalizeStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(result, status) {
			result = append(result, status)
		}
	}
	return result
}

func (opts ListOptions) matches(j *Job) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, j.Status) {
		return false
	}
	if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, kindOf(j)) {
		return false
	}
	if opts.SessionID != "" && j.SessionID != opts.SessionID {
		return false
	}
	if opts.UpdatedGTE > 0 && j.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && j.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (j.Result != nil) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !strings.Contains(searchText(j), opts.Query) {
		return false
	}
	return true
}

func kindOf(j *Job) task.Kind {
	if j.Result != nil && j.Result.Kind.IsSet() {
		return j.Result.Kind
	}
	if j.Task != nil {
		return j.Task.Kind
	}
	return task.KindUnspecified
}

func searchText(j *Job) string {
	parts := []string{j.ID, j.LastError}
	if content, ok := j.Task.PrimaryContent(); ok {
		parts = append(parts, content)
	}
	if j.Result != nil {
		parts = append(parts, task.Stringify(j.Result.Output), j.Result.Error)
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}
