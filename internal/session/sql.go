package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// Dialect 标识 SQL 方言。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// SQLConfig 描述 SQL 会话存储的连接参数。
type SQLConfig struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore 使用 database/sql 保存会话历史，支持 MySQL 与 SQLite。
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
}

// NewSQLStore 打开数据库、创建表结构并返回存储实例。
func NewSQLStore(ctx context.Context, cfg SQLConfig, opts ...Option) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "DSN 不能为空")
	}
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = DialectMySQL
	}
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的 SQL 方言: %s", dialect))
	}

	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	switch {
	case dialect == DialectSQLite:
		// SQLite 单连接写入，:memory: 数据库也依赖同一连接。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}

	store, err := NewSQLStoreWithDB(ctx, db, dialect, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStoreWithDB 使用已有连接创建存储并确保表结构存在。
func NewSQLStoreWithDB(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, opts: buildOptions(opts)}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS arc_sessions (
        session_id VARCHAR(128) NOT NULL PRIMARY KEY,
        turns BIGINT NOT NULL DEFAULT 0,
        last_input TEXT,
        updated_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS arc_session_entries (
        id VARCHAR(36) NOT NULL PRIMARY KEY,
        session_id VARCHAR(128) NOT NULL,
        seq BIGINT NOT NULL,
        task_id VARCHAR(64) NOT NULL,
        kind VARCHAR(64) NOT NULL,
        input TEXT,
        output TEXT,
        adapter VARCHAR(128),
        success SMALLINT NOT NULL,
        confidence DOUBLE,
        error_message TEXT,
        created_at BIGINT NOT NULL
)`,
	}
	if s.dialect == DialectSQLite {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_arc_session_entries_seq ON arc_session_entries (session_id, seq)`)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话表失败")
		}
	}
	if s.dialect == DialectMySQL {
		// MySQL 不支持 CREATE INDEX IF NOT EXISTS，重复创建时忽略错误。
		_, _ = s.db.ExecContext(ctx, `CREATE INDEX idx_arc_session_entries_seq ON arc_session_entries (session_id, seq)`)
	}
	return nil
}

func (s *SQLStore) lockClause() string {
	if s.dialect == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) upsertSession() string {
	if s.dialect == DialectMySQL {
		return `INSERT INTO arc_sessions (session_id, turns, last_input, updated_at) VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE turns = VALUES(turns), last_input = VALUES(last_input), updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO arc_sessions (session_id, turns, last_input, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET turns = excluded.turns, last_input = excluded.last_input, updated_at = excluded.updated_at`
}

// AddTask 实现 Store 接口。
func (s *SQLStore) AddTask(ctx context.Context, sessionID string, t *task.Task, resp *task.Response) (bool, error) {
	if err := validate(sessionID, t); err != nil {
		return false, err
	}
	entry := NewEntry(sessionID, t, resp, s.opts.now())
	entry.ID = uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var (
		turns     int64
		lastInput sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT turns, last_input FROM arc_sessions WHERE session_id = ?`+s.lockClause(), sessionID).
		Scan(&turns, &lastInput)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	if turns > 0 && lastInput.Valid && lastInput.String == entry.Input {
		return false, nil
	}

	seq := turns + 1
	var confidence sql.NullFloat64
	if entry.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *entry.Confidence, Valid: true}
	}
	success := 0
	if entry.Success {
		success = 1
	}
	createdAt := entry.CreatedAt.UnixNano()

	if _, err := tx.ExecContext(ctx, s.upsertSession(), sessionID, seq, entry.Input, createdAt); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO arc_session_entries
        (id, session_id, seq, task_id, kind, input, output, adapter, success, confidence, error_message, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, sessionID, seq, entry.TaskID, string(entry.Kind), entry.Input, entry.Output,
		entry.Adapter, success, confidence, entry.Error, createdAt,
	); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话记录失败")
	}
	if cutoff := seq - int64(s.opts.maxEntries); cutoff > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM arc_session_entries WHERE session_id = ? AND seq <= ?`, sessionID, cutoff); err != nil {
			return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "裁剪会话记录失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return true, nil
}

// RecentHistory 实现 Store 接口。
func (s *SQLStore) RecentHistory(ctx context.Context, sessionID string, count int) ([]Entry, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	limit := count
	if limit <= 0 {
		limit = s.opts.maxEntries
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, kind, input, output, adapter, success, confidence, error_message, created_at
        FROM arc_session_entries WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话记录失败")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			kind       string
			input      sql.NullString
			output     sql.NullString
			adapter    sql.NullString
			success    int
			confidence sql.NullFloat64
			errMsg     sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &kind, &input, &output, &adapter, &success, &confidence, &errMsg, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话记录失败")
		}
		e.SessionID = sessionID
		e.Kind = task.Kind(kind)
		e.Input = input.String
		e.Output = output.String
		e.Adapter = adapter.String
		e.Success = success != 0
		e.Error = errMsg.String
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		if confidence.Valid {
			c := confidence.Float64
			e.Confidence = &c
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话记录失败")
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Reset 实现 Store 接口。
func (s *SQLStore) Reset(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM arc_session_entries WHERE session_id = ?`,
		`DELETE FROM arc_sessions WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空会话失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Summary 实现 Store 接口。
func (s *SQLStore) Summary(ctx context.Context, sessionID string) (Summary, error) {
	entries, err := s.RecentHistory(ctx, sessionID, 0)
	if err != nil {
		return Summary{}, err
	}
	var turns int
	err = s.db.QueryRowContext(ctx, `SELECT turns FROM arc_sessions WHERE session_id = ?`, sessionID).Scan(&turns)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Summary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return summarize(sessionID, entries, turns), nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
