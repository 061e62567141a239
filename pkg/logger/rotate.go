package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

// rotatingWriter 按大小切分审计日志。切出的文件以时间戳命名（audit.log.20261017T101500.000），
// 超过 maxBackups 或 maxAge 的旧文件会被清理。
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time

	file *os.File
	size int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(orDefault(maxSizeMB, 100)) << 20,
		maxBackups: orDefault(maxBackups, 7),
		maxAge:     time.Duration(orDefault(maxAgeDays, 30)) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

func (w *rotatingWriter) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.size = nil, 0
	return err
}

func (w *rotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file, w.size = file, info.Size()
	return nil
}

// rotate 关闭当前文件，将其改名为带时间戳的备份并重新打开。
func (w *rotatingWriter) rotate() error {
	if err := w.closeFile(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	backup := w.path + "." + w.now().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.prune()
	return w.open()
}

// backups 返回现存备份，最新的在前。
func (w *rotatingWriter) backups() []string {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	prefix := w.path + "."
	list := matches[:0]
	for _, m := range matches {
		if _, err := time.Parse(backupTimeFormat, strings.TrimPrefix(m, prefix)); err == nil {
			list = append(list, m)
		}
	}
	// 时间戳格式按字典序即按时间排序。
	sort.Sort(sort.Reverse(sort.StringSlice(list)))
	return list
}

func (w *rotatingWriter) prune() {
	cutoff := w.now().Add(-w.maxAge)
	prefix := w.path + "."
	for i, path := range w.backups() {
		stamp, _ := time.ParseInLocation(backupTimeFormat, strings.TrimPrefix(path, prefix), time.Local)
		if i >= w.maxBackups || stamp.Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}
