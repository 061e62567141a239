package routing

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ARC-Router/pkg/logger"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher 监听路由配置文件，变更后重新加载并原子替换路由表。
// 监听的是文件所在目录，编辑器的“写临时文件再重命名”也能被捕获。
type Watcher struct {
	path     string
	table    *Table
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *slog.Logger
	onReload func(RuleFile, error)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatcherOption 定义 Watcher 的可选配置。
type WatcherOption func(*Watcher)

// WithDebounce 设置合并连续写入的等待时间。
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook 在每次重新加载后回调，err 非空表示新文件无效且路由表未改变。
func WithReloadHook(fn func(RuleFile, error)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher 创建文件监听器。
func NewWatcher(path string, table *Table, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		table:    table,
		watcher:  fw,
		debounce: defaultDebounce,
		log:      logger.Named("routing"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Start 开始监听，非阻塞。
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.log.Info("watching routing rules", "path", w.path)
	go w.run(ctx)
	return nil
}

// Stop 停止监听并等待事件循环退出。
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.log.Warn("close routing watcher", "error", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("routing watcher error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	file, err := LoadRules(w.path)
	if err == nil {
		err = file.Apply(w.table)
	}
	if err != nil {
		w.log.Warn("routing rules reload rejected", "path", w.path, "error", err)
	} else {
		w.log.Info("routing rules reloaded", "path", w.path, "rules", len(file.All()))
	}
	if w.onReload != nil {
		w.onReload(file, err)
	}
}
