package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// Adapter 是后端处理能力的统一契约。
//
// Call 的失败可以通过返回 error、返回 nil 响应或返回 Success=false 的响应表达，
// 调度引擎对三者一视同仁。SupportsKind 仅供参考，路由不会据此过滤。
type Adapter interface {
	Name() string
	Call(ctx context.Context, t *task.Task) (*task.Response, error)
	SupportsKind(kind task.Kind) bool
}

// Func 将普通函数包装为 Adapter，适用于进程内后端与测试。
type Func struct {
	name  string
	fn    func(ctx context.Context, t *task.Task) (*task.Response, error)
	kinds map[task.Kind]struct{}
}

// NewFunc 构造函数适配器。kinds 为空表示支持全部类型。
func NewFunc(name string, fn func(ctx context.Context, t *task.Task) (*task.Response, error), kinds ...task.Kind) *Func {
	f := &Func{name: name, fn: fn}
	if len(kinds) > 0 {
		f.kinds = make(map[task.Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			f.kinds[kind] = struct{}{}
		}
	}
	return f
}

// Name 实现 Adapter。
func (f *Func) Name() string { return f.name }

// Call 实现 Adapter。
func (f *Func) Call(ctx context.Context, t *task.Task) (*task.Response, error) {
	if f.fn == nil {
		return nil, xerrors.New(task.CodeAdapterCallFailed, fmt.Sprintf("adapter %s 未配置处理函数", f.name))
	}
	return f.fn(ctx, t)
}

// SupportsKind 实现 Adapter。
func (f *Func) SupportsKind(kind task.Kind) bool {
	if f.kinds == nil {
		return true
	}
	_, ok := f.kinds[kind]
	return ok
}

// Status 描述一个已注册适配器的状态。
type Status struct {
	Name  string      `json:"name"`
	Kinds []task.Kind `json:"kinds"`
}

// Registry 按名称保存适配器。注册变更很少发生，读路径使用读锁。
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry 构造注册表并注册初始适配器。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		_ = r.Register(a)
	}
	return r
}

// Register 按名称插入或替换适配器。
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "adapter 不能为空")
	}
	name := strings.TrimSpace(a.Name())
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "adapter 名称不能为空")
	}
	r.mu.Lock()
	r.adapters[name] = a
	r.mu.Unlock()
	return nil
}

// Remove 注销适配器，返回是否存在。
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return false
	}
	delete(r.adapters, name)
	return true
}

// Get 按名称查找适配器。
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	return a, ok
}

// Names 按字典序返回已注册的名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Status 返回全部适配器及其声明支持的内置类型。
func (r *Registry) Status() []Status {
	names := r.Names()
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		a, ok := r.Get(name)
		if !ok {
			continue
		}
		st := Status{Name: name, Kinds: []task.Kind{}}
		for _, kind := range task.BuiltinKinds() {
			if a.SupportsKind(kind) {
				st.Kinds = append(st.Kinds, kind)
			}
		}
		statuses = append(statuses, st)
	}
	return statuses
}
