package dispatch

import "ARC-Router/internal/task"

// Observer 包裹每一次适配器调用，StartTask 返回的回调在调用结束时收到归一化后的响应。
type Observer interface {
	StartTask(t *task.Task, adapterName string) func(*task.Response)
}

// ObserverFunc 将函数适配为 Observer。
type ObserverFunc func(t *task.Task, adapterName string) func(*task.Response)

// StartTask 实现 Observer。
func (f ObserverFunc) StartTask(t *task.Task, adapterName string) func(*task.Response) {
	return f(t, adapterName)
}

type nopObserver struct{}

func (nopObserver) StartTask(*task.Task, string) func(*task.Response) {
	return func(*task.Response) {}
}

// Observers 将多个 Observer 合并为一个，按注册顺序回调。
func Observers(observers ...Observer) Observer {
	filtered := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return nopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return ObserverFunc(func(t *task.Task, name string) func(*task.Response) {
		done := make([]func(*task.Response), 0, len(filtered))
		for _, o := range filtered {
			if cb := o.StartTask(t, name); cb != nil {
				done = append(done, cb)
			}
		}
		return func(resp *task.Response) {
			for _, cb := range done {
				cb(resp)
			}
		}
	})
}
