package cable

import "sync/atomic"

// Listener 接收已解码的消息，直到自身失活
type Listener interface {
	Receive(msg Message)
	Active() bool
}

// FuncListener 闭包监听器，回调内可调用 Deactivate 实现一次性等待
type FuncListener struct {
	fn       func(l *FuncListener, msg Message)
	inactive atomic.Bool
}

// NewListener 创建处于激活状态的监听器
func NewListener(fn func(l *FuncListener, msg Message)) *FuncListener {
	return &FuncListener{fn: fn}
}

func (l *FuncListener) Receive(msg Message) {
	if l.fn != nil {
		l.fn(l, msg)
	}
}

func (l *FuncListener) Active() bool { return !l.inactive.Load() }

// Deactivate 失活后在下一轮分发时被移除
func (l *FuncListener) Deactivate() { l.inactive.Store(true) }

// Registry 按注册顺序保存监听器；非并发安全，由所属的串行 worker 独占
type Registry struct {
	listeners []Listener
}

// Add 注册监听器，重复注册忽略
func (r *Registry) Add(l Listener) {
	for _, existing := range r.listeners {
		if existing == l {
			return
		}
	}
	r.listeners = append(r.listeners, l)
}

// Dispatch 把消息按注册顺序交给每个激活的监听器，随后移除失活者并返回它们
func (r *Registry) Dispatch(msg Message) []Listener {
	var removed []Listener
	kept := r.listeners[:0]
	for _, l := range r.listeners {
		if l.Active() {
			l.Receive(msg)
		}
		// listener state might change during Receive
		if l.Active() {
			kept = append(kept, l)
		} else {
			removed = append(removed, l)
		}
	}
	for i := len(kept); i < len(r.listeners); i++ {
		r.listeners[i] = nil
	}
	r.listeners = kept
	return removed
}

// Prune 移除失活监听器（不分发消息）
func (r *Registry) Prune() []Listener {
	var removed []Listener
	kept := r.listeners[:0]
	for _, l := range r.listeners {
		if l.Active() {
			kept = append(kept, l)
		} else {
			removed = append(removed, l)
		}
	}
	for i := len(kept); i < len(r.listeners); i++ {
		r.listeners[i] = nil
	}
	r.listeners = kept
	return removed
}

func (r *Registry) Len() int { return len(r.listeners) }
