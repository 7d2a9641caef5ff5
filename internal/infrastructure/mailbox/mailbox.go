package mailbox

import (
	"context"
	"sync"
)

// Conflated 单槽邮箱：新写入覆盖尚未被取走的旧值（latest-wins）
type Conflated[T any] struct {
	mu     sync.Mutex
	val    T
	has    bool
	closed bool
	signal chan struct{}
}

// NewConflated 创建单槽邮箱
func NewConflated[T any]() *Conflated[T] {
	return &Conflated[T]{signal: make(chan struct{}, 1)}
}

// Offer 写入一个值，覆盖未消费的旧值；邮箱关闭后返回 false
func (c *Conflated[T]) Offer(v T) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.val = v
	c.has = true
	c.mu.Unlock()
	notify(c.signal)
	return true
}

// Receive 阻塞直到有值、邮箱关闭或 ctx 结束
func (c *Conflated[T]) Receive(ctx context.Context) (T, bool) {
	var zero T
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return zero, false
		}
		if c.has {
			v := c.val
			c.val = zero
			c.has = false
			c.mu.Unlock()
			return v, true
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, false
		case <-c.signal:
		}
	}
}

// Close 关闭邮箱，丢弃未消费的值
func (c *Conflated[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var zero T
	c.closed = true
	c.val = zero
	c.has = false
	c.mu.Unlock()
	notify(c.signal)
}

// Closed 是否已关闭
func (c *Conflated[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Unbounded 无界 FIFO：Push 永不阻塞，关闭后已入队的元素仍可被取走
type Unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{signal: make(chan struct{}, 1)}
}

// Push 入队；关闭后返回 false
func (u *Unbounded[T]) Push(v T) bool {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return false
	}
	u.items = append(u.items, v)
	u.mu.Unlock()
	notify(u.signal)
	return true
}

// Pop 阻塞直到取到元素；队列关闭且已空、或 ctx 结束时返回 false
func (u *Unbounded[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		u.mu.Lock()
		if len(u.items) > 0 {
			v := u.items[0]
			u.items[0] = zero
			u.items = u.items[1:]
			more := len(u.items) > 0
			u.mu.Unlock()
			if more {
				notify(u.signal)
			}
			return v, true
		}
		if u.closed {
			u.mu.Unlock()
			return zero, false
		}
		u.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, false
		case <-u.signal:
		}
	}
}

func (u *Unbounded[T]) Close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	notify(u.signal)
}

func (u *Unbounded[T]) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.items)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
