package cable

import "context"

// submit 把 fn 投递给串行 worker 并等待执行完成；worker 已退出时返回 false
func submit(ctx context.Context, actions chan<- func(), fn func()) bool {
	if ctx.Err() != nil {
		return false
	}
	finished := make(chan struct{})
	select {
	case actions <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return false
	}
	select {
	case <-finished:
		return true
	case <-ctx.Done():
		return false
	}
}
