package cable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrAttemptsExhausted 所有重试均失败
var ErrAttemptsExhausted = errors.New("attempts exhausted")

// RetryPolicy 单个频道操作的重试策略
type RetryPolicy struct {
	Attempts     int           // 总尝试次数（含首次）
	Timeout      time.Duration // 每次尝试的超时
	InitialDelay time.Duration // 初始退避
	MaxDelay     time.Duration // 最大退避
	Factor       float64       // 退避倍数
}

// DefaultRetryPolicy 默认重试策略
var DefaultRetryPolicy = RetryPolicy{
	Attempts:     3,
	Timeout:      10 * time.Second,
	InitialDelay: 1 * time.Second,
	MaxDelay:     10 * time.Second,
	Factor:       2.0,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryPolicy.Timeout
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	return p
}

// Run 执行 fn 直到成功或尝试次数用尽；每次尝试受 Timeout 约束
// ctx 被取消时立即返回，不再进行后续尝试
func (p RetryPolicy) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	p = p.normalized()
	delay := p.InitialDelay

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			log.Debug().
				Str("op", name).
				Int("attempt", attempt+1).
				Int64("delay_ms", delay.Milliseconds()).
				AnErr("cause", lastErr).
				Msg("retrying operation")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			// 指数退避，不超过最大延迟
			delay = time.Duration(float64(delay) * p.Factor)
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}

	return fmt.Errorf("%s after %d attempts: %w", name, p.Attempts, errors.Join(ErrAttemptsExhausted, lastErr))
}
