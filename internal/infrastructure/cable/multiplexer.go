package cable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"coinfeed/internal/domain"
	"coinfeed/internal/infrastructure/mailbox"
	"coinfeed/internal/infrastructure/ws"
)

// ErrStopped 多路复用器已停止
var ErrStopped = errors.New("multiplexer stopped")

// ManagedSession 多路复用器管理的会话（*Session 实现）
type ManagedSession interface {
	Start()
	Subscribe(coins []domain.CoinID) bool
	Close(code int, message string)
	Done() <-chan struct{}
	Reason() (ws.CloseReason, error)
	Established() bool
}

// SessionFactory 创建新会话，forward 接收会话解码后的每条消息
type SessionFactory func(forward func(msg Message)) ManagedSession

// ignoredTypes 协议内部消息，不转发给调用方监听器
var ignoredTypes = map[string]bool{
	TypeWelcome:             true,
	TypeConfirmSubscription: true,
	TypePing:                true,
}

// MultiplexerConfig 重连节奏
// ReconnectDelay 为 0 时任何会话关闭后都立即重建；大于 0 时对握手前即断开的会话做指数退避
type MultiplexerConfig struct {
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// Multiplexer 维护唯一的活动会话：会话关闭后自动重建，并把所有监听器关心的币种并集同步给它
// 监听器表与当前会话只由 loop goroutine 读写
type Multiplexer struct {
	factory SessionFactory
	cfg     MultiplexerConfig

	ctx    context.Context
	cancel context.CancelFunc
	ops    *mailbox.Unbounded[func()]
	inbox  *mailbox.Unbounded[Message]

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	haltOnce  sync.Once
	done      chan struct{}

	listeners Registry
	interest  map[Listener]domain.CoinID
	current   ManagedSession
	backoff   time.Duration
	restarts  int
}

// NewMultiplexer 创建多路复用器，Start 后才会建立会话
func NewMultiplexer(factory SessionFactory, cfg MultiplexerConfig) *Multiplexer {
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		factory:  factory,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		ops:      mailbox.NewUnbounded[func()](),
		inbox:    mailbox.NewUnbounded[Message](),
		done:     make(chan struct{}),
		interest: map[Listener]domain.CoinID{},
	}
}

// Start 创建第一个会话；Start 之前登记的监听器随第一个会话一起同步。ctx 结束时自动 Stop
func (m *Multiplexer) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.loop()
		go m.route()
		go func() {
			select {
			case <-ctx.Done():
				m.Stop()
			case <-m.ctx.Done():
			}
		}()
		m.call(m.spawn)
	})
}

// Stop 关闭当前会话并停止重建；不等待，完成后 Done 关闭
func (m *Multiplexer) Stop() {
	m.stopOnce.Do(func() {
		// never started: no loop to drain ops
		m.startOnce.Do(func() {})
		if !m.started.Load() || !m.post(func() {
			if m.current != nil {
				m.current.Close(ws.CodeGoingAway, "Shutting down")
				m.current = nil
			}
			m.halt()
		}) {
			m.halt()
		}
	})
}

func (m *Multiplexer) halt() {
	m.haltOnce.Do(func() {
		m.cancel()
		m.ops.Close()
		m.inbox.Close()
		close(m.done)
		log.Info().Msg("cable multiplexer stopped")
	})
}

func (m *Multiplexer) Done() <-chan struct{} { return m.done }

// Subscribe 登记监听器及其关心的币种，并请求当前会话同步
// 不等待执行，监听器回调内也可调用；Start 之前登记的请求等到第一个会话创建后生效
func (m *Multiplexer) Subscribe(coin domain.CoinID, l Listener) error {
	if !m.post(func() {
		m.listeners.Add(l)
		m.interest[l] = coin
		m.sync()
	}) {
		return ErrStopped
	}
	return nil
}

// Refresh 移除已失活的监听器并重新同步，用于监听器在没有消息到达时自行失活的情况
func (m *Multiplexer) Refresh() error {
	if !m.post(func() {
		if m.forget(m.listeners.Prune()) {
			m.sync()
		}
	}) {
		return ErrStopped
	}
	return nil
}

// Coins 当前所有监听器关心的币种并集
func (m *Multiplexer) Coins() []domain.CoinID {
	var out []domain.CoinID
	m.call(func() { out = m.desired() })
	return out
}

// Restarts 会话被替换的次数
func (m *Multiplexer) Restarts() int {
	n := 0
	m.call(func() { n = m.restarts })
	return n
}

// post 把 fn 排入 loop 后立即返回；已停止时返回 false
func (m *Multiplexer) post(fn func()) bool {
	if m.ctx.Err() != nil {
		return false
	}
	return m.ops.Push(fn)
}

// call 排入 loop 并等待执行完成，不能在 loop 上调用
func (m *Multiplexer) call(fn func()) bool {
	if !m.started.Load() {
		return false
	}
	finished := make(chan struct{})
	if !m.post(func() { fn(); close(finished) }) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Multiplexer) loop() {
	for {
		fn, ok := m.ops.Pop(m.ctx)
		if !ok || m.ctx.Err() != nil {
			return
		}
		fn()
	}
}

func (m *Multiplexer) route() {
	for {
		msg, ok := m.inbox.Pop(m.ctx)
		if !ok {
			return
		}
		if ignoredTypes[msg.Type] {
			continue
		}
		m.post(func() {
			if m.forget(m.listeners.Dispatch(msg)) {
				m.sync()
			}
		})
	}
}

func (m *Multiplexer) forward(msg Message) {
	m.inbox.Push(msg)
}

func (m *Multiplexer) spawn() {
	s := m.factory(m.forward)
	m.current = s
	s.Start()
	m.sync()
	go m.watch(s)
}

func (m *Multiplexer) watch(s ManagedSession) {
	select {
	case <-s.Done():
	case <-m.ctx.Done():
		return
	}
	reason, err := s.Reason()

	var (
		stale bool
		delay time.Duration
	)
	if !m.call(func() {
		if m.current != s {
			stale = true
			return
		}
		m.current = nil
		m.restarts++
		if s.Established() || m.cfg.ReconnectDelay == 0 {
			m.backoff = 0
			return
		}
		if m.backoff == 0 {
			m.backoff = m.cfg.ReconnectDelay
		} else {
			m.backoff = minDur(m.backoff*2, m.cfg.ReconnectMaxDelay)
		}
		delay = m.backoff
	}) || stale {
		return
	}

	log.Warn().
		Str("reason", reason.String()).
		AnErr("cause", err).
		Dur("delay", delay).
		Msg("cable session closed, restarting")

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	m.post(func() {
		if m.current == nil {
			m.spawn()
		}
	})
}

// forget 删除已移除监听器的兴趣记录，返回是否有变化
func (m *Multiplexer) forget(removed []Listener) bool {
	for _, l := range removed {
		delete(m.interest, l)
	}
	return len(removed) > 0
}

func (m *Multiplexer) sync() {
	if m.current == nil {
		return
	}
	m.current.Subscribe(m.desired())
}

func (m *Multiplexer) desired() []domain.CoinID {
	set := make(coinSet, len(m.interest))
	for _, c := range m.interest {
		set[c] = struct{}{}
	}
	return sortedCoins(set)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
