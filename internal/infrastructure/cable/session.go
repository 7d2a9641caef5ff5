package cable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"coinfeed/internal/domain"
	"coinfeed/internal/infrastructure/mailbox"
	"coinfeed/internal/infrastructure/metrics"
	"coinfeed/internal/infrastructure/ws"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrRejected       = errors.New("subscription rejected")
	ErrWelcomeTimeout = errors.New("welcome timeout")
)

// Transport 会话所依赖的文本连接（ws.TextSocket 实现）
type Transport interface {
	Start()
	Opened() <-chan struct{}
	Incoming() <-chan string
	Send(text string) bool
	Close(code int, message string)
	Done() <-chan struct{}
	Reason() (ws.CloseReason, error)
}

// IDResolver 币种到价格频道数字 id 的解析
type IDResolver interface {
	Resolve(ctx context.Context, coin domain.CoinID) (int, error)
}

// State 会话状态
type State int32

const (
	StateConnecting State = iota
	StateAwaitingWelcome
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingWelcome:
		return "awaiting_welcome"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionConfig 会话参数
type SessionConfig struct {
	HandshakeTimeout time.Duration
	Retry            RetryPolicy
	// Forward 在会话 worker 上、内部监听器之后收到每条解码成功的消息
	Forward func(msg Message)
}

type coinSet map[domain.CoinID]struct{}

// Session 一条 cable 连接上的协议会话
// 监听器注册表与已订阅集合只由 loop goroutine 读写
type Session struct {
	id        string
	transport Transport
	resolver  IDResolver
	cfg       SessionConfig

	ctx    context.Context
	cancel context.CancelFunc

	actions chan func()
	pending *mailbox.Conflated[coinSet]

	state       atomic.Int32
	established atomic.Bool
	ready       chan struct{}
	readyOnce   sync.Once

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	reason    ws.CloseReason
	err       error

	listeners  Registry
	subscribed coinSet
}

// NewSession 创建会话，Start 之前不会建立连接
func NewSession(transport Transport, resolver IDResolver, cfg SessionConfig) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	cfg.Retry = cfg.Retry.normalized()

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         uuid.NewString(),
		transport:  transport,
		resolver:   resolver,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		actions:    make(chan func(), 64),
		pending:    mailbox.NewConflated[coinSet](),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		subscribed: coinSet{},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Healthy 已完成握手且未关闭
func (s *Session) Healthy() bool { return s.State() == StateReady }

// Established 是否曾收到 welcome（关闭后仍保持）
func (s *Session) Established() bool { return s.established.Load() }

// Start 打开连接、注册握手监听器并订阅控制频道
func (s *Session) Start() {
	s.startOnce.Do(func() {
		metrics.SessionsStarted.Inc()
		log.Info().Str("session", s.id).Msg("cable session starting")

		s.listeners.Add(NewListener(func(l *FuncListener, msg Message) {
			if msg.Equal(welcomeMessage) {
				s.markReady()
				l.Deactivate()
			}
		}))

		s.transport.Start()
		go s.watchTransport()
		go s.loop()
		go s.handshake()
		go s.reconcileLoop()
		go s.runOperation("subscribe", "subscribe "+ChannelControl, func(ctx context.Context) error {
			return s.sendAndReceive(ctx, Command{Command: CommandSubscribe, Identifier: ControlIdentifier})
		})
	})
}

// Subscribe 提交期望的币种集合；未处理的旧集合会被覆盖。会话关闭后返回 false
func (s *Session) Subscribe(coins []domain.CoinID) bool {
	desired := make(coinSet, len(coins))
	for _, c := range coins {
		desired[c] = struct{}{}
	}
	return s.pending.Offer(desired)
}

// SubscribedCoins 当前已确认的币种，按 symbol 排序；会话关闭后返回 nil
func (s *Session) SubscribedCoins() []domain.CoinID {
	var out []domain.CoinID
	if !submit(s.ctx, s.actions, func() { out = sortedCoins(s.subscribed) }) {
		return nil
	}
	return out
}

// ListenerCount 注册表中的监听器数量；会话关闭后返回 -1
func (s *Session) ListenerCount() int {
	n := -1
	submit(s.ctx, s.actions, func() { n = s.listeners.Len() })
	return n
}

// Close 以给定关闭码关闭会话
func (s *Session) Close(code int, message string) {
	s.transport.Close(code, message)
	// never started: no watcher will observe the transport
	s.startOnce.Do(func() { s.teardown(s.transport.Reason()) })
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Reason 阻塞直到会话关闭
func (s *Session) Reason() (ws.CloseReason, error) {
	<-s.done
	return s.reason, s.err
}

func (s *Session) closeSelf(code int, message string) {
	log.Warn().Str("session", s.id).Int("code", code).Str("reason", message).Msg("closing cable session")
	s.transport.Close(code, message)
}

func (s *Session) watchTransport() {
	<-s.transport.Done()
	s.teardown(s.transport.Reason())
}

func (s *Session) teardown(reason ws.CloseReason, err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.reason = reason
		s.err = err
		s.pending.Close()
		s.cancel()
		close(s.done)

		metrics.SessionsClosed.WithLabelValues(metrics.CloseCodeLabel(reason.Code, err)).Inc()
		ev := log.Info()
		if err != nil || reason.Code != ws.CodeNormal {
			ev = log.Warn()
		}
		ev.Str("session", s.id).Str("reason", reason.String()).AnErr("cause", err).Msg("cable session closed")
	})
}

func (s *Session) loop() {
	incoming := s.transport.Incoming()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.actions:
			if s.ctx.Err() != nil {
				return
			}
			fn()
		case text, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			s.handleFrame(text)
		}
	}
}

func (s *Session) handleFrame(text string) {
	metrics.FramesReceived.Inc()
	msg, err := DecodeMessage(text)
	if err != nil {
		metrics.DecodeFailures.Inc()
		log.Error().Str("session", s.id).Err(err).Msg("dropping undecodable frame")
		return
	}
	s.listeners.Dispatch(msg)
	if s.cfg.Forward != nil {
		s.cfg.Forward(msg)
	}
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() {
		for {
			cur := s.state.Load()
			if State(cur) == StateClosed || s.state.CompareAndSwap(cur, int32(StateReady)) {
				break
			}
		}
		s.established.Store(true)
		close(s.ready)
		log.Info().Str("session", s.id).Msg("cable session ready")
	})
}

func (s *Session) handshake() {
	select {
	case <-s.transport.Opened():
	case <-s.ctx.Done():
		return
	}
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateAwaitingWelcome))

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
	case <-s.ctx.Done():
	case <-timer.C:
		log.Warn().Str("session", s.id).Err(ErrWelcomeTimeout).Dur("timeout", s.cfg.HandshakeTimeout).Msg("no welcome from feed")
		s.closeSelf(ws.CodeViolatedPolicy, "Unable to receive welcome message")
	}
}

func (s *Session) awaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runOperation 按重试策略执行频道操作，用尽后关闭整个会话
func (s *Session) runOperation(kind, name string, fn func(ctx context.Context) error) error {
	err := s.cfg.Retry.Run(s.ctx, name, fn)
	switch {
	case err == nil:
		metrics.Operations.WithLabelValues(kind, "ok").Inc()
		log.Debug().Str("session", s.id).Str("op", name).Msg("operation confirmed")
		return nil
	case s.ctx.Err() != nil:
		metrics.Operations.WithLabelValues(kind, "cancelled").Inc()
		return fmt.Errorf("%s: %w", name, ErrSessionClosed)
	default:
		metrics.Operations.WithLabelValues(kind, "failed").Inc()
		log.Error().Str("session", s.id).Str("op", name).Err(err).Msg("operation failed")
		s.closeSelf(ws.CodeViolatedPolicy, "Unable to "+name)
		return err
	}
}

// sendAndReceive 在 Ready 后发送订阅指令，并等待结构相等的确认帧
func (s *Session) sendAndReceive(ctx context.Context, cmd Command) error {
	text, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	confirmation := confirmationOf(cmd.Identifier)
	rejection := rejectionOf(cmd.Identifier)

	result := make(chan error, 1)
	l := NewListener(func(l *FuncListener, msg Message) {
		var outcome error
		switch {
		case msg.Equal(confirmation):
		case msg.Equal(rejection):
			outcome = fmt.Errorf("%s: %w", cmd.Identifier, ErrRejected)
		default:
			return
		}
		l.Deactivate()
		select {
		case result <- outcome:
		default:
		}
	})
	// cancelled waits are pruned on the next dispatch pass
	defer l.Deactivate()

	if err := s.awaitReady(ctx); err != nil {
		return err
	}

	sent := false
	if !submit(ctx, s.actions, func() {
		s.listeners.Add(l)
		sent = s.transport.Send(text)
	}) {
		return ctx.Err()
	}
	if !sent {
		return ErrSessionClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send 在 Ready 后发送无应答的指令；交给已打开的连接即视为确认
func (s *Session) send(ctx context.Context, cmd Command) error {
	text, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	sent := false
	if !submit(ctx, s.actions, func() { sent = s.transport.Send(text) }) {
		return ctx.Err()
	}
	if !sent {
		return ErrSessionClosed
	}
	return nil
}

// subscribeCoin 返回 applied=false 表示基础资产被跳过
func (s *Session) subscribeCoin(coin domain.CoinID) (bool, error) {
	if coin.IsBaseAsset() {
		return false, nil
	}
	return true, s.runOperation("subscribe", "subscribe "+coin.String(), func(ctx context.Context) error {
		n, err := s.resolver.Resolve(ctx, coin)
		if err != nil {
			return err
		}
		return s.sendAndReceive(ctx, Command{Command: CommandSubscribe, Identifier: PriceIdentifier(n)})
	})
}

func (s *Session) unsubscribeCoin(coin domain.CoinID) (bool, error) {
	if coin.IsBaseAsset() {
		return false, nil
	}
	return true, s.runOperation("unsubscribe", "unsubscribe "+coin.String(), func(ctx context.Context) error {
		n, err := s.resolver.Resolve(ctx, coin)
		if err != nil {
			return err
		}
		return s.send(ctx, Command{Command: CommandUnsubscribe, Identifier: PriceIdentifier(n)})
	})
}

func (s *Session) reconcileLoop() {
	for {
		desired, ok := s.pending.Receive(s.ctx)
		if !ok {
			return
		}
		s.reconcile(desired)
	}
}

func (s *Session) reconcile(desired coinSet) {
	var current coinSet
	if !submit(s.ctx, s.actions, func() { current = cloneSet(s.subscribed) }) {
		return
	}

	var toSubscribe, toUnsubscribe []domain.CoinID
	for c := range desired {
		if _, ok := current[c]; !ok {
			toSubscribe = append(toSubscribe, c)
		}
	}
	for c := range current {
		if _, ok := desired[c]; !ok {
			toUnsubscribe = append(toUnsubscribe, c)
		}
	}
	if len(toSubscribe) == 0 && len(toUnsubscribe) == 0 {
		return
	}
	log.Debug().
		Str("session", s.id).
		Int("subscribe", len(toSubscribe)).
		Int("unsubscribe", len(toUnsubscribe)).
		Msg("reconciling coins")

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	run := func(coin domain.CoinID, op func(domain.CoinID) (bool, error)) {
		defer wg.Done()
		if _, err := op(coin); err != nil {
			failed.Store(true)
		}
	}
	for _, c := range toSubscribe {
		wg.Add(1)
		go run(c, s.subscribeCoin)
	}
	for _, c := range toUnsubscribe {
		wg.Add(1)
		go run(c, s.unsubscribeCoin)
	}
	wg.Wait()

	if failed.Load() {
		return
	}
	submit(s.ctx, s.actions, func() { s.subscribed = desired })
}

func cloneSet(in coinSet) coinSet {
	out := make(coinSet, len(in))
	for c := range in {
		out[c] = struct{}{}
	}
	return out
}

func sortedCoins(set coinSet) []domain.CoinID {
	out := make([]domain.CoinID, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Source < out[j].Source
	})
	return out
}
