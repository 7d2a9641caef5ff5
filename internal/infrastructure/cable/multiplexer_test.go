package cable

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"coinfeed/internal/domain"
	"coinfeed/internal/infrastructure/ws"
)

type fakeSession struct {
	forward     func(Message)
	established bool

	mu   sync.Mutex
	sets [][]domain.CoinID

	started   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	reason    ws.CloseReason
}

func (s *fakeSession) Start() { s.startOnce.Do(func() { close(s.started) }) }

func (s *fakeSession) Subscribe(coins []domain.CoinID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, coins)
	return true
}

func (s *fakeSession) Close(code int, message string) {
	s.closeOnce.Do(func() {
		s.reason = ws.CloseReason{Code: code, Message: message}
		close(s.done)
	})
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Reason() (ws.CloseReason, error) {
	<-s.done
	return s.reason, nil
}

func (s *fakeSession) Established() bool { return s.established }

func (s *fakeSession) submitted() [][]domain.CoinID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]domain.CoinID(nil), s.sets...)
}

func (s *fakeSession) lastSet() []domain.CoinID {
	sets := s.submitted()
	if len(sets) == 0 {
		return nil
	}
	return sets[len(sets)-1]
}

type fakeFactory struct {
	mu          sync.Mutex
	sessions    []*fakeSession
	established bool
}

func (f *fakeFactory) create(forward func(Message)) ManagedSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{
		forward:     forward,
		established: f.established,
		started:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	f.sessions = append(f.sessions, s)
	return s
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func collectingListener() (*FuncListener, func() []Message) {
	var mu sync.Mutex
	var got []Message
	l := NewListener(func(_ *FuncListener, msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	return l, func() []Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]Message(nil), got...)
	}
}

func TestMultiplexerSubscribeBeforeStart(t *testing.T) {
	f := &fakeFactory{established: true}
	m := NewMultiplexer(f.create, MultiplexerConfig{})
	l, _ := collectingListener()
	if err := m.Subscribe(coin("ethereum"), l); err != nil {
		t.Fatalf("subscribe before start: %v", err)
	}
	if f.count() != 0 {
		t.Fatal("no session before start")
	}

	m.Start(context.Background())
	defer m.Stop()

	sets := f.session(0).submitted()
	if len(sets) != 1 || !reflect.DeepEqual(sets[0], []domain.CoinID{coin("ethereum")}) {
		t.Errorf("expected queued interest on the first session, got %v", sets)
	}
}

func TestMultiplexerStopBeforeStart(t *testing.T) {
	f := &fakeFactory{established: true}
	m := NewMultiplexer(f.create, MultiplexerConfig{})
	m.Stop()
	<-m.Done()

	m.Start(context.Background())
	if f.count() != 0 {
		t.Error("stopped multiplexer must not create sessions")
	}
	l, _ := collectingListener()
	if err := m.Subscribe(coin("ethereum"), l); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestMultiplexerListenerCanSubscribeFromCallback(t *testing.T) {
	f := &fakeFactory{established: true}
	m := NewMultiplexer(f.create, MultiplexerConfig{})
	m.Start(context.Background())
	defer m.Stop()

	next, _ := collectingListener()
	returned := make(chan error, 2)
	chain := NewListener(func(l *FuncListener, _ Message) {
		l.Deactivate()
		returned <- m.Subscribe(coin("dogecoin"), next)
		returned <- m.Refresh()
	})
	if err := m.Subscribe(coin("ethereum"), chain); err != nil {
		t.Fatal(err)
	}

	s := f.session(0)
	ce := ControlIdentifier
	s.forward(Message{Identifier: &ce, Payload: &PricePayload{Rates: map[string]float64{"usd": 64000}}})

	for i := 0; i < 2; i++ {
		select {
		case err := <-returned:
			if err != nil {
				t.Errorf("call from callback: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("call from listener callback did not return")
		}
	}
	eventually(t, "nested subscription synced", func() bool {
		return reflect.DeepEqual(s.lastSet(), []domain.CoinID{coin("dogecoin")})
	})
	if coins := m.Coins(); !reflect.DeepEqual(coins, []domain.CoinID{coin("dogecoin")}) {
		t.Errorf("expected only dogecoin, got %v", coins)
	}
}

func TestMultiplexerRestartsSessionWithAllInterest(t *testing.T) {
	f := &fakeFactory{established: true}
	m := NewMultiplexer(f.create, MultiplexerConfig{})
	m.Start(context.Background())
	defer m.Stop()

	for _, symbol := range []string{"ethereum", "dogecoin", "tether"} {
		l, _ := collectingListener()
		if err := m.Subscribe(coin(symbol), l); err != nil {
			t.Fatalf("subscribe %s: %v", symbol, err)
		}
	}

	want := []domain.CoinID{coin("dogecoin"), coin("ethereum"), coin("tether")}
	first := f.session(0)
	eventually(t, "interest on first session", func() bool { return reflect.DeepEqual(first.lastSet(), want) })

	first.Close(ws.CodeServiceRestart, "restart")

	eventually(t, "replacement session", func() bool { return f.count() == 2 })
	second := f.session(1)
	select {
	case <-second.started:
	case <-time.After(time.Second):
		t.Fatal("replacement session was not started")
	}
	eventually(t, "interest re-submitted", func() bool { return len(second.submitted()) > 0 })
	if sets := second.submitted(); len(sets) != 1 || !reflect.DeepEqual(sets[0], want) {
		t.Errorf("expected one desired set %v, got %v", want, sets)
	}
	if m.Restarts() != 1 {
		t.Errorf("expected 1 restart, got %d", m.Restarts())
	}
}

func TestMultiplexerFiltersProtocolMessages(t *testing.T) {
	f := &fakeFactory{established: true}
	m := NewMultiplexer(f.create, MultiplexerConfig{})
	m.Start(context.Background())
	defer m.Stop()

	l, received := collectingListener()
	if err := m.Subscribe(coin("ethereum"), l); err != nil {
		t.Fatal(err)
	}

	s := f.session(0)
	ce := ControlIdentifier
	s.forward(Message{Type: TypeWelcome})
	s.forward(Message{Type: TypePing, Payload: PingPayload(1)})
	s.forward(confirmationOf(ce))
	s.forward(Message{Identifier: &ce, Payload: &PricePayload{Rates: map[string]float64{"usd": 64000}}})

	eventually(t, "price delivered", func() bool { return len(received()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := received(); len(got) != 1 || got[0].Type != "" {
		t.Errorf("expected only the data frame, got %+v", got)
	}
}

func TestMultiplexerDropsDeactivatedListeners(t *testing.T) {
	f := &fakeFactory{established: true}
	m := NewMultiplexer(f.create, MultiplexerConfig{})
	m.Start(context.Background())
	defer m.Stop()

	once := NewListener(func(l *FuncListener, _ Message) { l.Deactivate() })
	stay, _ := collectingListener()
	_ = m.Subscribe(coin("ethereum"), once)
	_ = m.Subscribe(coin("tether"), stay)

	s := f.session(0)
	ce := ControlIdentifier
	s.forward(Message{Identifier: &ce, Payload: &PricePayload{}})

	eventually(t, "ethereum dropped", func() bool {
		return reflect.DeepEqual(s.lastSet(), []domain.CoinID{coin("tether")})
	})

	stay.Deactivate()
	if err := m.Refresh(); err != nil {
		t.Fatal(err)
	}
	// Coins runs after the queued refresh
	if coins := m.Coins(); len(coins) != 0 {
		t.Errorf("expected no coins, got %v", coins)
	}
	if got := s.lastSet(); len(got) != 0 {
		t.Errorf("expected empty interest after refresh, got %v", got)
	}
}

func TestMultiplexerBacksOffUnestablishedSessions(t *testing.T) {
	f := &fakeFactory{established: false}
	m := NewMultiplexer(f.create, MultiplexerConfig{ReconnectDelay: 50 * time.Millisecond, ReconnectMaxDelay: 100 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	began := time.Now()
	f.session(0).Close(ws.CodeViolatedPolicy, "Unable to receive welcome message")
	eventually(t, "replacement session", func() bool { return f.count() == 2 })
	if elapsed := time.Since(began); elapsed < 50*time.Millisecond {
		t.Errorf("expected backoff before reconnect, got %v", elapsed)
	}
}

func TestMultiplexerZeroDelayRestartsImmediately(t *testing.T) {
	f := &fakeFactory{established: false}
	m := NewMultiplexer(f.create, MultiplexerConfig{})
	m.Start(context.Background())
	defer m.Stop()

	began := time.Now()
	for i := 0; i < 3; i++ {
		f.session(i).Close(ws.CodeViolatedPolicy, "Unable to receive welcome message")
		n := i + 2
		eventually(t, "replacement session", func() bool { return f.count() == n })
	}
	if elapsed := time.Since(began); elapsed > 400*time.Millisecond {
		t.Errorf("expected immediate restarts, took %v", elapsed)
	}
}

func TestMultiplexerStopClosesSession(t *testing.T) {
	f := &fakeFactory{established: true}
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMultiplexer(f.create, MultiplexerConfig{})
	m.Start(ctx)

	cancel()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("multiplexer did not stop with its context")
	}

	reason, _ := f.session(0).Reason()
	if reason.Code != ws.CodeGoingAway {
		t.Errorf("expected going away, got %s", reason)
	}
	time.Sleep(20 * time.Millisecond)
	if f.count() != 1 {
		t.Errorf("stopped multiplexer must not restart sessions, got %d", f.count())
	}
	l, _ := collectingListener()
	if err := m.Subscribe(coin("ethereum"), l); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
