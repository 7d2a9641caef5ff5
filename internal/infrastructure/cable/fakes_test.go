package cable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"coinfeed/internal/domain"
	"coinfeed/internal/infrastructure/ws"
)

// fakeTransport 内存连接：记录出站帧，respond 可模拟服务端应答
type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	respond func(f *fakeTransport, text string)

	sentCh   chan string
	incoming chan string
	opened   chan struct{}
	openOnce sync.Once

	closeOnce sync.Once
	done      chan struct{}
	reason    ws.CloseReason
	err       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sentCh:   make(chan string, 64),
		incoming: make(chan string, 64),
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (f *fakeTransport) Start() {
	f.openOnce.Do(func() { close(f.opened) })
}

func (f *fakeTransport) Opened() <-chan struct{} { return f.opened }
func (f *fakeTransport) Incoming() <-chan string { return f.incoming }
func (f *fakeTransport) Done() <-chan struct{}   { return f.done }

func (f *fakeTransport) Send(text string) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	respond := f.respond
	f.mu.Unlock()
	f.sentCh <- text
	if respond != nil {
		respond(f, text)
	}
	return true
}

func (f *fakeTransport) Close(code int, message string) {
	f.finish(ws.CloseReason{Code: code, Message: message}, nil)
}

func (f *fakeTransport) finish(reason ws.CloseReason, err error) {
	f.closeOnce.Do(func() {
		f.reason = reason
		f.err = err
		close(f.done)
	})
}

func (f *fakeTransport) Reason() (ws.CloseReason, error) {
	<-f.done
	return f.reason, f.err
}

func (f *fakeTransport) push(text string) { f.incoming <- text }

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// confirmAll 对每个 subscribe 指令回复确认帧
func confirmAll(f *fakeTransport, text string) {
	var cmd Command
	if err := json.Unmarshal([]byte(text), &cmd); err != nil || cmd.Command != CommandSubscribe {
		return
	}
	f.push(mustEncode(confirmationOf(cmd.Identifier)))
}

func mustEncode(m Message) string {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func subscribeFrame(id ChannelIdentifier) string {
	text, _ := EncodeCommand(Command{Command: CommandSubscribe, Identifier: id})
	return text
}

func unsubscribeFrame(id ChannelIdentifier) string {
	text, _ := EncodeCommand(Command{Command: CommandUnsubscribe, Identifier: id})
	return text
}

// fakeResolver 固定映射，未知币种解析失败
type fakeResolver struct {
	mu    sync.Mutex
	ids   map[string]int
	calls map[string]int
}

func newFakeResolver(ids map[string]int) *fakeResolver {
	return &fakeResolver{ids: ids, calls: map[string]int{}}
}

func (r *fakeResolver) Resolve(ctx context.Context, coin domain.CoinID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[coin.Symbol]++
	n, ok := r.ids[coin.Symbol]
	if !ok {
		return 0, fmt.Errorf("no id for %s", coin)
	}
	return n, nil
}

func (r *fakeResolver) callCount(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[symbol]
}

func coin(symbol string) domain.CoinID {
	return domain.NewCoinID(symbol, domain.SourceCoinGecko)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitFrame(t *testing.T, f *fakeTransport, want string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-f.sentCh:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("frame %s never sent; sent %v", want, f.sentFrames())
		}
	}
}
