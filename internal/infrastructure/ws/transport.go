package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"coinfeed/internal/infrastructure/mailbox"
)

// ErrDialFailed 建立连接失败
var ErrDialFailed = errors.New("websocket dial failed")

// Config 文本 WebSocket 连接配置
type Config struct {
	URL          string // e.g. wss://cables.coingecko.com/cable
	Origin       string // e.g. https://www.coingecko.com
	Header       http.Header
	DialTimeout  time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// TextSocket 只支持文本帧的 WebSocket 会话
// 把 gorilla 连接上的读写/关闭事件转换为：入站消息流、出站发送队列、一次性终止信号
type TextSocket struct {
	cfg Config

	incoming chan string
	inbound  *mailbox.Unbounded[string]
	outgoing *mailbox.Unbounded[string]

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	opened    chan struct{}
	done      chan struct{}
	reason    CloseReason
	err       error

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewTextSocket 创建未连接的会话，调用 Start 后才会拨号
func NewTextSocket(cfg Config) *TextSocket {
	cfg.URL = strings.TrimSpace(cfg.URL)
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &TextSocket{
		cfg:      cfg,
		incoming: make(chan string),
		inbound:  mailbox.NewUnbounded[string](),
		outgoing: mailbox.NewUnbounded[string](),
		ctx:      ctx,
		cancel:   cancel,
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 异步建立连接；重复调用无效果
func (t *TextSocket) Start() {
	t.startOnce.Do(func() {
		go t.pump()
		go t.run()
	})
}

// Incoming 入站文本帧，连接终止后关闭
func (t *TextSocket) Incoming() <-chan string { return t.incoming }

// Send 出站文本帧入队（非阻塞），连接已终止时返回 false
func (t *TextSocket) Send(text string) bool {
	return t.outgoing.Push(text)
}

// Opened 握手成功后关闭；连接从未建立则永不关闭
func (t *TextSocket) Opened() <-chan struct{} { return t.opened }

// Done 终止信号
func (t *TextSocket) Done() <-chan struct{} { return t.done }

// Reason 阻塞直到连接终止；正常关闭握手返回关闭码，异常终止返回导致终止的错误
func (t *TextSocket) Reason() (CloseReason, error) {
	<-t.done
	return t.reason, t.err
}

// Close 以给定关闭码有序关闭连接
func (t *TextSocket) Close(code int, message string) {
	// never started: nothing will ever close incoming
	t.startOnce.Do(func() { close(t.incoming) })

	if !t.finish(CloseReason{Code: code, Message: message}, nil) {
		return
	}

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, message)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.WriteTimeout))
	_ = conn.Close()
}

// finish 记录唯一的终止事件，返回本次调用是否生效
func (t *TextSocket) finish(reason CloseReason, err error) bool {
	applied := false
	t.closeOnce.Do(func() {
		applied = true
		t.reason = reason
		t.err = err
		close(t.done)
		t.cancel()
		t.outgoing.Close()
	})
	return applied
}

// pump 把入站队列转交给 Incoming；读循环从不因消费方变慢而阻塞
func (t *TextSocket) pump() {
	defer close(t.incoming)
	for {
		text, ok := t.inbound.Pop(context.Background())
		if !ok {
			return
		}
		select {
		case t.incoming <- text:
		case <-t.done:
			return
		}
	}
}

func (t *TextSocket) run() {
	defer t.inbound.Close()

	header := http.Header{}
	for k, v := range t.cfg.Header {
		header[k] = v
	}
	if t.cfg.Origin != "" {
		header.Set("Origin", t.cfg.Origin)
	}

	dctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	conn, _, err := t.cfg.Dialer.DialContext(dctx, t.cfg.URL, header)
	cancel()
	if err != nil {
		log.Error().Str("url", t.cfg.URL).Err(err).Msg("ws dial failed")
		t.finish(CloseReason{}, errors.Join(ErrDialFailed, err))
		return
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	// closed while dialing
	select {
	case <-t.done:
		_ = conn.Close()
		return
	default:
	}

	log.Debug().Str("url", t.cfg.URL).Msg("ws connected")
	close(t.opened)

	go t.writeLoop(conn)
	go t.pingLoop(conn)
	t.readLoop(conn)
}

func (t *TextSocket) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		return nil
	})

	for {
		kind, b, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				t.finish(CloseReason{Code: ce.Code, Message: ce.Text}, nil)
			} else {
				t.finish(CloseReason{}, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))

		if kind == websocket.BinaryMessage {
			t.Close(CodeCannotAccept, "Not supported")
			return
		}

		t.inbound.Push(string(b))
	}
}

func (t *TextSocket) writeLoop(conn *websocket.Conn) {
	for {
		text, ok := t.outgoing.Pop(t.ctx)
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			log.Warn().Str("url", t.cfg.URL).Err(err).Msg("ws write failed")
			t.finish(CloseReason{}, err)
			_ = conn.Close()
			return
		}
	}
}

func (t *TextSocket) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(t.cfg.WriteTimeout))
		}
	}
}
