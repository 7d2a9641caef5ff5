package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitDone(t *testing.T, s *TextSocket) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("socket did not terminate")
	}
}

func TestTextSocketEchoAndOrigin(t *testing.T) {
	origins := make(chan string, 1)
	srv, url := newServer(t, func(conn *websocket.Conn, r *http.Request) {
		origins <- r.Header.Get("Origin")
		for {
			kind, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(kind, b)
		}
	})
	defer srv.Close()

	s := NewTextSocket(Config{URL: url, Origin: "https://www.coingecko.com"})
	s.Start()
	defer s.Close(CodeNormal, "bye")

	select {
	case <-s.Opened():
	case <-time.After(3 * time.Second):
		t.Fatal("socket never opened")
	}

	if !s.Send(`{"command":"subscribe"}`) {
		t.Fatal("send failed")
	}

	select {
	case msg := <-s.Incoming():
		if msg != `{"command":"subscribe"}` {
			t.Errorf("unexpected echo %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no echo received")
	}

	if got := <-origins; got != "https://www.coingecko.com" {
		t.Errorf("expected origin header, got %q", got)
	}
}

func TestTextSocketRemoteCloseReason(t *testing.T) {
	srv, url := newServer(t, func(conn *websocket.Conn, r *http.Request) {
		msg := websocket.FormatCloseMessage(CodeServiceRestart, "restarting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		time.Sleep(100 * time.Millisecond)
	})
	defer srv.Close()

	s := NewTextSocket(Config{URL: url})
	s.Start()
	waitDone(t, s)

	reason, err := s.Reason()
	if err != nil {
		t.Fatalf("expected close reason, got error %v", err)
	}
	if reason.Code != CodeServiceRestart || reason.Message != "restarting" {
		t.Errorf("unexpected reason %v", reason)
	}

	// incoming terminates after close
	for range s.Incoming() {
	}
	if s.Send("late") {
		t.Errorf("send after close should be rejected")
	}
}

func TestTextSocketRejectsBinaryFrames(t *testing.T) {
	got := make(chan int, 1)
	srv, url := newServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			got <- ce.Code
		}
	})
	defer srv.Close()

	s := NewTextSocket(Config{URL: url})
	s.Start()
	waitDone(t, s)

	reason, err := s.Reason()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if reason.Code != CodeCannotAccept {
		t.Errorf("expected %d, got %v", CodeCannotAccept, reason)
	}

	select {
	case code := <-got:
		if code != CodeCannotAccept {
			t.Errorf("server saw close code %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Error("server did not receive close frame")
	}
}

func TestTextSocketDialFailure(t *testing.T) {
	s := NewTextSocket(Config{URL: "ws://127.0.0.1:1/cable", DialTimeout: time.Second})
	s.Start()
	waitDone(t, s)

	if _, err := s.Reason(); !errors.Is(err, ErrDialFailed) {
		t.Errorf("expected ErrDialFailed, got %v", err)
	}
}

func TestTextSocketCloseIsIdempotent(t *testing.T) {
	s := NewTextSocket(Config{URL: "ws://127.0.0.1:1/cable"})
	s.Close(CodeViolatedPolicy, "first")
	s.Close(CodeNormal, "second")
	s.Start()

	reason, err := s.Reason()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if reason.Code != CodeViolatedPolicy || reason.Message != "first" {
		t.Errorf("expected first close to win, got %v", reason)
	}
	if _, ok := <-s.Incoming(); ok {
		t.Errorf("incoming should be closed")
	}
}

func TestCloseReasonString(t *testing.T) {
	r := CloseReason{Code: CodeViolatedPolicy, Message: "Unable to subscribe CEChannel"}
	if r.String() != "CloseReason(reason=VIOLATED_POLICY, message=Unable to subscribe CEChannel)" {
		t.Errorf("unexpected %s", r.String())
	}
	if (CloseReason{Code: 4000}).String() != "CloseReason(reason=4000, message=)" {
		t.Errorf("unexpected %s", CloseReason{Code: 4000}.String())
	}
}

func TestTextSocketReadsAheadOfSlowConsumer(t *testing.T) {
	const frames = 4096
	srv, url := newServer(t, func(conn *websocket.Conn, r *http.Request) {
		for i := 0; i < frames; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","message":1}`)); err != nil {
				return
			}
		}
		msg := websocket.FormatCloseMessage(CodeNormal, "done")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		time.Sleep(100 * time.Millisecond)
	})
	defer srv.Close()

	s := NewTextSocket(Config{URL: url})
	s.Start()

	// nothing reads Incoming: the close frame behind the backlog must still be seen
	waitDone(t, s)
	reason, err := s.Reason()
	if err != nil || reason.Code != CodeNormal {
		t.Errorf("expected normal close, got %v %v", reason, err)
	}
	for range s.Incoming() {
	}
}
