package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auravoice/aura/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeBackend is a minimal websocket backend for link tests.
type fakeBackend struct {
	t        *testing.T
	server   *httptest.Server
	mu       sync.Mutex
	conns    []*websocket.Conn
	connCh   chan *websocket.Conn
	received chan protocol.Message
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:        t,
		connCh:   make(chan *websocket.Conn, 4),
		received: make(chan protocol.Message, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		b.connCh <- conn

		data, _ := protocol.Encode(&protocol.ServerStatus{Status: "connected", ClientID: "client-1"})
		conn.WriteMessage(websocket.TextMessage, data)

		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if msg, err := protocol.Decode(raw); err == nil {
					b.received <- msg
				}
			}
		}()
	})
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) newLink() *Link {
	return New(Options{
		URL:               WSURL(b.server.URL, "/ws"),
		HealthURL:         b.server.URL + "/health",
		ReconnectAttempts: 5,
		ReconnectDelay:    50 * time.Millisecond,
		PingInterval:      time.Second,
	})
}

func (b *fakeBackend) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.connCh:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for backend connection")
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestCheckHealth(t *testing.T) {
	b := newFakeBackend(t)
	l := b.newLink()
	if err := l.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestCheckHealthUnavailable(t *testing.T) {
	l := New(Options{HealthURL: "http://127.0.0.1:1/health"})
	err := l.CheckHealth(context.Background())
	if err == nil {
		t.Fatal("expected error for unreachable backend")
	}
	if !strings.Contains(err.Error(), "backend unavailable") {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestCheckHealthTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release // backend accepts but never answers
	}))
	t.Cleanup(func() { close(release); server.Close() })

	l := New(Options{HealthURL: server.URL, HealthTimeout: 100 * time.Millisecond})
	start := time.Now()
	err := l.CheckHealth(context.Background())
	if err == nil {
		t.Fatal("expected error for a stalled backend")
	}
	if !strings.Contains(err.Error(), "backend unavailable") {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("health check stalled for %s, expected the timeout to cut it short", elapsed)
	}
}

func TestSendNotConnected(t *testing.T) {
	l := New(Options{URL: "ws://127.0.0.1:1/ws"})
	if err := l.Send(&protocol.Ping{}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectAdoptsClientID(t *testing.T) {
	b := newFakeBackend(t)
	l := b.newLink()
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()
	b.waitConn(t)

	waitFor(t, 2*time.Second, func() bool { return l.ClientID() == "client-1" })
}

func TestSendAndDispatch(t *testing.T) {
	b := newFakeBackend(t)
	l := b.newLink()
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()
	conn := b.waitConn(t)

	got := make(chan *protocol.Transcription, 1)
	l.On(protocol.KindTranscription, func(m protocol.Message) {
		got <- m.(*protocol.Transcription)
	})

	if err := l.Send(&protocol.Audio{AudioData: "QUJD", FileFormat: "wav"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case m := <-b.received:
		if m.Kind() != protocol.KindAudio {
			t.Errorf("backend got %s, expected audio", m.Kind())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the audio message")
	}

	data, _ := protocol.Encode(&protocol.Transcription{Text: "hello"})
	conn.WriteMessage(websocket.TextMessage, data)
	select {
	case tr := <-got:
		if tr.Text != "hello" {
			t.Errorf("expected transcript 'hello', got %q", tr.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transcription handler never fired")
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := newFakeBackend(t)
	l := b.newLink()
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()
	conn := b.waitConn(t)

	called := make(chan struct{}, 1)
	l.On(protocol.KindPong, func(protocol.Message) { panic("bad handler") })
	l.On(protocol.KindPong, func(protocol.Message) { called <- struct{}{} })

	data, _ := protocol.Encode(&protocol.Pong{})
	conn.WriteMessage(websocket.TextMessage, data)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler was blocked by the panicking one")
	}
}

func TestOffRemovesHandler(t *testing.T) {
	l := New(Options{})
	fired := false
	id := l.On(protocol.KindPong, func(protocol.Message) { fired = true })
	l.Off(protocol.KindPong, id)
	l.dispatch(&protocol.Pong{})
	if fired {
		t.Error("handler fired after Off")
	}
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	b := newFakeBackend(t)
	l := b.newLink()

	var mu sync.Mutex
	var events []string
	l.OnState(func(up, resumed bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case up && resumed:
			events = append(events, "resumed")
		case up:
			events = append(events, "up")
		default:
			events = append(events, "down")
		}
	})

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()
	first := b.waitConn(t)

	// simulate a network drop
	first.Close()
	b.waitConn(t)
	waitFor(t, 3*time.Second, func() bool { return l.IsOpen() })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"up", "down", "resumed"}
	if len(events) < 3 {
		t.Fatalf("expected at least 3 state events, got %v", events)
	}
	for i, w := range want {
		if events[i] != w {
			t.Errorf("event %d: expected %s, got %s (all: %v)", i, w, events[i], events)
		}
	}
}

func TestGracefulCloseDoesNotReconnect(t *testing.T) {
	b := newFakeBackend(t)
	l := b.newLink()
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	b.waitConn(t)

	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// give a would-be reconnect time to happen
	select {
	case <-b.connCh:
		t.Fatal("link reconnected after graceful close")
	case <-time.After(300 * time.Millisecond):
	}
	if l.IsOpen() {
		t.Error("link still open after Close")
	}
}

func TestEnsureOpenTimesOut(t *testing.T) {
	l := New(Options{})
	start := time.Now()
	err := l.EnsureOpen(context.Background(), 200*time.Millisecond)
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("EnsureOpen returned before the bounded wait elapsed")
	}
}

func TestWSURL(t *testing.T) {
	if got := WSURL("http://host:1234", "/ws"); got != "ws://host:1234/ws" {
		t.Errorf("unexpected ws url: %s", got)
	}
	if got := WSURL("https://host", "/ws"); got != "wss://host/ws" {
		t.Errorf("unexpected wss url: %s", got)
	}
}
