// Package link maintains the persistent websocket connection to the
// assistant backend. It carries signaling and fallback audio messages,
// auto-reconnects on unexpected closure, and fans inbound messages out to
// typed subscribers.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/auravoice/aura/internal/logging"
	"github.com/auravoice/aura/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	// Callers retry or drop; the link never buffers outbound messages.
	ErrNotConnected = errors.New("link: not connected")

	// ErrBackendUnavailable is returned by CheckHealth when the backend
	// does not answer or answers unhealthy.
	ErrBackendUnavailable = errors.New("link: backend unavailable")
)

const (
	writeWait = 10 * time.Second
)

// Options configures a Link.
type Options struct {
	URL               string        // websocket endpoint, ws:// or wss://
	HealthURL         string        // readiness endpoint, http:// or https://
	ReconnectAttempts int           // bounded attempts after an unexpected close
	ReconnectDelay    time.Duration // fixed delay between attempts
	PingInterval      time.Duration // health-check ping period
	HealthTimeout     time.Duration // per-request bound on readiness probes
}

// Handler receives one decoded inbound message.
type Handler func(protocol.Message)

// StateFunc is notified when the link goes up or down. up=true with
// resumed=true means the connection was re-established after a drop, so
// higher-level session state (peer streaming) must be renegotiated.
type StateFunc func(up, resumed bool, err error)

type handlerEntry struct {
	id int
	fn Handler
}

// Link is the process-wide logical connection to the backend. It survives
// individual turns and is recreated automatically on unexpected closure.
type Link struct {
	opts         Options
	healthClient *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	connID    int // bumps on every (re)connect, guards stale read loops
	open      bool
	closed    bool // graceful stop requested, suppresses reconnect
	clientID  string
	lastPing  time.Time
	attempt   int // current reconnect attempt, 0 when healthy
	writeMu   sync.Mutex
	nextSubID int
	handlers  map[protocol.Kind][]handlerEntry
	stateFns  []StateFunc
}

// New creates a Link. Connect must be called before Send.
func New(opts Options) *Link {
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 1500 * time.Millisecond
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.HealthTimeout == 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	return &Link{
		opts:         opts,
		healthClient: &http.Client{Timeout: opts.HealthTimeout},
		handlers:     make(map[protocol.Kind][]handlerEntry),
	}
}

// CheckHealth probes the backend readiness endpoint. The request is bounded
// by HealthTimeout so a black-holed backend cannot stall the readiness poll.
func (l *Link) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.opts.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	resp, err := l.healthClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("%w: status %q %s", ErrBackendUnavailable, body.Status, body.Message)
	}
	return nil
}

// Connect dials the backend and starts the read and ping loops.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.open {
		l.mu.Unlock()
		return nil
	}
	l.closed = false
	l.mu.Unlock()

	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.adopt(conn, false)
	return nil
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, l.opts.URL, err)
	}
	return conn, nil
}

// adopt installs a freshly dialed connection and starts its loops.
func (l *Link) adopt(conn *websocket.Conn, resumed bool) {
	pongWait := 3 * l.opts.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		l.mu.Lock()
		l.lastPing = time.Now()
		l.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	l.mu.Lock()
	l.conn = conn
	l.connID++
	id := l.connID
	l.open = true
	l.attempt = 0
	l.mu.Unlock()

	go l.readLoop(conn, id)
	go l.pingLoop(conn, id)
	l.notifyState(true, resumed, nil)
}

// Close stops the link gracefully. Graceful closes never trigger reconnect.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.open = false
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		l.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stopping"))
		l.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// Send encodes and writes one message. It fails fast when disconnected.
func (l *Link) Send(msg protocol.Message) error {
	l.mu.Lock()
	conn := l.conn
	open := l.open
	l.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// On subscribes a handler for one message kind and returns a subscription id
// for Off.
func (l *Link) On(kind protocol.Kind, fn Handler) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSubID++
	l.handlers[kind] = append(l.handlers[kind], handlerEntry{id: l.nextSubID, fn: fn})
	return l.nextSubID
}

// Off removes a subscription by id.
func (l *Link) Off(kind protocol.Kind, id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.handlers[kind]
	for i, e := range entries {
		if e.id == id {
			l.handlers[kind] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// OnState registers a link up/down observer.
func (l *Link) OnState(fn StateFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateFns = append(l.stateFns, fn)
}

// IsOpen reports whether a connection is currently established.
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// ClientID returns the identity assigned by the backend via server_status,
// used as the signaling source address. Empty until the first status arrives.
func (l *Link) ClientID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clientID
}

// EnsureOpen waits up to wait for the link to come (back) up. Used by the
// fallback transport's pre-send connectivity check.
func (l *Link) EnsureOpen(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		if l.IsOpen() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *Link) readLoop(conn *websocket.Conn, id int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.onReadError(conn, id, err)
			return
		}
		msg, derr := protocol.Decode(data)
		if derr != nil {
			logging.Warnf("[link] dropping undecodable message: %v", derr)
			continue
		}
		if status, ok := msg.(*protocol.ServerStatus); ok && status.ClientID != "" {
			l.mu.Lock()
			l.clientID = status.ClientID
			l.mu.Unlock()
		}
		l.dispatch(msg)
	}
}

func (l *Link) pingLoop(conn *websocket.Conn, id int) {
	ticker := time.NewTicker(l.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		stale := l.connID != id || !l.open
		l.mu.Unlock()
		if stale {
			return
		}
		l.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		l.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// onReadError distinguishes graceful close from network drop. Only the
// latter triggers auto-reconnect.
func (l *Link) onReadError(conn *websocket.Conn, id int, err error) {
	conn.Close()

	l.mu.Lock()
	if l.connID != id {
		// a newer connection already took over
		l.mu.Unlock()
		return
	}
	wasGraceful := l.closed
	l.open = false
	l.conn = nil
	l.mu.Unlock()

	if wasGraceful {
		return
	}

	logging.Warnf("[link] connection lost: %v", err)
	l.notifyState(false, false, err)
	go l.reconnect()
}

// reconnect retries the dial with a fixed delay up to the bounded attempt
// count. Exhaustion leaves the link closed; Send keeps failing with
// ErrNotConnected until the caller re-activates.
func (l *Link) reconnect() {
	ctx := context.Background()
	backoff := retry.WithMaxRetries(uint64(l.opts.ReconnectAttempts-1),
		retry.NewConstant(l.opts.ReconnectDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil // stopped while retrying
		}
		l.attempt++
		attempt := l.attempt
		l.mu.Unlock()

		logging.Infof("[link] reconnect attempt %d/%d", attempt, l.opts.ReconnectAttempts)
		conn, derr := l.dial(ctx)
		if derr != nil {
			return retry.RetryableError(derr)
		}
		l.adopt(conn, true)
		return nil
	})
	if err != nil {
		logging.Errorf("[link] reconnect exhausted after %d attempts: %v",
			l.opts.ReconnectAttempts, err)
		l.notifyState(false, false, fmt.Errorf("%w: reconnect exhausted", ErrNotConnected))
	}
}

// dispatch fans a message out to all subscribers of its kind. A panicking
// handler is logged and must not break delivery to the others.
func (l *Link) dispatch(msg protocol.Message) {
	l.mu.Lock()
	entries := make([]handlerEntry, len(l.handlers[msg.Kind()]))
	copy(entries, l.handlers[msg.Kind()])
	l.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Errorf("[link] handler panic for %s: %v", msg.Kind(), r)
				}
			}()
			e.fn(msg)
		}()
	}
}

func (l *Link) notifyState(up, resumed bool, err error) {
	l.mu.Lock()
	fns := make([]StateFunc, len(l.stateFns))
	copy(fns, l.stateFns)
	l.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Errorf("[link] state observer panic: %v", r)
				}
			}()
			fn(up, resumed, err)
		}()
	}
}

// WSURL converts an http(s) base URL and path into the ws(s) endpoint.
func WSURL(baseURL, path string) string {
	u := strings.Replace(baseURL, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u + path
}
