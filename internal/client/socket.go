// Package client is the client side of the chat gateway protocol: a socket
// manager that keeps one connection alive with exponential backoff, an
// optimistic message coordinator, and typing/presence view state.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/logging"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

// State is the lifecycle state of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5

	writeWait = 10 * time.Second
)

var (
	// ErrNoCredential is returned by Connect when no bearer token is set.
	ErrNoCredential = errors.New("no credential available")
	// ErrReconnectExhausted is surfaced once when reconnection gives up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Handler receives one inbound envelope. Handlers run on the connection's
// read goroutine and must not block.
type Handler func(protocol.Envelope)

// Options configures a Manager.
type Options struct {
	// URL is the gateway websocket endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	Origin string

	BaseDelay   time.Duration
	MaxAttempts int

	Dialer    *websocket.Dialer
	AfterFunc AfterFunc
	Logger    *zap.Logger

	// OnFatal is called once each time reconnection gives up or the gateway
	// rejects the credential.
	OnFatal func(error)
	// OnConnected runs after every successful dial, including reconnects,
	// before any inbound event is dispatched.
	OnConnected func()
}

// BackoffDelay returns the wait before reconnect attempt n (1-based):
// base * 2^(n-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// Manager owns a single websocket connection to the gateway.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	state      State
	credential string
	conn       *websocket.Conn
	attempts   int
	timer      Timer
	gen        uint64
	lastErr    error

	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[protocol.EventType][]Handler
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 20 * time.Second}
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	return &Manager{
		opts:     opts,
		log:      logging.OrNop(opts.Logger).With(zap.String("component", "socket")),
		handlers: make(map[protocol.EventType][]Handler),
	}
}

// SetCredential replaces the bearer token used for future handshakes and
// reports whether it changed.
func (m *Manager) SetCredential(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.credential != token
	m.credential = token
	return changed
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts since the last
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Err returns the terminal error of the last give-up, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// On registers h for event. Handlers persist across reconnects.
func (m *Manager) On(event protocol.EventType, h Handler) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// Connect dials the gateway. It is a no-op while connected or connecting and
// fails without dialing when no credential is set. A failed dial schedules a
// reconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.credential == "" {
		m.mu.Unlock()
		return ErrNoCredential
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.lastErr = nil
	m.state = StateConnecting
	gen, token := m.gen, m.credential
	m.mu.Unlock()

	return m.dial(ctx, gen, token)
}

func (m *Manager) dial(ctx context.Context, gen uint64, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if m.opts.Origin != "" {
		header.Set("Origin", m.opts.Origin)
	}

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("%w: connection attempt superseded", chat.ErrTransport)
	}

	if err != nil {
		var notify func()
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			err = fmt.Errorf("%w: gateway rejected credential", chat.ErrAuth)
			notify = m.terminateLocked(err)
		} else {
			err = fmt.Errorf("%w: dial %s: %v", chat.ErrTransport, m.opts.URL, err)
			notify = m.retryLocked(err)
		}
		m.mu.Unlock()
		notify()
		return err
	}

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	m.log.Info("socket_connected", zap.String("url", m.opts.URL))
	if m.opts.OnConnected != nil {
		m.opts.OnConnected()
	}
	go m.readLoop(conn)
	return nil
}

// retryLocked schedules the next reconnect attempt or gives up. The returned
// func must be called after m.mu is released.
func (m *Manager) retryLocked(cause error) func() {
	if m.attempts >= m.opts.MaxAttempts {
		return m.terminateLocked(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempts, cause))
	}

	m.attempts++
	delay := BackoffDelay(m.opts.BaseDelay, m.attempts)
	m.state = StateReconnecting
	gen := m.gen
	m.timer = m.opts.AfterFunc(delay, func() { m.retry(gen) })

	m.log.Info("socket_reconnect_scheduled",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return func() {}
}

// terminateLocked moves to the terminal Disconnected state. The returned func
// surfaces the failure and must be called after m.mu is released.
func (m *Manager) terminateLocked(err error) func() {
	m.state = StateDisconnected
	m.attempts = 0
	m.timer = nil
	m.lastErr = err
	m.log.Error("socket_gave_up", zap.Error(err))

	onFatal := m.opts.OnFatal
	return func() {
		if onFatal != nil {
			onFatal(err)
		}
	}
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	token := m.credential
	m.mu.Unlock()

	_ = m.dial(context.Background(), gen, token)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Disconnect closes the connection and cancels any pending reconnect. It
// never surfaces a fatal notification.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	m.attempts = 0
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn == nil {
		return
	}
	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	m.writeMu.Unlock()
	_ = conn.Close()
	m.log.Info("socket_disconnected")
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(conn, err)
			return
		}
		envs, err := protocol.DecodeFrame(frame)
		for _, env := range envs {
			m.dispatch(env)
		}
		if err != nil {
			m.log.Warn("malformed_frame", zap.Error(err))
		}
	}
}

func (m *Manager) connectionLost(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	notify := m.retryLocked(fmt.Errorf("%w: %v", chat.ErrTransport, cause))
	m.mu.Unlock()

	_ = conn.Close()
	notify()
}

func (m *Manager) dispatch(env protocol.Envelope) {
	m.hmu.RLock()
	hs := append([]Handler(nil), m.handlers[env.Event]...)
	m.hmu.RUnlock()

	if len(hs) == 0 {
		m.log.Debug("unhandled_event", zap.String("event", string(env.Event)))
	}
	for _, h := range hs {
		h(env)
	}
}

// Emit writes one event. It is dropped, returning false, unless the manager
// is connected. Delivery is only known from the matching server event.
func (m *Manager) Emit(event protocol.EventType, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.log.Debug("emit_dropped", zap.String("event", string(event)))
		return false
	}

	raw, err := protocol.Encode(event, payload)
	if err != nil {
		m.log.Warn("emit_encode_failed", zap.String("event", string(event)), zap.Error(err))
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		m.log.Debug("set_write_deadline_failed", zap.Error(err))
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		m.log.Debug("emit_failed", zap.String("event", string(event)), zap.Error(err))
		return false
	}
	return true
}

// Join subscribes to a conversation room.
func (m *Manager) Join(conversationID string) bool {
	return m.Emit(protocol.EventJoin, protocol.JoinPayload{ConversationID: conversationID})
}

// Leave unsubscribes from a conversation room.
func (m *Manager) Leave(conversationID string) bool {
	return m.Emit(protocol.EventLeave, protocol.LeavePayload{ConversationID: conversationID})
}

// Send submits a message.
func (m *Manager) Send(conversationID, content, tempID string, attachments []string) bool {
	return m.Emit(protocol.EventSend, protocol.SendPayload{
		ConversationID: conversationID,
		Content:        content,
		TempID:         tempID,
		Attachments:    attachments,
	})
}

// Typing relays the local typing state.
func (m *Manager) Typing(conversationID string, isTyping bool) bool {
	return m.Emit(protocol.EventTyping, protocol.TypingPayload{ConversationID: conversationID, IsTyping: isTyping})
}

// MarkRead marks messageIDs read, or every unread message when empty.
func (m *Manager) MarkRead(conversationID string, messageIDs ...string) bool {
	return m.Emit(protocol.EventMarkRead, protocol.MarkReadPayload{ConversationID: conversationID, MessageIDs: messageIDs})
}
