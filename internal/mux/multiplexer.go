package mux

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmux/shellmux/internal/breaker"
	"github.com/openmux/shellmux/internal/buffer"
	"github.com/openmux/shellmux/internal/logger"
	"github.com/openmux/shellmux/internal/models"
	"github.com/openmux/shellmux/internal/recovery"
	"github.com/openmux/shellmux/internal/server"
)

// Mode controls how a session's output is delivered to the consumer.
type Mode string

const (
	// ModeActive delivers each chunk immediately.
	ModeActive Mode = "active"
	// ModeBackground buffers chunks until the session becomes active.
	ModeBackground Mode = "background"
)

// EventKind classifies multiplexer events.
type EventKind string

const (
	EventConnected   EventKind = "connected"
	EventReconnected EventKind = "reconnected"
	EventHistory     EventKind = "history"
	EventStream      EventKind = "stream"
	EventExit        EventKind = "exit"
	EventReady       EventKind = "ready"
	EventError       EventKind = "error"
	EventPong        EventKind = "pong"
	// EventDisconnected fires on any connection loss, before reconnect
	// handling decides what happens next.
	EventDisconnected EventKind = "disconnected"
	// EventBreakerRejected fires when the breaker blocks a connection
	// attempt. A rejection is expected control flow, not a transport
	// failure, so it gets its own kind.
	EventBreakerRejected EventKind = "breaker_rejected"
	// EventReconnectFailed is terminal: the attempt budget is spent and
	// the session is dead from this client's perspective.
	EventReconnectFailed EventKind = "reconnect_failed"
)

// Event is a multiplexer notification for one session.
type Event struct {
	Kind      EventKind
	SessionID string
	Data      string
	Code      int
	Message   string
}

// Conn is the transport the multiplexer drives. gorilla/websocket
// satisfies it through gorillaConn; tests inject fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	WriteClose(code int, reason string) error
	Close() error
}

// Dialer opens one duplex connection.
type Dialer interface {
	Dial(rawURL string) (Conn, error)
}

// GorillaDialer is the production Dialer.
type GorillaDialer struct {
	Timeout time.Duration
}

type gorillaConn struct {
	*websocket.Conn
}

func (c gorillaConn) WriteClose(code int, reason string) error {
	return c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (d GorillaDialer) Dial(rawURL string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.Timeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, _, err := dialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return gorillaConn{conn}, nil
}

// closeDetach is the code sent for a UI-initiated disconnect: outside
// the clean range and the breaker range, so the server only detaches.
const closeDetach = 4100

// Options tunes the multiplexer.
type Options struct {
	// BaseURL is the server root, e.g. "ws://127.0.0.1:8080". Sessions
	// connect to BaseURL/ws/<type>.
	BaseURL string
	// Token is passed on the handshake when set.
	Token string

	MaxReconnectAttempts int
	BufferChunks         int

	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerBaseDelay time.Duration
	BreakerMaxDelay  time.Duration

	// PingInterval enables a best-effort keepalive ping per connected
	// session when positive.
	PingInterval time.Duration
}

// sessionConn is the per-session connection state. Each session owns
// its breaker and mode; nothing here is shared across sessions.
type sessionConn struct {
	mu sync.Mutex

	sessionID string
	projectID string
	typ       models.SessionType

	conn      Conn
	connected bool
	mode      Mode
	breaker   *breaker.Breaker
	outBuf    *buffer.OutputBuffer

	// pending queues input written while disconnected, flushed in order
	// on the next successful connect before any new input.
	pending  []string
	attempts int
	dead     bool
	closing  bool

	retryTimer *time.Timer
	pingStop   chan struct{}
}

// Multiplexer owns one duplex connection per session, gating reconnects
// through each session's circuit breaker.
type Multiplexer struct {
	mu       sync.Mutex
	sessions map[string]*sessionConn

	dialer   Dialer
	opts     Options
	events   chan Event
	shutdown bool
}

// New constructs a multiplexer. dialer defaults to GorillaDialer.
func New(dialer Dialer, opts Options) *Multiplexer {
	if dialer == nil {
		dialer = GorillaDialer{}
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.BufferChunks <= 0 {
		opts.BufferChunks = 500
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerWindow <= 0 {
		opts.BreakerWindow = 30 * time.Second
	}
	if opts.BreakerBaseDelay <= 0 {
		opts.BreakerBaseDelay = time.Second
	}
	if opts.BreakerMaxDelay <= 0 {
		opts.BreakerMaxDelay = 30 * time.Second
	}
	return &Multiplexer{
		sessions: make(map[string]*sessionConn),
		dialer:   dialer,
		opts:     opts,
		events:   make(chan Event, 256),
	}
}

// Events returns the notification stream. Events are dropped, not
// blocked on, when the consumer lags.
func (m *Multiplexer) Events() <-chan Event {
	return m.events
}

func (m *Multiplexer) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		logger.Debugf("dropping %s event for %s, consumer lagging", ev.Kind, ev.SessionID)
	}
}

// ConnectSession opens (or re-opens) the connection for a session. A
// session that is already connected is left alone. A breaker rejection
// schedules a retry for when the cooldown expires without dialing.
func (m *Multiplexer) ConnectSession(sessionID, projectID string, typ models.SessionType) {
	s := m.session(sessionID, projectID, typ)

	s.mu.Lock()
	if s.connected || s.closing || s.dead {
		s.mu.Unlock()
		return
	}
	if !s.breaker.ShouldAllow() {
		wait := s.breaker.CooldownRemaining()
		s.mu.Unlock()
		m.emit(Event{Kind: EventBreakerRejected, SessionID: sessionID})
		m.retryAfter(s, wait)
		return
	}
	s.mu.Unlock()

	conn, err := m.dialer.Dial(m.sessionURL(s))
	if err != nil {
		logger.Debugf("dial %s failed: %v", sessionID, err)
		s.breaker.RecordFailure()
		m.scheduleReconnect(s)
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.attempts = 0
	pending := s.pending
	s.pending = nil
	if m.opts.PingInterval > 0 {
		s.pingStop = make(chan struct{})
		stop := s.pingStop
		recovery.Go("keepalive-"+s.sessionID, func() { m.pingLoop(s, stop) })
	}
	s.mu.Unlock()

	s.breaker.RecordSuccess()

	// Input queued while disconnected goes out before anything new.
	for _, data := range pending {
		if err := conn.WriteJSON(server.ClientMessage{Type: server.MsgInput, Data: data}); err != nil {
			logger.Debugf("flushing queued input on %s: %v", sessionID, err)
			break
		}
	}

	recovery.GoWithCleanup("read-"+s.sessionID,
		func() { m.readLoop(s, conn) },
		func() { _ = conn.Close() })
}

// session returns the existing state or creates it.
func (m *Multiplexer) session(sessionID, projectID string, typ models.SessionType) *sessionConn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	s := &sessionConn{
		sessionID: sessionID,
		projectID: projectID,
		typ:       typ,
		mode:      ModeActive,
		breaker: breaker.New(
			m.opts.BreakerThreshold,
			m.opts.BreakerWindow,
			m.opts.BreakerBaseDelay,
			m.opts.BreakerMaxDelay,
		),
		outBuf: buffer.New(m.opts.BufferChunks),
	}
	m.sessions[sessionID] = s
	return s
}

func (m *Multiplexer) sessionURL(s *sessionConn) string {
	q := url.Values{}
	q.Set("projectId", s.projectID)
	q.Set("sessionId", s.sessionID)
	if m.opts.Token != "" {
		q.Set("token", m.opts.Token)
	}
	return fmt.Sprintf("%s/ws/%s?%s", m.opts.BaseURL, s.typ, q.Encode())
}

// readLoop pumps server messages until the connection dies, then routes
// the loss into reconnect handling.
func (m *Multiplexer) readLoop(s *sessionConn, conn Conn) {
	for {
		var msg server.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			m.handleDisconnect(s, conn, err)
			return
		}
		m.handleMessage(s, msg)
	}
}

func (m *Multiplexer) handleMessage(s *sessionConn, msg server.ServerMessage) {
	switch msg.Type {
	case server.MsgStream:
		s.mu.Lock()
		background := s.mode == ModeBackground
		if background {
			s.outBuf.Append(msg.Data)
		}
		s.mu.Unlock()
		if !background {
			m.emit(Event{Kind: EventStream, SessionID: s.sessionID, Data: msg.Data})
		}
	case server.MsgHistory:
		m.emit(Event{Kind: EventHistory, SessionID: s.sessionID, Data: msg.Data})
	case server.MsgConnected:
		m.emit(Event{Kind: EventConnected, SessionID: s.sessionID, Data: msg.WorkingDir})
	case server.MsgReconnected:
		m.emit(Event{Kind: EventReconnected, SessionID: s.sessionID, Data: msg.WorkingDir})
	case server.MsgExit:
		m.emit(Event{Kind: EventExit, SessionID: s.sessionID, Code: msg.Code})
	case server.MsgReady:
		m.emit(Event{Kind: EventReady, SessionID: s.sessionID, Data: msg.DetectedPrompt})
	case server.MsgError:
		m.emit(Event{Kind: EventError, SessionID: s.sessionID, Message: msg.Message})
	case server.MsgPong:
		m.emit(Event{Kind: EventPong, SessionID: s.sessionID})
	default:
		logger.Debugf("unknown server message %q on %s", msg.Type, s.sessionID)
	}
}

// handleDisconnect tears down the live connection and decides whether
// to schedule a reconnect.
func (m *Multiplexer) handleDisconnect(s *sessionConn, conn Conn, err error) {
	_ = conn.Close()

	s.mu.Lock()
	if s.conn != conn {
		// A newer connection already replaced this one.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	closing := s.closing
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	s.mu.Unlock()

	code := 0
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
	}
	m.emit(Event{Kind: EventDisconnected, SessionID: s.sessionID, Code: code})

	m.mu.Lock()
	shuttingDown := m.shutdown
	m.mu.Unlock()
	if closing || shuttingDown {
		return
	}

	// Clean closes and breaker-signaled closes never trigger recovery.
	switch server.ClassifyClose(code) {
	case server.CloseEndsSession, server.CloseCircuitBreak:
		return
	}

	s.breaker.RecordFailure()
	m.scheduleReconnect(s)
}

// scheduleReconnect burns one attempt from the budget and arms a timer.
// Exhausting the budget is terminal for the session on this client,
// even though the server-side process may still be alive; the idle
// reaper eventually reclaims such orphans.
func (m *Multiplexer) scheduleReconnect(s *sessionConn) {
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	if attempts > m.opts.MaxReconnectAttempts {
		s.dead = true
		s.mu.Unlock()
		logger.Warnf("giving up on %s after %d reconnect attempts", s.sessionID, attempts-1)
		m.emit(Event{Kind: EventReconnectFailed, SessionID: s.sessionID})
		return
	}
	s.mu.Unlock()

	m.retryAfter(s, s.breaker.BackoffDelay(attempts))
}

func (m *Multiplexer) retryAfter(s *sessionConn, wait time.Duration) {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(wait, func() {
		m.ConnectSession(s.sessionID, s.projectID, s.typ)
	})
	s.mu.Unlock()
}

// SendInput writes raw input, queueing it for the next connect when
// disconnected. Queued input is flushed before new input on reconnect.
func (m *Multiplexer) SendInput(sessionID, data string) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.pending = append(s.pending, data)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := conn.WriteJSON(server.ClientMessage{Type: server.MsgInput, Data: data}); err != nil {
		logger.Debugf("input write on %s: %v", sessionID, err)
	}
}

// SendCommand sends a line of input terminated with a carriage return.
func (m *Multiplexer) SendCommand(sessionID, command string) {
	m.SendInput(sessionID, command+"\r")
}

// ResizeSession forwards a size change. Resizes are dropped when
// disconnected, stale dimensions are not worth replaying.
func (m *Multiplexer) ResizeSession(sessionID string, cols, rows uint16) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteJSON(server.ClientMessage{Type: server.MsgResize, Cols: cols, Rows: rows})
}

// ClearSession sends a Ctrl-L. Dropped when disconnected.
func (m *Multiplexer) ClearSession(sessionID string) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteJSON(server.ClientMessage{Type: server.MsgCtrl, Key: "l"})
}

// SetSessionMode switches output delivery. Going background→active
// flushes everything buffered as one ordered batch before live
// per-chunk delivery resumes; the other direction just starts
// buffering.
func (m *Multiplexer) SetSessionMode(sessionID string, mode Mode) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	prev := s.mode
	s.mode = mode
	var batch []string
	if prev == ModeBackground && mode == ModeActive {
		batch = s.outBuf.Flush()
	}
	s.mu.Unlock()

	if len(batch) > 0 {
		m.emit(Event{Kind: EventHistory, SessionID: sessionID, Data: strings.Join(batch, "")})
	}
}

// SessionMode returns the session's delivery mode.
func (m *Multiplexer) SessionMode(sessionID string) Mode {
	s := m.lookup(sessionID)
	if s == nil {
		return ModeActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Connected reports whether the session currently has a live connection.
func (m *Multiplexer) Connected(sessionID string) bool {
	s := m.lookup(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ResetSession clears the session's breaker and attempt budget. Called
// when the user explicitly recreates a session: no inherited failure
// history.
func (m *Multiplexer) ResetSession(sessionID string) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	s.breaker.Reset()
	s.mu.Lock()
	s.attempts = 0
	s.dead = false
	s.mu.Unlock()
}

// DisconnectSession drops the connection without ending the session.
// The server sees a detach-only close code and keeps the process alive.
func (m *Multiplexer) DisconnectSession(sessionID string) {
	m.teardown(sessionID, closeDetach, "detach", false)
}

// CloseSession permanently ends the session: the server kills the
// backing process on the clean close.
func (m *Multiplexer) CloseSession(sessionID string) {
	m.teardown(sessionID, server.CloseNormal, "close", true)
}

func (m *Multiplexer) teardown(sessionID string, code int, reason string, forget bool) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.conn = nil
	s.connected = false
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteClose(code, reason)
		_ = conn.Close()
	}

	if forget {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
	} else {
		// A later ConnectSession may resume this session.
		s.mu.Lock()
		s.closing = false
		s.mu.Unlock()
	}
}

// Shutdown disconnects every session and stops all reconnect timers.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id, closeDetach, "shutdown", false)
	}
}

// pingLoop sends best-effort keepalives; failures only log, the read
// loop is the authority on connection death.
func (m *Multiplexer) pingLoop(s *sessionConn, stop chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(server.ClientMessage{Type: server.MsgPing}); err != nil {
				logger.Debugf("keepalive on %s: %v", s.sessionID, err)
			}
		}
	}
}

func (m *Multiplexer) lookup(sessionID string) *sessionConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}
