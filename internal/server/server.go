package server

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/openmux/shellmux/internal/logger"
	"github.com/openmux/shellmux/internal/models"
	"github.com/openmux/shellmux/internal/registry"
)

// SessionServer terminates duplex connections for one session type and
// bridges them to PtySessions through the registry. The system and
// assistant servers are two instances of this one type; the
// type-specific startup behavior lives behind the registry's spawn
// path, not here.
type SessionServer struct {
	typ       models.SessionType
	registry  *registry.Registry
	validator models.TokenValidator
}

// New creates a session server for the given type. validator may be nil
// when auth is disabled.
func New(typ models.SessionType, reg *registry.Registry, validator models.TokenValidator) *SessionServer {
	return &SessionServer{typ: typ, registry: reg, validator: validator}
}

// RegisterRoutes mounts the websocket endpoint on router at path.
func (s *SessionServer) RegisterRoutes(router fiber.Router, path string) {
	router.Get(path, s.HandleWebSocket)
}

// handshake carries the connection's query parameters.
type handshake struct {
	projectID string
	userID    string
	sessionID string
	path      string
	tabName   string
}

// HandleWebSocket upgrades the connection and hands it to the session
// bridge. Handshake parameters ride the query string.
func (s *SessionServer) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	hs := handshake{
		projectID: c.Query("projectId"),
		userID:    c.Query("userId"),
		sessionID: c.Query("sessionId"),
		path:      c.Query("path"),
		tabName:   c.Query("tab", "Terminal"),
	}

	if s.validator != nil {
		identity, err := s.validator.ValidateToken(c.Query("token"))
		if err != nil || identity == nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		if hs.userID == "" {
			hs.userID = identity.UserID
		}
	}

	return websocket.New(func(conn *websocket.Conn) {
		s.handleConnection(conn, hs)
	})(c)
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = w.conn.Close()
}

// connSink adapts one websocket connection to the registry's Sink.
type connSink struct {
	ws      *wsConn
	evicted chan struct{}
	once    sync.Once
}

func (cs *connSink) Output(chunk string) {
	if err := cs.ws.send(ServerMessage{Type: MsgStream, Data: chunk}); err != nil {
		logger.Debugf("stream write failed: %v", err)
	}
}

func (cs *connSink) Exit(code int, _ string) {
	_ = cs.ws.send(ServerMessage{Type: MsgExit, Code: code})
}

func (cs *connSink) Ready(detected string) {
	_ = cs.ws.send(ServerMessage{Type: MsgReady, DetectedPrompt: detected})
}

func (cs *connSink) Evicted() {
	cs.once.Do(func() {
		_ = cs.ws.send(ServerMessage{Type: MsgError, Message: "superseded by a newer connection"})
		close(cs.evicted)
		cs.ws.close(CloseSuperseded, "superseded")
	})
}

func (cs *connSink) wasEvicted() bool {
	select {
	case <-cs.evicted:
		return true
	default:
		return false
	}
}

func (s *SessionServer) handleConnection(conn *websocket.Conn, hs handshake) {
	connID := uuid.NewString()
	ws := &wsConn{conn: conn}
	sink := &connSink{ws: ws, evicted: make(chan struct{})}

	sessionID, reconnected, err := s.resolveSession(ws, sink, connID, hs)
	if err != nil {
		_ = ws.send(ServerMessage{Type: MsgError, Message: err.Error()})
		_ = conn.Close()
		return
	}

	log := logger.WithField("session", sessionID)
	if reconnected {
		log.Debug().Str("conn", connID).Msg("connection reattached")
	} else {
		log.Debug().Str("conn", connID).Msg("connection established")
	}

	closeCode := s.readLoop(conn, ws, sessionID, connID)

	// The connection is gone; decide what happens to the session.
	if sink.wasEvicted() {
		// A newer attach owns the session now, nothing to do.
		return
	}
	switch ClassifyClose(closeCode) {
	case CloseEndsSession:
		log.Info().Int("code", closeCode).Msg("clean close, ending session")
		if err := s.registry.Close(sessionID); err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			log.Warn().Err(err).Msg("close after clean disconnect failed")
		}
	case CloseCircuitBreak:
		// The client's breaker tripped. Detach and stand down: the
		// client owns all backoff and recovery.
		log.Info().Int("code", closeCode).Msg("circuit breaker close, detaching")
		s.registry.Detach(sessionID, connID)
	default:
		log.Info().Int("code", closeCode).Msg("abnormal close, keeping process alive")
		s.registry.Detach(sessionID, connID)
	}
}

// resolveSession attaches to an existing live session or creates one,
// then replays buffered history. Returns the session id and whether
// this was a reattach.
func (s *SessionServer) resolveSession(ws *wsConn, sink *connSink, connID string, hs handshake) (string, bool, error) {
	if hs.sessionID != "" {
		if live := s.registry.Get(hs.sessionID); live != nil {
			res, err := s.registry.Attach(hs.sessionID, connID, sink)
			if err != nil {
				return "", false, err
			}
			if err := ws.send(ServerMessage{Type: MsgReconnected, SessionID: res.Session.ID, WorkingDir: res.Session.CurrentPath}); err != nil {
				return "", false, err
			}
			s.replayHistory(ws, res)
			return res.Session.ID, true, nil
		}
	}

	session, err := s.registry.CreateOrRestore(hs.projectID, s.typ, hs.tabName, hs.path, hs.userID)
	if err != nil {
		return "", false, err
	}
	res, err := s.registry.Attach(session.ID, connID, sink)
	if err != nil {
		return "", false, err
	}
	if err := ws.send(ServerMessage{Type: MsgConnected, SessionID: session.ID, WorkingDir: session.CurrentPath}); err != nil {
		return "", false, err
	}
	s.replayHistory(ws, res)
	return session.ID, false, nil
}

// replayHistory sends buffered chunks as one history message, then any
// already-detected ready state.
func (s *SessionServer) replayHistory(ws *wsConn, res *registry.AttachResult) {
	if len(res.History) > 0 {
		_ = ws.send(ServerMessage{Type: MsgHistory, Data: strings.Join(res.History, "")})
	}
	if res.Ready {
		_ = ws.send(ServerMessage{Type: MsgReady})
	}
}

// readLoop pumps client messages until the connection dies and returns
// the observed close code (0 for a non-close transport error).
func (s *SessionServer) readLoop(conn *websocket.Conn, ws *wsConn, sessionID, connID string) int {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *fastws.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return 0
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debugf("undecodable message on %s: %v", sessionID, err)
			continue
		}

		switch msg.Type {
		case MsgInput:
			if err := s.registry.WriteInput(sessionID, connID, []byte(msg.Data)); err != nil {
				_ = ws.send(ServerMessage{Type: MsgError, Message: err.Error()})
			}
		case MsgResize:
			if msg.Cols > 0 && msg.Rows > 0 {
				_ = s.registry.Resize(sessionID, msg.Cols, msg.Rows)
			}
		case MsgCtrl:
			b, ok := CtrlByte(msg.Key)
			if !ok {
				logger.Debugf("unknown ctrl key %q on %s", msg.Key, sessionID)
				continue
			}
			_ = s.registry.WriteInput(sessionID, connID, []byte{b})
		case MsgPing:
			_ = ws.send(ServerMessage{Type: MsgPong})
		default:
			// Unknown message types are logged and ignored, never fatal.
			logger.Debugf("unknown message type %q on %s", msg.Type, sessionID)
		}
	}
}
