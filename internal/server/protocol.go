package server

// Wire protocol for the session servers: one JSON object per websocket
// text message, discriminated by Type.

// Client → server message types.
const (
	MsgInput  = "input"
	MsgResize = "resize"
	MsgCtrl   = "ctrl"
	MsgPing   = "ping"
)

// Server → client message types.
const (
	MsgConnected   = "connected"
	MsgReconnected = "reconnected"
	MsgHistory     = "history"
	MsgStream      = "stream"
	MsgExit        = "exit"
	MsgError       = "error"
	MsgPong        = "pong"
	MsgReady       = "ready"
)

// ClientMessage is the envelope for everything a client sends. Unused
// fields stay zero for a given Type.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Key  string `json:"key,omitempty"`
}

// ServerMessage is the envelope for everything the server sends.
type ServerMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	WorkingDir     string `json:"workingDir,omitempty"`
	Data           string `json:"data,omitempty"`
	Code           int    `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	DetectedPrompt string `json:"detectedPrompt,omitempty"`
}

// Close codes. 1000/1001 are clean closures that end the session and
// kill the process. Codes in the circuit-breaker range signal that the
// client's breaker tripped; the server must not schedule any recovery,
// the client owns backoff. Every other code, including 1005/1006, is an
// abnormal closure: the process stays alive and only the connection
// detaches.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001

	CloseCircuitBreakerMin = 4000
	CloseCircuitBreakerMax = 4009

	// CloseSuperseded tells an evicted connection a newer attach took
	// over. Inside the breaker range so the client will not retry it.
	CloseSuperseded = 4001
)

// CloseClass is the server's reaction to a connection going away.
type CloseClass int

const (
	// CloseEndsSession kills the process and removes the session.
	CloseEndsSession CloseClass = iota
	// CloseDetachOnly leaves the process running for a later reattach.
	CloseDetachOnly
	// CloseCircuitBreak leaves the process running and forbids any
	// server-side recovery action.
	CloseCircuitBreak
)

// ClassifyClose maps a websocket close code to the server's reaction.
func ClassifyClose(code int) CloseClass {
	switch {
	case code == CloseNormal || code == CloseGoingAway:
		return CloseEndsSession
	case code >= CloseCircuitBreakerMin && code <= CloseCircuitBreakerMax:
		return CloseCircuitBreak
	default:
		return CloseDetachOnly
	}
}

// ctrlBytes maps named control keys to the byte written to the shell.
var ctrlBytes = map[string]byte{
	"c":  0x03,
	"d":  0x04,
	"z":  0x1a,
	"l":  0x0c,
	"\\": 0x1c,
	"a":  0x01,
	"e":  0x05,
	"k":  0x0b,
	"u":  0x15,
	"w":  0x17,
}

// CtrlByte resolves a named control key. ok is false for unknown keys,
// which callers log and ignore.
func CtrlByte(key string) (byte, bool) {
	b, ok := ctrlBytes[key]
	return b, ok
}
