package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionType selects which session server handles a session and which
// startup sequence runs after the shell is spawned.
type SessionType string

const (
	// SessionTypeSystem is a plain interactive shell.
	SessionTypeSystem SessionType = "system"
	// SessionTypeAssistant is a shell that launches the assistant CLI
	// after startup and watches for its ready banner.
	SessionTypeAssistant SessionType = "assistant"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	return t == SessionTypeSystem || t == SessionTypeAssistant
}

// Session is the logical identity of a terminal tab. It outlives any
// particular attached connection and even the currently running process
// instance: "restore" binds a fresh process to the same session id.
type Session struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"projectId"`
	UserID      string      `json:"userId,omitempty"`
	Type        SessionType `json:"type"`
	TabName     string      `json:"tabName"`
	Active      bool        `json:"active"`
	CurrentPath string      `json:"currentPath"`
	PID         int         `json:"pid,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastActive  time.Time   `json:"lastActive"`
}

// NewSessionID generates an opaque session id. The format is stable for
// the life of the process: session_<unix-millis>_<random>.
func NewSessionID() string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Identity is the result of validating a client token. Token validation
// itself is an external collaborator; this subsystem only consumes it.
type Identity struct {
	UserID string `json:"userId"`
	Source string `json:"source"`
}

// TokenValidator is the external auth collaborator contract. A nil
// Identity with a nil error means the token was rejected.
type TokenValidator interface {
	ValidateToken(token string) (*Identity, error)
}
