package store

import "time"

// SessionRecord is the persisted shape of a session. The registry is
// the only writer; the external CRUD layer reads these through the
// coordinator.
type SessionRecord struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	ProjectID   string    `gorm:"index;not null" json:"project_id"`
	UserID      string    `gorm:"index" json:"user_id,omitempty"`
	Type        string    `gorm:"not null" json:"type"`
	TabName     string    `gorm:"not null" json:"tab_name"`
	Active      bool      `gorm:"not null;default:false" json:"active"`
	CurrentPath string    `json:"current_path"`
	PID         int       `json:"pid,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Project is owned by the external CRUD layer; this subsystem only
// checks existence.
type Project struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Store is the metadata persistence contract consumed by the registry.
// Find methods return (nil, nil) when no record matches. Implementations
// must be safe for concurrent use; failures never block live terminal
// I/O, the registry logs and proceeds in memory.
type Store interface {
	CreateSession(rec *SessionRecord) error
	UpdateSession(rec *SessionRecord) error
	FindSession(id string) (*SessionRecord, error)
	// FindInactiveByTriple locates a restorable session matching the
	// create-or-restore identity key.
	FindInactiveByTriple(projectID, sessionType, tabName string) (*SessionRecord, error)
	DeleteSession(id string) error
	ListSessionsByProject(projectID string) ([]SessionRecord, error)
	ProjectExists(projectID string) (bool, error)
}
