package models

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session
	// id. Surfaced to clients as an error protocol message, never fatal
	// to the server.
	ErrSessionNotFound = errors.New("session not found")

	// ErrLimitExceeded is returned when a project already has the maximum
	// number of concurrent sessions. The failed create leaves no partial
	// state behind.
	ErrLimitExceeded = errors.New("session limit exceeded for project")

	// ErrBreakerOpen is returned when the circuit breaker rejects an
	// attempt. This is expected control flow, not a transport failure,
	// and callers must be able to tell the two apart.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// SpawnError reports that the backing shell process could not be
// started. Fatal for that create call; the session is not registered.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Shell, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// PersistenceError reports that the metadata store was unreachable. The
// operation proceeds in memory; callers log and continue.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
