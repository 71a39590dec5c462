package store

import (
	"github.com/openmux/shellmux/internal/breaker"
	"github.com/openmux/shellmux/internal/models"
)

// GuardedStore wraps a Store with a circuit breaker so a flapping
// database stops being hammered. It is the same state machine that
// gates client reconnects, triggered by store operations instead of
// transport failures. Rejected calls surface as PersistenceError
// wrapping ErrBreakerOpen, which the registry already treats as
// log-and-continue.
type GuardedStore struct {
	inner Store
	b     *breaker.Breaker
}

func NewGuardedStore(inner Store, b *breaker.Breaker) *GuardedStore {
	return &GuardedStore{inner: inner, b: b}
}

func (s *GuardedStore) guard(op string, fn func() error) error {
	if !s.b.ShouldAllow() {
		return &models.PersistenceError{Op: op, Err: models.ErrBreakerOpen}
	}
	if err := fn(); err != nil {
		s.b.RecordFailure()
		return &models.PersistenceError{Op: op, Err: err}
	}
	s.b.RecordSuccess()
	return nil
}

func (s *GuardedStore) CreateSession(rec *SessionRecord) error {
	return s.guard("create", func() error { return s.inner.CreateSession(rec) })
}

func (s *GuardedStore) UpdateSession(rec *SessionRecord) error {
	return s.guard("update", func() error { return s.inner.UpdateSession(rec) })
}

func (s *GuardedStore) FindSession(id string) (*SessionRecord, error) {
	var rec *SessionRecord
	err := s.guard("find", func() (e error) {
		rec, e = s.inner.FindSession(id)
		return
	})
	return rec, err
}

func (s *GuardedStore) FindInactiveByTriple(projectID, sessionType, tabName string) (*SessionRecord, error) {
	var rec *SessionRecord
	err := s.guard("find-triple", func() (e error) {
		rec, e = s.inner.FindInactiveByTriple(projectID, sessionType, tabName)
		return
	})
	return rec, err
}

func (s *GuardedStore) DeleteSession(id string) error {
	return s.guard("delete", func() error { return s.inner.DeleteSession(id) })
}

func (s *GuardedStore) ListSessionsByProject(projectID string) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := s.guard("list", func() (e error) {
		recs, e = s.inner.ListSessionsByProject(projectID)
		return
	})
	return recs, err
}

func (s *GuardedStore) ProjectExists(projectID string) (bool, error) {
	var ok bool
	err := s.guard("project-exists", func() (e error) {
		ok, e = s.inner.ProjectExists(projectID)
		return
	})
	return ok, err
}
