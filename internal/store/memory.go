package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. It backs tests and deployments
// that run without a database file.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	projects map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionRecord),
		projects: make(map[string]struct{}),
	}
}

// AddProject registers a project id so ProjectExists succeeds.
func (s *MemoryStore) AddProject(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[id] = struct{}{}
}

func (s *MemoryStore) CreateSession(rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.sessions[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) UpdateSession(rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now()
	s.sessions[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) FindSession(id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.sessions[id]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) FindInactiveByTriple(projectID, sessionType, tabName string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *SessionRecord
	for _, rec := range s.sessions {
		if rec.ProjectID != projectID || rec.Type != sessionType || rec.TabName != tabName || rec.Active {
			continue
		}
		if newest == nil || rec.UpdatedAt.After(newest.UpdatedAt) {
			out := rec
			newest = &out
		}
	}
	return newest, nil
}

func (s *MemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) ListSessionsByProject(projectID string) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []SessionRecord
	for _, rec := range s.sessions {
		if rec.ProjectID == projectID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (s *MemoryStore) ProjectExists(projectID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.projects[projectID]
	return ok, nil
}
