package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmux/shellmux/internal/breaker"
	"github.com/openmux/shellmux/internal/models"
)

func TestGormStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	t.Run("CreateFindUpdateDelete", func(t *testing.T) {
		rec := &SessionRecord{
			ID:          "session_1_abc",
			ProjectID:   "proj-1",
			Type:        "system",
			TabName:     "Terminal 1",
			Active:      true,
			CurrentPath: "/home/dev/proj",
			PID:         4321,
		}
		require.NoError(t, s.CreateSession(rec))

		found, err := s.FindSession("session_1_abc")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "proj-1", found.ProjectID)
		assert.True(t, found.Active)

		found.Active = false
		require.NoError(t, s.UpdateSession(found))

		again, err := s.FindSession("session_1_abc")
		require.NoError(t, err)
		assert.False(t, again.Active)

		require.NoError(t, s.DeleteSession("session_1_abc"))
		gone, err := s.FindSession("session_1_abc")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("FindInactiveByTriple", func(t *testing.T) {
		require.NoError(t, s.CreateSession(&SessionRecord{
			ID: "s-active", ProjectID: "proj-2", Type: "system", TabName: "main", Active: true,
		}))
		require.NoError(t, s.CreateSession(&SessionRecord{
			ID: "s-inactive", ProjectID: "proj-2", Type: "system", TabName: "main", Active: false,
		}))

		rec, err := s.FindInactiveByTriple("proj-2", "system", "main")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "s-inactive", rec.ID)

		// No inactive match for a different tab name.
		rec, err = s.FindInactiveByTriple("proj-2", "system", "other")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("ListByProject", func(t *testing.T) {
		recs, err := s.ListSessionsByProject("proj-2")
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("ProjectExists", func(t *testing.T) {
		ok, err := s.ProjectExists("proj-2")
		require.NoError(t, err)
		assert.False(t, ok, "projects table is owned by the CRUD layer and empty here")
	})
}

// failingStore errors on everything, for breaker tests.
type failingStore struct{ MemoryStore }

var errDown = errors.New("database unreachable")

func (f *failingStore) UpdateSession(*SessionRecord) error { return errDown }

func TestGuardedStore(t *testing.T) {
	inner := &failingStore{}
	b := breaker.New(3, 30*time.Second, time.Minute, time.Minute)
	guarded := NewGuardedStore(inner, b)

	rec := &SessionRecord{ID: "x"}

	// Each real failure drives the breaker; at the threshold the
	// breaker opens and further calls are rejected without touching
	// the database.
	for i := 0; i < 3; i++ {
		err := guarded.UpdateSession(rec)
		require.Error(t, err)
		assert.ErrorIs(t, err, errDown)
	}
	require.Equal(t, breaker.Open, b.State())

	err := guarded.UpdateSession(rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBreakerOpen)

	var perr *models.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestGuardedStorePassesThroughOnSuccess(t *testing.T) {
	inner := NewMemoryStore()
	b := breaker.New(3, 30*time.Second, time.Second, time.Minute)
	guarded := NewGuardedStore(inner, b)

	require.NoError(t, guarded.CreateSession(&SessionRecord{ID: "ok", ProjectID: "p"}))
	rec, err := guarded.FindSession("ok")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, breaker.Closed, b.State())
}
