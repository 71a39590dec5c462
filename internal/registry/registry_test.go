package registry

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmux/shellmux/internal/models"
	"github.com/openmux/shellmux/internal/store"
)

// testSink records everything the registry delivers.
type testSink struct {
	mu      sync.Mutex
	chunks  []string
	evicted bool
	exited  chan int
	ready   chan string
}

func newTestSink() *testSink {
	return &testSink{exited: make(chan int, 1), ready: make(chan string, 1)}
}

func (s *testSink) Output(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *testSink) Exit(code int, _ string) { s.exited <- code }
func (s *testSink) Ready(detected string)  { s.ready <- detected }

func (s *testSink) Evicted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = true
}

func (s *testSink) wasEvicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

func (s *testSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *store.MemoryStore) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("registry tests spawn unix shells")
	}
	st := store.NewMemoryStore()
	st.AddProject("proj-1")
	r := New(st, nil, opts)
	t.Cleanup(r.Stop)
	return r, st
}

// settle drains residual shell output (login banners, prompts) until an
// attach yields an empty history, so replay assertions see only what
// the test injects.
func settle(t *testing.T, r *Registry, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := r.Attach(sessionID, "settle-conn", newTestSink())
		require.NoError(t, err)
		r.Detach(sessionID, "settle-conn")
		if len(res.History) == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("session output never settled")
}

func TestCreateOrRestore(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	t.Run("IdempotentWhileActive", func(t *testing.T) {
		first, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "main", t.TempDir(), "user-1")
		require.NoError(t, err)
		assert.True(t, first.Active)
		assert.NotZero(t, first.PID)

		second, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "main", "", "")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID, "same triple returns the same logical session")
		assert.Equal(t, first.PID, second.PID, "no duplicate process spawned")
	})

	t.Run("RestoreKeepsIdentityAfterClose", func(t *testing.T) {
		dir := t.TempDir()
		s, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "restore-me", dir, "")
		require.NoError(t, err)
		oldPID := s.PID

		require.NoError(t, r.Close(s.ID))
		assert.Nil(t, r.Get(s.ID))

		restored, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "restore-me", dir, "")
		require.NoError(t, err)
		assert.Equal(t, s.ID, restored.ID, "restore reuses the logical id")
		assert.NotEqual(t, oldPID, restored.PID, "restore spawns a fresh process")
	})

	t.Run("UnknownProjectRejected", func(t *testing.T) {
		_, err := r.CreateOrRestore("no-such-project", models.SessionTypeSystem, "x", "", "")
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})
}

func TestSessionLimit(t *testing.T) {
	r, _ := newTestRegistry(t, Options{MaxSessionsPerProject: 2})

	for i := 0; i < 2; i++ {
		_, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, fmt.Sprintf("tab-%d", i), t.TempDir(), "")
		require.NoError(t, err)
	}

	_, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "tab-over", t.TempDir(), "")
	require.ErrorIs(t, err, models.ErrLimitExceeded)

	// The failed create left no partial state: closing one slot frees
	// the limit again.
	sessions := r.ListByProject("proj-1")
	require.Len(t, sessions, 2)
	require.NoError(t, r.Close(sessions[0].ID))

	_, err = r.CreateOrRestore("proj-1", models.SessionTypeSystem, "tab-over", t.TempDir(), "")
	assert.NoError(t, err)
}

func TestDisconnectSurvives(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	s, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "survivor", t.TempDir(), "")
	require.NoError(t, err)

	sink := newTestSink()
	_, err = r.Attach(s.ID, "conn-1", sink)
	require.NoError(t, err)
	r.Detach(s.ID, "conn-1")

	got := r.Get(s.ID)
	require.NotNil(t, got)
	assert.True(t, got.Active, "detach must never deactivate the session")
	assert.False(t, r.Attached(s.ID))

	// The OS process is genuinely alive.
	require.NoError(t, syscall.Kill(got.PID, 0))
}

func TestReconnectReplayOrder(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	s, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "replay", t.TempDir(), "")
	require.NoError(t, err)
	settle(t, r, s.ID)

	// Output emitted while nobody is attached accumulates in order.
	want := []string{"chunk-a", "chunk-b", "chunk-c"}
	for _, c := range want {
		r.AddOutput(s.ID, c)
	}
	assert.Equal(t, len(want), r.BufferDepth(s.ID))

	sink := newTestSink()
	res, err := r.Attach(s.ID, "conn-replay", sink)
	require.NoError(t, err)
	assert.Equal(t, want, res.History)
	assert.Zero(t, r.BufferDepth(s.ID), "flush clears the buffer")

	// Once attached, chunks stream live instead of buffering.
	r.AddOutput(s.ID, "live-1")
	r.AddOutput(s.ID, "live-2")
	assert.Equal(t, []string{"live-1", "live-2"}, sink.received())
	assert.Zero(t, r.BufferDepth(s.ID))
}

func TestAttachEvictsPreviousConnection(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	s, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "evict", t.TempDir(), "")
	require.NoError(t, err)
	settle(t, r, s.ID)

	first := newTestSink()
	_, err = r.Attach(s.ID, "conn-1", first)
	require.NoError(t, err)

	second := newTestSink()
	_, err = r.Attach(s.ID, "conn-2", second)
	require.NoError(t, err)

	assert.True(t, first.wasEvicted())

	// Output goes to the superseding connection only.
	r.AddOutput(s.ID, "after-eviction")
	assert.Equal(t, []string{"after-eviction"}, second.received())
	assert.Empty(t, first.received())
}

func TestCloseKillsProcess(t *testing.T) {
	r, st := newTestRegistry(t, Options{})

	s, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "doomed", t.TempDir(), "")
	require.NoError(t, err)
	pid := s.PID

	require.NoError(t, r.Close(s.ID))
	assert.Nil(t, r.Get(s.ID))

	rec, err := st.FindSession(s.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Active, "store record marked closed")

	// Process goes away shortly after the kill.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("process %d still alive after close", pid)
}

func TestRename(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	s, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "old-name", t.TempDir(), "")
	require.NoError(t, err)

	require.NoError(t, r.Rename(s.ID, "new-name"))
	assert.Equal(t, "new-name", r.Get(s.ID).TabName)

	assert.ErrorIs(t, r.Rename("bogus", "x"), models.ErrSessionNotFound)
}

func TestIdleReaper(t *testing.T) {
	r, _ := newTestRegistry(t, Options{
		IdleTimeout:  200 * time.Millisecond,
		ReapInterval: 50 * time.Millisecond,
	})
	r.Start()

	s, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "idle", t.TempDir(), "")
	require.NoError(t, err)

	attached, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "busy", t.TempDir(), "")
	require.NoError(t, err)
	_, err = r.Attach(attached.ID, "conn-live", newTestSink())
	require.NoError(t, err)

	// The unattached session gets reaped, the attached one never does.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Get(s.ID) == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Nil(t, r.Get(s.ID), "idle session should be reaped")
	assert.NotNil(t, r.Get(attached.ID), "attached session must never be reaped")
}

func TestRegistryEvents(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	s, err := r.CreateOrRestore("proj-1", models.SessionTypeSystem, "evented", t.TempDir(), "")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventCreated, ev.Kind)
		assert.Equal(t, s.ID, ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no created event")
	}

	require.NoError(t, r.Close(s.ID))
	select {
	case ev := <-events:
		assert.Equal(t, EventClosed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no closed event")
	}
}
