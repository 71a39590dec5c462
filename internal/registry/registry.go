package registry

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/openmux/shellmux/internal/buffer"
	"github.com/openmux/shellmux/internal/envfile"
	"github.com/openmux/shellmux/internal/logger"
	"github.com/openmux/shellmux/internal/models"
	"github.com/openmux/shellmux/internal/pty"
	"github.com/openmux/shellmux/internal/recovery"
	"github.com/openmux/shellmux/internal/store"
)

// ErrProjectNotFound is returned when the metadata store definitively
// reports the owning project does not exist.
var ErrProjectNotFound = errors.New("project not found")

// Sink receives a session's live events while a connection is attached.
// All methods are called from the registry's per-session dispatch, in
// emission order.
type Sink interface {
	Output(chunk string)
	Exit(code int, signal string)
	Ready(detected string)
	// Evicted tells a previously attached connection that a newer
	// attach superseded it. The connection loses input rights.
	Evicted()
}

// AttachResult is what a freshly attached connection needs to catch up.
type AttachResult struct {
	Session models.Session
	// History holds chunks buffered while no client was attached, in
	// emission order. The buffer is cleared by the attach.
	History []string
	// Ready is true when an assistant session already detected its
	// ready signature before this attach.
	Ready bool
}

// AssistantOptions configures the assistant-type startup sequence.
type AssistantOptions struct {
	Command    string
	Signatures []string
	Timeout    time.Duration
}

// Options tunes the registry.
type Options struct {
	MaxSessionsPerProject int
	BufferChunks          int
	IdleTimeout           time.Duration
	ReapInterval          time.Duration
	Assistant             AssistantOptions
}

// managed pairs a logical session with its live process state. Its lock
// covers attachment and buffering for that one session, so streaming on
// one session never contends with another.
type managed struct {
	mu           sync.Mutex
	session      models.Session
	pty          *pty.PtySession
	buf          *buffer.OutputBuffer
	connectionID string
	sink         Sink
	ready        bool
	focused      bool
	lastDetached time.Time
}

// Registry is the single source of truth mapping session identity to
// live process state. It is the only writer of Active and PID, and it
// never kills a process merely because a client disconnected.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*managed
	byProj   map[string]map[string]struct{}

	store  store.Store
	env    *envfile.Cache
	opts   Options
	events *fanout

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a registry. Call Start to run the idle reaper and
// Stop to tear everything down.
func New(st store.Store, env *envfile.Cache, opts Options) *Registry {
	if opts.MaxSessionsPerProject <= 0 {
		opts.MaxSessionsPerProject = 10
	}
	if opts.BufferChunks <= 0 {
		opts.BufferChunks = 500
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	return &Registry{
		sessions: make(map[string]*managed),
		byProj:   make(map[string]map[string]struct{}),
		store:    st,
		env:      env,
		opts:     opts,
		events:   newFanout(64),
		stop:     make(chan struct{}),
	}
}

// Subscribe returns a channel of lifecycle events plus an unsubscribe
// func. Events are dropped, not blocked on, when the subscriber lags.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.events.subscribe()
}

// Start launches the idle reaper.
func (r *Registry) Start() {
	recovery.Go("idle-reaper", r.reapLoop)
}

// Stop halts the reaper and closes every live session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Close(id); err != nil {
			logger.Debugf("close %s during shutdown: %v", id, err)
		}
	}
}

// CreateOrRestore acquires a session for (projectID, typ, tabName).
// A live session with the same triple is returned as is. An inactive
// persisted one is restored: same logical id, a freshly spawned
// process. Otherwise a new session is allocated, subject to the
// per-project limit.
func (r *Registry) CreateOrRestore(projectID string, typ models.SessionType, tabName, path, userID string) (*models.Session, error) {
	if exists, err := r.store.ProjectExists(projectID); err != nil {
		logger.Warnf("project existence check failed, continuing: %v", err)
	} else if !exists {
		return nil, ErrProjectNotFound
	}

	// In-memory first: re-requesting a live session must not spawn a
	// duplicate.
	if m := r.findLiveByTriple(projectID, typ, tabName); m != nil {
		m.mu.Lock()
		out := m.session
		m.mu.Unlock()
		return &out, nil
	}

	sessionID := ""
	restored := false
	if rec, err := r.store.FindInactiveByTriple(projectID, string(typ), tabName); err != nil {
		logger.Warnf("restore lookup failed, creating fresh: %v", err)
	} else if rec != nil {
		sessionID = rec.ID
		restored = true
		if path == "" {
			path = rec.CurrentPath
		}
		if userID == "" {
			userID = rec.UserID
		}
	}
	if sessionID == "" {
		sessionID = models.NewSessionID()
	}

	r.mu.Lock()
	if len(r.byProj[projectID]) >= r.opts.MaxSessionsPerProject {
		r.mu.Unlock()
		return nil, models.ErrLimitExceeded
	}
	// Reserve the slot before the spawn so concurrent creates cannot
	// blow past the limit.
	if r.byProj[projectID] == nil {
		r.byProj[projectID] = make(map[string]struct{})
	}
	r.byProj[projectID][sessionID] = struct{}{}
	r.mu.Unlock()

	path = normalizePath(path)
	m, err := r.spawn(sessionID, projectID, typ, tabName, path, userID)
	if err != nil {
		r.mu.Lock()
		delete(r.byProj[projectID], sessionID)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[sessionID] = m
	r.mu.Unlock()

	r.persist(m)

	kind := EventCreated
	if restored {
		kind = EventRestored
	}
	r.events.publish(Event{Kind: kind, SessionID: sessionID, ProjectID: projectID, Detail: tabName})

	m.mu.Lock()
	out := m.session
	m.mu.Unlock()
	return &out, nil
}

// spawn starts the backing process and wires observers and startup.
func (r *Registry) spawn(sessionID, projectID string, typ models.SessionType, tabName, path, userID string) (*managed, error) {
	env := envfile.Merge(os.Environ(), path)
	if r.env != nil {
		env = r.env.Merged(os.Environ(), path)
	}

	p, err := pty.Spawn(pty.SpawnOptions{Dir: path, Env: env})
	if err != nil {
		return nil, err
	}

	m := &managed{
		session: models.Session{
			ID:          sessionID,
			ProjectID:   projectID,
			UserID:      userID,
			Type:        typ,
			TabName:     tabName,
			Active:      true,
			CurrentPath: path,
			PID:         p.Pid(),
			CreatedAt:   time.Now(),
			LastActive:  time.Now(),
		},
		pty:          p,
		buf:          buffer.New(r.opts.BufferChunks),
		lastDetached: time.Now(),
	}
	p.AddObserver(&sessionObserver{registry: r, sessionID: sessionID})

	if typ == models.SessionTypeAssistant {
		startup := &pty.AssistantStartup{
			Command:    r.opts.Assistant.Command,
			Signatures: r.opts.Assistant.Signatures,
			Timeout:    r.opts.Assistant.Timeout,
			OnReady:    func(detected string) { r.markReady(sessionID, detected) },
			OnTimeout: func() {
				r.events.publish(Event{Kind: EventReady, SessionID: sessionID, ProjectID: projectID, Detail: "timeout"})
			},
		}
		startup.Run(p)
	}
	return m, nil
}

// sessionObserver routes one PtySession's events into the registry.
type sessionObserver struct {
	registry  *Registry
	sessionID string
}

func (o *sessionObserver) HandleData(chunk string) {
	o.registry.AddOutput(o.sessionID, chunk)
}

func (o *sessionObserver) HandleExit(code int, signal string) {
	o.registry.handleExit(o.sessionID, code, signal)
}

// AddOutput routes a chunk from the process. While a client is attached
// the chunk streams immediately; otherwise it accumulates in the
// session's buffer for replay on the next attach.
func (r *Registry) AddOutput(sessionID, chunk string) {
	m := r.lookup(sessionID)
	if m == nil {
		return
	}

	m.mu.Lock()
	sink := m.sink
	if sink == nil {
		m.buf.Append(chunk)
	}
	m.mu.Unlock()

	if sink != nil {
		sink.Output(chunk)
	}
}

// Attach binds a connection as the session's single input writer and
// returns buffered history. A prior attached connection is evicted:
// input is never accepted from two connections concurrently. Attaching
// never restarts or kills the process.
func (r *Registry) Attach(sessionID, connectionID string, sink Sink) (*AttachResult, error) {
	m := r.lookup(sessionID)
	if m == nil {
		return nil, models.ErrSessionNotFound
	}

	m.mu.Lock()
	prev := m.sink
	m.connectionID = connectionID
	m.sink = sink
	m.session.LastActive = time.Now()
	// Flush-and-install happens under the session lock, so no chunk
	// can fall between history and the live stream.
	res := &AttachResult{
		Session: m.session,
		History: m.buf.Flush(),
		Ready:   m.ready,
	}
	m.mu.Unlock()

	if prev != nil {
		prev.Evicted()
	}
	return res, nil
}

// Detach releases a connection's claim on the session. The backing
// process stays alive and output starts buffering; this is the central
// invariant that distinguishes detach from Close.
func (r *Registry) Detach(sessionID, connectionID string) {
	m := r.lookup(sessionID)
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.connectionID == connectionID {
		m.connectionID = ""
		m.sink = nil
		m.lastDetached = time.Now()
	}
	m.mu.Unlock()
}

// WriteInput forwards client input to the process, but only from the
// currently attached connection.
func (r *Registry) WriteInput(sessionID, connectionID string, data []byte) error {
	m := r.lookup(sessionID)
	if m == nil {
		return models.ErrSessionNotFound
	}

	m.mu.Lock()
	allowed := m.connectionID == connectionID
	p := m.pty
	m.session.LastActive = time.Now()
	m.mu.Unlock()

	if !allowed {
		logger.Debugf("dropping input from superseded connection %s on %s", connectionID, sessionID)
		return nil
	}
	p.Write(data)
	return nil
}

// Resize forwards a terminal size change.
func (r *Registry) Resize(sessionID string, cols, rows uint16) error {
	m := r.lookup(sessionID)
	if m == nil {
		return models.ErrSessionNotFound
	}
	m.mu.Lock()
	p := m.pty
	m.mu.Unlock()
	p.Resize(cols, rows)
	return nil
}

// Get returns a snapshot of the session, or nil if unknown.
func (r *Registry) Get(sessionID string) *models.Session {
	m := r.lookup(sessionID)
	if m == nil {
		return nil
	}
	m.mu.Lock()
	out := m.session
	m.mu.Unlock()
	return &out
}

// BufferDepth reports how many chunks are waiting for the next attach.
func (r *Registry) BufferDepth(sessionID string) int {
	m := r.lookup(sessionID)
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Len()
}

// Attached reports whether a connection currently drives the session.
func (r *Registry) Attached(sessionID string) bool {
	m := r.lookup(sessionID)
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID != ""
}

// ListByProject returns live sessions for a project plus persisted
// inactive ones not currently in memory.
func (r *Registry) ListByProject(projectID string) []models.Session {
	var out []models.Session
	live := make(map[string]struct{})

	r.mu.RLock()
	for id := range r.byProj[projectID] {
		if m, ok := r.sessions[id]; ok {
			m.mu.Lock()
			out = append(out, m.session)
			m.mu.Unlock()
			live[id] = struct{}{}
		}
	}
	r.mu.RUnlock()

	recs, err := r.store.ListSessionsByProject(projectID)
	if err != nil {
		logger.Warnf("listing persisted sessions for %s failed: %v", projectID, err)
		return out
	}
	for _, rec := range recs {
		if _, ok := live[rec.ID]; ok {
			continue
		}
		out = append(out, models.Session{
			ID:          rec.ID,
			ProjectID:   rec.ProjectID,
			UserID:      rec.UserID,
			Type:        models.SessionType(rec.Type),
			TabName:     rec.TabName,
			Active:      false,
			CurrentPath: rec.CurrentPath,
			CreatedAt:   rec.CreatedAt,
			LastActive:  rec.UpdatedAt,
		})
	}
	return out
}

// Rename updates the tab name, in memory and in the store.
func (r *Registry) Rename(sessionID, newName string) error {
	m := r.lookup(sessionID)
	if m == nil {
		return models.ErrSessionNotFound
	}

	m.mu.Lock()
	m.session.TabName = newName
	m.mu.Unlock()

	r.persist(m)
	r.events.publish(Event{Kind: EventRenamed, SessionID: sessionID, Detail: newName})
	return nil
}

// SetFocus records UI focus. Focused sessions count as recently active
// for the idle reaper.
func (r *Registry) SetFocus(sessionID string, focused bool) error {
	m := r.lookup(sessionID)
	if m == nil {
		return models.ErrSessionNotFound
	}
	m.mu.Lock()
	m.focused = focused
	if focused {
		m.session.LastActive = time.Now()
	}
	m.mu.Unlock()
	return nil
}

// Close permanently tears a session down: the process is killed, the
// record is marked inactive, indexes and buffer are released.
func (r *Registry) Close(sessionID string) error {
	r.mu.Lock()
	m, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return models.ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	m.mu.Lock()
	projectID := m.session.ProjectID
	m.mu.Unlock()
	if set, ok := r.byProj[projectID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byProj, projectID)
		}
	}
	r.mu.Unlock()

	m.mu.Lock()
	m.session.Active = false
	m.session.PID = 0
	p := m.pty
	m.sink = nil
	m.connectionID = ""
	m.buf.Flush()
	rec := recordFrom(&m.session)
	m.mu.Unlock()

	p.Kill()

	if err := r.store.UpdateSession(rec); err != nil {
		logger.Warnf("marking %s closed in store failed: %v", sessionID, err)
	}
	r.events.publish(Event{Kind: EventClosed, SessionID: sessionID, ProjectID: projectID})
	return nil
}

// handleExit runs when the backing process dies on its own. The session
// leaves the registry; its persisted record stays restorable.
func (r *Registry) handleExit(sessionID string, code int, signal string) {
	r.mu.Lock()
	m, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	m.mu.Lock()
	projectID := m.session.ProjectID
	m.mu.Unlock()
	if set, ok := r.byProj[projectID]; ok {
		delete(set, sessionID)
	}
	r.mu.Unlock()

	m.mu.Lock()
	m.session.Active = false
	m.session.PID = 0
	sink := m.sink
	m.sink = nil
	rec := recordFrom(&m.session)
	m.mu.Unlock()

	logger.Infof("session %s exited (code=%d signal=%s)", sessionID, code, signal)
	if sink != nil {
		sink.Exit(code, signal)
	}
	if err := r.store.UpdateSession(rec); err != nil {
		logger.Warnf("marking %s exited in store failed: %v", sessionID, err)
	}
	r.events.publish(Event{Kind: EventExited, SessionID: sessionID, ProjectID: projectID})
}

// markReady flags an assistant session ready and notifies any attached
// client.
func (r *Registry) markReady(sessionID, detected string) {
	m := r.lookup(sessionID)
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ready = true
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.Ready(detected)
	}
	r.events.publish(Event{Kind: EventReady, SessionID: sessionID, Detail: detected})
}

// reapLoop closes sessions that sat unattached past the idle timeout.
// Attached or focused sessions are never reaped, regardless of age.
func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Registry) reapOnce() {
	now := time.Now()

	r.mu.RLock()
	var idle []string
	for id, m := range r.sessions {
		m.mu.Lock()
		unattached := m.connectionID == "" && !m.focused
		expired := now.Sub(m.lastDetached) > r.opts.IdleTimeout
		m.mu.Unlock()
		if unattached && expired {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		logger.Infof("reaping idle session %s", id)
		if err := r.Close(id); err != nil {
			logger.Debugf("reap %s: %v", id, err)
		}
	}
}

// persist writes the session record to the metadata store. Failures are
// logged and the session keeps working in memory; persistence never
// blocks live I/O.
func (r *Registry) persist(m *managed) {
	m.mu.Lock()
	rec := recordFrom(&m.session)
	m.mu.Unlock()

	existing, err := r.store.FindSession(rec.ID)
	if err != nil {
		logger.Warnf("persisting session %s: %v", rec.ID, err)
		return
	}
	if existing == nil {
		err = r.store.CreateSession(rec)
	} else {
		err = r.store.UpdateSession(rec)
	}
	if err != nil {
		logger.Warnf("persisting session %s: %v", rec.ID, err)
	}
}

func (r *Registry) lookup(sessionID string) *managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

func (r *Registry) findLiveByTriple(projectID string, typ models.SessionType, tabName string) *managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byProj[projectID] {
		m, ok := r.sessions[id]
		if !ok {
			continue
		}
		m.mu.Lock()
		match := m.session.Type == typ && m.session.TabName == tabName
		m.mu.Unlock()
		if match {
			return m
		}
	}
	return nil
}

func recordFrom(s *models.Session) *store.SessionRecord {
	return &store.SessionRecord{
		ID:          s.ID,
		ProjectID:   s.ProjectID,
		UserID:      s.UserID,
		Type:        string(s.Type),
		TabName:     s.TabName,
		Active:      s.Active,
		CurrentPath: s.CurrentPath,
		PID:         s.PID,
		CreatedAt:   s.CreatedAt,
	}
}

// normalizePath validates the working directory hint: it must exist and
// be a directory, otherwise fall back to the user's home directory. A
// bad path never fails session creation.
func normalizePath(path string) string {
	if path != "" {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path
		}
		logger.Warnf("working directory %q invalid, falling back to home", path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}
