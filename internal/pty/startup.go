package pty

import (
	"strings"
	"sync"
	"time"

	"github.com/openmux/shellmux/internal/logger"
)

// StartupSequence runs after a session's shell has been spawned. The
// system variant is a no-op; the assistant variant launches the CLI and
// watches for its ready banner.
type StartupSequence interface {
	Run(s *PtySession)
}

// NoopStartup is the startup sequence for plain system shells.
type NoopStartup struct{}

func (NoopStartup) Run(*PtySession) {}

// AssistantStartup clears the screen, launches the assistant CLI and
// scans the output stream for one of the configured ready signatures.
// Signature matching is a best-effort heuristic over banner text, so
// the signature list is configuration, not protocol. Missing the
// timeout flags the session not-ready and logs loudly; the session
// keeps running.
type AssistantStartup struct {
	Command    string
	Signatures []string
	Timeout    time.Duration

	// OnReady fires at most once with the matched signature. OnTimeout
	// fires instead when no signature appeared in time.
	OnReady   func(detected string)
	OnTimeout func()
}

func (a *AssistantStartup) Run(s *PtySession) {
	w := &readyWatcher{
		session:    s,
		signatures: a.Signatures,
		onReady:    a.OnReady,
		matched:    make(chan struct{}),
	}
	s.AddObserver(w)

	s.Write([]byte("clear\r"))
	s.Write([]byte(a.Command + "\r"))

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-w.matched:
			return
		case <-timer.C:
			s.RemoveObserver(w)
			if w.markDone() {
				logger.Warnf("assistant session in %s: no ready signature within %s, continuing not-ready", s.WorkDir(), timeout)
				if a.OnTimeout != nil {
					a.OnTimeout()
				}
			}
		}
	}()
}

// readyWatcher scans output for ready signatures over a sliding tail of
// recent output, so a signature split across chunks still matches.
type readyWatcher struct {
	session    *PtySession
	signatures []string
	onReady    func(string)

	mu      sync.Mutex
	tail    string
	done    bool
	matched chan struct{}
}

const readyTailLimit = 8192

func (w *readyWatcher) markDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	return true
}

func (w *readyWatcher) HandleData(chunk string) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.tail += chunk
	if len(w.tail) > readyTailLimit {
		w.tail = w.tail[len(w.tail)-readyTailLimit:]
	}
	var detected string
	for _, sig := range w.signatures {
		if sig != "" && strings.Contains(w.tail, sig) {
			detected = sig
			break
		}
	}
	if detected == "" {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.mu.Unlock()

	close(w.matched)
	w.session.RemoveObserver(w)
	if w.onReady != nil {
		w.onReady(detected)
	}
}

func (w *readyWatcher) HandleExit(int, string) {
	w.markDone()
}
