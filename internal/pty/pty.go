package pty

import (
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/openmux/shellmux/internal/logger"
	"github.com/openmux/shellmux/internal/models"
	"github.com/openmux/shellmux/internal/recovery"
)

// Observer receives a PtySession's two observable events. HandleExit is
// terminal: after it fires the session is unusable and the owner must
// discard it. Observers are delivered chunks from a single goroutine,
// in emission order.
type Observer interface {
	HandleData(chunk string)
	HandleExit(code int, signal string)
}

// SpawnOptions configures a spawn.
type SpawnOptions struct {
	Shell string   // empty selects the platform default
	Args  []string // ignored when Shell is empty
	Dir   string
	Env   []string
}

// PtySession wraps one spawned pseudo-terminal process and its I/O
// streams. It is the unit of "a running shell".
type PtySession struct {
	mu        sync.Mutex
	ptmx      *os.File
	cmd       *exec.Cmd
	alive     bool
	observers map[Observer]struct{}
	workDir   string
}

// Spawn starts a pseudo-terminal running the given shell in dir with
// the supplied environment. A *models.SpawnError is returned when the
// shell binary cannot be started.
func Spawn(opts SpawnOptions) (*PtySession, error) {
	shell := opts.Shell
	args := opts.Args
	if shell == "" {
		shell, args = DefaultShell()
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, &models.SpawnError{Shell: shell, Err: err}
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: 80, Rows: 24})

	s := &PtySession{
		ptmx:      ptmx,
		cmd:       cmd,
		alive:     true,
		observers: make(map[Observer]struct{}),
		workDir:   opts.Dir,
	}
	recovery.Go("pty-read", s.readLoop)
	return s, nil
}

// DefaultShell returns the platform shell policy: PowerShell on
// Windows, a zsh login shell on darwin, $SHELL or a bash login shell
// elsewhere. This table is fixed, not configurable per call.
func DefaultShell() (string, []string) {
	switch runtime.GOOS {
	case "windows":
		return "powershell.exe", nil
	case "darwin":
		return "/bin/zsh", []string{"-l"}
	default:
		if shell := os.Getenv("SHELL"); shell != "" {
			return shell, []string{"-l"}
		}
		return "/bin/bash", []string{"-l"}
	}
}

// AddObserver registers an observer for data and exit events.
func (s *PtySession) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[o] = struct{}{}
}

// RemoveObserver unregisters an observer. Safe to call after exit or
// for an observer that was never added; teardown stays deterministic
// and listeners do not accumulate across reconnects.
func (s *PtySession) RemoveObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, o)
}

// Write forwards bytes to the process's input. It silently no-ops when
// the process has exited; callers should check IsAlive first but must
// not crash on the race.
func (s *PtySession) Write(data []byte) {
	s.mu.Lock()
	ptmx, alive := s.ptmx, s.alive
	s.mu.Unlock()

	if !alive || ptmx == nil {
		return
	}
	if _, err := ptmx.Write(data); err != nil {
		logger.Debugf("pty write after exit: %v", err)
	}
}

// Resize forwards a window-size change to the pseudo-terminal. A no-op
// when the platform primitive does not support it or the process has
// exited.
func (s *PtySession) Resize(cols, rows uint16) {
	s.mu.Lock()
	ptmx, alive := s.ptmx, s.alive
	s.mu.Unlock()

	if !alive || ptmx == nil {
		return
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		logger.Debugf("pty resize failed: %v", err)
	}
}

// IsAlive reports whether the backing process is still running.
func (s *PtySession) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Pid returns the backing process id, or 0 if it never started.
func (s *PtySession) Pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// WorkDir returns the directory the shell was spawned in.
func (s *PtySession) WorkDir() string {
	return s.workDir
}

// Kill terminates the backing process and closes the pty. Exit
// observers still fire, via the read loop noticing the closed stream.
func (s *PtySession) Kill() {
	s.mu.Lock()
	ptmx := s.ptmx
	cmd := s.cmd
	s.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// readLoop pumps process output to observers until the stream closes,
// then reaps the process and fires exit exactly once.
func (s *PtySession) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			for _, o := range s.snapshotObservers() {
				o.HandleData(chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Debugf("pty read ended: %v", err)
			}
			break
		}
	}

	code, signal := s.reap()

	s.mu.Lock()
	s.alive = false
	observers := make([]Observer, 0, len(s.observers))
	for o := range s.observers {
		observers = append(observers, o)
	}
	s.observers = make(map[Observer]struct{})
	s.mu.Unlock()

	for _, o := range observers {
		o.HandleExit(code, signal)
	}
}

func (s *PtySession) snapshotObservers() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observer, 0, len(s.observers))
	for o := range s.observers {
		out = append(out, o)
	}
	return out
}

// reap waits on the process and extracts the exit code and signal name.
func (s *PtySession) reap() (int, string) {
	if s.cmd == nil {
		return 0, ""
	}
	err := s.cmd.Wait()
	if state := s.cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return state.ExitCode(), ws.Signal().String()
		}
		return state.ExitCode(), ""
	}
	if err != nil {
		return -1, ""
	}
	return 0, ""
}
