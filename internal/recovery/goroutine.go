package recovery

import (
	"runtime/debug"

	"github.com/openmux/shellmux/internal/logger"
)

// Go runs fn in a goroutine with panic recovery, so one session's
// misbehavior can never take the whole server down.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic in goroutine %q: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}

// GoWithCleanup is Go with a cleanup that runs whether or not fn
// panicked.
func GoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic in goroutine %q: %v\n%s", name, r, debug.Stack())
			}
			if cleanup != nil {
				cleanup()
			}
		}()
		fn()
	}()
}
