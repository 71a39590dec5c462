package envfile

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/openmux/shellmux/internal/logger"
)

// Cache memoizes merged environments per project directory and uses
// fsnotify to drop a directory's snapshot when one of its env files
// changes, so the next spawn sees the edit without re-reading files on
// every call.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCache creates the cache. If the fsnotify watcher cannot be
// created the cache still works, it just never invalidates on its own.
func NewCache() *Cache {
	c := &Cache{
		entries: make(map[string][]string),
		done:    make(chan struct{}),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("env file watcher unavailable: %v", err)
		return c
	}
	c.watcher = w
	go c.run()
	return c
}

// Merged returns the merged environment for dir, computing and caching
// it on first use.
func (c *Cache) Merged(base []string, dir string) []string {
	c.mu.Lock()
	if env, ok := c.entries[dir]; ok {
		c.mu.Unlock()
		return env
	}
	c.mu.Unlock()

	env := Merge(base, dir)

	c.mu.Lock()
	c.entries[dir] = env
	c.mu.Unlock()

	if c.watcher != nil {
		if err := c.watcher.Add(dir); err != nil {
			logger.Debugf("cannot watch %s for env changes: %v", dir, err)
		}
	}
	return env
}

// Invalidate drops the cached snapshot for dir.
func (c *Cache) Invalidate(dir string) {
	c.mu.Lock()
	delete(c.entries, dir)
	c.mu.Unlock()
}

// Close stops the watcher goroutine.
func (c *Cache) Close() {
	close(c.done)
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
}

func (c *Cache) run() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			for _, f := range Precedence {
				if name == f {
					c.Invalidate(filepath.Dir(ev.Name))
					break
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.Debugf("env file watcher error: %v", err)
		}
	}
}
