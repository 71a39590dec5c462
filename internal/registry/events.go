package registry

import "sync"

// EventKind classifies registry lifecycle events.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventRestored EventKind = "restored"
	EventExited   EventKind = "exited"
	EventClosed   EventKind = "closed"
	EventRenamed  EventKind = "renamed"
	EventReady    EventKind = "ready"
)

// Event is a registry lifecycle notification.
type Event struct {
	Kind      EventKind
	SessionID string
	ProjectID string
	Detail    string
}

// fanout delivers events to subscriber channels. Subscribe returns an
// unsubscribe func; teardown is deterministic and listeners never
// accumulate across reconnects. Slow subscribers drop events rather
// than block the registry.
type fanout struct {
	mu    sync.Mutex
	subs  map[int]chan Event
	next  int
	depth int
}

func newFanout(depth int) *fanout {
	return &fanout{subs: make(map[int]chan Event), depth: depth}
}

func (f *fanout) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	ch := make(chan Event, f.depth)
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

func (f *fanout) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
