package buffer

import "sync"

// OutputBuffer is a bounded FIFO of opaque output chunks. It holds
// terminal output emitted while a session has no attached client, so a
// reconnecting client can replay what it missed. Capacity is counted in
// chunks, matching the variable chunk sizes coming off the pty.
type OutputBuffer struct {
	mu       sync.Mutex
	chunks   []string
	capacity int
}

// New creates a buffer holding at most capacity chunks. Once full, the
// oldest chunk is dropped for each new append.
func New(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutputBuffer{capacity: capacity}
}

// Append pushes a chunk to the tail, evicting from the head when full.
func (b *OutputBuffer) Append(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == b.capacity {
		copy(b.chunks, b.chunks[1:])
		b.chunks[len(b.chunks)-1] = chunk
		return
	}
	b.chunks = append(b.chunks, chunk)
}

// Flush returns all buffered chunks in append order and clears the
// buffer. The swap happens under the lock, so no chunk can be both
// returned and retained when appends race with the flush.
func (b *OutputBuffer) Flush() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.chunks
	b.chunks = nil
	return out
}

// Peek returns a copy of the buffered chunks without clearing them.
func (b *OutputBuffer) Peek() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Len returns the number of buffered chunks.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
