package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputBuffer(t *testing.T) {
	t.Run("AppendAndFlushPreservesOrder", func(t *testing.T) {
		b := New(10)
		b.Append("one")
		b.Append("two")
		b.Append("three")

		chunks := b.Flush()
		require.Equal(t, []string{"one", "two", "three"}, chunks)
		assert.Empty(t, b.Flush(), "second flush should return nothing")
	})

	t.Run("EvictsOldestWhenFull", func(t *testing.T) {
		b := New(3)
		for i := 0; i < 7; i++ {
			b.Append(fmt.Sprintf("chunk-%d", i))
		}

		assert.Equal(t, 3, b.Len())
		assert.Equal(t, []string{"chunk-4", "chunk-5", "chunk-6"}, b.Peek())
	})

	t.Run("PeekDoesNotClear", func(t *testing.T) {
		b := New(5)
		b.Append("a")
		b.Append("b")

		assert.Equal(t, []string{"a", "b"}, b.Peek())
		assert.Equal(t, []string{"a", "b"}, b.Peek())
		assert.Equal(t, 2, b.Len())
	})

	t.Run("FlushAtomicUnderConcurrentAppend", func(t *testing.T) {
		b := New(1000)

		const total = 500
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total; i++ {
				b.Append(fmt.Sprintf("c%d", i))
			}
		}()

		var flushed [][]string
		for i := 0; i < 50; i++ {
			flushed = append(flushed, b.Flush())
		}
		wg.Wait()
		flushed = append(flushed, b.Flush())

		// Every chunk shows up exactly once across all flushes.
		seen := make(map[string]int)
		for _, batch := range flushed {
			for _, c := range batch {
				seen[c]++
			}
		}
		require.Len(t, seen, total)
		for c, n := range seen {
			assert.Equal(t, 1, n, "chunk %s duplicated", c)
		}
	})
}
