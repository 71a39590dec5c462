package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	assert.True(t, strings.HasPrefix(id, "session_"))

	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 8)

	assert.NotEqual(t, id, NewSessionID(), "ids must be unique")
}

func TestErrorWrapping(t *testing.T) {
	t.Run("SpawnError", func(t *testing.T) {
		cause := errors.New("no such file")
		err := &SpawnError{Shell: "/bin/nope", Err: cause}
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "/bin/nope")
	})

	t.Run("PersistenceError", func(t *testing.T) {
		err := &PersistenceError{Op: "update", Err: ErrBreakerOpen}
		assert.ErrorIs(t, err, ErrBreakerOpen)
		assert.Contains(t, err.Error(), "update")

		var pe *PersistenceError
		assert.ErrorAs(t, error(err), &pe)
	})
}
