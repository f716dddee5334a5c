package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsVersionMismatch(t *testing.T) {
	err := &VersionMismatchError{Got: "0.0.1", Want: "0.2.5"}
	assert.True(t, IsVersionMismatch(err))
	assert.True(t, IsVersionMismatch(fmt.Errorf("refusing client: %w", err)))
	assert.False(t, IsVersionMismatch(New("unrelated")))

	assert.Contains(t, err.Error(), "0.0.1")
	assert.Contains(t, err.Error(), "0.2.5")
}

func TestIsServerGone(t *testing.T) {
	err := &ServerGoneError{Server: "gopls"}
	assert.True(t, IsServerGone(err))
	assert.True(t, IsServerGone(fmt.Errorf("forwarding: %w", err)))
	assert.False(t, IsServerGone(New("unrelated")))
}

func TestSpawnFailureUnwrap(t *testing.T) {
	cause := New("executable not found")
	err := &SpawnFailureError{Server: "gopls", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "gopls")
}
