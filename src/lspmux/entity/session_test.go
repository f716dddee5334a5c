package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerKeyID(t *testing.T) {
	tests := []struct {
		name string
		a, b ServerKey
		same bool
	}{
		{
			name: "identical keys",
			a:    ServerKey{Server: "gopls", Args: []string{"-remote=auto"}, WorkspaceRoot: "/w"},
			b:    ServerKey{Server: "gopls", Args: []string{"-remote=auto"}, WorkspaceRoot: "/w"},
			same: true,
		},
		{
			name: "nil and empty args match",
			a:    ServerKey{Server: "gopls", WorkspaceRoot: "/w"},
			b:    ServerKey{Server: "gopls", Args: []string{}, WorkspaceRoot: "/w"},
			same: true,
		},
		{
			name: "different workspace",
			a:    ServerKey{Server: "gopls", WorkspaceRoot: "/w"},
			b:    ServerKey{Server: "gopls", WorkspaceRoot: "/w2"},
		},
		{
			name: "different server",
			a:    ServerKey{Server: "gopls", WorkspaceRoot: "/w"},
			b:    ServerKey{Server: "rust-analyzer", WorkspaceRoot: "/w"},
		},
		{
			name: "different args",
			a:    ServerKey{Server: "gopls", Args: []string{"-v"}, WorkspaceRoot: "/w"},
			b:    ServerKey{Server: "gopls", Args: []string{"-vv"}, WorkspaceRoot: "/w"},
		},
		{
			name: "arg order matters",
			a:    ServerKey{Server: "gopls", Args: []string{"-a", "-b"}, WorkspaceRoot: "/w"},
			b:    ServerKey{Server: "gopls", Args: []string{"-b", "-a"}, WorkspaceRoot: "/w"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.same {
				assert.Equal(t, tt.a.ID(), tt.b.ID())
			} else {
				assert.NotEqual(t, tt.a.ID(), tt.b.ID())
			}
		})
	}
}

func TestServerKeyString(t *testing.T) {
	assert.Equal(t, "gopls (/w)", ServerKey{Server: "gopls", WorkspaceRoot: "/w"}.String())
	assert.Equal(t, "gopls -remote=auto (/w)", ServerKey{Server: "gopls", Args: []string{"-remote=auto"}, WorkspaceRoot: "/w"}.String())
}

func TestInstanceStateString(t *testing.T) {
	assert.Equal(t, "spawning", StateSpawning.String())
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "unknown", InstanceState(99).String())
}
