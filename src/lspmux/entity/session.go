// Package entity contains the domain types for the lspmux daemon.
package entity

import (
	"fmt"
	"strings"
)

type keyType string

// ClientContextKey indicates the key used to identify the client connection UUID in the context.
const ClientContextKey keyType = "ClientUUID"

// ProxyVersion is the protocol version of this build. Clients must declare the
// same value in their lspMux options or the connection is refused.
const ProxyVersion = "0.2.5"

// MuxOptionsKey is the key under initializationOptions that carries the
// multiplexer's own configuration block.
const MuxOptionsKey = "lspMux"

// MuxOptions is the configuration block a client embeds in its initialize
// params under initializationOptions.lspMux. It is stripped before the
// initialize request reaches the language server.
type MuxOptions struct {
	// Version is naively checked for equality against ProxyVersion.
	Version string `json:"version"`

	// Server is the language server to run. Either an absolute path or a
	// plain name resolved against the daemon's own PATH, not the client's.
	Server string `json:"server"`

	// Args are passed to the language server, empty if omitted.
	Args []string `json:"args,omitempty"`
}

// ServerKey identifies one shared language server instance. Two clients
// presenting the same key are served by the same child process.
type ServerKey struct {
	Server        string
	Args          []string
	WorkspaceRoot string
}

// ID returns a canonical map key covering all three components.
func (k ServerKey) ID() string {
	return strings.Join(append([]string{k.Server, k.WorkspaceRoot}, k.Args...), "\x00")
}

// String implements fmt.Stringer for logging.
func (k ServerKey) String() string {
	if len(k.Args) == 0 {
		return fmt.Sprintf("%s (%s)", k.Server, k.WorkspaceRoot)
	}
	return fmt.Sprintf("%s %s (%s)", k.Server, strings.Join(k.Args, " "), k.WorkspaceRoot)
}

// InstanceState is the lifecycle state of a shared server instance.
type InstanceState int

const (
	// StateSpawning indicates the process launch was requested but its
	// transport is not yet confirmed usable.
	StateSpawning InstanceState = iota
	// StateInitializing indicates the server initialize request is in flight.
	StateInitializing
	// StateReady is the steady state serving multiplexed traffic.
	StateReady
	// StateDraining indicates the process exited or shutdown was requested;
	// outstanding requests are failed locally and the instance is not reused.
	StateDraining
	// StateTerminated indicates all resources are released. Terminal.
	StateTerminated
)

func (s InstanceState) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}
