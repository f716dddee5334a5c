package errors

import (
	stderr "errors"
	"fmt"

	"github.com/gofrs/uuid"
)

// VersionMismatchError reports that a client declared a different lspMux
// protocol version than this build. Local to the offending client.
type VersionMismatchError struct {
	Client uuid.UUID
	Got    string
	Want   string
}

// Error is an implementation of the error interface.
func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("lspMux version mismatch: client sent %q, proxy is %q", e.Got, e.Want)
}

// IsVersionMismatch reports whether a VersionMismatchError is part of the error chain.
func IsVersionMismatch(e error) bool {
	var vm *VersionMismatchError
	return stderr.As(e, &vm)
}

// SpawnFailureError reports that a language server process could not be launched.
type SpawnFailureError struct {
	Server string
	Err    error
}

// Error is an implementation of the error interface.
func (e *SpawnFailureError) Error() string {
	return fmt.Sprintf("spawning %q: %v", e.Server, e.Err)
}

// Unwrap exposes the underlying launch error.
func (e *SpawnFailureError) Unwrap() error {
	return e.Err
}

// ServerGoneError reports that the shared language server process exited or
// became unreachable while requests were pending against it.
type ServerGoneError struct {
	Server string
}

// Error is an implementation of the error interface.
func (e *ServerGoneError) Error() string {
	return fmt.Sprintf("language server %q is gone", e.Server)
}

// IsServerGone reports whether a ServerGoneError is part of the error chain.
func IsServerGone(e error) bool {
	var sg *ServerGoneError
	return stderr.As(e, &sg)
}

// KeyNotFoundError is the registry domain error for a missing ServerKey.
type KeyNotFoundError struct {
	Key string
}

// Error is an implementation of the error interface.
func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("no instance for key %q", e.Key)
}

// NoClientFoundError indicates that a client UUID cannot be found within the context.
type NoClientFoundError struct{}

// Error is an implementation of the error interface.
func (e *NoClientFoundError) Error() string {
	return "no client found in context"
}

// UUIDNotFoundError reports that a client UUID is not registered.
type UUIDNotFoundError struct {
	UUID uuid.UUID
}

// Error is an implementation of the error interface.
func (e *UUIDNotFoundError) Error() string {
	return fmt.Sprintf("client %q not found", e.UUID)
}
