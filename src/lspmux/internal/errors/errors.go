// Package errors defines the domain errors surfaced by the lspmux core.
package errors

import stderr "errors"

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

var (
	// ErrNotInitialized reports that a client sent traffic before a successful initialize.
	ErrNotInitialized = New("client has not initialized")
	// ErrAlreadyInitialized reports a duplicate initialize request on one connection.
	ErrAlreadyInitialized = New("client already initialized")
	// ErrClientExit ends a connection whose editor sent the exit notification.
	// Not a failure; cleanup only.
	ErrClientExit = New("client requested exit")
)
