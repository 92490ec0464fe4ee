package gateway

import "errors"

// Connection-related errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors.
var (
	ErrNilConnection = errors.New("connection cannot be nil")

	// ErrChannelClosed reports a send to a connection that no longer exists.
	// Callers must treat it as best-effort delivery failure, never fatal.
	ErrChannelClosed = errors.New("channel closed")
)

// Handler-related errors.
var (
	ErrUnauthenticated = errors.New("no authenticated principal attached to channel open")
)
