package model

import "errors"

// Token source error types.
var (
	// ErrUpstreamUnavailable reports that the token source could not be
	// reached or failed mid-stream for a non-cancellation reason.
	ErrUpstreamUnavailable = errors.New("token source unavailable")
)
