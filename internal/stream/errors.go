package stream

import "errors"

// Turn handling error types.
var (
	// ErrUpstreamTimeout reports that a streaming turn exceeded its bounded
	// maximum duration and was aborted.
	ErrUpstreamTimeout = errors.New("token source exceeded streaming deadline")

	// ErrTurnPreempted reports that a newer turn request on the same
	// connection aborted the in-flight one.
	ErrTurnPreempted = errors.New("turn preempted by newer request")
)
