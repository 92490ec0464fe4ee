package history

import "errors"

// Store-level error types.
var (
	// ErrDuplicateKey reports an append at an existing (principal, sortKey)
	// whose content differs from the stored record. Identical re-appends are
	// silent no-ops; only divergent content is a conflict.
	ErrDuplicateKey = errors.New("turn already exists with different content")

	ErrStoreClosed  = errors.New("history store is closed")
	ErrInvalidLimit = errors.New("query limit must be positive")
)
