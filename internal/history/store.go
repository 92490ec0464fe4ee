package history

import (
	"context"

	"coteacher/pkg/types"
)

// DefaultQueryLimit bounds a single history page when the caller does not
// specify one.
const DefaultQueryLimit = 100

// Query bounds a history read. PageToken is the opaque cursor returned by a
// prior page (internally the last sortKey, exclusive); an empty token starts
// from the beginning.
type Query struct {
	SessionID string
	ClassID   string
	Limit     int
	PageToken string
}

// Store defines the contract for the append-only chat history log.
//
// Append is the only mutation exposed to callers; expiry-driven deletion is
// an internal mechanism. Query results ascend in sortKey and never include
// expired turns, even while the rows are still physically present.
type Store interface {
	// Append commits a turn. Re-appending an identical turn at the same
	// (principalID, sortKey) is a no-op; appending different content at an
	// existing key fails with ErrDuplicateKey.
	Append(ctx context.Context, turn *types.Turn) error

	// QueryByPrincipal returns one ascending page of a principal's turns,
	// optionally restricted by session and class, plus the cursor for the
	// next page ("" when exhausted).
	QueryByPrincipal(ctx context.Context, principalID string, q Query) ([]*types.Turn, string, error)

	// QueryBySession returns every live turn of one session in order.
	QueryBySession(ctx context.Context, principalID, sessionID string) ([]*types.Turn, error)

	Close() error
}
