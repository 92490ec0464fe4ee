package model

import (
	"context"

	"coteacher/pkg/types"
)

// Prompt carries everything the token source needs for one turn: a system
// prompt, the replayed context window (oldest first), and the new human text.
type Prompt struct {
	System  string
	History []*types.Turn
	Input   string
}

// TokenSource is the external streaming model. Stream invokes the model and
// calls emit once per text fragment in production order; it returns after the
// terminal token, or with an error when emit fails or the upstream does.
//
// Cancelling ctx must abort the upstream call promptly.
type TokenSource interface {
	Stream(ctx context.Context, prompt Prompt, emit func(fragment string) error) error
}
