package types

import "errors"

// Validation error types shared across components.
var (
	ErrInvalidPrincipalID = errors.New("principal ID must be 1-128 characters, printable, no whitespace")
	ErrEmptyInput         = errors.New("message is empty after trimming")
	ErrMessageTooLarge    = errors.New("message exceeds 64KB limit")
	ErrInvalidClassID     = errors.New("class ID must be 1-64 characters, alphanumeric + underscore/hyphen")
	ErrInvalidSender      = errors.New("sender must be 'human' or 'assistant'")
	ErrInvalidSortKey     = errors.New("sort key cannot be empty")
)
