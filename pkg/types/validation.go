package types

import (
	"regexp"
	"strings"
	"unicode"
)

// Compiled once at package initialization.
var classIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxMessageBytes = 65536 // 64KB

// IsValidPrincipalID checks if a principal identifier is acceptable as a
// partition key. Principals arrive pre-authenticated from the upstream
// identity provider and are typically email addresses, so the format is
// deliberately loose: printable, no whitespace, bounded length.
func IsValidPrincipalID(principalID string) bool {
	if len(principalID) < 1 || len(principalID) > 128 {
		return false
	}
	for _, r := range principalID {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// IsValidClassID checks if a class identifier meets format requirements.
func IsValidClassID(classID string) bool {
	if len(classID) < 1 || len(classID) > 64 {
		return false
	}
	return classIDRegex.MatchString(classID)
}

// Validate ensures a turn request is acceptable before any side effect.
// The message is trimmed in place so downstream components and the committed
// human line see identical text.
func (r *ChatRequest) Validate() error {
	r.Message = strings.TrimSpace(r.Message)
	if r.Message == "" {
		return ErrEmptyInput
	}
	if len(r.Message) > maxMessageBytes {
		return ErrMessageTooLarge
	}
	if !IsValidClassID(r.ClassID) {
		return ErrInvalidClassID
	}
	return nil
}

// Validate ensures a turn is well formed before it is appended to history.
func (t *Turn) Validate() error {
	if !IsValidPrincipalID(t.PrincipalID) {
		return ErrInvalidPrincipalID
	}
	if t.SortKey == "" {
		return ErrInvalidSortKey
	}
	if t.Sender != SenderHuman && t.Sender != SenderAssistant {
		return ErrInvalidSender
	}
	if t.Message == "" {
		return ErrEmptyInput
	}
	if len(t.Message) > maxMessageBytes {
		return ErrMessageTooLarge
	}
	return nil
}
