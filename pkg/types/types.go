package types

// Sender values for a committed turn line.
const (
	SenderHuman     = "human"
	SenderAssistant = "assistant"
)

// ChatRequest is the inbound channel message sent by a client to start a turn.
// An empty SessionID signals "start a new session"; the server assigns one and
// announces it in the first StreamChunk of the turn.
type ChatRequest struct {
	Message    string   `json:"message"`
	StudentIDs []string `json:"studentIDs"`
	SessionID  string   `json:"sessionId,omitempty"`
	TeacherID  string   `json:"teacherId"`
	ClassID    string   `json:"classId"`
}

// StreamChunk is the outbound channel message. Exactly one of the fields is
// meaningful per chunk: a text fragment, a newly assigned session id, a
// terminal done marker, or a terminal error.
type StreamChunk struct {
	Message   string `json:"message,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Turn is one committed line of conversation: either the human line (verbatim
// teacher input) or the assistant line (fully assembled model output).
// Turns are immutable once committed; the history log is append-only.
//
// SortKey is a zero-padded nanosecond timestamp plus a process-local sequence
// tiebreak, so lexicographic order equals commit order within a principal.
type Turn struct {
	PrincipalID string   `json:"principalId"`
	SortKey     string   `json:"sortKey"`
	CreatedAt   int64    `json:"createdAt"`
	Message     string   `json:"message"`
	Sender      string   `json:"sender"`
	SessionID   string   `json:"sessionId,omitempty"`
	ClassID     string   `json:"classId,omitempty"`
	StudentIDs  []string `json:"studentIds,omitempty"`
	ExpiresAt   int64    `json:"expiresAt,omitempty"`
}

// Roster is the student id -> display name snapshot supplied by the roster
// collaborator. The core consumes whatever snapshot is in effect at
// turn-creation time; it does not own the roster's consistency.
type Roster map[string]string
