package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"

	"coteacher/pkg/types"
)

// Turn lifecycle states.
const (
	StateIdle      = "Idle"
	StateRequested = "Requested"
	StateStreaming = "Streaming"
	StateCompleted = "Completed"
	StateAborted   = "Aborted"
)

// Turn lifecycle triggers.
const (
	triggerRequest  = "Request"
	triggerStream   = "Stream"
	triggerComplete = "Complete"
	triggerAbort    = "Abort"
)

// turn is the in-flight state of one streaming exchange. The state machine
// admits exactly the legal lifecycle
// Idle -> Requested -> Streaming -> Completed | Aborted; every transition
// goes through fire so an illegal one fails loudly instead of corrupting
// the stream.
type turn struct {
	fsm          *stateless.StateMachine
	connectionID string
	principalID  string
	req          *types.ChatRequest
	sessionID    string
	newSession   bool

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	fragments []string
}

func newTurn(connectionID, principalID string, req *types.ChatRequest, cancel context.CancelFunc) *turn {
	fsm := stateless.NewStateMachine(StateIdle)
	fsm.Configure(StateIdle).
		Permit(triggerRequest, StateRequested)
	fsm.Configure(StateRequested).
		Permit(triggerStream, StateStreaming).
		Permit(triggerAbort, StateAborted)
	fsm.Configure(StateStreaming).
		Permit(triggerComplete, StateCompleted).
		Permit(triggerAbort, StateAborted)

	return &turn{
		fsm:          fsm,
		connectionID: connectionID,
		principalID:  principalID,
		req:          req,
		sessionID:    req.SessionID,
		newSession:   req.SessionID == "",
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// fire drives one lifecycle transition. The returned error reports an illegal
// trigger for the current state; callers must not proceed past it.
func (t *turn) fire(trigger string) error {
	return t.fsm.Fire(trigger)
}

// state returns the current lifecycle state.
func (t *turn) state() string {
	return t.fsm.MustState().(string)
}

// appendFragment records one fragment of the in-flight assistant buffer.
func (t *turn) appendFragment(fragment string) {
	t.mu.Lock()
	t.fragments = append(t.fragments, fragment)
	t.mu.Unlock()
}

// assembled returns the assistant message accumulated so far, concatenated in
// arrival order.
func (t *turn) assembled() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.fragments, "")
}
