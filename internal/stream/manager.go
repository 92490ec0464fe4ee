package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"coteacher/internal/config"
	"coteacher/internal/gateway"
	"coteacher/internal/history"
	"coteacher/internal/logger"
	"coteacher/internal/model"
	"coteacher/internal/roster"
	"coteacher/pkg/types"
)

// Sender delivers payloads to a live connection. Implemented by the gateway
// registry; sends to stale connections fail with gateway.ErrChannelClosed.
type Sender interface {
	Send(connectionID string, payload interface{}) error
}

// Manager owns all in-flight turn state. Each connection holds at most one
// active stream; a new request preempts the prior one. Different connections
// proceed fully in parallel and share nothing but the history store.
type Manager struct {
	sender Sender
	store  history.Store
	source model.TokenSource
	roster roster.Provider
	keys   *history.KeyGen
	cfg    config.StreamConfig

	mu     sync.Mutex
	active map[string]*turn // connectionID -> in-flight turn
}

// NewManager creates a streaming session manager.
func NewManager(sender Sender, store history.Store, source model.TokenSource, rosterProvider roster.Provider, cfg config.StreamConfig) *Manager {
	return &Manager{
		sender: sender,
		store:  store,
		source: source,
		roster: rosterProvider,
		keys:   history.NewKeyGen(),
		cfg:    cfg,
		active: make(map[string]*turn),
	}
}

// HandleTurnRequest starts a streaming turn for the connection, preempting
// any turn already in flight there. Returns immediately; fragments flow back
// over the connection as the token source produces them.
func (m *Manager) HandleTurnRequest(connectionID, principalID string, req *types.ChatRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MaxDuration)
	t := newTurn(connectionID, principalID, req, cancel)

	m.mu.Lock()
	prior := m.active[connectionID]
	m.active[connectionID] = t
	m.mu.Unlock()

	if prior != nil {
		prior.cancel()
	}

	go m.run(ctx, t, prior)
}

// ConnectionClosed aborts the in-flight turn for a closed connection, if any.
// The abort path commits the human line and discards the partial assistant
// buffer; nothing is reported back because there is no channel left.
func (m *Manager) ConnectionClosed(connectionID string) {
	m.mu.Lock()
	t := m.active[connectionID]
	delete(m.active, connectionID)
	m.mu.Unlock()

	if t != nil {
		t.cancel()
	}
}

// ActiveStreams returns the number of turns currently in flight.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// run drives one turn through its lifecycle. It is the only goroutine that
// touches the turn after creation, so fragments for one connection never
// interleave across turns: a successor waits for its predecessor to finish.
func (m *Manager) run(ctx context.Context, t *turn, prior *turn) {
	defer t.cancel()
	defer m.finish(t)

	if prior != nil {
		<-prior.done
	}

	if err := t.fire(triggerRequest); err != nil {
		logger.L.Error("turn dropped: illegal transition",
			"connection", t.connectionID, "state", t.state(), "trigger", triggerRequest, "error", err)
		return
	}

	if err := t.req.Validate(); err != nil {
		if ferr := t.fire(triggerAbort); ferr != nil {
			logger.L.Error("turn abort transition failed",
				"connection", t.connectionID, "state", t.state(), "error", ferr)
		}
		m.send(t, types.StreamChunk{Error: err.Error()})
		return
	}

	if t.newSession {
		t.sessionID = uuid.New().String()
		// Announce the assigned session id ahead of the first fragment so
		// reconnecting clients can correlate the rest of the stream.
		m.send(t, types.StreamChunk{SessionID: t.sessionID})
	}

	window, err := m.contextWindow(ctx, t)
	if err != nil {
		logger.L.Warn("failed to load context window", "principal", t.principalID, "session", t.sessionID, "error", err)
		// Streaming proceeds without history rather than failing the turn.
	}

	students := m.rosterSnapshot(ctx, t)
	prompt := model.BuildPrompt(t.req.ClassID, students, t.req.StudentIDs, window, t.req.Message)

	if err := t.fire(triggerStream); err != nil {
		logger.L.Error("turn dropped: illegal transition",
			"connection", t.connectionID, "state", t.state(), "trigger", triggerStream, "error", err)
		return
	}

	streamErr := m.source.Stream(ctx, prompt, func(fragment string) error {
		t.appendFragment(fragment)
		return m.send(t, types.StreamChunk{Message: fragment})
	})

	if streamErr != nil {
		m.abort(t, streamErr)
		return
	}

	if err := t.fire(triggerComplete); err != nil {
		// The machine refused completion; no Done marker or assistant line may
		// escape an inconsistent lifecycle.
		logger.L.Error("turn aborted: illegal transition",
			"connection", t.connectionID, "state", t.state(), "trigger", triggerComplete, "error", err)
		m.commit(t, "")
		return
	}
	m.send(t, types.StreamChunk{Done: true})
	m.commit(t, t.assembled())
}

// finish removes the turn from the active map (unless a successor already
// replaced it) and releases anyone waiting on it.
func (m *Manager) finish(t *turn) {
	m.mu.Lock()
	if m.active[t.connectionID] == t {
		delete(m.active, t.connectionID)
	}
	m.mu.Unlock()
	close(t.done)
}

// abort handles every failure of the streaming phase. User intent is always
// recorded: the human line is committed even though the assistant line never
// will be. The partial assistant buffer is discarded.
func (m *Manager) abort(t *turn, streamErr error) {
	if err := t.fire(triggerAbort); err != nil {
		logger.L.Error("turn abort transition failed",
			"connection", t.connectionID, "state", t.state(), "error", err)
	}

	switch {
	case errors.Is(streamErr, context.DeadlineExceeded):
		logger.L.Warn("turn aborted: streaming deadline exceeded",
			"principal", t.principalID, "session", t.sessionID)
		m.send(t, types.StreamChunk{Error: ErrUpstreamTimeout.Error()})
	case errors.Is(streamErr, context.Canceled):
		// Client disconnect or preemption; nobody is listening, stay silent.
		logger.L.Info("turn aborted: canceled",
			"principal", t.principalID, "session", t.sessionID)
	case errors.Is(streamErr, gateway.ErrChannelClosed):
		logger.L.Info("turn aborted: channel closed mid-stream",
			"principal", t.principalID, "session", t.sessionID)
	default:
		logger.L.Error("turn aborted: token source failed",
			"principal", t.principalID, "session", t.sessionID, "error", streamErr)
		m.send(t, types.StreamChunk{Error: model.ErrUpstreamUnavailable.Error()})
	}

	m.commit(t, "")
}

// commit appends the human line and, when assembled text exists, the
// assistant line. The assistant line requires the lifecycle to have reached
// Completed; an aborted or mis-sequenced turn can only commit the human line.
// The human sort key is issued first so it strictly precedes the assistant
// line for the same turn.
func (m *Manager) commit(t *turn, assistantText string) {
	now := time.Now().Unix()

	human := &types.Turn{
		PrincipalID: t.principalID,
		SortKey:     m.keys.Next(),
		CreatedAt:   now,
		Message:     t.req.Message,
		Sender:      types.SenderHuman,
		SessionID:   t.sessionID,
		ClassID:     t.req.ClassID,
		StudentIDs:  t.req.StudentIDs,
	}

	var assistant *types.Turn
	if assistantText != "" && t.state() == StateCompleted {
		assistant = &types.Turn{
			PrincipalID: t.principalID,
			SortKey:     m.keys.Next(),
			CreatedAt:   now,
			Message:     assistantText,
			Sender:      types.SenderAssistant,
			SessionID:   t.sessionID,
			ClassID:     t.req.ClassID,
			StudentIDs:  t.req.StudentIDs,
		}
	}

	// Commits run on a fresh context: the turn's context is often already
	// canceled on the abort path, and persistence must not be.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.store.Append(ctx, human); err != nil {
		m.reportCommitFailure(t, types.SenderHuman, err)
		return
	}
	if assistant != nil {
		if err := m.store.Append(ctx, assistant); err != nil {
			m.reportCommitFailure(t, types.SenderAssistant, err)
		}
	}
}

// reportCommitFailure surfaces a persistence failure to the client so the
// user knows the message may not be saved. Already-delivered fragments are
// not retracted. The manager never silently retries under a different key.
func (m *Manager) reportCommitFailure(t *turn, sender string, err error) {
	logger.L.Error("failed to commit turn",
		"principal", t.principalID, "session", t.sessionID, "sender", sender, "error", err)
	m.send(t, types.StreamChunk{Error: "failed to save conversation"})
}

// send forwards a chunk to the turn's connection. ErrChannelClosed is
// returned (not escalated) so the token source loop can stop pulling.
func (m *Manager) send(t *turn, chunk types.StreamChunk) error {
	err := m.sender.Send(t.connectionID, chunk)
	if err != nil && !errors.Is(err, gateway.ErrChannelClosed) {
		logger.L.Warn("failed to send chunk", "connection", t.connectionID, "error", err)
	}
	return err
}

// contextWindow loads the most recent prior turns of the session, bounded by
// the configured window, oldest first.
func (m *Manager) contextWindow(ctx context.Context, t *turn) ([]*types.Turn, error) {
	if t.newSession || m.cfg.ContextWindow == 0 {
		return nil, nil
	}

	turns, err := m.store.QueryBySession(ctx, t.principalID, t.sessionID)
	if err != nil {
		return nil, err
	}
	if len(turns) > m.cfg.ContextWindow {
		turns = turns[len(turns)-m.cfg.ContextWindow:]
	}
	return turns, nil
}

// rosterSnapshot fetches the roster in effect at turn-creation time.
// Best-effort: prompting proceeds without display names when the
// collaborator is unreachable.
func (m *Manager) rosterSnapshot(ctx context.Context, t *turn) types.Roster {
	if m.roster == nil || t.req.ClassID == "" {
		return nil
	}
	students, err := m.roster.Students(ctx, t.req.ClassID)
	if err != nil {
		logger.L.Warn("roster fetch failed", "class", t.req.ClassID, "error", err)
		return nil
	}
	return students
}

var _ gateway.TurnDispatcher = (*Manager)(nil)
