// Package client is the stream consumer side of the duplex chat channel: it
// connects, sends turn requests, reassembles token fragments into messages,
// and recovers from unexpected closes.
package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coteacher/pkg/types"
)

// Message is one finalized chat line as the consumer renders it.
type Message struct {
	Sender string
	Text   string
}

// Config configures a Consumer. Callbacks are invoked from the read
// goroutine and must not block; all are optional.
type Config struct {
	// ServerURL is the http(s) base URL of the service.
	ServerURL string
	// PrincipalID is the authenticated principal, attached at channel open.
	PrincipalID string
	// ClassID scopes every turn the consumer sends.
	ClassID string

	// OnFragment observes each raw fragment as it arrives.
	OnFragment func(text string)
	// OnSession observes the session id assigned by the server.
	OnSession func(sessionID string)
	// OnError observes terminal stream errors reported by the server.
	OnError func(err error)
	// OnClose observes channel closure (expected or not).
	OnClose func()

	// ReconnectAttempts bounds reconnection after an unexpected close;
	// zero disables reconnection.
	ReconnectAttempts int
	// ReconnectDelay is the base backoff between attempts.
	ReconnectDelay time.Duration
}

// Consumer maintains a single logical in-flight assistant buffer. Fragments
// concatenate in arrival order; the buffer is finalized into a message either
// on the server's terminal signal or when the user sends the next turn.
type Consumer struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	sessionID string
	buffer    strings.Builder
	messages  []Message
	gen       int // increments per physical connection; stale read loops exit
}

// ErrNotConnected reports an operation that needs a live channel.
var ErrNotConnected = fmt.Errorf("client: not connected")

// New creates a consumer. Connect must be called before sending turns.
func New(cfg Config) *Consumer {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &Consumer{cfg: cfg}
}

// Connect opens the duplex channel and starts the read loop.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("client: already connected")
	}
	c.closing = false
	return c.dialLocked(ctx)
}

// dialLocked opens the socket. Caller holds c.mu.
func (c *Consumer) dialLocked(ctx context.Context) error {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("client: invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	query := u.Query()
	query.Set("principal_id", c.cfg.PrincipalID)
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("client: failed to connect: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.gen++
	go c.readLoop(conn, c.gen)
	return nil
}

// Disconnect closes the channel. In-flight streaming state is finalized from
// whatever fragments already arrived.
func (c *Consumer) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// SendTurn sends one turn request. Any assistant text still buffering from
// the previous turn is finalized first. The human line is recorded locally
// only once the write succeeds, so the transcript never shows a message the
// server was not handed.
func (c *Consumer) SendTurn(text string, roster types.Roster, studentIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}

	c.finalizeBufferLocked()

	if studentIDs == nil {
		for id := range roster {
			studentIDs = append(studentIDs, id)
		}
	}

	req := types.ChatRequest{
		Message:    text,
		StudentIDs: studentIDs,
		SessionID:  c.sessionID,
		TeacherID:  c.cfg.PrincipalID,
		ClassID:    c.cfg.ClassID,
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("client: failed to send turn: %w", err)
	}

	c.messages = append(c.messages, Message{Sender: types.SenderHuman, Text: text})
	return nil
}

// NewSession starts a new conversation: clears the session id, the message
// list, and the in-flight buffer. The channel stays open.
func (c *Consumer) NewSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.messages = nil
	c.buffer.Reset()
}

// SessionID returns the current session id ("" before the first assignment).
func (c *Consumer) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a copy of the finalized message list.
func (c *Consumer) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Pending returns the in-flight assistant buffer assembled so far.
func (c *Consumer) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.String()
}

// IsConnected reports whether the channel is currently open.
func (c *Consumer) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Consumer) readLoop(conn *websocket.Conn, gen int) {
	for {
		var chunk types.StreamChunk
		if err := conn.ReadJSON(&chunk); err != nil {
			c.handleClose(conn, gen)
			return
		}
		c.handleChunk(chunk)
	}
}

func (c *Consumer) handleChunk(chunk types.StreamChunk) {
	if chunk.SessionID != "" {
		c.mu.Lock()
		if c.sessionID == "" {
			c.sessionID = chunk.SessionID
		}
		c.mu.Unlock()
		if c.cfg.OnSession != nil {
			c.cfg.OnSession(chunk.SessionID)
		}
	}

	if chunk.Message != "" {
		c.mu.Lock()
		c.buffer.WriteString(chunk.Message)
		c.mu.Unlock()
		if c.cfg.OnFragment != nil {
			c.cfg.OnFragment(chunk.Message)
		}
	}

	if chunk.Error != "" {
		// A failed stream terminates in an error state; fragments already
		// rendered stay, the buffer is finalized as-is.
		c.mu.Lock()
		c.finalizeBufferLocked()
		c.mu.Unlock()
		if c.cfg.OnError != nil {
			c.cfg.OnError(fmt.Errorf("client: stream error: %s", chunk.Error))
		}
	}

	if chunk.Done {
		c.mu.Lock()
		c.finalizeBufferLocked()
		c.mu.Unlock()
	}
}

// finalizeBufferLocked promotes the in-flight buffer to a displayed
// assistant message. Caller holds c.mu.
func (c *Consumer) finalizeBufferLocked() {
	if c.buffer.Len() == 0 {
		return
	}
	c.messages = append(c.messages, Message{Sender: types.SenderAssistant, Text: c.buffer.String()})
	c.buffer.Reset()
}

// handleClose runs when the read loop observes a closed socket. An
// incomplete assistant message may be truncated; the server-side abort path
// is the counterpart contract.
func (c *Consumer) handleClose(conn *websocket.Conn, gen int) {
	_ = conn.Close()

	c.mu.Lock()
	if gen != c.gen {
		// A newer connection superseded this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	expected := c.closing
	c.mu.Unlock()

	if c.cfg.OnClose != nil {
		c.cfg.OnClose()
	}
	if expected || c.cfg.ReconnectAttempts <= 0 {
		return
	}

	go c.reconnect()
}

// reconnect reopens the channel with bounded linear backoff. Session id and
// finalized messages survive; in-flight state from the old connection is
// lost.
func (c *Consumer) reconnect() {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * c.cfg.ReconnectDelay)

		c.mu.Lock()
		if c.closing || c.connected {
			c.mu.Unlock()
			return
		}
		err := c.dialLocked(context.Background())
		c.mu.Unlock()

		if err == nil {
			return
		}
	}

	if c.cfg.OnError != nil {
		c.cfg.OnError(fmt.Errorf("client: reconnect failed after %d attempts", c.cfg.ReconnectAttempts))
	}
}
