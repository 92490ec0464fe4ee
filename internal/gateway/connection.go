package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps a WebSocket channel bound to one authenticated principal.
// WebSocket writes must be serialized; a single writer goroutine drains the
// buffered write channel so concurrent callers never race on the socket.
type Connection struct {
	conn        *websocket.Conn
	writeCh     chan []byte
	id          string
	principalID string
	openedAt    time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// NewConnection creates a connection wrapper and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, id, principalID string, sendBuffer int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:        conn,
		writeCh:     make(chan []byte, sendBuffer),
		id:          id,
		principalID: principalID,
		openedAt:    time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues a JSON message for the writer goroutine. It is safe for
// concurrent use and never blocks past the write timeout.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(5 * time.Second):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears down the connection exactly once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection is shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ID returns the ephemeral connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// PrincipalID returns the authenticated principal this channel belongs to.
func (c *Connection) PrincipalID() string {
	return c.principalID
}

// OpenedAt returns when the channel was opened.
func (c *Connection) OpenedAt() time.Time {
	return c.openedAt
}
