package gateway

import (
	"errors"
	"sync"
)

// Registry tracks live connections. It owns the ephemeral
// connectionID -> principal mapping and nothing else: records exist only
// while the channel is open and are lost on restart by design (sessions are
// keyed by principal, never by connection).
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connectionID -> Connection
	byPrincipal map[string]map[string]*Connection // principalID -> connectionID -> Connection
}

// NewRegistry creates a new connection registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		byPrincipal: make(map[string]map[string]*Connection),
	}
}

// Register adds a connection. A principal may hold several connections at
// once (multiple browser tabs replay the same history independently).
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID()] = conn

	principal := conn.PrincipalID()
	if r.byPrincipal[principal] == nil {
		r.byPrincipal[principal] = make(map[string]*Connection)
	}
	r.byPrincipal[principal][conn.ID()] = conn

	return nil
}

// Unregister removes a connection. Idempotent: unregistering an unknown or
// already-removed connection is a no-op.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return
	}

	delete(r.connections, conn.ID())

	principal := conn.PrincipalID()
	if conns, ok := r.byPrincipal[principal]; ok {
		delete(conns, conn.ID())
		if len(conns) == 0 {
			delete(r.byPrincipal, principal)
		}
	}
}

// Get returns the connection for an id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connectionID]
	return conn, exists
}

// Send delivers a payload to one connection. It never blocks past the write
// timeout and reports ErrChannelClosed for stale or closed connections so
// callers can abandon the stream without crashing.
func (r *Registry) Send(connectionID string, payload interface{}) error {
	conn, exists := r.Get(connectionID)
	if !exists {
		return ErrChannelClosed
	}

	err := conn.WriteJSON(payload)
	if errors.Is(err, ErrConnectionClosed) {
		return ErrChannelClosed
	}
	return err
}

// Stats returns registry statistics for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"connections": len(r.connections),
		"principals":  len(r.byPrincipal),
	}
}
