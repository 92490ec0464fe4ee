package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	conn := NewConnection(nil, "conn-1", "teacher-1", 10)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, r.Register(conn))

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestRegistryRejectsNilConnection(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register(nil), ErrNilConnection)
}

func TestRegistryMultipleConnectionsPerPrincipal(t *testing.T) {
	r := NewRegistry()
	a := NewConnection(nil, "conn-a", "teacher-1", 10)
	b := NewConnection(nil, "conn-b", "teacher-1", 10)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	stats := r.Stats()
	assert.Equal(t, 2, stats["connections"])
	assert.Equal(t, 1, stats["principals"])

	r.Unregister(a)
	stats = r.Stats()
	assert.Equal(t, 1, stats["connections"])
	assert.Equal(t, 1, stats["principals"])

	r.Unregister(b)
	stats = r.Stats()
	assert.Equal(t, 0, stats["connections"])
	assert.Equal(t, 0, stats["principals"])
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	conn := NewConnection(nil, "conn-1", "teacher-1", 10)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, r.Register(conn))
	r.Unregister(conn)
	r.Unregister(conn)
	r.Unregister(nil)

	assert.Equal(t, 0, r.Stats()["connections"])
}

func TestRegistryUnregisterOnlyRemovesSameInstance(t *testing.T) {
	r := NewRegistry()
	old := NewConnection(nil, "conn-1", "teacher-1", 10)
	replacement := NewConnection(nil, "conn-1", "teacher-1", 10)
	t.Cleanup(func() { _ = old.Close(); _ = replacement.Close() })

	require.NoError(t, r.Register(old))
	require.NoError(t, r.Register(replacement))

	// A stale teardown of the old instance must not evict the replacement.
	r.Unregister(old)

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestSendToUnknownConnection(t *testing.T) {
	r := NewRegistry()
	err := r.Send("nope", map[string]string{"message": "hi"})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestSendToClosedConnection(t *testing.T) {
	r := NewRegistry()
	conn := NewConnection(nil, "conn-1", "teacher-1", 10)
	require.NoError(t, r.Register(conn))
	require.NoError(t, conn.Close())

	err := r.Send("conn-1", map[string]string{"message": "hi"})
	assert.ErrorIs(t, err, ErrChannelClosed)
}
