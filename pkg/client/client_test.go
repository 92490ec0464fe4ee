package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coteacher/pkg/types"
)

func TestHandleChunkAssemblesFragments(t *testing.T) {
	c := New(Config{})

	c.handleChunk(types.StreamChunk{Message: "Hel"})
	c.handleChunk(types.StreamChunk{Message: "lo!"})
	assert.Equal(t, "Hello!", c.Pending())
	assert.Empty(t, c.Messages(), "nothing finalizes before the terminal signal")

	c.handleChunk(types.StreamChunk{Done: true})
	assert.Empty(t, c.Pending())

	messages := c.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, types.SenderAssistant, messages[0].Sender)
	assert.Equal(t, "Hello!", messages[0].Text)
}

func TestHandleChunkAdoptsSessionOnce(t *testing.T) {
	var observed []string
	c := New(Config{OnSession: func(id string) { observed = append(observed, id) }})

	c.handleChunk(types.StreamChunk{SessionID: "session-1"})
	c.handleChunk(types.StreamChunk{SessionID: "session-2"})

	assert.Equal(t, "session-1", c.SessionID(), "the first assignment wins")
	assert.Equal(t, []string{"session-1", "session-2"}, observed)
}

func TestHandleChunkErrorFinalizesBuffer(t *testing.T) {
	var streamErr error
	c := New(Config{OnError: func(err error) { streamErr = err }})

	c.handleChunk(types.StreamChunk{Message: "partial"})
	c.handleChunk(types.StreamChunk{Error: "model unavailable"})

	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "model unavailable")

	messages := c.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "partial", messages[0].Text, "already-arrived fragments survive the error")
	assert.Empty(t, c.Pending())
}

func TestHandleChunkEmptyDoneIsNoOp(t *testing.T) {
	c := New(Config{})
	c.handleChunk(types.StreamChunk{Done: true})
	assert.Empty(t, c.Messages())
}

func TestNewSessionResetsState(t *testing.T) {
	c := New(Config{})
	c.handleChunk(types.StreamChunk{SessionID: "session-1"})
	c.handleChunk(types.StreamChunk{Message: "Hello!"})
	c.handleChunk(types.StreamChunk{Done: true})

	c.NewSession()

	assert.Empty(t, c.SessionID())
	assert.Empty(t, c.Messages())
	assert.Empty(t, c.Pending())
}

func TestSendTurnRequiresConnection(t *testing.T) {
	c := New(Config{})
	err := c.SendTurn("Hi", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

// scriptedServer upgrades /ws connections and replies to each inbound request
// with a fixed chunk sequence.
func scriptedServer(t *testing.T, script func(req types.ChatRequest) []types.StreamChunk) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	var received []types.ChatRequest
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws", r.URL.Path)
		require.NotEmpty(t, r.URL.Query().Get("principal_id"))

		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = ws.Close() }()

		for {
			var req types.ChatRequest
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			mu.Lock()
			received = append(received, req)
			mu.Unlock()
			for _, chunk := range script(req) {
				if err := ws.WriteJSON(chunk); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConsumerEndToEnd(t *testing.T) {
	srv := scriptedServer(t, func(req types.ChatRequest) []types.StreamChunk {
		chunks := []types.StreamChunk{}
		if req.SessionID == "" {
			chunks = append(chunks, types.StreamChunk{SessionID: "session-1"})
		}
		return append(chunks,
			types.StreamChunk{Message: "Hel"},
			types.StreamChunk{Message: "lo!"},
			types.StreamChunk{Done: true},
		)
	})

	c := New(Config{
		ServerURL:   srv.URL,
		PrincipalID: "teacher-1",
		ClassID:     "class-1",
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.SendTurn("Hi", types.Roster{"s1": "Grace Hopper"}, nil))

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	messages := c.Messages()
	assert.Equal(t, Message{Sender: types.SenderHuman, Text: "Hi"}, messages[0])
	assert.Equal(t, Message{Sender: types.SenderAssistant, Text: "Hello!"}, messages[1])
	assert.Equal(t, "session-1", c.SessionID())

	// The follow-up turn reuses the adopted session id.
	require.NoError(t, c.SendTurn("And again", nil, []string{"s1"}))
	require.Eventually(t, func() bool {
		return len(c.Messages()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "session-1", c.SessionID())
}

func TestSendTurnFinalizesDanglingBuffer(t *testing.T) {
	srv := scriptedServer(t, func(req types.ChatRequest) []types.StreamChunk {
		// Fragments with no terminal marker: the stream was cut short.
		return []types.StreamChunk{{Message: "dangling"}}
	})

	c := New(Config{ServerURL: srv.URL, PrincipalID: "teacher-1", ClassID: "class-1"})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.SendTurn("first", nil, nil))
	require.Eventually(t, func() bool {
		return c.Pending() == "dangling"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SendTurn("second", nil, nil))

	var texts []string
	for _, m := range c.Messages() {
		texts = append(texts, m.Sender+":"+m.Text)
	}
	assert.Equal(t, []string{"human:first", "assistant:dangling", "human:second"}, texts)
}

func TestSendTurnWriteFailureLeavesTranscriptClean(t *testing.T) {
	srv := scriptedServer(t, func(types.ChatRequest) []types.StreamChunk { return nil })

	c := New(Config{ServerURL: srv.URL, PrincipalID: "teacher-1", ClassID: "class-1"})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	// Kill the socket underneath the consumer so the next write fails.
	c.mu.Lock()
	require.NoError(t, c.conn.Close())
	c.mu.Unlock()

	err := c.SendTurn("Hi", nil, nil)
	require.Error(t, err)
	assert.Empty(t, c.Messages(), "a turn the server never received must not appear in the transcript")
}

func TestConnectTwiceFails(t *testing.T) {
	srv := scriptedServer(t, func(types.ChatRequest) []types.StreamChunk { return nil })

	c := New(Config{ServerURL: srv.URL, PrincipalID: "teacher-1"})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already connected"))
}

func TestDisconnectStopsReconnect(t *testing.T) {
	closed := make(chan struct{}, 1)
	srv := scriptedServer(t, func(types.ChatRequest) []types.StreamChunk { return nil })

	c := New(Config{
		ServerURL:         srv.URL,
		PrincipalID:       "teacher-1",
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
		OnClose:           func() { closed <- struct{}{} },
	})
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnClose after Disconnect")
	}

	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.IsConnected(), "an intentional close must not reconnect")
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	var mu sync.Mutex
	dials := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()

		if first {
			// Kill the first connection to trigger client-side recovery.
			_ = ws.Close()
			return
		}
		for {
			var req types.ChatRequest
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Config{
		ServerURL:         srv.URL,
		PrincipalID:       "teacher-1",
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2 && c.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)
}
