package gateway

import (
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

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []dispatchedRequest
	closed   []string
}

type dispatchedRequest struct {
	connectionID string
	principalID  string
	req          types.ChatRequest
}

func (d *recordingDispatcher) HandleTurnRequest(connectionID, principalID string, req *types.ChatRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, dispatchedRequest{connectionID, principalID, *req})
}

func (d *recordingDispatcher) ConnectionClosed(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, connectionID)
}

func (d *recordingDispatcher) dispatched() []dispatchedRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatchedRequest, len(d.requests))
	copy(out, d.requests)
	return out
}

func (d *recordingDispatcher) closedConnections() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.closed))
	copy(out, d.closed)
	return out
}

func newTestGateway(t *testing.T) (*httptest.Server, *Registry, *recordingDispatcher) {
	t.Helper()
	registry := NewRegistry()
	dispatcher := &recordingDispatcher{}
	handler := NewHandler(registry, dispatcher, 10)

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv, registry, dispatcher
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server, principalID string) *websocket.Conn {
	t.Helper()
	header := http.Header{"X-Principal-Id": []string{principalID}}
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestHandleWebSocketRejectsMissingPrincipal(t *testing.T) {
	srv, _, _ := newTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWebSocketRejectsInvalidPrincipal(t *testing.T) {
	srv, _, _ := newTestGateway(t)

	header := http.Header{"X-Principal-Id": []string{"has space"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWebSocketAcceptsQueryPrincipal(t *testing.T) {
	srv, registry, _ := newTestGateway(t)

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?principal_id=teacher-1", nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = ws.Close() }()

	assert.Eventually(t, func() bool {
		return registry.Stats()["connections"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboundRequestDispatchedWithPrincipalOverride(t *testing.T) {
	srv, _, dispatcher := newTestGateway(t)
	ws := dial(t, srv, "teacher-1")

	// The body claims a different teacher; the bound principal must win.
	err := ws.WriteJSON(types.ChatRequest{
		Message:   "Hi",
		ClassID:   "class-1",
		TeacherID: "someone-else",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(dispatcher.dispatched()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := dispatcher.dispatched()[0]
	assert.Equal(t, "teacher-1", got.principalID)
	assert.Equal(t, "teacher-1", got.req.TeacherID)
	assert.Equal(t, "Hi", got.req.Message)
	assert.NotEmpty(t, got.connectionID)
}

func TestMalformedInboundMessageReportsErrorAndKeepsChannel(t *testing.T) {
	srv, _, dispatcher := newTestGateway(t)
	ws := dial(t, srv, "teacher-1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var chunk types.StreamChunk
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&chunk))
	assert.Equal(t, "malformed request", chunk.Error)

	// The channel survives: a well-formed request still goes through.
	require.NoError(t, ws.WriteJSON(types.ChatRequest{Message: "Hi", ClassID: "c1"}))
	require.Eventually(t, func() bool {
		return len(dispatcher.dispatched()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectNotifiesDispatcherAndUnregisters(t *testing.T) {
	srv, registry, dispatcher := newTestGateway(t)
	ws := dial(t, srv, "teacher-1")

	require.Eventually(t, func() bool {
		return registry.Stats()["connections"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		return len(dispatcher.closedConnections()) == 1 && registry.Stats()["connections"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}
