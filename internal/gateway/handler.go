package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coteacher/internal/logger"
	"coteacher/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy belongs to the deployment edge, not the core.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// TurnDispatcher receives inbound turn requests and connection lifecycle
// events from the gateway. Implemented by the streaming session manager.
type TurnDispatcher interface {
	// HandleTurnRequest starts (or preempts into) a streaming turn for the
	// connection. Must not block the caller's read loop.
	HandleTurnRequest(connectionID, principalID string, req *types.ChatRequest)

	// ConnectionClosed aborts any in-flight turn for the connection.
	ConnectionClosed(connectionID string)
}

// Handler accepts duplex channels and pumps inbound messages to the
// dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher TurnDispatcher
	sendBuffer int
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *Registry, dispatcher TurnDispatcher, sendBuffer int) *Handler {
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		sendBuffer: sendBuffer,
	}
}

// HandleWebSocket upgrades a channel open request. The principal must already
// be authenticated by the upstream identity layer; the gateway trusts the
// supplied identifier and rejects the open when none is attached.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principalID := r.Header.Get("X-Principal-Id")
	if principalID == "" {
		principalID = r.URL.Query().Get("principal_id")
	}
	if !types.IsValidPrincipalID(principalID) {
		http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(ws, uuid.New().String(), principalID, h.sendBuffer)
	if err := h.registry.Register(conn); err != nil {
		logger.L.Error("failed to register connection", "error", err)
		_ = conn.Close()
		return
	}

	logger.L.Info("channel opened", "connection", conn.ID(), "principal", principalID)
	go h.readLoop(conn)
}

// readLoop pumps inbound messages until the channel closes, then tears the
// connection down and aborts any in-flight turn.
func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.dispatcher.ConnectionClosed(conn.ID())
		h.registry.Unregister(conn)
		_ = conn.Close()
		logger.L.Info("channel closed", "connection", conn.ID(), "principal", conn.PrincipalID())
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}

		var req types.ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.L.Warn("dropping malformed inbound message", "connection", conn.ID(), "error", err)
			_ = conn.WriteJSON(types.StreamChunk{Error: "malformed request"})
			continue
		}

		// Tenant isolation is enforced here: the principal bound at channel
		// open wins over whatever teacherId the request body claims.
		req.TeacherID = conn.PrincipalID()

		h.dispatcher.HandleTurnRequest(conn.ID(), conn.PrincipalID(), &req)
	}
}
