package api

import (
	"encoding/json"
	"net/http"
	"time"

	"coteacher/internal/history"
	"coteacher/internal/logger"
	"coteacher/pkg/types"
)

// Registry exposes the connection statistics the health endpoint reports.
type Registry interface {
	Stats() map[string]int
}

// StreamStats exposes in-flight stream counts for the health endpoint.
type StreamStats interface {
	ActiveStreams() int
}

// Server is the read-only HTTP surface: history queries and health. It holds
// no business logic, only HTTP handling and JSON serialization.
type Server struct {
	store    history.Store
	registry Registry
	streams  StreamStats
	router   *http.ServeMux
}

// NewServer creates the API server and sets up routing.
func NewServer(store history.Store, registry Registry, streams StreamStats) *Server {
	s := &Server{
		store:    store,
		registry: registry,
		streams:  streams,
		router:   http.NewServeMux(),
	}

	s.router.Handle("/api/history", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleHistory))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HistoryRequest is the history fetch payload. TeacherID is the principal
// whose log is read; session and class narrow the result; PageToken resumes
// a prior page.
type HistoryRequest struct {
	TeacherID string `json:"teacherId"`
	ClassID   string `json:"classId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryResponse carries one ascending page of turns.
type HistoryResponse struct {
	Turns         []*types.Turn `json:"turns"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}

// HealthResponse reports component liveness and connection statistics.
type HealthResponse struct {
	Status        string         `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	Connections   map[string]int `json:"connections"`
	ActiveStreams int            `json:"active_streams"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.queryHistory(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) queryHistory(w http.ResponseWriter, r *http.Request) {
	var req HistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if !types.IsValidPrincipalID(req.TeacherID) {
		s.sendError(w, "teacherId is required", http.StatusBadRequest)
		return
	}
	if req.Limit < 0 {
		s.sendError(w, "limit cannot be negative", http.StatusBadRequest)
		return
	}

	turns, nextToken, err := s.store.QueryByPrincipal(r.Context(), req.TeacherID, history.Query{
		SessionID: req.SessionID,
		ClassID:   req.ClassID,
		Limit:     req.Limit,
		PageToken: req.PageToken,
	})
	if err != nil {
		logger.L.Error("history query failed", "principal", req.TeacherID, "error", err)
		s.sendError(w, "Failed to query history", http.StatusInternalServerError)
		return
	}

	if turns == nil {
		turns = []*types.Turn{}
	}
	s.sendJSON(w, HistoryResponse{Turns: turns, NextPageToken: nextToken}, http.StatusOK)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendJSON(w, HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now(),
		Connections:   s.registry.Stats(),
		ActiveStreams: s.streams.ActiveStreams(),
	}, http.StatusOK)
}

func (s *Server) sendJSON(w http.ResponseWriter, v interface{}, status int) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, ErrorResponse{Error: message, Code: code}, code)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
