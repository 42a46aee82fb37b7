package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"tickstream/internal/journal"
	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Hub is the part of the fan-out server the admin API reads and drives
type Hub interface {
	Stats() types.ConnectionStats
	TopicSizes() map[string]int
	Sessions() []types.SessionInfo
	Session(id string) (types.SessionInfo, bool)
	Disconnect(id string) bool
	Broadcast(topic, event string, data interface{}) int
}

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EventStore serves recorded connection lifecycle events
type EventStore interface {
	ConnectionEvents(ctx context.Context, connectionID string, limit int) ([]journal.ConnectionEvent, error)
}

// Server is the HTTP surface: admin JSON endpoints, Prometheus metrics and
// the WebSocket upgrade route. It holds no state of its own.
type Server struct {
	hub       Hub
	checks    map[string]HealthChecker
	events    EventStore
	metrics   http.Handler
	websocket http.Handler
	operators interfaces.TokenValidator
	operator  string
	validate  *validator.Validate
	started   time.Time
	logger    zerolog.Logger
	router    *mux.Router
}

// Option wires an optional component into the server
type Option func(*Server)

// WithHealthCheck adds a named dependency to /health
func WithHealthCheck(name string, checker HealthChecker) Option {
	return func(s *Server) { s.checks[name] = checker }
}

// WithEventStore enables /api/connections/{id}/events and /api/events
func WithEventStore(store EventStore) Option {
	return func(s *Server) { s.events = store }
}

// WithMetricsHandler mounts a Prometheus handler on /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithWebSocketHandler mounts the upgrade handler on /ws
func WithWebSocketHandler(h http.Handler) Option {
	return func(s *Server) { s.websocket = h }
}

// WithOperatorAuth requires a bearer token whose subject is subject for
// publish and disconnect. Without it, disconnect is refused and publish is
// limited to topics the server does not own.
func WithOperatorAuth(v interfaces.TokenValidator, subject string) Option {
	return func(s *Server) {
		s.operators = v
		s.operator = subject
	}
}

// NewServer builds the router over the hub
func NewServer(hub Hub, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		hub:      hub,
		checks:   make(map[string]HealthChecker),
		validate: validator.New(),
		started:  time.Now(),
		logger:   logger.With().Str("component", "api").Logger(),
		router:   mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.websocket != nil {
		s.router.Handle("/ws", s.websocket)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.corsMiddleware, s.jsonMiddleware)
	api.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)
	api.HandleFunc("/topics", s.listTopics).Methods(http.MethodGet)
	api.HandleFunc("/connections", s.listConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", s.getConnection).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", s.closeConnection).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{id}/events", s.connectionEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", s.connectionEvents).Methods(http.MethodGet)
	api.HandleFunc("/publish", s.publish).Methods(http.MethodPost)
	api.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Components  map[string]string `json:"components"`
	Connections int64             `json:"connections"`
	Topics      int               `json:"topics"`
}

type TopicsResponse struct {
	Topics map[string]int `json:"topics"`
	Count  int            `json:"count"`
}

type ConnectionsResponse struct {
	Connections []types.SessionInfo `json:"connections"`
	Count       int                 `json:"count"`
}

type EventsResponse struct {
	Events []journal.ConnectionEvent `json:"events"`
}

// PublishRequest is an operator broadcast
type PublishRequest struct {
	Topic string          `json:"topic" validate:"required,max=128"`
	Event string          `json:"event" validate:"omitempty,max=64"`
	Data  json.RawMessage `json:"data"`
}

type PublishResponse struct {
	Delivered int `json:"delivered"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health reports 503 when any registered dependency fails its check
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]string{"hub": "healthy"}
	for name, checker := range s.checks {
		if err := checker.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			components[name] = fmt.Sprintf("error: %v", err)
			continue
		}
		components[name] = "healthy"
	}

	stats := s.hub.Stats()
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Components:  components,
		Connections: stats.ActiveConnections,
		Topics:      stats.ActiveTopics,
	})
}

// GET /api/stats
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Stats())
}

// GET /api/topics
func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	sizes := s.hub.TopicSizes()
	s.writeJSON(w, http.StatusOK, TopicsResponse{Topics: sizes, Count: len(sizes)})
}

// GET /api/connections
func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	sessions := s.hub.Sessions()
	s.writeJSON(w, http.StatusOK, ConnectionsResponse{Connections: sessions, Count: len(sessions)})
}

// GET /api/connections/{id}
func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := s.hub.Session(id)
	if !ok {
		s.sendError(w, "Connection not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// DELETE /api/connections/{id}
func (s *Server) closeConnection(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeOperator(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	if !s.hub.Disconnect(id) {
		s.sendError(w, "Connection not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Connection closed"})
}

// GET /api/events and /api/connections/{id}/events?limit=N
func (s *Server) connectionEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.sendError(w, "Journal is disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			s.sendError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.events.ConnectionEvents(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read connection events")
		s.sendError(w, "Failed to read connection events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []journal.ConnectionEvent{}
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

// POST /api/publish fans a payload out through the producer API.
// Server-owned topics need an operator token.
func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	if s.operators != nil && !s.authorizeOperator(w, r) {
		return
	}
	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, types.MaxPayloadBytes)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !types.IsValidTopic(req.Topic) {
		s.sendError(w, "Invalid topic", http.StatusBadRequest)
		return
	}
	if s.operators == nil && types.IsServerOwned(req.Topic) {
		s.sendError(w, "Topic is owned by the server", http.StatusForbidden)
		return
	}
	if req.Event == "" {
		req.Event = types.EventMessage
	}

	delivered := s.hub.Broadcast(req.Topic, req.Event, req.Data)
	s.logger.Debug().Str("topic", req.Topic).Str("event", req.Event).Int("delivered", delivered).Msg("Operator publish")
	s.writeJSON(w, http.StatusOK, PublishResponse{Delivered: delivered})
}

// authorizeOperator writes the rejection and returns false unless the
// request carries a valid operator token
func (s *Server) authorizeOperator(w http.ResponseWriter, r *http.Request) bool {
	if s.operators == nil {
		s.sendError(w, "Operator authentication is not configured", http.StatusForbidden)
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		s.sendError(w, "Operator token required", http.StatusUnauthorized)
		return false
	}
	subject, err := s.operators.Validate(strings.TrimSpace(token))
	if err != nil || subject != s.operator {
		s.logger.Warn().Err(err).Str("subject", subject).Str("path", r.URL.Path).Msg("Rejected operator request")
		s.sendError(w, "Operator token required", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware allows browser dashboards on any origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
