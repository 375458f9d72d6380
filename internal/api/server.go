package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"tripsync/internal/hub"
	"tripsync/internal/metrics"
	"tripsync/internal/registry"
	"tripsync/pkg/types"
)

// RoomDirectory is the read side of the room registry
type RoomDirectory interface {
	Rooms() []registry.RoomSummary
	GetStats() registry.Stats
}

// RosterSource lists the members of a room
type RosterSource interface {
	Roster(roomID string) []types.Member
	GetStats() map[string]int
}

// DispatcherStats reports dispatcher counters
type DispatcherStats interface {
	GetStats() hub.Stats
}

// HealthChecker is implemented by optional backends (access store, bridge)
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies wires the server to the rest of the process. Access and
// Bridge may be nil when those backends are disabled.
type Dependencies struct {
	WebSocket      http.Handler
	Rooms          RoomDirectory
	Sessions       RosterSource
	Dispatcher     DispatcherStats
	Access         HealthChecker
	Bridge         HealthChecker
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server is the HTTP surface: the websocket endpoint plus read-only
// operational routes
type Server struct {
	deps    Dependencies
	router  *chi.Mux
	started time.Time
	logger  *zap.Logger
}

func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		router:  chi.NewRouter(),
		started: time.Now(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         86400,
	}))
	s.router.Use(metrics.Middleware("tripsync", routePattern))

	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}
	s.router.Get("/health", s.healthCheck)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/rooms", func(r chi.Router) {
		r.Use(jsonMiddleware)
		r.Get("/", s.listRooms)
		r.Get("/{tripID}", s.getRoom)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routePattern labels request metrics with the matched route so trip IDs
// don't explode label cardinality
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type ListRoomsResponse struct {
	Rooms []registry.RoomSummary `json:"rooms"`
}

type RoomResponse struct {
	TripID  string         `json:"tripId"`
	Members []types.Member `json:"members"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Rooms      registry.Stats    `json:"rooms"`
	Sessions   map[string]int    `json:"sessions"`
	Dispatcher hub.Stats         `json:"dispatcher"`
	Components map[string]string `json:"components"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/rooms
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.deps.Rooms.Rooms()
	s.writeJSON(w, http.StatusOK, ListRoomsResponse{Rooms: rooms})
}

// GET /api/rooms/{tripID}
// Lists local members only.
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripID")
	if !types.IsValidTripID(tripID) {
		s.sendError(w, "Invalid trip ID", http.StatusBadRequest)
		return
	}

	members := s.deps.Sessions.Roster(tripID)
	if len(members) == 0 {
		s.sendError(w, "Room not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{TripID: tripID, Members: members})
}

// GET /health reports 503 when an enabled backend is unreachable or the
// dispatcher has stopped
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]string{}

	check := func(name string, c HealthChecker) {
		if c == nil {
			components[name] = "disabled"
			return
		}
		if err := c.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			components[name] = "error: " + err.Error()
			s.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			return
		}
		components[name] = "healthy"
	}
	check("access", s.deps.Access)
	check("bridge", s.deps.Bridge)

	response := HealthResponse{
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Components: components,
	}
	if s.deps.Rooms != nil {
		response.Rooms = s.deps.Rooms.GetStats()
	}
	if s.deps.Sessions != nil {
		response.Sessions = s.deps.Sessions.GetStats()
	}
	if s.deps.Dispatcher != nil {
		response.Dispatcher = s.deps.Dispatcher.GetStats()
		if !response.Dispatcher.Running {
			status = "unhealthy"
		}
	}
	response.Status = status

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
