// =============================================================================
// HTTP API - OPERATIONS ENDPOINTS
// =============================================================================
//
// The data path is the TCP protocol. HTTP only serves what operators and
// scrapers need:
//
//   GET /health    liveness and readiness, 503 until ready or while stopping
//   GET /stats     ServerStats snapshot; JSON, or msgpack with ?format=msgpack
//
// /stats goes through the dispatch pipeline as a GetStats command, so it is
// ordered with every other shard-0 command.
//   GET /metrics   Prometheus exposition
//
// =============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"strata/internal/protocol"
	"strata/internal/stats"
)

// StatsSource produces the GetStats snapshot. *dispatch.Pipeline
// implements it.
type StatsSource interface {
	Stats(ctx context.Context) (stats.ServerStats, error)
}

// Server is the HTTP API server.
type Server struct {
	stats      StatsSource
	metrics    http.Handler
	health     *HealthState
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "127.0.0.1:3000",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates the API server. A nil metrics handler leaves /metrics
// unregistered; a nil health state is treated as always ready.
func NewServer(source StatsSource, metrics http.Handler, health *HealthState, config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = NewHealthState()
		health.SetReady(true)
	}

	r := chi.NewRouter()

	s := &Server{
		stats:   source,
		metrics: metrics,
		health:  health,
		router:  r,
		logger:  logger.With("component", "http"),
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// loggingMiddleware logs each request at debug level; scrapes hit this every
// few seconds.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start serves in the background.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP API server", "addr", s.httpServer.Addr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.health.IsLive() || !s.health.IsReady() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":    s.health.status(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "msgpack" {
		s.errorResponse(w, http.StatusBadRequest, "format must be json or msgpack")
		return
	}

	snapshot, err := s.stats.Stats(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, protocol.ErrRequestTimeout) || errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		s.errorResponse(w, status, "stats unavailable: "+err.Error())
		return
	}

	switch format {
	case "", "json":
		s.writeJSON(w, http.StatusOK, snapshot)
	case "msgpack":
		data, err := snapshot.MarshalBinary()
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "failed to encode stats: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/msgpack")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
