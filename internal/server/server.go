// Package server is the HTTP control surface: engine commands, status,
// history, metrics and a WebSocket event feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/server/handler"
	"github.com/alanyoungcy/expirybot/internal/server/middleware"
	"github.com/alanyoungcy/expirybot/internal/server/ws"
)

// publicPaths skip API-key auth and log at debug.
var publicPaths = []string{"/api/health", "/metrics"}

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Engine  *handler.EngineHandler
	History *handler.HistoryHandler
	// Metrics serves the Prometheus registry. Optional.
	Metrics http.Handler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limit) and attaches the
// WebSocket hub. limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Engine status and commands.
	mux.HandleFunc("GET /api/status", handlers.Engine.GetStatus)
	mux.HandleFunc("GET /api/stats", handlers.Engine.GetStats)
	mux.HandleFunc("GET /api/positions", handlers.Engine.ListPositions)
	mux.HandleFunc("POST /api/engine/start", handlers.Engine.Start)
	mux.HandleFunc("POST /api/engine/stop", handlers.Engine.Stop)
	mux.HandleFunc("PUT /api/config/entry-threshold", handlers.Engine.SetEntryThreshold)
	mux.HandleFunc("PUT /api/config/profit-target", handlers.Engine.SetProfitTarget)
	mux.HandleFunc("PUT /api/config/forced-exit", handlers.Engine.SetForcedExit)
	mux.HandleFunc("PUT /api/config/position-size", handlers.Engine.SetPositionSize)
	mux.HandleFunc("POST /api/markets/{id}/pause", handlers.Engine.PauseMarket)

	// History.
	if handlers.History != nil {
		mux.HandleFunc("GET /api/positions/history", handlers.History.ListPositions)
		mux.HandleFunc("GET /api/audit", handlers.History.ListAudit)
	}

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Second, logger)(h)
	}
	h = middleware.Logging(logger, publicPaths...)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
