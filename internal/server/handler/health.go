package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Pinger is a backend the health check pings, e.g. Redis or PostgreSQL.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	feed     func() domain.FeedHealth
	backends map[string]Pinger
	logger   *slog.Logger
}

// NewHealthHandler creates a HealthHandler. feed may be nil.
func NewHealthHandler(feed func() domain.FeedHealth, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{feed: feed, backends: make(map[string]Pinger), logger: logger}
}

// WithBackend adds a named dependency to ping on every check.
func (h *HealthHandler) WithBackend(name string, p Pinger) *HealthHandler {
	h.backends[name] = p
	return h
}

// HealthCheck reports liveness, the feed state and each backend. Any failed
// backend turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.feed != nil {
		body["feed"] = h.feed()
	}

	status := http.StatusOK
	if len(h.backends) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		names := make([]string, 0, len(h.backends))
		for name := range h.backends {
			names = append(names, name)
		}
		sort.Strings(names)

		backends := make(map[string]string, len(names))
		for _, name := range names {
			if err := h.backends[name].Ping(ctx); err != nil {
				logHandler(h.logger, "health").WarnContext(ctx, "backend unhealthy",
					slog.String("backend", name), slog.String("error", err.Error()))
				backends[name] = err.Error()
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				continue
			}
			backends[name] = "ok"
		}
		body["backends"] = backends
	}
	writeJSON(w, status, body)
}
