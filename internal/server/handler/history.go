package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// HistoryHandler serves persisted positions and the audit log. Either store
// may be nil when persistence is disabled.
type HistoryHandler struct {
	journal domain.PositionJournal
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(journal domain.PositionJournal, audit domain.AuditStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{journal: journal, audit: audit, logger: logHandler(logger, "history")}
}

type auditEntryResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// ListPositions returns recently journaled positions.
// GET /api/positions/history?limit=50&offset=0
func (h *HistoryHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "position journal disabled")
		return
	}
	positions, err := h.journal.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list journal failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	out := make([]domain.PositionSummary, 0, len(positions))
	for i := range positions {
		out = append(out, positions[i].Summary("", time.Time{}))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?limit=50&since=2026-01-01T00:00:00Z
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log disabled")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
