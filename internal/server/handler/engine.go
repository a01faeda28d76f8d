package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/expirybot/internal/control"
)

// EngineHandler exposes the operator commands over HTTP. Every request goes
// through control.Dispatch, the same path chat commands take.
type EngineHandler struct {
	ctrl   control.Controller
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(ctrl control.Controller, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{ctrl: ctrl, logger: logHandler(logger, "engine")}
}

// valueRequest is the body of the PUT /api/config/* endpoints.
type valueRequest struct {
	Value *float64 `json:"value"`
}

// GetStatus GET /api/status
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, control.Status{})
}

// ListPositions GET /api/positions
func (h *EngineHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, control.ListPositions{})
}

// GetStats GET /api/stats
func (h *EngineHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, control.Stats{})
}

// Start POST /api/engine/start
func (h *EngineHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, control.Start{})
}

// Stop flattens every position before answering.
// POST /api/engine/stop
func (h *EngineHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, control.Stop{})
}

// SetEntryThreshold PUT /api/config/entry-threshold {"value": 0.03}
func (h *EngineHandler) SetEntryThreshold(w http.ResponseWriter, r *http.Request) {
	v, ok := h.decodeValue(w, r)
	if !ok {
		return
	}
	h.run(w, r, control.SetEntryThreshold{Value: v})
}

// SetProfitTarget takes the multiplier applied to the entry price.
// PUT /api/config/profit-target {"value": 2}
func (h *EngineHandler) SetProfitTarget(w http.ResponseWriter, r *http.Request) {
	v, ok := h.decodeValue(w, r)
	if !ok {
		return
	}
	h.run(w, r, control.SetProfitTarget{Multiplier: v})
}

// SetForcedExit PUT /api/config/forced-exit {"value": 25} (seconds)
func (h *EngineHandler) SetForcedExit(w http.ResponseWriter, r *http.Request) {
	v, ok := h.decodeValue(w, r)
	if !ok {
		return
	}
	h.run(w, r, control.SetForcedExit{Lead: time.Duration(v * float64(time.Second))})
}

// SetPositionSize PUT /api/config/position-size {"value": 10}
func (h *EngineHandler) SetPositionSize(w http.ResponseWriter, r *http.Request) {
	v, ok := h.decodeValue(w, r)
	if !ok {
		return
	}
	h.run(w, r, control.SetPositionSize{USD: v})
}

// PauseMarket POST /api/markets/{id}/pause
func (h *EngineHandler) PauseMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "market id required")
		return
	}
	h.run(w, r, control.PauseMarket{MarketID: id})
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (h *EngineHandler) decodeValue(w http.ResponseWriter, r *http.Request) (float64, bool) {
	var req valueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return 0, false
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return 0, false
	}
	return *req.Value, true
}

func (h *EngineHandler) run(w http.ResponseWriter, r *http.Request, cmd control.Command) {
	ctx := r.Context()
	if _, ok := cmd.(control.Stop); ok {
		// Flattening must finish even if the client goes away.
		ctx = context.WithoutCancel(ctx)
	}
	res, err := control.Dispatch(ctx, h.ctrl, cmd)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "command failed",
				slog.String("command", cmd.Name()),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
