package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expirybot/internal/control"
	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/engine"
	"github.com/alanyoungcy/expirybot/internal/server/handler"
)

type fakeEngine struct {
	mu      sync.Mutex
	cfg     domain.EngineConfig
	running bool
	paused  []string
}

func (f *fakeEngine) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakeEngine) Stop(context.Context) ([]engine.StopReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return []engine.StopReport{{MarketID: "m1", State: domain.StateClosed}}, nil
}

func (f *fakeEngine) SetEntryThreshold(_ context.Context, v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, err := f.cfg.WithEntryThreshold(v)
	if err != nil {
		return err
	}
	f.cfg = cfg
	return nil
}

func (f *fakeEngine) SetProfitTarget(_ context.Context, v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, err := f.cfg.WithProfitMultiplier(v)
	if err != nil {
		return err
	}
	f.cfg = cfg
	return nil
}

func (f *fakeEngine) SetForcedExit(context.Context, time.Duration) error { return nil }

func (f *fakeEngine) SetPositionSize(context.Context, float64) error { return nil }

func (f *fakeEngine) ListPositions() []domain.PositionSummary {
	return []domain.PositionSummary{{MarketID: "m1", State: domain.StateOpen, EntryPrice: 0.03}}
}

func (f *fakeEngine) Stats() domain.TradingStats { return domain.TradingStats{TotalTrades: 2} }

func (f *fakeEngine) PauseMarket(_ context.Context, id string) error {
	if id != "m1" {
		return fmt.Errorf("engine: pause %s: %w", id, domain.ErrUnknownMarket)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeEngine) Status() domain.EngineHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.EngineHealth{Running: f.running, Mode: "paper", Config: f.cfg}
}

type denyAfter struct {
	mu    sync.Mutex
	calls int
	max   int
}

func (d *denyAfter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.calls <= d.max, nil
}

func newTestServer(t *testing.T, apiKey string, limiter domain.RateLimiter) (http.Handler, *fakeEngine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := &fakeEngine{cfg: domain.DefaultEngineConfig()}
	srv := NewServer(Config{APIKey: apiKey, RateLimit: 5}, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Engine:  handler.NewEngineHandler(eng, logger),
		History: handler.NewHistoryHandler(nil, nil, logger),
		Metrics: promhttp.Handler(),
	}, nil, limiter, logger)
	return srv.Handler(), eng
}

func do(h http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h, _ := newTestServer(t, "secret", nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/status", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/status", "", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", "", "secret").Code)
}

func TestAuthBearerAndErrorBody(t *testing.T) {
	h, _ := newTestServer(t, "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Basic secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"operator key required"}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestStartStopAndStatus(t *testing.T) {
	h, eng := newTestServer(t, "", nil)

	rec := do(h, http.MethodPost, "/api/engine/start", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.running)

	rec = do(h, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res control.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Health)
	assert.True(t, res.Health.Running)

	rec = do(h, http.MethodPost, "/api/engine/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"market_id":"m1"`)
	assert.False(t, eng.running)
}

func TestSetEntryThreshold(t *testing.T) {
	h, eng := newTestServer(t, "", nil)

	rec := do(h, http.MethodPut, "/api/config/entry-threshold", `{"value":0.04}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.04, eng.Status().Config.EntryThresholdPct, 1e-9)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/api/config/entry-threshold", `{"value":-1}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/api/config/entry-threshold", `{}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/api/config/entry-threshold", `nope`, "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/api/config/entry-threshold", "", "").Code)
}

func TestPauseMarket(t *testing.T) {
	h, eng := newTestServer(t, "", nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/markets/m1/pause", "", "").Code)
	assert.Equal(t, []string{"m1"}, eng.paused)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/markets/zzz/pause", "", "").Code)
}

func TestHistoryDisabled(t *testing.T) {
	h, _ := newTestServer(t, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/api/audit", "", "").Code)
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestServer(t, "", &denyAfter{max: 2})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions", "", "").Code)
	rec := do(h, http.MethodGet, "/api/positions", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestServer(t, "secret", nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterErrorFailsOpen(t *testing.T) {
	h, _ := newTestServer(t, "", failingLimiter{})
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions", "", "").Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, fmt.Errorf("redis down: %w", domain.ErrNotFound)
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{CORSOrigins: []string{"https://dash.example"}}, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Engine:  handler.NewEngineHandler(&fakeEngine{cfg: domain.DefaultEngineConfig()}, logger),
		History: handler.NewHistoryHandler(nil, nil, logger),
	}, nil, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}
