// Package engine runs one actor goroutine per tracked market. Feed ticks and
// a safety timer wake the actors; each actor owns its market's position and
// drives it through entry, exit and retirement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/feed"
)

// ErrIneligible is returned by AddMarket for records the engine cannot trade.
var ErrIneligible = errors.New("engine: market ineligible")

// Feed is the market-data view the engine reads.
type Feed interface {
	Subscribe(ctx context.Context, tokens []string) error
	Unsubscribe(ctx context.Context, tokens []string) error
	Current(token string) (domain.OrderbookState, bool)
	StalenessSince(token string, now time.Time) time.Duration
	Snapshot(ctx context.Context, token string) (domain.OrderbookState, error)
	Health() domain.FeedHealth
}

// Executor places and cancels orders. Cancel reports the order's final
// fill and fails when the order may still execute.
type Executor interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	Exit(ctx context.Context, req domain.OrderRequest, bid, secondsRemaining float64) (domain.OrderResult, error)
	Emergency(ctx context.Context, req domain.OrderRequest, bid, secondsRemaining float64) (domain.OrderResult, error)
	Cancel(ctx context.Context, orderID string) (domain.OrderFill, error)
}

// Observer receives engine counters, typically for metrics.
type Observer interface {
	ExitDecided(reason domain.ExitReason)
	PositionFinished(p domain.Position)
	EvaluationPanic()
	SetOpenPositions(n int)
	SetMarkets(n int)
}

// EventSink consumes trade events. Sinks run on the engine's event
// goroutine, never on a market actor.
type EventSink interface {
	HandleTradeEvent(ctx context.Context, ev domain.TradeEvent) error
}

type nopObserver struct{}

func (nopObserver) ExitDecided(domain.ExitReason)   {}
func (nopObserver) PositionFinished(domain.Position) {}
func (nopObserver) EvaluationPanic()                 {}
func (nopObserver) SetOpenPositions(int)             {}
func (nopObserver) SetMarkets(int)                   {}

// StopReport is one market's answer to a stop request.
type StopReport struct {
	MarketID string               `json:"market_id"`
	State    domain.PositionState `json:"state"`
	Err      error                `json:"-"`
}

// Options wires the engine's collaborators. Settings, Feed, Ticks and
// Executor are required.
type Options struct {
	Settings *Settings
	Feed     Feed
	Ticks    *feed.Coalescer
	Executor Executor
	Journal  domain.PositionJournal
	Audit    domain.AuditStore
	Observer Observer
	Sinks    []EventSink
	Mode     string
	// Interval is the safety timer period. Defaults to one second.
	Interval time.Duration
	Now      func() time.Time
}

// Engine coordinates the market actors.
type Engine struct {
	settings *Settings
	feed     Feed
	ticks    *feed.Coalescer
	exec     Executor
	journal  domain.PositionJournal
	audit    domain.AuditStore
	observer Observer
	sinks    []EventSink
	mode     string
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	running   atomic.Bool
	startedAt atomic.Int64
	live      atomic.Int64

	mu      sync.RWMutex
	ctx     context.Context
	markets map[string]*actor
	tokens  map[string]*actor
	paused  map[string]bool
	wg      sync.WaitGroup

	stats  statsTracker
	events chan domain.TradeEvent
}

// New creates an engine. Call Run to start the actors and Start to allow
// entries.
func New(opts Options, logger *slog.Logger) *Engine {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mode == "" {
		opts.Mode = "paper"
	}
	return &Engine{
		settings: opts.Settings,
		feed:     opts.Feed,
		ticks:    opts.Ticks,
		exec:     opts.Executor,
		journal:  opts.Journal,
		audit:    opts.Audit,
		observer: opts.Observer,
		sinks:    opts.Sinks,
		mode:     opts.Mode,
		interval: opts.Interval,
		now:      opts.Now,
		logger:   logger.With(slog.String("component", "engine")),
		markets:  make(map[string]*actor),
		tokens:   make(map[string]*actor),
		paused:   make(map[string]bool),
		events:   make(chan domain.TradeEvent, 256),
	}
}

// Config returns the current configuration snapshot.
func (e *Engine) Config() domain.EngineConfig { return e.settings.Load() }

// Running reports whether entries are allowed.
func (e *Engine) Running() bool { return e.running.Load() }

// Run dispatches ticks, drives the safety timer and delivers events until
// ctx is cancelled. Markets added before Run get their actors here.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return errors.New("engine: already running")
	}
	e.ctx = ctx
	for _, a := range e.markets {
		e.spawn(a)
	}
	e.mu.Unlock()

	e.logger.Info("engine loop started", slog.String("mode", e.mode))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatchTicks(gctx) })
	g.Go(func() error { return e.safetyTimer(gctx) })
	g.Go(func() error { return e.deliverEvents(gctx) })
	err := g.Wait()

	e.wg.Wait()
	e.logger.Info("engine loop stopped")
	return err
}

func (e *Engine) dispatchTicks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ticks.Ready():
			for _, t := range e.ticks.Drain() {
				e.mu.RLock()
				a := e.tokens[t.Token]
				e.mu.RUnlock()
				if a != nil {
					a.signal()
				}
			}
		}
	}
}

func (e *Engine) safetyTimer(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.mu.RLock()
			for _, a := range e.markets {
				a.signal()
			}
			e.mu.RUnlock()
		}
	}
}

func (e *Engine) deliverEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			for _, s := range e.sinks {
				if err := s.HandleTradeEvent(ctx, ev); err != nil {
					e.logger.Warn("event sink failed",
						slog.String("event", string(ev.Kind)),
						slog.String("market", ev.MarketID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// emit queues ev for the sinks. Info events are dropped when the queue is
// full; critical events wait for room.
func (e *Engine) emit(ctx context.Context, ev domain.TradeEvent) {
	select {
	case e.events <- ev:
		return
	default:
	}
	if ev.Severity != domain.SeverityCritical {
		e.logger.Warn("event queue full, dropping event", slog.String("event", string(ev.Kind)), slog.String("market", ev.MarketID))
		return
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
		e.logger.Error("critical event lost on shutdown", slog.String("market", ev.MarketID))
	}
}

// AddMarket starts tracking m. Ineligible or already expired records return
// ErrIneligible; a known market returns domain.ErrAlreadyExists.
func (e *Engine) AddMarket(ctx context.Context, m domain.Market) error {
	if !m.Eligible() || m.Expired(e.now()) {
		return fmt.Errorf("%w: %s", ErrIneligible, m.ID)
	}

	e.mu.Lock()
	if _, ok := e.markets[m.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: add market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	a := newActor(e, m)
	a.paused.Store(e.paused[m.ID])
	e.markets[m.ID] = a
	for _, t := range m.Tokens() {
		e.tokens[t] = a
	}
	if e.ctx != nil {
		e.spawn(a)
	}
	n := len(e.markets)
	e.mu.Unlock()

	e.observer.SetMarkets(n)
	if err := e.feed.Subscribe(ctx, m.Tokens()); err != nil {
		e.logger.Warn("subscribe failed, feed will resubscribe on reconnect", slog.String("market", m.ID), slog.String("error", err.Error()))
	}
	e.logger.Info("market added",
		slog.String("market", m.ID),
		slog.String("question", m.Question),
		slog.Time("expiry", m.Expiry),
	)
	return nil
}

// spawn must be called with e.mu held and e.ctx set.
func (e *Engine) spawn(a *actor) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		a.run(e.ctx)
	}()
	a.signal()
}

// retire drops a finished market and unsubscribes its tokens.
func (e *Engine) retire(a *actor) {
	e.mu.Lock()
	delete(e.markets, a.market.ID)
	for _, t := range a.market.Tokens() {
		if e.tokens[t] == a {
			delete(e.tokens, t)
		}
	}
	delete(e.paused, a.market.ID)
	n := len(e.markets)
	e.mu.Unlock()

	e.observer.SetMarkets(n)
	ctx, cancel := context.WithTimeout(context.Background(), e.Config().CallTimeout)
	defer cancel()
	if err := e.feed.Unsubscribe(ctx, a.market.Tokens()); err != nil {
		e.logger.Warn("unsubscribe failed", slog.String("market", a.market.ID), slog.String("error", err.Error()))
	}
	pos := a.m.Position()
	e.auditLog(ctx, "market_retired", map[string]any{
		"market": a.market.ID,
		"state":  string(pos.State),
		"pnl":    pos.RealizedPnL,
	})
	e.logger.Info("market retired", slog.String("market", a.market.ID), slog.String("state", string(pos.State)))
}

// PauseMarket blocks new entries on id. Exits keep running.
func (e *Engine) PauseMarket(ctx context.Context, id string) error {
	e.mu.Lock()
	a, ok := e.markets[id]
	if ok {
		e.paused[id] = true
		a.paused.Store(true)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: pause %s: %w", id, domain.ErrUnknownMarket)
	}
	e.auditLog(ctx, "market_paused", map[string]any{"market": id})
	e.logger.Info("market paused", slog.String("market", id))
	return nil
}

// IsTracked reports whether id has an actor.
func (e *Engine) IsTracked(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.markets[id]
	return ok
}

// Start allows new entries.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return nil
	}
	e.startedAt.Store(e.now().UnixNano())
	e.auditLog(ctx, "engine_started", map[string]any{"mode": e.mode})
	e.logger.Info("engine started", slog.String("mode", e.mode))
	return nil
}

// Stop blocks entries, asks every actor to flatten its position and waits
// for each report. Actors flatten in parallel. A market that has not
// answered when ctx ends is reported with its last known state and the
// context error; the others are still collected. Actors keep monitoring
// their markets afterwards.
func (e *Engine) Stop(ctx context.Context) ([]StopReport, error) {
	e.running.Store(false)

	e.mu.RLock()
	actors := make([]*actor, 0, len(e.markets))
	for _, a := range e.markets {
		actors = append(actors, a)
	}
	started := e.ctx != nil
	e.mu.RUnlock()

	reports := make([]StopReport, len(actors))
	var wg sync.WaitGroup
	for i, a := range actors {
		if !started {
			reports[i] = StopReport{MarketID: a.market.ID, State: a.m.State()}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := a.stop(ctx)
			if err != nil {
				r = StopReport{
					MarketID: a.market.ID,
					State:    a.lastState(),
					Err:      fmt.Errorf("no report before deadline: %w", err),
				}
			}
			reports[i] = r
		}()
	}
	wg.Wait()

	var errs []error
	for _, r := range reports {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.MarketID, r.Err))
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].MarketID < reports[j].MarketID })

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.Config().CallTimeout)
	defer cancel()
	e.auditLog(actx, "engine_stopped", map[string]any{"markets": len(reports), "errors": len(errs)})
	e.logger.Info("engine stopped", slog.Int("markets", len(reports)), slog.Int("errors", len(errs)))
	return reports, errors.Join(errs...)
}

// SetEntryThreshold changes the maximum entry ask.
func (e *Engine) SetEntryThreshold(ctx context.Context, v float64) error {
	return e.updateConfig(ctx, "entry_threshold_pct", v, func(c domain.EngineConfig) (domain.EngineConfig, error) {
		return c.WithEntryThreshold(v)
	})
}

// SetProfitTarget changes the profit multiplier applied to the entry price.
func (e *Engine) SetProfitTarget(ctx context.Context, v float64) error {
	return e.updateConfig(ctx, "profit_multiplier", v, func(c domain.EngineConfig) (domain.EngineConfig, error) {
		return c.WithProfitMultiplier(v)
	})
}

// SetForcedExit changes the forced exit lead time.
func (e *Engine) SetForcedExit(ctx context.Context, d time.Duration) error {
	return e.updateConfig(ctx, "forced_exit_seconds", d.Seconds(), func(c domain.EngineConfig) (domain.EngineConfig, error) {
		return c.WithForcedExit(d)
	})
}

// SetPositionSize changes the per-position USD budget.
func (e *Engine) SetPositionSize(ctx context.Context, usd float64) error {
	return e.updateConfig(ctx, "max_position_usd", usd, func(c domain.EngineConfig) (domain.EngineConfig, error) {
		return c.WithPositionSize(usd)
	})
}

func (e *Engine) updateConfig(ctx context.Context, key string, v float64, fn func(domain.EngineConfig) (domain.EngineConfig, error)) error {
	if _, err := e.settings.Update(fn); err != nil {
		e.logger.Warn("config change rejected", slog.String("key", key), slog.Float64("value", v), slog.String("error", err.Error()))
		return fmt.Errorf("engine: set %s: %w", key, err)
	}
	e.auditLog(ctx, "config_changed", map[string]any{"key": key, "value": v})
	e.logger.Info("config changed", slog.String("key", key), slog.Float64("value", v))
	return nil
}

// ListPositions returns every non-idle position, sorted by market.
func (e *Engine) ListPositions() []domain.PositionSummary {
	e.mu.RLock()
	out := make([]domain.PositionSummary, 0, len(e.markets))
	for _, a := range e.markets {
		if s := a.summary.Load(); s != nil && s.State != domain.StateIdle {
			out = append(out, *s)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// Stats returns realized trading statistics since process start.
func (e *Engine) Stats() domain.TradingStats { return e.stats.snapshot() }

// Status reports engine health.
func (e *Engine) Status() domain.EngineHealth {
	h := domain.EngineHealth{
		Running:       e.running.Load(),
		Mode:          e.mode,
		OpenPositions: int(e.live.Load()),
		Feed:          e.feed.Health(),
		Stats:         e.stats.snapshot(),
		Config:        e.settings.Load(),
	}
	if ns := e.startedAt.Load(); ns > 0 {
		h.StartedAt = time.Unix(0, ns)
	}

	e.mu.RLock()
	h.Markets = len(e.markets)
	for id, a := range e.markets {
		if a.attention.Load() {
			h.Attention = append(h.Attention, id)
		}
	}
	for id := range e.paused {
		h.Paused = append(h.Paused, id)
	}
	e.mu.RUnlock()
	sort.Strings(h.Attention)
	sort.Strings(h.Paused)
	return h
}

// reserveSlot claims one of the MaxConcurrentPositions slots.
func (e *Engine) reserveSlot(limit int) bool {
	for {
		n := e.live.Load()
		if n >= int64(limit) {
			return false
		}
		if e.live.CompareAndSwap(n, n+1) {
			e.observer.SetOpenPositions(int(n + 1))
			return true
		}
	}
}

func (e *Engine) releaseSlot() {
	e.observer.SetOpenPositions(int(e.live.Add(-1)))
}

func (e *Engine) record(ctx context.Context, pos domain.Position) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.Config().CallTimeout)
	defer cancel()
	if err := e.journal.Record(ctx, pos); err != nil {
		e.logger.Warn("journal write failed", slog.String("market", pos.MarketID), slog.String("error", err.Error()))
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("audit write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
