package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/executor"
	"github.com/alanyoungcy/expirybot/internal/feed"
)

const wait = 2 * time.Second

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeFeed struct {
	mu      sync.Mutex
	books   map[string]domain.OrderbookState
	subs    map[string]bool
	panicOn map[string]bool
	stale   map[string]time.Duration
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		books:   map[string]domain.OrderbookState{},
		subs:    map[string]bool{},
		panicOn: map[string]bool{},
		stale:   map[string]time.Duration{},
	}
}

func (f *fakeFeed) setStale(token string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale[token] = d
}

func (f *fakeFeed) set(st domain.OrderbookState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[st.Token] = st
}

func (f *fakeFeed) subscribed(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[token]
}

func (f *fakeFeed) Subscribe(_ context.Context, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tokens {
		f.subs[t] = true
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tokens {
		delete(f.subs, t)
	}
	return nil
}

func (f *fakeFeed) Current(token string) (domain.OrderbookState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn[token] {
		panic("corrupt book for " + token)
	}
	st, ok := f.books[token]
	return st, ok
}

func (f *fakeFeed) StalenessSince(token string, _ time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale[token]
}

func (f *fakeFeed) Snapshot(_ context.Context, token string) (domain.OrderbookState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.books[token], nil
}

func (f *fakeFeed) Health() domain.FeedHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.FeedHealth{Connected: true, Tokens: len(f.subs)}
}

// fakeRouter fills buys at once. Sells fill too unless one of the switches
// says otherwise. Orders left on the book are tracked until cancelled, and
// the router reports fills the way the live venue does.
type fakeRouter struct {
	mu     sync.Mutex
	orders []domain.OrderRequest

	rejectSells bool
	// restExits leaves ordinary exit orders on the book unfilled. Emergency
	// orders still fill.
	restExits bool
	// sellCap fills at most this many shares of each sell.
	sellCap   float64
	sellDelay time.Duration
	cancelErr error

	resting map[string]float64
	filled  map[string]float64
	cancels int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{resting: map[string]float64{}, filled: map[string]float64{}}
}

func (r *fakeRouter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	r.mu.Lock()
	r.orders = append(r.orders, req)
	delay := r.sellDelay
	r.mu.Unlock()

	if req.Side == domain.OrderSideSell && delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.OrderResult{}, domain.NewError(domain.KindTransientNetwork, "post order", ctx.Err())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := "o-" + req.Key
	if req.Side == domain.OrderSideSell {
		switch {
		case r.rejectSells:
			return domain.OrderResult{}, domain.NewError(domain.KindRejectedOrder, "post order", errors.New("market closed"))
		case r.restExits && strings.HasPrefix(req.Key, "exit-"):
			r.resting[id] = req.Size
			r.filled[id] = 0
			return domain.OrderResult{OrderID: id, Status: domain.OrderStatusPending}, nil
		case r.sellCap > 0 && req.Size > r.sellCap:
			r.resting[id] = req.Size - r.sellCap
			r.filled[id] = r.sellCap
			return domain.OrderResult{OrderID: id, Status: domain.OrderStatusPartiallyFilled, FilledSize: r.sellCap, AvgPrice: req.Price}, nil
		}
	}
	r.filled[id] = req.Size
	return domain.OrderResult{OrderID: id, Status: domain.OrderStatusFilled, FilledSize: req.Size, AvgPrice: req.Price}, nil
}

func (r *fakeRouter) CancelOrder(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	if r.cancelErr != nil {
		return r.cancelErr
	}
	delete(r.resting, id)
	return nil
}

func (r *fakeRouter) OrderFill(_ context.Context, id string) (domain.OrderFill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, rests := r.resting[id]
	filled, done := r.filled[id]
	if !rests && !done {
		return domain.OrderFill{}, domain.ErrNotFound
	}
	return domain.OrderFill{OrderID: id, FilledSize: filled, Open: rests}, nil
}

func (r *fakeRouter) set(fn func(r *fakeRouter)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// fillResting executes size shares of every resting order, as a taker
// arriving between two evaluations would.
func (r *fakeRouter) fillResting(size float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, left := range r.resting {
		n := min(size, left)
		r.filled[id] += n
		if left -= n; left > 0 {
			r.resting[id] = left
		} else {
			delete(r.resting, id)
		}
	}
}

func (r *fakeRouter) restingSize() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	for _, left := range r.resting {
		total += left
	}
	return total
}

func (r *fakeRouter) count(side domain.OrderSide) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.orders {
		if o.Side == side {
			n++
		}
	}
	return n
}

func (r *fakeRouter) sells() []domain.OrderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OrderRequest
	for _, o := range r.orders {
		if o.Side == domain.OrderSideSell {
			out = append(out, o)
		}
	}
	return out
}

func (r *fakeRouter) emergencies() int {
	n := 0
	for _, o := range r.sells() {
		if strings.HasPrefix(o.Key, "emergency-") {
			n++
		}
	}
	return n
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.TradeEvent
}

func (s *fakeSink) HandleTradeEvent(_ context.Context, ev domain.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *fakeSink) last() domain.TradeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

type harness struct {
	eng    *Engine
	feed   *fakeFeed
	ticks  *feed.Coalescer
	router *fakeRouter
	sink   *fakeSink
	clock  *clock
}

func newHarness(t *testing.T, mutate func(*domain.EngineConfig)) *harness {
	t.Helper()
	return newHarnessEvery(t, 5*time.Millisecond, mutate)
}

// newHarnessEvery runs the safety timer at interval. A long interval leaves
// feed ticks as the only wake source.
func newHarnessEvery(t *testing.T, interval time.Duration, mutate func(*domain.EngineConfig)) *harness {
	t.Helper()
	cfg := domain.DefaultEngineConfig()
	cfg.RetryBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	settings, err := NewSettings(cfg)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		feed:   newFakeFeed(),
		ticks:  feed.NewCoalescer(),
		router: newFakeRouter(),
		sink:   &fakeSink{},
		clock:  &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	gw := executor.NewGateway(h.router, nil, settings.Load, logger)
	h.eng = New(Options{
		Settings: settings,
		Feed:     h.feed,
		Ticks:    h.ticks,
		Executor: gw,
		Sinks:    []EventSink{h.sink},
		Interval: interval,
		Now:      h.clock.now,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) market(id string, ttl time.Duration) domain.Market {
	return domain.Market{
		ID:       id,
		Question: "Bitcoin Up or Down " + id,
		YesToken: id + "-yes",
		NoToken:  id + "-no",
		Expiry:   h.clock.now().Add(ttl),
		Status:   domain.MarketStatusActive,
	}
}

// cheap quotes the YES token at Scenario A levels and NO far above threshold.
func (h *harness) cheap(m domain.Market) {
	h.feed.set(domain.OrderbookState{Token: m.YesToken, BestBid: 0.0198, BestAsk: 0.02, BidSize: 100, AskSize: 100})
	h.feed.set(domain.OrderbookState{Token: m.NoToken, BestBid: 0.97, BestAsk: 0.98, BidSize: 100, AskSize: 100})
}

func (h *harness) position(t *testing.T, marketID string) (domain.PositionSummary, bool) {
	t.Helper()
	for _, p := range h.eng.ListPositions() {
		if p.MarketID == marketID {
			return p, true
		}
	}
	return domain.PositionSummary{}, false
}

func (h *harness) waitState(t *testing.T, marketID string, s domain.PositionState) domain.PositionSummary {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := h.position(t, marketID)
		return ok && p.State == s
	}, wait, time.Millisecond, "market %s never reached %s", marketID, s)
	p, _ := h.position(t, marketID)
	return p
}

// quiet quotes the YES token where no entry or exit rule fires.
func (h *harness) quiet(m domain.Market) {
	h.feed.set(domain.OrderbookState{Token: m.YesToken, BestBid: 0.04, BestAsk: 0.0402, BidSize: 100, AskSize: 100})
}

func (h *harness) tick(m domain.Market) {
	for _, tok := range m.Tokens() {
		h.ticks.Push(domain.TickEvent{Token: tok, TS: h.clock.now()})
	}
}

func (h *harness) waitAttempts(t *testing.T, marketID string, n int) domain.PositionSummary {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := h.position(t, marketID)
		return ok && p.ExitAttempts == n
	}, wait, time.Millisecond, "market %s never reached %d exit attempts", marketID, n)
	p, _ := h.position(t, marketID)
	return p
}

// open adds a market with ttl left and waits for the entry fill.
func (h *harness) open(t *testing.T, id string, ttl time.Duration) domain.Market {
	t.Helper()
	m := h.market(id, ttl)
	h.cheap(m)
	require.NoError(t, h.eng.AddMarket(context.Background(), m))
	require.NoError(t, h.eng.Start(context.Background()))
	h.waitState(t, id, domain.StateOpen)
	return m
}

func TestEntryThenProfitExit(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market("m1", 5*time.Minute)
	h.cheap(m)

	require.NoError(t, h.eng.AddMarket(context.Background(), m))
	require.NoError(t, h.eng.Start(context.Background()))

	p := h.waitState(t, "m1", domain.StateOpen)
	assert.Equal(t, m.YesToken, p.Token)
	assert.Equal(t, domain.OutcomeYes, p.Outcome)
	assert.InDelta(t, 0.02, p.EntryPrice, 1e-12)
	assert.InDelta(t, 500, p.Size, 1e-9)

	h.feed.set(domain.OrderbookState{Token: m.YesToken, BestBid: 0.06, BestAsk: 0.0605, BidSize: 100, AskSize: 100})

	p = h.waitState(t, "m1", domain.StateClosed)
	assert.Equal(t, domain.ReasonProfitTarget, p.LastExitReason)
	assert.InDelta(t, 0.06, p.ExitPrice, 1e-12)
	assert.InDelta(t, 20, p.RealizedPnL, 1e-9)

	assert.Equal(t, 1, h.router.count(domain.OrderSideBuy))
	assert.Equal(t, 1, h.router.count(domain.OrderSideSell))
	require.Eventually(t, func() bool { return len(h.sink.kinds()) == 2 }, wait, time.Millisecond)
	assert.Equal(t, []domain.EventKind{domain.EventOpened, domain.EventClosed}, h.sink.kinds())

	st := h.eng.Stats()
	assert.Equal(t, 1, st.TotalTrades)
	assert.Equal(t, 1, st.WinningTrades)
	assert.Zero(t, h.eng.Status().OpenPositions)
}

func TestNoEntryBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market("m1", 5*time.Minute)
	h.cheap(m)
	require.NoError(t, h.eng.AddMarket(context.Background(), m))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.router.count(domain.OrderSideBuy))
	assert.False(t, h.eng.Status().Running)
}

func TestForcedExitBeatsHolding(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market("m1", 60*time.Second)
	h.cheap(m)
	require.NoError(t, h.eng.AddMarket(context.Background(), m))
	require.NoError(t, h.eng.Start(context.Background()))
	h.waitState(t, "m1", domain.StateOpen)

	h.clock.advance(40 * time.Second)

	p := h.waitState(t, "m1", domain.StateClosed)
	assert.Equal(t, domain.ReasonForcedTime, p.LastExitReason)
	assert.Equal(t, 1, h.eng.Stats().ForcedExits)
	assert.Equal(t, 1, h.router.count(domain.OrderSideBuy), "no re-entry inside the forced window")
}

func TestStopFlattensAndReports(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market("m1", 5*time.Minute)
	h.cheap(m)
	require.NoError(t, h.eng.AddMarket(context.Background(), m))
	require.NoError(t, h.eng.Start(context.Background()))
	h.waitState(t, "m1", domain.StateOpen)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	reports, err := h.eng.Stop(ctx)
	require.NoError(t, err)

	require.Len(t, reports, 1)
	assert.Equal(t, "m1", reports[0].MarketID)
	assert.Equal(t, domain.StateClosed, reports[0].State)
	assert.NoError(t, reports[0].Err)

	p, ok := h.position(t, "m1")
	require.True(t, ok)
	assert.Equal(t, domain.ReasonShutdown, p.LastExitReason)
	assert.False(t, h.eng.Running())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.router.count(domain.OrderSideBuy), "stopped engine does not enter")
}

func TestExpiryWithInventoryFailsAndRetires(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market("m1", 60*time.Second)
	h.cheap(m)
	require.NoError(t, h.eng.AddMarket(context.Background(), m))
	require.NoError(t, h.eng.Start(context.Background()))
	h.waitState(t, "m1", domain.StateOpen)

	h.router.set(func(r *fakeRouter) { r.rejectSells = true })
	h.clock.advance(40 * time.Second)
	h.waitState(t, "m1", domain.StateExiting)

	h.clock.advance(30 * time.Second)
	require.Eventually(t, func() bool { return !h.eng.IsTracked("m1") }, wait, time.Millisecond)

	assert.False(t, h.feed.subscribed(m.YesToken))
	assert.False(t, h.feed.subscribed(m.NoToken))
	require.Eventually(t, func() bool {
		k := h.sink.kinds()
		return len(k) > 0 && k[len(k)-1] == domain.EventFailed
	}, wait, time.Millisecond)
	ev := h.sink.last()
	assert.Equal(t, domain.SeverityCritical, ev.Severity)
	assert.InDelta(t, -10, ev.PnL, 1e-9)

	st := h.eng.Stats()
	assert.Equal(t, 1, st.FailedTrades)
	assert.Zero(t, h.eng.Status().OpenPositions)
}

func TestPanicIsolatedToMarket(t *testing.T) {
	h := newHarness(t, nil)
	bad := h.market("bad", 5*time.Minute)
	good := h.market("good", 5*time.Minute)
	h.cheap(bad)
	h.cheap(good)
	h.feed.mu.Lock()
	h.feed.panicOn[bad.YesToken] = true
	h.feed.mu.Unlock()

	require.NoError(t, h.eng.AddMarket(context.Background(), bad))
	require.NoError(t, h.eng.AddMarket(context.Background(), good))
	require.NoError(t, h.eng.Start(context.Background()))

	h.waitState(t, "good", domain.StateOpen)
	require.Eventually(t, func() bool {
		return len(h.eng.Status().Attention) == 1
	}, wait, time.Millisecond)
	assert.Equal(t, []string{"bad"}, h.eng.Status().Attention)
	assert.True(t, h.eng.IsTracked("bad"))
}

func TestConcurrentPositionLimit(t *testing.T) {
	h := newHarness(t, func(c *domain.EngineConfig) { c.MaxConcurrentPositions = 1 })
	for _, id := range []string{"a", "b", "c"} {
		m := h.market(id, 5*time.Minute)
		h.cheap(m)
		require.NoError(t, h.eng.AddMarket(context.Background(), m))
	}
	require.NoError(t, h.eng.Start(context.Background()))

	require.Eventually(t, func() bool { return h.eng.Status().OpenPositions == 1 }, wait, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.router.count(domain.OrderSideBuy))
	assert.Len(t, h.eng.ListPositions(), 1)
}

func TestAddMarketValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	incomplete := h.market("x", 5*time.Minute)
	incomplete.NoToken = ""
	assert.ErrorIs(t, h.eng.AddMarket(ctx, incomplete), ErrIneligible)

	expired := h.market("old", -time.Second)
	assert.ErrorIs(t, h.eng.AddMarket(ctx, expired), ErrIneligible)

	m := h.market("m1", 5*time.Minute)
	require.NoError(t, h.eng.AddMarket(ctx, m))
	assert.ErrorIs(t, h.eng.AddMarket(ctx, m), domain.ErrAlreadyExists)
	assert.True(t, h.feed.subscribed(m.YesToken))

	assert.ErrorIs(t, h.eng.PauseMarket(ctx, "nope"), domain.ErrUnknownMarket)
	require.NoError(t, h.eng.PauseMarket(ctx, "m1"))
	assert.Equal(t, []string{"m1"}, h.eng.Status().Paused)
}

func TestPausedMarketDoesNotEnter(t *testing.T) {
	h := newHarness(t, nil)
	m := h.market("m1", 5*time.Minute)
	h.cheap(m)
	require.NoError(t, h.eng.AddMarket(context.Background(), m))
	require.NoError(t, h.eng.PauseMarket(context.Background(), "m1"))
	require.NoError(t, h.eng.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.router.count(domain.OrderSideBuy))
}

func TestConfigSetters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.eng.SetEntryThreshold(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.InDelta(t, 0.03, h.eng.Config().EntryThresholdPct, 1e-12, "rejected change leaves config intact")

	require.NoError(t, h.eng.SetEntryThreshold(ctx, 0.04))
	require.NoError(t, h.eng.SetProfitTarget(ctx, 3))
	require.NoError(t, h.eng.SetPositionSize(ctx, 25))
	require.NoError(t, h.eng.SetForcedExit(ctx, 30*time.Second))

	cfg := h.eng.Config()
	assert.InDelta(t, 0.04, cfg.EntryThresholdPct, 1e-12)
	assert.InDelta(t, 3, cfg.ProfitMultiplier, 1e-12)
	assert.InDelta(t, 25, cfg.MaxPositionUSD, 1e-12)
	assert.Equal(t, 30*time.Second, cfg.ForcedExit)
	assert.ErrorIs(t, h.eng.SetProfitTarget(ctx, 1), domain.ErrConfigInvalid)
}

func TestStaleFeedExitOnTimer(t *testing.T) {
	h := newHarness(t, nil)
	m := h.open(t, "m1", 5*time.Minute)

	h.quiet(m)
	h.feed.setStale(m.YesToken, 10*time.Second)

	p := h.waitState(t, "m1", domain.StateClosed)
	assert.Equal(t, domain.ReasonStaleFeed, p.LastExitReason)
	assert.Equal(t, 1, h.eng.Stats().SafetyExits)
}

func TestStaleFeedExitOnTick(t *testing.T) {
	h := newHarnessEvery(t, time.Hour, nil)
	m := h.market("m1", 5*time.Minute)
	h.cheap(m)
	require.NoError(t, h.eng.AddMarket(context.Background(), m))
	require.NoError(t, h.eng.Start(context.Background()))
	h.tick(m)
	h.waitState(t, "m1", domain.StateOpen)

	h.quiet(m)
	h.feed.setStale(m.YesToken, 10*time.Second)
	time.Sleep(30 * time.Millisecond)
	p, ok := h.position(t, "m1")
	require.True(t, ok)
	assert.Equal(t, domain.StateOpen, p.State, "nothing wakes the actor without a tick")

	h.tick(m)
	p = h.waitState(t, "m1", domain.StateClosed)
	assert.Equal(t, domain.ReasonStaleFeed, p.LastExitReason)
}

func TestLateTickAfterCloseDoesNothing(t *testing.T) {
	h := newHarnessEvery(t, time.Hour, nil)
	m := h.market("m1", 60*time.Second)
	h.cheap(m)
	require.NoError(t, h.eng.AddMarket(context.Background(), m))
	require.NoError(t, h.eng.Start(context.Background()))
	h.tick(m)
	h.waitState(t, "m1", domain.StateOpen)

	h.clock.advance(40 * time.Second)
	h.tick(m)
	h.waitState(t, "m1", domain.StateClosed)

	h.cheap(m)
	h.tick(m)
	time.Sleep(20 * time.Millisecond)
	h.tick(m)
	time.Sleep(20 * time.Millisecond)

	p, ok := h.position(t, "m1")
	require.True(t, ok)
	assert.Equal(t, domain.StateClosed, p.State)
	assert.Equal(t, 1, h.router.count(domain.OrderSideBuy))
	assert.Equal(t, 1, h.router.count(domain.OrderSideSell))
}

func TestPartialExitReissuesExactRemainder(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "m1", 60*time.Second)
	h.router.set(func(r *fakeRouter) { r.sellCap = 200 })

	h.clock.advance(36 * time.Second)
	h.waitAttempts(t, "m1", 1)
	h.clock.advance(3 * time.Second)
	h.waitAttempts(t, "m1", 2)
	h.clock.advance(3 * time.Second)

	p := h.waitState(t, "m1", domain.StateClosed)
	sizes := []float64{}
	for _, o := range h.router.sells() {
		sizes = append(sizes, o.Size)
	}
	assert.Equal(t, []float64{500, 300, 100}, sizes)
	assert.Zero(t, p.Remaining)
	assert.Zero(t, h.router.restingSize())
}

func TestRestingExitsArePacedThenEscalateInCriticalWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "m1", 60*time.Second)
	h.router.set(func(r *fakeRouter) { r.restExits = true })

	h.clock.advance(36 * time.Second)
	h.waitAttempts(t, "m1", 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.router.sells(), 1, "wakes inside the pacing interval send nothing")

	for n := 2; n <= 5; n++ {
		h.clock.advance(3 * time.Second)
		h.waitAttempts(t, "m1", n)
		assert.InDelta(t, 500, h.router.restingSize(), 1e-9, "previous exit cancelled before attempt %d", n)
	}
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.router.emergencies(), "attempts spent with 12s left still waits for the critical window")

	h.clock.advance(3 * time.Second)
	p := h.waitState(t, "m1", domain.StateClosed)
	assert.Equal(t, 1, h.router.emergencies())
	assert.Equal(t, domain.ReasonForcedTime, p.LastExitReason)
	assert.Zero(t, p.Remaining)
	assert.Zero(t, h.router.restingSize())
}

func TestRestingExitInCriticalWindowFallsBackToEmergency(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "m1", 60*time.Second)
	h.router.set(func(r *fakeRouter) { r.restExits = true })

	h.clock.advance(52 * time.Second)

	p := h.waitState(t, "m1", domain.StateClosed)
	sells := h.router.sells()
	require.Len(t, sells, 2)
	assert.True(t, strings.HasPrefix(sells[0].Key, "exit-"))
	assert.True(t, strings.HasPrefix(sells[1].Key, "emergency-"))
	assert.InDelta(t, 500, sells[1].Size, 1e-9)
	assert.Equal(t, 1, p.ExitAttempts)
	assert.Zero(t, h.router.restingSize())
}

func TestUnconfirmedCancelWithholdsResubmission(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "m1", 60*time.Second)
	h.router.set(func(r *fakeRouter) {
		r.restExits = true
		r.cancelErr = domain.NewError(domain.KindTransientNetwork, "cancel", errors.New("504 gateway timeout"))
	})

	h.clock.advance(36 * time.Second)
	h.waitAttempts(t, "m1", 1)
	for range 3 {
		h.clock.advance(3 * time.Second)
		time.Sleep(20 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		h.router.mu.Lock()
		defer h.router.mu.Unlock()
		return h.router.cancels > 0
	}, wait, time.Millisecond)
	assert.Len(t, h.router.sells(), 1)
	assert.InDelta(t, 500, h.router.restingSize(), 1e-9, "never more on the book than the position holds")

	h.router.set(func(r *fakeRouter) { r.cancelErr = nil })
	h.clock.advance(3 * time.Second)
	h.waitAttempts(t, "m1", 2)
	assert.Len(t, h.router.sells(), 2)
	assert.InDelta(t, 500, h.router.restingSize(), 1e-9)
}

func TestLateFillIsBookedBeforeReissue(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "m1", 60*time.Second)
	h.router.set(func(r *fakeRouter) { r.restExits = true })

	h.clock.advance(36 * time.Second)
	h.waitAttempts(t, "m1", 1)
	h.router.fillResting(200)

	h.clock.advance(3 * time.Second)
	p := h.waitAttempts(t, "m1", 2)
	sells := h.router.sells()
	require.Len(t, sells, 2)
	assert.InDelta(t, 300, sells[1].Size, 1e-9)
	assert.InDelta(t, 300, p.Remaining, 1e-9)
}

func TestExpiryWhileOpenCountsNoExitAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "m1", 60*time.Second)

	h.clock.advance(61 * time.Second)
	require.Eventually(t, func() bool {
		k := h.sink.kinds()
		return len(k) > 0 && k[len(k)-1] == domain.EventFailed
	}, wait, time.Millisecond)

	ev := h.sink.last()
	assert.Equal(t, domain.ReasonNone, ev.Reason)
	assert.Zero(t, h.router.count(domain.OrderSideSell))
	st := h.eng.Stats()
	assert.Equal(t, 1, st.FailedTrades)
	assert.Zero(t, st.ForcedExits)
}

func TestStopFlattensMarketsConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"a", "b"} {
		m := h.market(id, 5*time.Minute)
		h.cheap(m)
		require.NoError(t, h.eng.AddMarket(context.Background(), m))
	}
	require.NoError(t, h.eng.Start(context.Background()))
	h.waitState(t, "a", domain.StateOpen)
	h.waitState(t, "b", domain.StateOpen)
	h.router.set(func(r *fakeRouter) { r.sellDelay = 300 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	began := time.Now()
	reports, err := h.eng.Stop(ctx)
	assert.Less(t, time.Since(began), 250*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Len(t, reports, 2)
	for i, id := range []string{"a", "b"} {
		assert.Equal(t, id, reports[i].MarketID)
		assert.Error(t, reports[i].Err)
	}
	for _, id := range []string{"a", "b"} {
		p := h.waitState(t, id, domain.StateClosed)
		assert.Equal(t, domain.ReasonShutdown, p.LastExitReason)
	}
	assert.Equal(t, 2, h.router.count(domain.OrderSideSell))
}
