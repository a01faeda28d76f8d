package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

type step struct {
	res   domain.OrderResult
	err   error
	block bool
}

type scriptedRouter struct {
	mu        sync.Mutex
	steps     []step
	calls     []domain.OrderRequest
	cancels   []string
	cancelErr error
}

func (r *scriptedRouter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	var s step
	if len(r.steps) > 0 {
		s, r.steps = r.steps[0], r.steps[1:]
	} else {
		s = step{res: domain.OrderResult{Status: domain.OrderStatusFilled, FilledSize: req.Size, AvgPrice: req.Price}}
	}
	r.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return domain.OrderResult{}, ctx.Err()
	}
	return s.res, s.err
}

func (r *scriptedRouter) CancelOrder(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, id)
	return r.cancelErr
}

// trackedRouter also reports order fills, the way the live CLOB does.
type trackedRouter struct {
	*scriptedRouter
	fills map[string]domain.OrderFill
}

func (r *trackedRouter) OrderFill(_ context.Context, id string) (domain.OrderFill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.fills[id]
	if !ok {
		return domain.OrderFill{}, domain.ErrNotFound
	}
	return f, nil
}

func transient() error {
	return domain.NewError(domain.KindTransientNetwork, "post", errors.New("502 bad gateway"))
}

func newTestGateway(r domain.OrderRouter, mutate func(*domain.EngineConfig)) (*Gateway, *[]time.Duration) {
	cfg := domain.DefaultEngineConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	g := NewGateway(r, nil, func() domain.EngineConfig { return cfg }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var slept []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return g, &slept
}

func sellReq() domain.OrderRequest {
	return domain.OrderRequest{Key: NewKey("exit"), MarketID: "m1", Token: "yes", Side: domain.OrderSideSell, Price: 0.06, Size: 500}
}

func TestPlaceOrderRetriesTransientWithSameKey(t *testing.T) {
	r := &scriptedRouter{steps: []step{
		{err: transient()},
		{err: transient()},
		{res: domain.OrderResult{OrderID: "o1", Status: domain.OrderStatusFilled, FilledSize: 500, AvgPrice: 0.06}},
	}}
	g, slept := newTestGateway(r, func(c *domain.EngineConfig) { c.MaxRetries = 3 })
	req := sellReq()

	res, err := g.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.InDelta(t, 500, res.FilledSize, 1e-12)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, r.calls, 3)
	for _, c := range r.calls {
		assert.Equal(t, req.Key, c.Key)
	}
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *slept)

	again, err := g.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "o1", again.OrderID)
	assert.Len(t, r.calls, 3, "settled key must not reach the exchange again")
}

func TestPlaceOrderTerminalErrorsSurfaceImmediately(t *testing.T) {
	for _, kind := range []domain.ErrorKind{domain.KindInsufficientBalance, domain.KindRejectedOrder} {
		r := &scriptedRouter{steps: []step{{err: domain.NewError(kind, "post", nil)}}}
		g, slept := newTestGateway(r, nil)

		res, err := g.PlaceOrder(context.Background(), sellReq())
		require.Error(t, err)
		assert.Equal(t, kind, domain.KindOf(err))
		assert.Equal(t, domain.OrderStatusRejected, res.Status)
		assert.Len(t, r.calls, 1)
		assert.Empty(t, *slept)
	}
}

func TestPlaceOrderHonoursRetryAfter(t *testing.T) {
	r := &scriptedRouter{steps: []step{
		{err: &domain.Error{Kind: domain.KindRateLimited, RetryAfter: 3 * time.Second}},
	}}
	g, slept := newTestGateway(r, nil)

	_, err := g.PlaceOrder(context.Background(), sellReq())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, *slept)
}

func TestPlaceOrderExhaustsRetries(t *testing.T) {
	r := &scriptedRouter{steps: []step{{err: transient()}, {err: transient()}, {err: transient()}}}
	g, _ := newTestGateway(r, func(c *domain.EngineConfig) { c.MaxRetries = 3 })

	res, err := g.PlaceOrder(context.Background(), sellReq())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, domain.OrderStatusFailed, res.Status)
	assert.Len(t, r.calls, 3)
}

func TestPlaceOrderCallTimeoutIsTransient(t *testing.T) {
	r := &scriptedRouter{steps: []step{{block: true}}}
	g, _ := newTestGateway(r, func(c *domain.EngineConfig) { c.CallTimeout = 10 * time.Millisecond })

	res, err := g.PlaceOrder(context.Background(), sellReq())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestPlaceOrderRejectsMalformed(t *testing.T) {
	r := &scriptedRouter{}
	g, _ := newTestGateway(r, nil)
	req := sellReq()
	req.Price = 1.2

	_, err := g.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrMalformedOrder)
	assert.Empty(t, r.calls)
}

func TestPlaceOrderClampsOverfill(t *testing.T) {
	r := &scriptedRouter{steps: []step{{res: domain.OrderResult{Status: domain.OrderStatusFilled, FilledSize: 900}}}}
	g, _ := newTestGateway(r, nil)

	res, err := g.PlaceOrder(context.Background(), sellReq())
	require.NoError(t, err)
	assert.InDelta(t, 500, res.FilledSize, 1e-12)
}

func TestExitEmergencyFallbackNearExpiry(t *testing.T) {
	r := &scriptedRouter{steps: []step{{err: transient()}, {err: transient()}, {err: transient()}}}
	g, _ := newTestGateway(r, func(c *domain.EngineConfig) {
		c.MaxRetries = 3
		c.CriticalWindow = 10 * time.Second
	})
	req := sellReq()

	res, err := g.Exit(context.Background(), req, 0.05, 5)
	require.NoError(t, err)
	assert.True(t, res.Emergency)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)

	require.Len(t, r.calls, 4)
	em := r.calls[3]
	assert.NotEqual(t, req.Key, em.Key, "emergency order is a new intent")
	assert.InDelta(t, 0.04, em.Price, 1e-12)
	assert.InDelta(t, req.Size, em.Size, 1e-12)
}

func TestExitNoFallbackWithTimeLeft(t *testing.T) {
	r := &scriptedRouter{steps: []step{{err: transient()}, {err: transient()}, {err: transient()}}}
	g, _ := newTestGateway(r, nil)

	_, err := g.Exit(context.Background(), sellReq(), 0.05, 120)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Len(t, r.calls, 3)
}

func TestCancelSkipsEmptyID(t *testing.T) {
	r := &scriptedRouter{}
	g, _ := newTestGateway(r, nil)
	_, err := g.Cancel(context.Background(), "")
	require.NoError(t, err)
	fill, err := g.Cancel(context.Background(), "o9")
	require.NoError(t, err)
	assert.False(t, fill.Open)
	assert.Equal(t, []string{"o9"}, r.cancels)
}

func TestCancelFailureLeavesOrderOpen(t *testing.T) {
	r := &scriptedRouter{cancelErr: transient()}
	g, _ := newTestGateway(r, nil)
	fill, err := g.Cancel(context.Background(), "o1")
	require.Error(t, err)
	assert.True(t, fill.Open)
}

func TestCancelRefusedButOrderDoneIsConfirmed(t *testing.T) {
	r := &trackedRouter{
		scriptedRouter: &scriptedRouter{cancelErr: domain.NewError(domain.KindRejectedOrder, "cancel", errors.New("order already matched"))},
		fills:          map[string]domain.OrderFill{"o1": {OrderID: "o1", FilledSize: 500, AvgPrice: 0.05}},
	}
	g, _ := newTestGateway(r, nil)
	fill, err := g.Cancel(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, fill.Open)
	assert.InDelta(t, 500, fill.FilledSize, 1e-12)
}

func TestExitRestingNearExpiryIsReplacedByEmergencyRemainder(t *testing.T) {
	r := &trackedRouter{
		scriptedRouter: &scriptedRouter{steps: []step{{res: domain.OrderResult{OrderID: "o1", Status: domain.OrderStatusPartiallyFilled, FilledSize: 100, AvgPrice: 0.05}}}},
		fills:          map[string]domain.OrderFill{"o1": {OrderID: "o1", FilledSize: 150, AvgPrice: 0.05, Open: true}},
	}
	g, _ := newTestGateway(r, func(c *domain.EngineConfig) { c.CriticalWindow = 10 * time.Second })
	req := sellReq()

	res, err := g.Exit(context.Background(), req, 0.05, 6)
	require.NoError(t, err)
	assert.True(t, res.Emergency)
	require.NotNil(t, res.Replaced)
	assert.InDelta(t, 150, res.Replaced.FilledSize, 1e-12, "late fill on the replaced order is reported")
	assert.Equal(t, []string{"o1"}, r.cancels)

	require.Len(t, r.calls, 2)
	em := r.calls[1]
	assert.NotEqual(t, req.Key, em.Key)
	assert.InDelta(t, 350, em.Size, 1e-12)
	assert.InDelta(t, 0.04, em.Price, 1e-12)
	assert.InDelta(t, 350, res.FilledSize, 1e-12)
}

func TestExitWithholdsEmergencyWhileCancelUnconfirmed(t *testing.T) {
	r := &scriptedRouter{
		steps:     []step{{res: domain.OrderResult{OrderID: "o1", Status: domain.OrderStatusPending}}},
		cancelErr: transient(),
	}
	g, _ := newTestGateway(r, func(c *domain.EngineConfig) { c.CriticalWindow = 10 * time.Second })

	res, err := g.Exit(context.Background(), sellReq(), 0.05, 6)
	require.NoError(t, err)
	assert.False(t, res.Emergency)
	assert.Equal(t, "o1", res.OrderID)
	assert.Len(t, r.calls, 1, "no second sell while the first may still execute")
}

func TestExitRestingWithTimeLeftIsReturned(t *testing.T) {
	r := &scriptedRouter{steps: []step{{res: domain.OrderResult{OrderID: "o1", Status: domain.OrderStatusPending}}}}
	g, _ := newTestGateway(r, nil)

	res, err := g.Exit(context.Background(), sellReq(), 0.05, 20)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, res.Status)
	assert.Empty(t, r.cancels)
	assert.Len(t, r.calls, 1)
}

func TestMemoryLedgerExpires(t *testing.T) {
	l := NewMemoryLedger(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	require.NoError(t, l.Store(context.Background(), "k", domain.OrderResult{Status: domain.OrderStatusFilled}))
	_, ok, _ := l.Lookup(context.Background(), "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.Lookup(context.Background(), "k")
	assert.False(t, ok)
	l.Cleanup()
	assert.Zero(t, l.Len())
}
