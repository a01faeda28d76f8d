// Package executor submits orders to the exchange connector with bounded
// retries, idempotency keys and the emergency fallback used when an exit is
// about to run out of time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/policy"
)

// ErrRetriesExhausted wraps the last retryable failure once maxRetries
// attempts have been spent on one key.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Observer receives order lifecycle counts, typically for metrics.
type Observer interface {
	OrderAttempt(side domain.OrderSide)
	OrderOutcome(side domain.OrderSide, status domain.OrderStatus)
	EmergencyOrder()
}

type nopObserver struct{}

func (nopObserver) OrderAttempt(domain.OrderSide) {}
func (nopObserver) OrderOutcome(domain.OrderSide, domain.OrderStatus) {}
func (nopObserver) EmergencyOrder() {}

// ConfigSource returns the current engine configuration snapshot.
type ConfigSource func() domain.EngineConfig

// Gateway places and cancels orders through an OrderRouter.
type Gateway struct {
	router   domain.OrderRouter
	ledger   domain.OrderLedger
	config   ConfigSource
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// NewGateway creates a gateway. A nil ledger gets an in-memory one.
func NewGateway(router domain.OrderRouter, ledger domain.OrderLedger, config ConfigSource, logger *slog.Logger) *Gateway {
	if ledger == nil {
		ledger = NewMemoryLedger(time.Hour)
	}
	return &Gateway{
		router:   router,
		ledger:   ledger,
		config:   config,
		observer: nopObserver{},
		sleep:    sleepCtx,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// SetObserver installs an order observer.
func (g *Gateway) SetObserver(o Observer) {
	if o != nil {
		g.observer = o
	}
}

// NewKey returns a fresh idempotency key for a new logical intent.
func NewKey(purpose string) string {
	return purpose + "-" + uuid.NewString()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func validate(req domain.OrderRequest) error {
	switch {
	case req.Key == "":
		return errors.New("missing idempotency key")
	case req.Token == "":
		return errors.New("missing token")
	case req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell:
		return fmt.Errorf("invalid side %q", req.Side)
	case req.Price <= 0 || req.Price >= 1:
		return fmt.Errorf("price %g outside (0,1)", req.Price)
	case req.Size <= 0:
		return fmt.Errorf("size %g must be positive", req.Size)
	}
	return nil
}

// PlaceOrder submits req, retrying transient and rate-limited failures up to
// MaxRetries times under the same key. Each call gets its own CallTimeout.
// Terminal failures return at once. A key whose terminal result is already
// recorded is answered from the ledger without touching the exchange.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := validate(req); err != nil {
		return domain.OrderResult{Key: req.Key, Status: domain.OrderStatusRejected},
			domain.NewError(domain.KindMalformedOrder, "executor: validate", err)
	}

	log := g.logger.With(
		slog.String("key", req.Key),
		slog.String("market", req.MarketID),
		slog.String("side", string(req.Side)),
		slog.Float64("price", req.Price),
		slog.Float64("size", req.Size),
	)

	if prev, ok, err := g.ledger.Lookup(ctx, req.Key); err != nil {
		log.Warn("ledger lookup failed", slog.String("error", err.Error()))
	} else if ok {
		log.Debug("idempotency key already settled, replaying result", slog.String("status", string(prev.Status)))
		if prev.Status == domain.OrderStatusRejected {
			return prev, domain.NewError(domain.KindRejectedOrder, "executor: replay "+req.Key, errors.New(prev.Message))
		}
		return prev, nil
	}

	cfg := g.config()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		g.observer.OrderAttempt(req.Side)

		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		res, err := g.router.PlaceOrder(callCtx, req)
		cancel()

		if err == nil {
			res.Key = req.Key
			res.Attempts = attempt
			if res.FilledSize > req.Size {
				res.FilledSize = req.Size
			}
			g.settle(ctx, log, req, res)
			log.Info("order placed",
				slog.String("order_id", res.OrderID),
				slog.String("status", string(res.Status)),
				slog.Float64("filled", res.FilledSize),
				slog.Int("attempt", attempt),
			)
			return res, nil
		}

		if ctx.Err() != nil {
			return domain.OrderResult{Key: req.Key, Status: domain.OrderStatusFailed, Attempts: attempt},
				fmt.Errorf("executor: place %s: %w", req.Key, ctx.Err())
		}
		if !domain.IsRetryable(err) {
			res = domain.OrderResult{Key: req.Key, Status: domain.OrderStatusRejected, Attempts: attempt, Message: err.Error()}
			g.settle(ctx, log, req, res)
			log.Warn("order rejected", slog.String("error", err.Error()), slog.String("kind", domain.KindOf(err).String()))
			return res, fmt.Errorf("executor: place %s: %w", req.Key, err)
		}

		lastErr = err
		if attempt == cfg.MaxRetries {
			break
		}
		delay := cfg.RetryBackoff * time.Duration(attempt)
		if ra := domain.RetryAfter(err); ra > delay {
			delay = ra
		}
		log.Warn("order attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return domain.OrderResult{Key: req.Key, Status: domain.OrderStatusFailed, Attempts: attempt},
				fmt.Errorf("executor: place %s: %w", req.Key, err)
		}
	}

	g.observer.OrderOutcome(req.Side, domain.OrderStatusFailed)
	log.Error("order retries exhausted", slog.Int("attempts", cfg.MaxRetries), slog.String("error", lastErr.Error()))
	return domain.OrderResult{Key: req.Key, Status: domain.OrderStatusFailed, Attempts: cfg.MaxRetries},
		fmt.Errorf("executor: place %s: %w after %d attempts: %w", req.Key, ErrRetriesExhausted, cfg.MaxRetries, lastErr)
}

func (g *Gateway) settle(ctx context.Context, log *slog.Logger, req domain.OrderRequest, res domain.OrderResult) {
	g.observer.OrderOutcome(req.Side, res.Status)
	if !res.Status.Terminal() {
		return
	}
	if err := g.ledger.Store(ctx, req.Key, res); err != nil {
		log.Warn("ledger store failed", slog.String("error", err.Error()))
	}
}

// Exit submits a sell. Inside the last CriticalWindow seconds two outcomes
// escalate to one more order under a new key at the emergency discount to
// bid: ordinary retries running out, and an order that comes back short of
// a full fill. A short order is cancelled first and the emergency order
// covers only what is still unsold; if the cancel cannot be confirmed the
// short order is returned as is.
func (g *Gateway) Exit(ctx context.Context, req domain.OrderRequest, bid, secondsRemaining float64) (domain.OrderResult, error) {
	res, err := g.PlaceOrder(ctx, req)
	cfg := g.config()
	if secondsRemaining >= cfg.CriticalWindow.Seconds() {
		return res, err
	}

	em := req
	var replaced *domain.OrderFill
	switch {
	case err != nil && errors.Is(err, ErrRetriesExhausted):
		// Nothing executed; the emergency order carries the full size.
	case err != nil:
		return res, err
	case res.Status == domain.OrderStatusFilled || res.FilledSize >= req.Size:
		return res, nil
	default:
		fill, cerr := g.Cancel(ctx, res.OrderID)
		if cerr != nil {
			g.logger.Warn("short exit near expiry still resting, emergency order withheld",
				slog.String("market", req.MarketID),
				slog.String("order_id", res.OrderID),
				slog.String("error", cerr.Error()),
			)
			return res, nil
		}
		if fill.FilledSize < res.FilledSize {
			fill.FilledSize = res.FilledSize
		}
		if fill.AvgPrice <= 0 {
			fill.AvgPrice = res.AvgPrice
		}
		replaced = &fill
		em.Size = policy.RoundSize(req.Size - fill.FilledSize)
		if em.Size < cfg.MinOrderSize || em.Size <= 0 {
			return domain.OrderResult{Key: req.Key, Status: domain.OrderStatusFilled, Attempts: res.Attempts, Replaced: replaced}, nil
		}
	}

	eres, eerr := g.Emergency(ctx, em, bid, secondsRemaining)
	eres.Replaced = replaced
	return eres, eerr
}

// Emergency sends req once more under a new key, priced at the emergency
// discount to bid. It is the last order an exit makes before expiry.
func (g *Gateway) Emergency(ctx context.Context, req domain.OrderRequest, bid, secondsRemaining float64) (domain.OrderResult, error) {
	cfg := g.config()
	em := req
	em.Key = NewKey("emergency")
	em.Price = policy.EmergencyPrice(cfg, bid)
	g.observer.EmergencyOrder()
	g.logger.Warn("sending emergency exit order",
		slog.String("market", req.MarketID),
		slog.String("original_key", req.Key),
		slog.String("key", em.Key),
		slog.Float64("price", em.Price),
		slog.Float64("size", em.Size),
		slog.Float64("seconds_remaining", secondsRemaining),
	)
	res, err := g.PlaceOrder(ctx, em)
	res.Emergency = true
	if err != nil {
		return res, fmt.Errorf("executor: emergency exit: %w", err)
	}
	return res, nil
}

// Cancel cancels an exchange order under the call timeout and reports its
// final fill. Routers that implement domain.OrderTracker are asked how much
// executed; a cancel the venue refuses still counts as confirmed when the
// tracker shows the order is no longer open. Without a tracker the fill is
// unknown and reported as zero.
func (g *Gateway) Cancel(ctx context.Context, orderID string) (domain.OrderFill, error) {
	if orderID == "" {
		return domain.OrderFill{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.config().CallTimeout)
	defer cancel()

	cerr := g.router.CancelOrder(ctx, orderID)
	tracker, ok := g.router.(domain.OrderTracker)
	if !ok {
		if cerr != nil {
			return domain.OrderFill{OrderID: orderID, Open: true}, fmt.Errorf("executor: cancel %s: %w", orderID, cerr)
		}
		return domain.OrderFill{OrderID: orderID}, nil
	}

	fill, qerr := tracker.OrderFill(ctx, orderID)
	switch {
	case qerr != nil && cerr != nil:
		return domain.OrderFill{OrderID: orderID, Open: true}, fmt.Errorf("executor: cancel %s: %w", orderID, errors.Join(cerr, qerr))
	case qerr != nil:
		g.logger.Warn("order fill lookup failed after cancel", slog.String("order_id", orderID), slog.String("error", qerr.Error()))
		return domain.OrderFill{OrderID: orderID}, nil
	case cerr != nil && fill.Open:
		return fill, fmt.Errorf("executor: cancel %s: %w", orderID, cerr)
	}
	fill.Open = false
	return fill, nil
}
