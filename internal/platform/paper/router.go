// Package paper simulates order execution for dry runs. Market data still
// comes from the live feed; only the write side is faked.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// OrderPrefix marks simulated order ids.
const OrderPrefix = "PAPER-"

// Router fills every order immediately and completely at its limit price.
// Results are remembered per idempotency key, so a resubmitted key returns
// the first fill instead of a second one.
type Router struct {
	logger *slog.Logger

	mu     sync.Mutex
	byKey  map[string]domain.OrderResult
	orders []domain.Order
}

// NewRouter creates an empty paper router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger: logger.With(slog.String("component", "paper_router")),
		byKey:  make(map[string]domain.OrderResult),
	}
}

// PlaceOrder implements domain.OrderRouter.
func (r *Router) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	const op = "paper: place order"
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, domain.NewError(domain.KindTransientNetwork, op, err)
	}
	if req.Key == "" || req.Token == "" || req.Price <= 0 || req.Price >= 1 || req.Size <= 0 {
		return domain.OrderResult{}, domain.NewError(domain.KindMalformedOrder, op,
			fmt.Errorf("key=%q token=%q price=%g size=%g", req.Key, req.Token, req.Price, req.Size))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byKey[req.Key]; ok {
		return prev, nil
	}
	res := domain.OrderResult{
		Key:        req.Key,
		OrderID:    OrderPrefix + uuid.NewString(),
		Status:     domain.OrderStatusFilled,
		FilledSize: req.Size,
		AvgPrice:   req.Price,
		Message:    "paper fill",
	}
	r.byKey[req.Key] = res
	r.orders = append(r.orders, domain.Order{
		Key:        req.Key,
		OrderID:    res.OrderID,
		MarketID:   req.MarketID,
		Token:      req.Token,
		Side:       req.Side,
		Price:      req.Price,
		Size:       req.Size,
		Status:     res.Status,
		FilledSize: res.FilledSize,
	})

	r.logger.Info("paper order filled",
		slog.String("market", req.MarketID),
		slog.String("side", string(req.Side)),
		slog.Float64("price", req.Price),
		slog.Float64("size", req.Size),
		slog.String("order_id", res.OrderID),
	)
	return res, nil
}

// CancelOrder implements domain.OrderRouter. Paper orders never rest, so
// cancelling one is a no-op.
func (r *Router) CancelOrder(_ context.Context, orderID string) error {
	if !strings.HasPrefix(orderID, OrderPrefix) {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

// OrderFill implements domain.OrderTracker. Paper orders are always done.
func (r *Router) OrderFill(_ context.Context, orderID string) (domain.OrderFill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.OrderID == orderID {
			return domain.OrderFill{OrderID: o.OrderID, FilledSize: o.FilledSize, AvgPrice: o.Price}, nil
		}
	}
	return domain.OrderFill{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
}

// Orders returns every simulated order in submission order.
func (r *Router) Orders() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Order, len(r.orders))
	copy(out, r.orders)
	return out
}

var (
	_ domain.OrderRouter  = (*Router)(nil)
	_ domain.OrderTracker = (*Router)(nil)
)
