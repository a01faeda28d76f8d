package domain

import "context"

// TickStream is one live market-data session. Recv blocks until the next
// tick, an error, or ctx cancellation. A returned error means the session is
// dead and must be replaced with a new Dial.
type TickStream interface {
	Subscribe(ctx context.Context, tokens []string) error
	Unsubscribe(ctx context.Context, tokens []string) error
	Recv(ctx context.Context) (TickEvent, error)
	Close() error
}

// MarketData is the read side of the exchange connector.
type MarketData interface {
	Snapshot(ctx context.Context, token string) (OrderbookState, error)
	Dial(ctx context.Context) (TickStream, error)
}

// OrderRouter is the write side of the exchange connector. PlaceOrder must
// treat req.Key as the client order id so that a repeated submission of the
// same key never executes twice.
type OrderRouter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// OrderTracker is implemented by routers that can report how much of an
// order has executed, including fills that landed after placement.
type OrderTracker interface {
	OrderFill(ctx context.Context, orderID string) (OrderFill, error)
}

// MarketSource yields candidate markets for discovery.
type MarketSource interface {
	ActiveMarkets(ctx context.Context) ([]Market, error)
}
