package domain

import "time"

// OrderSide indicates whether an order is a buy or a sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	return s != OrderStatusPending
}

// OrderRequest is one logical trading intent. Key identifies the intent and
// is reused verbatim for every retry of it.
type OrderRequest struct {
	Key      string
	MarketID string
	Token    string
	Side     OrderSide
	Price    float64
	Size     float64
}

// Notional is price*size in USD.
func (r OrderRequest) Notional() float64 { return r.Price * r.Size }

// OrderResult is the outcome of submitting an OrderRequest.
type OrderResult struct {
	Key        string
	OrderID    string
	Status     OrderStatus
	FilledSize float64
	AvgPrice   float64
	Attempts   int
	Emergency  bool
	Message    string
	// Replaced is the final state of an order this one superseded within
	// the same call. Its fill is not included in FilledSize.
	Replaced *OrderFill
}

// OrderFill is the exchange's view of an order after placement. Open means
// it may still execute.
type OrderFill struct {
	OrderID    string
	FilledSize float64
	AvgPrice   float64
	Open       bool
}

// Filled reports whether any quantity executed.
func (r OrderResult) Filled() bool { return r.FilledSize > 0 }

// Order is the audit record of a submitted intent.
type Order struct {
	Key        string
	OrderID    string
	MarketID   string
	Token      string
	Side       OrderSide
	Price      float64
	Size       float64
	Status     OrderStatus
	FilledSize float64
	CreatedAt  time.Time
}
