package domain

import (
	"math"
	"time"
)

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// TickEvent is one top-of-book update for a single outcome token. BidSize and
// AskSize are USD notional depth.
type TickEvent struct {
	Token   string
	Bid     float64
	BidSize float64
	Ask     float64
	AskSize float64
	TS      time.Time
}

// OrderbookState is the latest known quote for a token.
type OrderbookState struct {
	Token      string
	BestBid    float64
	BestAsk    float64
	BidSize    float64
	AskSize    float64
	LastUpdate time.Time
}

// Apply returns the state after tick. The quote is replaced wholesale but
// LastUpdate never moves backwards.
func (s OrderbookState) Apply(t TickEvent) OrderbookState {
	next := OrderbookState{
		Token:      t.Token,
		BestBid:    t.Bid,
		BestAsk:    t.Ask,
		BidSize:    t.BidSize,
		AskSize:    t.AskSize,
		LastUpdate: t.TS,
	}
	if t.TS.Before(s.LastUpdate) {
		next.LastUpdate = s.LastUpdate
	}
	return next
}

// HasBid reports whether a usable bid is present.
func (s OrderbookState) HasBid() bool { return s.BestBid > 0 }

// HasAsk reports whether a usable ask is present.
func (s OrderbookState) HasAsk() bool { return s.BestAsk > 0 }

// Mid is (bid+ask)/2, or zero when either side is missing.
func (s OrderbookState) Mid() float64 {
	if !s.HasBid() || !s.HasAsk() {
		return 0
	}
	return (s.BestBid + s.BestAsk) / 2
}

// Spread is (ask-bid)/mid. A book without a mid has an infinite spread so
// that spread caps always reject it.
func (s OrderbookState) Spread() float64 {
	mid := s.Mid()
	if mid <= 0 {
		return math.Inf(1)
	}
	return (s.BestAsk - s.BestBid) / mid
}

// Depth is the USD notional resting on both sides of the book.
func (s OrderbookState) Depth() float64 {
	return s.BidSize + s.AskSize
}

// Crossed reports a bid at or above the ask.
func (s OrderbookState) Crossed() bool {
	return s.HasBid() && s.HasAsk() && s.BestBid >= s.BestAsk
}

// Snapshot converts the state into a tick, used to seed the book from a REST
// snapshot after a reconnect.
func (s OrderbookState) Snapshot() TickEvent {
	return TickEvent{
		Token:   s.Token,
		Bid:     s.BestBid,
		BidSize: s.BidSize,
		Ask:     s.BestAsk,
		AskSize: s.AskSize,
		TS:      s.LastUpdate,
	}
}

// DepthUSD sums price*size over the first n levels.
func DepthUSD(levels []PriceLevel, n int) float64 {
	var total float64
	for i, l := range levels {
		if i >= n {
			break
		}
		total += l.Price * l.Size
	}
	return total
}
