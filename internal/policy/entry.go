// Package policy holds the pure entry and exit decision functions. Nothing
// here reads clocks, feeds, or shared state; callers pass every input.
package policy

import (
	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Entry rejection reasons, reported for logging.
const (
	RejectPositionLive = "position_live"
	RejectNoQuote      = "no_quote"
	RejectAskTooHigh   = "ask_above_threshold"
	RejectSpread       = "spread_too_wide"
	RejectLiquidity    = "insufficient_liquidity"
	RejectWindow       = "outside_entry_window"
	RejectSize         = "size_below_minimum"
)

// EntryDecision is the result of evaluating one or both outcome tokens.
type EntryDecision struct {
	Enter  bool
	Token  string
	Ask    float64
	Price  float64
	Size   float64
	Reject string
}

// Entry decides whether to buy book's token. All conditions must hold: ask at
// or under the threshold, spread within the entry cap, enough USD at the ask,
// time remaining inside the entry window, and no live position.
func Entry(cfg domain.EngineConfig, state domain.PositionState, book domain.OrderbookState, secondsRemaining float64) EntryDecision {
	d := EntryDecision{Token: book.Token, Ask: book.BestAsk}

	switch {
	case !state.CanEnter():
		d.Reject = RejectPositionLive
	case !book.HasAsk() || !book.HasBid() || book.Crossed():
		d.Reject = RejectNoQuote
	case book.BestAsk > cfg.EntryThresholdPct:
		d.Reject = RejectAskTooHigh
	case book.Spread() > cfg.MaxEntrySpreadPct:
		d.Reject = RejectSpread
	case book.AskSize < cfg.MinLiquidityUSD:
		d.Reject = RejectLiquidity
	case secondsRemaining < cfg.MinEntryWindow.Seconds() || secondsRemaining > cfg.MaxEntryWindow.Seconds():
		d.Reject = RejectWindow
	}
	if d.Reject != "" {
		return d
	}

	d.Price = EntryPrice(cfg, book.BestAsk)
	d.Size = EntrySize(cfg, d.Price, book.AskSize)
	if d.Size < cfg.MinOrderSize {
		d.Reject = RejectSize
		return d
	}
	d.Enter = true
	return d
}

// ChooseEntry evaluates each outcome token and returns the passing decision
// with the lowest ask. When none pass it returns the first rejection.
func ChooseEntry(cfg domain.EngineConfig, state domain.PositionState, secondsRemaining float64, books ...domain.OrderbookState) EntryDecision {
	var best, first EntryDecision
	for i, b := range books {
		d := Entry(cfg, state, b, secondsRemaining)
		if i == 0 {
			first = d
		}
		if d.Enter && (!best.Enter || d.Ask < best.Ask) {
			best = d
		}
	}
	if best.Enter {
		return best
	}
	return first
}
