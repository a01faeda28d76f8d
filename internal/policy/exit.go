package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// ExitInput is everything the exit ladder looks at for one decision cycle.
type ExitInput struct {
	Book             domain.OrderbookState
	Staleness        time.Duration
	SecondsRemaining float64
	EntryPrice       float64
}

// ExitDecision names the winning rule. Bid is the reference price the exit
// should be priced from; NeedSnapshot asks the caller to fetch a fresh book
// because no bid is known.
type ExitDecision struct {
	Exit         bool
	Reason       domain.ExitReason
	Bid          float64
	NeedSnapshot bool
}

// Exit runs the priority ladder. The first matching rule wins:
//
//  1. forced_time        seconds remaining at or under the forced exit lead
//  2. liquidity_collapse bid depth under the liquidity floor
//  3. spread_blowout     spread over the exit cap
//  4. stale_feed         no update for longer than the staleness limit
//  5. profit_target      bid at or over entry * multiplier
//
// Safety rules outrank profit taking so a favourable print on a broken book
// never masks a risk exit.
func Exit(cfg domain.EngineConfig, in ExitInput) ExitDecision {
	b := in.Book
	d := ExitDecision{Exit: true, Bid: b.BestBid}

	switch {
	case in.SecondsRemaining <= cfg.ForcedExit.Seconds():
		d.Reason = domain.ReasonForcedTime
	case b.BidSize < cfg.MinLiquidityUSD:
		d.Reason = domain.ReasonLiquidityCollapse
	case b.Spread() > cfg.MaxSpreadPct:
		d.Reason = domain.ReasonSpreadBlowout
	case in.Staleness > cfg.StaleFeedThreshold:
		d.Reason = domain.ReasonStaleFeed
		d.NeedSnapshot = !b.HasBid()
	case b.HasBid() && reachedTarget(cfg, b.BestBid, in.EntryPrice):
		d.Reason = domain.ReasonProfitTarget
	default:
		return ExitDecision{}
	}
	return d
}

// ProfitTarget is the bid at which profit_target fires.
func ProfitTarget(cfg domain.EngineConfig, entryPrice float64) float64 {
	f, _ := profitTarget(cfg, entryPrice).Float64()
	return f
}

func profitTarget(cfg domain.EngineConfig, entryPrice float64) decimal.Decimal {
	return decimal.NewFromFloat(entryPrice).Mul(decimal.NewFromFloat(cfg.ProfitMultiplier))
}

// reachedTarget compares in decimal so 0.02*3 matches a 0.06 bid exactly.
func reachedTarget(cfg domain.EngineConfig, bid, entryPrice float64) bool {
	return decimal.NewFromFloat(bid).GreaterThanOrEqual(profitTarget(cfg, entryPrice))
}
