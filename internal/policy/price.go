package policy

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

const (
	// sizeDecimals is the share precision accepted by the venue.
	sizeDecimals = 2
	maxPrice     = 0.99
	// fallbackFraction prices an exit at half the entry when no bid is known.
	fallbackFraction = 0.5
)

func floorToTick(price, tick float64) float64 {
	t := decimal.NewFromFloat(tick)
	q := decimal.NewFromFloat(price).Div(t).Floor()
	f, _ := q.Mul(t).Float64()
	return f
}

func roundToTick(price, tick float64) float64 {
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).Float64()
	return f
}

func clampPrice(price, tick float64) float64 {
	if price < tick {
		return tick
	}
	if price > maxPrice {
		return maxPrice
	}
	return price
}

// EntryPrice is the limit for a buy at ask: ask plus slippage on the tick
// grid, capped at 0.99 and never below the ask itself.
func EntryPrice(cfg domain.EngineConfig, ask float64) float64 {
	lf, _ := decimal.NewFromFloat(ask).Mul(decimal.NewFromFloat(1 + cfg.SlippagePct)).Float64()
	p := roundToTick(lf, cfg.TickSize)
	if p < ask {
		p = ask
	}
	return clampPrice(p, cfg.TickSize)
}

// EntrySize is the share count the budget buys at ask, truncated to two
// decimals and capped by the USD depth resting at the ask.
func EntrySize(cfg domain.EngineConfig, ask, askDepthUSD float64) float64 {
	if ask <= 0 {
		return 0
	}
	budget := cfg.MaxPositionUSD
	if askDepthUSD > 0 && askDepthUSD < budget {
		budget = askDepthUSD
	}
	size, _ := decimal.NewFromFloat(budget).
		Div(decimal.NewFromFloat(ask)).
		Truncate(sizeDecimals).
		Float64()
	return size
}

// ExitPrice is the limit for the attempt-th sell (1-based) given the best bid:
// bid less slippage on the tick grid, never above the bid, one tick lower for
// every resubmission. With no bid the position is offered at half its entry.
func ExitPrice(cfg domain.EngineConfig, bid, entryPrice float64, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	if bid <= 0 {
		return clampPrice(floorToTick(entryPrice*fallbackFraction, cfg.TickSize), cfg.TickSize)
	}
	lf, _ := decimal.NewFromFloat(bid).Mul(decimal.NewFromFloat(1 - cfg.SlippagePct)).Float64()
	p := roundToTick(lf, cfg.TickSize)
	if ceil := floorToTick(bid, cfg.TickSize); p > ceil {
		p = ceil
	}
	p, _ = decimal.NewFromFloat(p).
		Sub(decimal.NewFromFloat(cfg.TickSize).Mul(decimal.NewFromInt(int64(attempt - 1)))).
		Float64()
	return clampPrice(p, cfg.TickSize)
}

// EmergencyPrice is the steeply discounted last-chance sell price.
func EmergencyPrice(cfg domain.EngineConfig, bid float64) float64 {
	if bid <= 0 {
		return cfg.TickSize
	}
	p, _ := decimal.NewFromFloat(bid).
		Mul(decimal.NewFromFloat(1 - cfg.EmergencyDiscountPct)).
		Float64()
	return clampPrice(floorToTick(p, cfg.TickSize), cfg.TickSize)
}

// RoundSize truncates a share quantity to venue precision.
func RoundSize(size float64) float64 {
	f, _ := decimal.NewFromFloat(size).Truncate(sizeDecimals).Float64()
	return f
}
