package domain

import "time"

// PositionState is the lifecycle state of a market's position.
type PositionState string

const (
	StateIdle     PositionState = "idle"
	StateEntering PositionState = "entering"
	StateOpen     PositionState = "open"
	StateExiting  PositionState = "exiting"
	StateClosed   PositionState = "closed"
	StateFailed   PositionState = "failed"
)

// Live reports whether the state holds (or is acquiring) inventory.
func (s PositionState) Live() bool {
	return s == StateEntering || s == StateOpen || s == StateExiting
}

// CanEnter reports whether a fresh entry may start from s.
func (s PositionState) CanEnter() bool {
	return s == StateIdle || s == StateClosed
}

// ExitReason names the rule that drove a position out of Open or Exiting.
type ExitReason string

const (
	ReasonNone              ExitReason = ""
	ReasonForcedTime        ExitReason = "forced_time"
	ReasonLiquidityCollapse ExitReason = "liquidity_collapse"
	ReasonSpreadBlowout     ExitReason = "spread_blowout"
	ReasonStaleFeed         ExitReason = "stale_feed"
	ReasonProfitTarget      ExitReason = "profit_target"
	ReasonShutdown          ExitReason = "shutdown"
)

// Safety reports whether the reason is a risk exit rather than profit taking.
func (r ExitReason) Safety() bool {
	switch r {
	case ReasonLiquidityCollapse, ReasonSpreadBlowout, ReasonStaleFeed:
		return true
	default:
		return false
	}
}

// Position is the single live position of a market. It is owned by the
// market's actor and never shared; readers get a PositionSummary.
type Position struct {
	ID             string
	MarketID       string
	Token          string
	Outcome        Outcome
	Side           OrderSide
	State          PositionState
	EntryPrice     float64
	Size           float64
	ExitFilled     float64
	ExitNotional   float64
	ExitAttempts   int
	LastExitReason ExitReason
	RealizedPnL    float64
	OpenedAt       time.Time
	ClosedAt       time.Time
}

// Remaining is the entry size not yet unwound.
func (p Position) Remaining() float64 {
	r := p.Size - p.ExitFilled
	if r < 0 {
		return 0
	}
	return r
}

// ExitPrice is the volume weighted average exit price so far.
func (p Position) ExitPrice() float64 {
	if p.ExitFilled <= 0 {
		return 0
	}
	return p.ExitNotional / p.ExitFilled
}

// Summary returns an immutable copy for external readers.
func (p Position) Summary(question string, expiry time.Time) PositionSummary {
	return PositionSummary{
		ID:             p.ID,
		MarketID:       p.MarketID,
		Question:       question,
		Token:          p.Token,
		Outcome:        p.Outcome,
		Side:           p.Side,
		State:          p.State,
		EntryPrice:     p.EntryPrice,
		Size:           p.Size,
		Remaining:      p.Remaining(),
		ExitPrice:      p.ExitPrice(),
		ExitAttempts:   p.ExitAttempts,
		LastExitReason: p.LastExitReason,
		RealizedPnL:    p.RealizedPnL,
		OpenedAt:       p.OpenedAt,
		Expiry:         expiry,
	}
}

// PositionSummary is the read-only view returned by listPositions.
type PositionSummary struct {
	ID             string        `json:"id"`
	MarketID       string        `json:"market_id"`
	Question       string        `json:"question,omitempty"`
	Token          string        `json:"token"`
	Outcome        Outcome       `json:"outcome"`
	Side           OrderSide     `json:"side"`
	State          PositionState `json:"state"`
	EntryPrice     float64       `json:"entry_price"`
	Size           float64       `json:"size"`
	Remaining      float64       `json:"remaining"`
	ExitPrice      float64       `json:"exit_price,omitempty"`
	ExitAttempts   int           `json:"exit_attempts"`
	LastExitReason ExitReason    `json:"last_exit_reason,omitempty"`
	RealizedPnL    float64       `json:"realized_pnl"`
	OpenedAt       time.Time     `json:"opened_at"`
	Expiry         time.Time     `json:"expiry"`
	Attention      bool          `json:"attention,omitempty"`
}
