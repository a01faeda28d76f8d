package domain

import "time"

// EventKind identifies a trade lifecycle event.
type EventKind string

const (
	EventOpened EventKind = "position_opened"
	EventClosed EventKind = "position_closed"
	EventFailed EventKind = "position_failed"
)

// Severity classifies how urgently an event needs an operator.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityCritical Severity = "critical"
)

// TradeEvent is emitted on every open, close, and failure.
type TradeEvent struct {
	Kind       EventKind  `json:"kind"`
	Severity   Severity   `json:"severity"`
	MarketID   string     `json:"market"`
	Question   string     `json:"question,omitempty"`
	Token      string     `json:"token"`
	Outcome    Outcome    `json:"outcome"`
	Side       OrderSide  `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	Size       float64    `json:"size"`
	Reason     ExitReason `json:"reason,omitempty"`
	PnL        float64    `json:"pnl"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewTradeEvent builds an event from the current position snapshot.
func NewTradeEvent(kind EventKind, p *Position, question string, at time.Time) TradeEvent {
	sev := SeverityInfo
	if kind == EventFailed {
		sev = SeverityCritical
	}
	return TradeEvent{
		Kind:       kind,
		Severity:   sev,
		MarketID:   p.MarketID,
		Question:   question,
		Token:      p.Token,
		Outcome:    p.Outcome,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.ExitPrice(),
		Size:       p.Size,
		Reason:     p.LastExitReason,
		PnL:        p.RealizedPnL,
		Timestamp:  at,
	}
}
