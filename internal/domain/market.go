package domain

import (
	"strings"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive  MarketStatus = "active"
	MarketStatusExpired MarketStatus = "expired"
)

// Outcome identifies which of the two complementary tokens a position holds.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Market is a fast-expiring binary market as produced by discovery.
type Market struct {
	ID       string
	Question string
	Slug     string
	YesToken string
	NoToken  string
	Expiry   time.Time
	Status   MarketStatus
}

// Eligible reports whether the record carries every field the engine needs.
// Incomplete records are skipped, not treated as errors.
func (m Market) Eligible() bool {
	return strings.TrimSpace(m.ID) != "" &&
		strings.TrimSpace(m.YesToken) != "" &&
		strings.TrimSpace(m.NoToken) != "" &&
		m.YesToken != m.NoToken &&
		!m.Expiry.IsZero()
}

// SecondsRemaining returns the time to expiry in (fractional) seconds.
// It is negative once the market has expired.
func (m Market) SecondsRemaining(now time.Time) float64 {
	return m.Expiry.Sub(now).Seconds()
}

// Expired reports whether now is at or past the expiry.
func (m Market) Expired(now time.Time) bool {
	return !now.Before(m.Expiry)
}

// Tokens returns the YES and NO token ids in that order.
func (m Market) Tokens() []string {
	return []string{m.YesToken, m.NoToken}
}

// OutcomeOf maps a token id to its outcome. ok is false for foreign tokens.
func (m Market) OutcomeOf(token string) (Outcome, bool) {
	switch token {
	case m.YesToken:
		return OutcomeYes, true
	case m.NoToken:
		return OutcomeNo, true
	default:
		return "", false
	}
}
