package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EngineConfig is the immutable threshold snapshot every trading component
// reads. Values are replaced as a whole, never edited in place; the With*
// helpers return modified copies.
type EngineConfig struct {
	EntryThresholdPct      float64
	MaxEntrySpreadPct      float64
	MaxSpreadPct           float64
	MinLiquidityUSD        float64
	ProfitMultiplier       float64
	ForcedExit             time.Duration
	MinEntryWindow         time.Duration
	MaxEntryWindow         time.Duration
	MaxRetries             int
	RetryBackoff           time.Duration
	StaleFeedThreshold     time.Duration
	MaxPositionUSD         float64
	MaxConcurrentPositions int
	MaxExitAttempts        int
	SlippagePct            float64
	EmergencyDiscountPct   float64
	CriticalWindow         time.Duration
	CallTimeout            time.Duration
	TickSize               float64
	MinOrderSize           float64
}

// DefaultEngineConfig mirrors the production defaults of the bot.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		EntryThresholdPct:      0.03,
		MaxEntrySpreadPct:      0.015,
		MaxSpreadPct:           0.015,
		MinLiquidityUSD:        50,
		ProfitMultiplier:       2,
		ForcedExit:             25 * time.Second,
		MinEntryWindow:         55 * time.Second,
		MaxEntryWindow:         10 * time.Minute,
		MaxRetries:             3,
		RetryBackoff:           200 * time.Millisecond,
		StaleFeedThreshold:     5 * time.Second,
		MaxPositionUSD:         10,
		MaxConcurrentPositions: 3,
		MaxExitAttempts:        5,
		SlippagePct:            0.005,
		EmergencyDiscountPct:   0.10,
		CriticalWindow:         10 * time.Second,
		CallTimeout:            5 * time.Second,
		TickSize:               0.01,
		MinOrderSize:           1,
	}
}

// Validate returns a ConfigInvalid error listing every bad value.
func (c EngineConfig) Validate() error {
	var errs []string
	if c.EntryThresholdPct <= 0 || c.EntryThresholdPct >= 1 {
		errs = append(errs, fmt.Sprintf("entry_threshold_pct must be in (0,1), got %g", c.EntryThresholdPct))
	}
	if c.MaxEntrySpreadPct <= 0 {
		errs = append(errs, "max_entry_spread_pct must be > 0")
	}
	if c.MaxSpreadPct <= 0 {
		errs = append(errs, "max_spread_pct must be > 0")
	}
	if c.MinLiquidityUSD < 0 {
		errs = append(errs, "min_liquidity_usd must be >= 0")
	}
	if c.ProfitMultiplier <= 1 {
		errs = append(errs, fmt.Sprintf("profit_multiplier must be > 1, got %g", c.ProfitMultiplier))
	}
	if c.ForcedExit <= 0 {
		errs = append(errs, "forced_exit_seconds must be > 0")
	}
	if c.MinEntryWindow < 0 || c.MaxEntryWindow <= c.MinEntryWindow {
		errs = append(errs, "entry window must satisfy 0 <= min_entry_window < max_entry_window")
	}
	if c.MinEntryWindow > 0 && c.MinEntryWindow <= c.ForcedExit {
		errs = append(errs, "min_entry_window must exceed forced_exit_seconds")
	}
	if c.MaxRetries < 1 {
		errs = append(errs, "max_retries must be >= 1")
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, "retry_backoff_ms must be >= 0")
	}
	if c.StaleFeedThreshold <= 0 {
		errs = append(errs, "stale_feed_threshold_sec must be > 0")
	}
	if c.MaxPositionUSD <= 0 {
		errs = append(errs, "max_position_usd must be > 0")
	}
	if c.MaxConcurrentPositions < 1 {
		errs = append(errs, "max_concurrent_positions must be >= 1")
	}
	if c.MaxExitAttempts < 1 {
		errs = append(errs, "max_exit_attempts must be >= 1")
	}
	if c.SlippagePct < 0 || c.SlippagePct >= 1 {
		errs = append(errs, "slippage_pct must be in [0,1)")
	}
	if c.EmergencyDiscountPct <= 0 || c.EmergencyDiscountPct >= 1 {
		errs = append(errs, "emergency_discount_pct must be in (0,1)")
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, "call_timeout must be > 0")
	}
	if c.TickSize <= 0 || c.TickSize >= 1 {
		errs = append(errs, "tick_size must be in (0,1)")
	}
	if len(errs) > 0 {
		return NewError(KindConfigInvalid, "engine config", errors.New(strings.Join(errs, "; ")))
	}
	return nil
}

// WithEntryThreshold returns a validated copy with a new entry ceiling.
func (c EngineConfig) WithEntryThreshold(v float64) (EngineConfig, error) {
	c.EntryThresholdPct = v
	return c, c.Validate()
}

// WithProfitMultiplier returns a validated copy with a new profit multiplier.
func (c EngineConfig) WithProfitMultiplier(v float64) (EngineConfig, error) {
	c.ProfitMultiplier = v
	return c, c.Validate()
}

// WithForcedExit returns a validated copy with a new forced exit lead time.
func (c EngineConfig) WithForcedExit(d time.Duration) (EngineConfig, error) {
	c.ForcedExit = d
	if c.MinEntryWindow <= d {
		c.MinEntryWindow = d + 30*time.Second
	}
	return c, c.Validate()
}

// WithPositionSize returns a validated copy with a new per-position budget.
func (c EngineConfig) WithPositionSize(usd float64) (EngineConfig, error) {
	c.MaxPositionUSD = usd
	return c, c.Validate()
}
