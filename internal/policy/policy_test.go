package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

func testConfig() domain.EngineConfig {
	return domain.DefaultEngineConfig()
}

func healthyBook(bid, ask float64) domain.OrderbookState {
	return domain.OrderbookState{Token: "yes", BestBid: bid, BestAsk: ask, BidSize: 500, AskSize: 500}
}

func TestEntryScenarioA(t *testing.T) {
	cfg := testConfig()
	cfg.EntryThresholdPct = 0.03
	// (0.02-0.0198)/0.0199 ≈ 0.01
	book := domain.OrderbookState{Token: "yes", BestBid: 0.0198, BestAsk: 0.02, BidSize: 100, AskSize: 100}

	d := Entry(cfg, domain.StateIdle, book, 120)

	assert.True(t, d.Enter, d.Reject)
	assert.Equal(t, "yes", d.Token)
	assert.InDelta(t, 0.02, d.Price, 1e-12)
	assert.InDelta(t, 500, d.Size, 1e-9)
}

func TestEntryRejectsOnAnySingleFailure(t *testing.T) {
	cfg := testConfig()
	base := domain.OrderbookState{Token: "yes", BestBid: 0.0198, BestAsk: 0.02, BidSize: 100, AskSize: 100}

	cases := []struct {
		name    string
		state   domain.PositionState
		book    func(domain.OrderbookState) domain.OrderbookState
		seconds float64
		reject  string
	}{
		{"ask above threshold", domain.StateIdle, func(b domain.OrderbookState) domain.OrderbookState { b.BestAsk = 0.04; b.BestBid = 0.0398; return b }, 120, RejectAskTooHigh},
		{"wide spread", domain.StateIdle, func(b domain.OrderbookState) domain.OrderbookState { b.BestBid = 0.01; return b }, 120, RejectSpread},
		{"thin ask", domain.StateIdle, func(b domain.OrderbookState) domain.OrderbookState { b.AskSize = 10; return b }, 120, RejectLiquidity},
		{"too close to expiry", domain.StateIdle, func(b domain.OrderbookState) domain.OrderbookState { return b }, 30, RejectWindow},
		{"too far from expiry", domain.StateIdle, func(b domain.OrderbookState) domain.OrderbookState { return b }, 3600, RejectWindow},
		{"position open", domain.StateOpen, func(b domain.OrderbookState) domain.OrderbookState { return b }, 120, RejectPositionLive},
		{"position exiting", domain.StateExiting, func(b domain.OrderbookState) domain.OrderbookState { return b }, 120, RejectPositionLive},
		{"no bid", domain.StateIdle, func(b domain.OrderbookState) domain.OrderbookState { b.BestBid = 0; return b }, 120, RejectNoQuote},
		{"crossed", domain.StateIdle, func(b domain.OrderbookState) domain.OrderbookState { b.BestBid = 0.03; return b }, 120, RejectNoQuote},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Entry(cfg, tc.state, tc.book(base), tc.seconds)
			assert.False(t, d.Enter)
			assert.Equal(t, tc.reject, d.Reject)
		})
	}
}

func TestEntryAllowedAfterClose(t *testing.T) {
	book := domain.OrderbookState{Token: "yes", BestBid: 0.0198, BestAsk: 0.02, BidSize: 100, AskSize: 100}
	assert.True(t, Entry(testConfig(), domain.StateClosed, book, 120).Enter)
}

func TestChooseEntryPicksCheaperToken(t *testing.T) {
	cfg := testConfig()
	yes := domain.OrderbookState{Token: "yes", BestBid: 0.0297, BestAsk: 0.03, BidSize: 100, AskSize: 100}
	no := domain.OrderbookState{Token: "no", BestBid: 0.0198, BestAsk: 0.02, BidSize: 100, AskSize: 100}

	d := ChooseEntry(cfg, domain.StateIdle, 120, yes, no)
	assert.True(t, d.Enter)
	assert.Equal(t, "no", d.Token)

	no.AskSize = 0
	d = ChooseEntry(cfg, domain.StateIdle, 120, yes, no)
	assert.Equal(t, "yes", d.Token)
}

func TestExitScenarioBForcedTimeBeatsProfit(t *testing.T) {
	cfg := testConfig()
	cfg.ForcedExit = 25 * time.Second
	in := ExitInput{Book: healthyBook(0.10, 0.101), SecondsRemaining: 24, EntryPrice: 0.02}

	d := Exit(cfg, in)
	assert.True(t, d.Exit)
	assert.Equal(t, domain.ReasonForcedTime, d.Reason)
}

func TestExitLiquidityCollapseBeatsProfit(t *testing.T) {
	cfg := testConfig()
	book := healthyBook(0.10, 0.101)
	book.BidSize = cfg.MinLiquidityUSD - 1

	d := Exit(cfg, ExitInput{Book: book, SecondsRemaining: 200, EntryPrice: 0.02})
	assert.Equal(t, domain.ReasonLiquidityCollapse, d.Reason)
}

func TestExitScenarioCProfitTargetFiresAtFirstQualifyingBid(t *testing.T) {
	cfg := testConfig()
	cfg.ProfitMultiplier = 3
	cfg.MaxSpreadPct = 0.05

	var fired []domain.ExitReason
	for _, bid := range []float64{0.02, 0.04, 0.065} {
		d := Exit(cfg, ExitInput{Book: healthyBook(bid, bid+0.001), SecondsRemaining: 200, EntryPrice: 0.02})
		fired = append(fired, d.Reason)
	}
	assert.Equal(t, []domain.ExitReason{domain.ReasonNone, domain.ReasonNone, domain.ReasonProfitTarget}, fired)

	d := Exit(cfg, ExitInput{Book: healthyBook(0.06, 0.0605), SecondsRemaining: 200, EntryPrice: 0.02})
	assert.Equal(t, domain.ReasonProfitTarget, d.Reason, "target is inclusive")
}

func TestExitScenarioEStaleFeedUsesLastBid(t *testing.T) {
	cfg := testConfig()
	cfg.StaleFeedThreshold = 5 * time.Second

	d := Exit(cfg, ExitInput{Book: healthyBook(0.03, 0.0301), Staleness: 10 * time.Second, SecondsRemaining: 200, EntryPrice: 0.02})
	assert.Equal(t, domain.ReasonStaleFeed, d.Reason)
	assert.InDelta(t, 0.03, d.Bid, 1e-12)
	assert.False(t, d.NeedSnapshot)
}

func TestExitSpreadBlowout(t *testing.T) {
	d := Exit(testConfig(), ExitInput{Book: healthyBook(0.03, 0.05), SecondsRemaining: 200, EntryPrice: 0.02})
	assert.Equal(t, domain.ReasonSpreadBlowout, d.Reason)
}

func TestExitHoldsWhenNothingMatches(t *testing.T) {
	d := Exit(testConfig(), ExitInput{Book: healthyBook(0.03, 0.0301), Staleness: time.Second, SecondsRemaining: 200, EntryPrice: 0.02})
	assert.Equal(t, ExitDecision{}, d)
}

func TestExitIsIdempotent(t *testing.T) {
	cfg := testConfig()
	in := ExitInput{Book: healthyBook(0.05, 0.0501), Staleness: 2 * time.Second, SecondsRemaining: 100, EntryPrice: 0.02}
	assert.Equal(t, Exit(cfg, in), Exit(cfg, in))
}

func TestExitPricing(t *testing.T) {
	cfg := testConfig()

	assert.InDelta(t, 0.06, ExitPrice(cfg, 0.065, 0.02, 1), 1e-12)
	assert.InDelta(t, 0.05, ExitPrice(cfg, 0.065, 0.02, 2), 1e-12)
	assert.InDelta(t, 0.01, ExitPrice(cfg, 0.065, 0.02, 9), 1e-12, "never below one tick")
	assert.InDelta(t, 0.01, ExitPrice(cfg, 0, 0.02, 1), 1e-12, "half of entry floors at tick")
	assert.InDelta(t, 0.20, ExitPrice(cfg, 0, 0.40, 1), 1e-12)

	assert.InDelta(t, 0.04, EmergencyPrice(cfg, 0.05), 1e-12)
	assert.InDelta(t, 0.01, EmergencyPrice(cfg, 0), 1e-12)
	assert.InDelta(t, 0.99, EntryPrice(cfg, 0.99), 1e-12)
	assert.InDelta(t, 3.33, EntrySize(cfg, 3, 0), 1e-12)
	assert.InDelta(t, 250, EntrySize(cfg, 0.02, 5), 1e-9, "capped by depth at ask")
}
