package engine

import (
	"sync"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

type statsTracker struct {
	mu sync.Mutex
	s  domain.TradingStats
}

func (t *statsTracker) opened(p domain.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.VolumeUSD += p.EntryPrice * p.Size
}

func (t *statsTracker) finished(p domain.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.s.TotalTrades++
	t.s.RealizedPnL += p.RealizedPnL
	t.s.VolumeUSD += p.ExitNotional
	switch {
	case p.State == domain.StateFailed:
		t.s.FailedTrades++
		t.s.LosingTrades++
	case p.RealizedPnL > 0:
		t.s.WinningTrades++
	default:
		t.s.LosingTrades++
	}
	if p.LastExitReason == domain.ReasonForcedTime {
		t.s.ForcedExits++
	}
	if p.LastExitReason.Safety() {
		t.s.SafetyExits++
	}
}

func (t *statsTracker) snapshot() domain.TradingStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}
