// Package feed keeps the latest orderbook quote per token from a streaming
// market-data connection and exposes how stale each quote is.
package feed

import (
	"sync"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

type bookEntry struct {
	state   domain.OrderbookState
	seen    bool
	tracked time.Time
}

// Books is the per-token quote store. The adapter is its only writer; any
// number of market actors read it.
type Books struct {
	mu      sync.RWMutex
	entries map[string]*bookEntry
}

// NewBooks returns an empty store.
func NewBooks() *Books {
	return &Books{entries: make(map[string]*bookEntry)}
}

// Track starts staleness accounting for token at now. Tracking an already
// known token is a no-op.
func (b *Books) Track(token string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[token]; !ok {
		b.entries[token] = &bookEntry{state: domain.OrderbookState{Token: token}, tracked: now}
	}
}

// Forget drops token.
func (b *Books) Forget(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, token)
}

// Apply replaces token's quote with tick (last write wins). Ticks for
// untracked tokens are dropped and Apply reports false.
func (b *Books) Apply(tick domain.TickEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[tick.Token]
	if !ok {
		return false
	}
	e.state = e.state.Apply(tick)
	e.seen = true
	return true
}

// Current returns token's latest quote. ok is false until the first tick.
func (b *Books) Current(token string) (domain.OrderbookState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[token]
	if !ok || !e.seen {
		return domain.OrderbookState{Token: token}, false
	}
	return e.state, true
}

// StalenessSince is the time since token was last updated, or since it was
// tracked if no tick has arrived yet. Unknown tokens are infinitely stale.
func (b *Books) StalenessSince(token string, now time.Time) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[token]
	if !ok {
		return time.Duration(1<<63 - 1)
	}
	ref := e.tracked
	if e.seen {
		ref = e.state.LastUpdate
	}
	if d := now.Sub(ref); d > 0 {
		return d
	}
	return 0
}

// Tokens lists every tracked token.
func (b *Books) Tokens() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.entries))
	for t := range b.entries {
		out = append(out, t)
	}
	return out
}
