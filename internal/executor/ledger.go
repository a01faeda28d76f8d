package executor

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

type ledgerEntry struct {
	res domain.OrderResult
	at  time.Time
}

// MemoryLedger remembers the terminal result of each idempotency key for a
// TTL window. It is safe for concurrent use.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLedger creates a ledger keeping results for ttl.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]ledgerEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Lookup returns the recorded result for key if it is still within the TTL.
func (l *MemoryLedger) Lookup(_ context.Context, key string) (domain.OrderResult, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || l.now().Sub(e.at) >= l.ttl {
		return domain.OrderResult{}, false, nil
	}
	return e.res, true, nil
}

// Store records res under key, replacing any earlier record.
func (l *MemoryLedger) Store(_ context.Context, key string, res domain.OrderResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = ledgerEntry{res: res, at: l.now()}
	return nil
}

// Cleanup removes entries older than the TTL.
func (l *MemoryLedger) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, e := range l.entries {
		if now.Sub(e.at) >= l.ttl {
			delete(l.entries, k)
		}
	}
}

// Len is the number of retained keys.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run garbage-collects expired keys every interval until ctx is done.
func (l *MemoryLedger) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
