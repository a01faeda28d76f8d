package domain

import (
	"context"
	"time"
)

// OrderLedger records the terminal result of each idempotency key so that a
// replayed key returns the first outcome instead of trading again.
type OrderLedger interface {
	Lookup(ctx context.Context, key string) (OrderResult, bool, error)
	Store(ctx context.Context, key string, res OrderResult) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus fans trade events out to other processes.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
