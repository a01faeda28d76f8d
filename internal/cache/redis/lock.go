package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// unlockLua is a Lua script that deletes a lock key only if its value matches
// the caller's unique token. This prevents one holder from accidentally
// releasing another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua pushes the TTL out only while the caller still holds the lock.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using Redis SETNX with a TTL and
// a Lua-based conditional unlock.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func lockKey(key string) string {
	return "expirybot:lock:" + key
}

// Acquire attempts to obtain a distributed lock for the given key with the
// specified TTL. On success it returns an unlock function that must be called
// to release the lock. The unlock function is safe to call multiple times.
//
// It returns domain.ErrLockHeld if the lock is already held by another party.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := lm.acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lm.unlocker(key, token), nil
}

// Hold acquires key and keeps extending it every ttl/3 until ctx is done or
// the returned release is called. A lost lock is logged; the holder is
// expected to notice through its own ctx.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration, logger *slog.Logger) (func(), error) {
	token, err := lm.acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	unlock := lm.unlocker(key, token)

	hctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				n, err := lm.extendSc.Run(hctx, lm.rdb, []string{lockKey(key)}, token, ttl.Milliseconds()).Int64()
				if err != nil && hctx.Err() == nil {
					logger.Warn("lock refresh failed", slog.String("lock", key), slog.String("error", err.Error()))
				} else if err == nil && n == 0 {
					logger.Error("lock lost", slog.String("lock", key))
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
		unlock()
	}, nil
}

func (lm *LockManager) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := lm.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", domain.ErrLockHeld
	}
	return token, nil
}

func (lm *LockManager) unlocker(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// Use a background context so unlock succeeds even if the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lockKey(key)}, token).Err()
		})
	}
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
