package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Ledger implements domain.OrderLedger on Redis so idempotency survives a
// restart. Each key holds the JSON-encoded result with a TTL.
type Ledger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLedger creates a Ledger retaining results for ttl.
func NewLedger(c *Client, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ledger{rdb: c.Underlying(), ttl: ttl}
}

func ledgerKey(key string) string {
	return "expirybot:order:" + key
}

// Lookup returns the stored result for key.
func (l *Ledger) Lookup(ctx context.Context, key string) (domain.OrderResult, bool, error) {
	data, err := l.rdb.Get(ctx, ledgerKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OrderResult{}, false, nil
		}
		return domain.OrderResult{}, false, fmt.Errorf("redis: ledger lookup %s: %w", key, err)
	}
	res, err := decodeResult(data)
	if err != nil {
		return domain.OrderResult{}, false, fmt.Errorf("redis: ledger lookup %s: %w", key, err)
	}
	return res, true, nil
}

// Store records res under key, replacing any earlier record.
func (l *Ledger) Store(ctx context.Context, key string, res domain.OrderResult) error {
	data, err := encodeResult(res)
	if err != nil {
		return fmt.Errorf("redis: ledger store %s: %w", key, err)
	}
	if err := l.rdb.Set(ctx, ledgerKey(key), data, l.ttl).Err(); err != nil {
		return fmt.Errorf("redis: ledger store %s: %w", key, err)
	}
	return nil
}

// ledgerRecord is the stored form of an OrderResult.
type ledgerRecord struct {
	Key        string  `json:"key"`
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"`
	FilledSize float64 `json:"filled_size"`
	AvgPrice   float64 `json:"avg_price"`
	Attempts   int     `json:"attempts"`
	Emergency  bool    `json:"emergency,omitempty"`
	Message    string  `json:"message,omitempty"`
}

func encodeResult(res domain.OrderResult) ([]byte, error) {
	return json.Marshal(ledgerRecord{
		Key:        res.Key,
		OrderID:    res.OrderID,
		Status:     string(res.Status),
		FilledSize: res.FilledSize,
		AvgPrice:   res.AvgPrice,
		Attempts:   res.Attempts,
		Emergency:  res.Emergency,
		Message:    res.Message,
	})
}

func decodeResult(data []byte) (domain.OrderResult, error) {
	var r ledgerRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.OrderResult{}, err
	}
	return domain.OrderResult{
		Key:        r.Key,
		OrderID:    r.OrderID,
		Status:     domain.OrderStatus(r.Status),
		FilledSize: r.FilledSize,
		AvgPrice:   r.AvgPrice,
		Attempts:   r.Attempts,
		Emergency:  r.Emergency,
		Message:    r.Message,
	}, nil
}

// Compile-time interface check.
var _ domain.OrderLedger = (*Ledger)(nil)
