package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// defaultStreamMaxLen is the approximate maximum length for Redis streams,
// enforced via XADD MAXLEN ~.
const defaultStreamMaxLen int64 = 10000

// EventBus implements domain.EventBus using Redis Pub/Sub for live
// consumers and a capped Redis Stream for replay.
type EventBus struct {
	rdb    *redis.Client
	maxLen int64
}

// NewEventBus creates an EventBus. maxLen <= 0 uses the default cap.
func NewEventBus(c *Client, maxLen int64) *EventBus {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &EventBus{rdb: c.Underlying(), maxLen: maxLen}
}

// Publish sends a raw byte payload to a Redis Pub/Sub channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// StreamAppend appends a payload to a Redis stream using XADD with an
// approximate MAXLEN for automatic trimming.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// EventSink publishes engine trade events on a channel and appends them to
// a stream. It implements engine.EventSink.
type EventSink struct {
	bus     domain.EventBus
	channel string
	stream  string
}

// NewEventSink creates a sink. Either channel or stream may be empty to
// skip that half.
func NewEventSink(bus domain.EventBus, channel, stream string) *EventSink {
	return &EventSink{bus: bus, channel: channel, stream: stream}
}

// HandleTradeEvent encodes ev as JSON and hands it to the bus.
func (s *EventSink) HandleTradeEvent(ctx context.Context, ev domain.TradeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	if s.channel != "" {
		if err := s.bus.Publish(ctx, s.channel, payload); err != nil {
			return err
		}
	}
	if s.stream != "" {
		if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
			return err
		}
	}
	return nil
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)
