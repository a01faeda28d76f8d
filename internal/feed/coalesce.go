package feed

import (
	"sync"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Coalescer is the bounded hand-off between the transport and the engine.
// It holds at most one pending tick per token; a newer tick for the same
// token overwrites the older one, so a slow consumer only ever sees the
// freshest quote and the queue can never outgrow the token set.
type Coalescer struct {
	mu      sync.Mutex
	pending map[string]domain.TickEvent
	order   []string
	ready   chan struct{}
}

// NewCoalescer returns an empty queue.
func NewCoalescer() *Coalescer {
	return &Coalescer{
		pending: make(map[string]domain.TickEvent),
		ready:   make(chan struct{}, 1),
	}
}

// Push enqueues tick, replacing any pending tick for the same token.
func (c *Coalescer) Push(tick domain.TickEvent) {
	c.mu.Lock()
	if _, ok := c.pending[tick.Token]; !ok {
		c.order = append(c.order, tick.Token)
	}
	c.pending[tick.Token] = tick
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever ticks are pending.
func (c *Coalescer) Ready() <-chan struct{} { return c.ready }

// Drain removes and returns all pending ticks in first-arrival order.
func (c *Coalescer) Drain() []domain.TickEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	out := make([]domain.TickEvent, 0, len(c.order))
	for _, tok := range c.order {
		out = append(out, c.pending[tok])
	}
	clear(c.pending)
	c.order = c.order[:0]
	return out
}

// Len is the number of tokens with a pending tick.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
