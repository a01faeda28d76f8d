package feed

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base * Factor^attempt, capped at Max,
// then spread by ±Jitter (a fraction) so reconnecting clients do not stampede.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64

	rand func() float64
}

// DefaultBackoff is 500ms doubling to 30s with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Factor: 2, Max: 30 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before reconnect attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt && d < float64(b.Max); i++ {
		d *= b.Factor
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d += d * b.Jitter * (2*r() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
