package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// ReconnectObserver is notified on every reconnect attempt.
type ReconnectObserver interface {
	FeedReconnect()
}

// Options tunes an Adapter.
type Options struct {
	Backoff Backoff
	// Heartbeat is the longest silence tolerated on a live stream before it
	// is considered dead.
	Heartbeat time.Duration
	// SnapshotTimeout bounds each REST snapshot request.
	SnapshotTimeout time.Duration
	Observer        ReconnectObserver
	Now             func() time.Time
}

// Adapter owns the streaming subscription. It keeps the token set, applies
// ticks to Books, pushes them to the coalescing queue, and reconnects with
// backoff for as long as any token is subscribed.
type Adapter struct {
	source domain.MarketData
	books  *Books
	queue  *Coalescer
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]struct{}
	stream domain.TickStream
	wake   chan struct{}

	connected  atomic.Bool
	reconnects atomic.Int64
	lastTick   atomic.Int64
	lastErr    atomic.Pointer[string]
}

// NewAdapter creates an adapter reading from source.
func NewAdapter(source domain.MarketData, opts Options, logger *slog.Logger) *Adapter {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 60 * time.Second
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{
		source: source,
		books:  NewBooks(),
		queue:  NewCoalescer(),
		opts:   opts,
		logger: logger.With(slog.String("component", "feed")),
		tokens: make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Queue is the coalescing tick queue consumed by the engine.
func (a *Adapter) Queue() *Coalescer { return a.queue }

// Current returns token's latest quote.
func (a *Adapter) Current(token string) (domain.OrderbookState, bool) {
	return a.books.Current(token)
}

// StalenessSince reports how long token has been silent.
func (a *Adapter) StalenessSince(token string, now time.Time) time.Duration {
	return a.books.StalenessSince(token, now)
}

// Subscribe adds tokens to the subscription set. On a live stream they are
// subscribed immediately; otherwise the next session picks them up.
func (a *Adapter) Subscribe(ctx context.Context, tokens []string) error {
	now := a.opts.Now()
	a.mu.Lock()
	var added []string
	for _, t := range tokens {
		if _, ok := a.tokens[t]; ok || t == "" {
			continue
		}
		a.tokens[t] = struct{}{}
		a.books.Track(t, now)
		added = append(added, t)
	}
	stream := a.stream
	a.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
	if stream == nil {
		return nil
	}
	if err := stream.Subscribe(ctx, added); err != nil {
		// The session will notice the dead stream and resubscribe everything.
		return fmt.Errorf("feed: subscribe %d tokens: %w", len(added), err)
	}
	a.refreshSnapshots(ctx, added)
	return nil
}

// Unsubscribe removes tokens and forgets their quotes.
func (a *Adapter) Unsubscribe(ctx context.Context, tokens []string) error {
	a.mu.Lock()
	var removed []string
	for _, t := range tokens {
		if _, ok := a.tokens[t]; !ok {
			continue
		}
		delete(a.tokens, t)
		a.books.Forget(t)
		removed = append(removed, t)
	}
	stream := a.stream
	a.mu.Unlock()

	if stream == nil || len(removed) == 0 {
		return nil
	}
	if err := stream.Unsubscribe(ctx, removed); err != nil {
		return fmt.Errorf("feed: unsubscribe %d tokens: %w", len(removed), err)
	}
	return nil
}

// Snapshot fetches token's book over REST and applies it. It is the fallback
// when the stream has gone quiet.
func (a *Adapter) Snapshot(ctx context.Context, token string) (domain.OrderbookState, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.SnapshotTimeout)
	defer cancel()
	snap, err := a.source.Snapshot(ctx, token)
	if err != nil {
		return domain.OrderbookState{}, fmt.Errorf("feed: snapshot %s: %w", token, err)
	}
	snap.Token = token
	if snap.LastUpdate.IsZero() {
		snap.LastUpdate = a.opts.Now()
	}
	a.deliver(snap.Snapshot())
	st, _ := a.books.Current(token)
	return st, nil
}

// Health reports connection state for status().
func (a *Adapter) Health() domain.FeedHealth {
	a.mu.Lock()
	n := len(a.tokens)
	a.mu.Unlock()
	h := domain.FeedHealth{
		Connected:  a.connected.Load(),
		Tokens:     n,
		Reconnects: a.reconnects.Load(),
	}
	if ns := a.lastTick.Load(); ns > 0 {
		h.LastTick = time.Unix(0, ns)
	}
	if e := a.lastErr.Load(); e != nil {
		h.LastError = *e
	}
	return h
}

// Run keeps a session alive until ctx is cancelled. While no token is
// subscribed it idles; otherwise every dropped session is retried after a
// backoff delay, without limit.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("feed adapter started")
	defer a.logger.Info("feed adapter stopped")

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.tokenCount() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-a.wake:
				continue
			}
		}

		healthy, err := a.session(ctx)
		a.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if healthy {
			attempt = 0
		}

		ferr := domain.NewError(domain.KindFeedDisconnected, "feed session", err)
		msg := ferr.Error()
		a.lastErr.Store(&msg)
		delay := a.opts.Backoff.Delay(attempt)
		attempt++
		a.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", msg),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		a.reconnects.Add(1)
		if a.opts.Observer != nil {
			a.opts.Observer.FeedReconnect()
		}
	}
}

// session dials, subscribes the full token set, reseeds every book from a
// REST snapshot and pumps ticks until the stream fails. healthy reports
// whether the subscription was established.
func (a *Adapter) session(ctx context.Context) (healthy bool, err error) {
	stream, err := a.source.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer stream.Close()

	a.mu.Lock()
	a.stream = stream
	tokens := make([]string, 0, len(a.tokens))
	for t := range a.tokens {
		tokens = append(tokens, t)
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.stream = nil
		a.mu.Unlock()
	}()

	if err := stream.Subscribe(ctx, tokens); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	a.refreshSnapshots(ctx, tokens)
	a.connected.Store(true)
	a.logger.Info("feed subscribed", slog.Int("tokens", len(tokens)))

	for {
		rctx, cancel := context.WithTimeout(ctx, a.opts.Heartbeat)
		tick, err := stream.Recv(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return true, fmt.Errorf("no message for %s: %w", a.opts.Heartbeat, domain.ErrWSDisconnect)
			}
			return true, err
		}
		a.deliver(tick)
	}
}

func (a *Adapter) refreshSnapshots(ctx context.Context, tokens []string) {
	for _, t := range tokens {
		if _, err := a.Snapshot(ctx, t); err != nil {
			a.logger.Warn("snapshot refresh failed", slog.String("token", t), slog.String("error", err.Error()))
		}
	}
}

func (a *Adapter) deliver(tick domain.TickEvent) {
	if !a.books.Apply(tick) {
		return
	}
	a.lastTick.Store(a.opts.Now().UnixNano())
	a.queue.Push(tick)
}

func (a *Adapter) tokenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tokens)
}
