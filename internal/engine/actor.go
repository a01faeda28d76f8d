package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/executor"
	"github.com/alanyoungcy/expirybot/internal/policy"
	"github.com/alanyoungcy/expirybot/internal/position"
)

type stopRequest struct {
	reply chan StopReport
}

// actor serializes everything that touches one market's position. Only its
// own goroutine reads or writes m.
type actor struct {
	e      *Engine
	market domain.Market
	m      *position.Machine
	logger *slog.Logger

	wake   chan struct{}
	stopCh chan stopRequest
	done   chan struct{}

	summary   atomic.Pointer[domain.PositionSummary]
	attention atomic.Bool
	paused    atomic.Bool

	resting    restingOrder
	lastExitAt time.Time
	exhausted  bool
	emergency  bool
}

// restingOrder is the exit order last left on the book. booked is the
// quantity of it already recorded on the position.
type restingOrder struct {
	id     string
	price  float64
	booked float64
}

func newActor(e *Engine, m domain.Market) *actor {
	a := &actor{
		e:      e,
		market: m,
		m:      position.NewMachine(m.ID),
		logger: e.logger.With(slog.String("market", m.ID)),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan stopRequest),
		done:   make(chan struct{}),
	}
	a.publish()
	return a
}

// signal requests an evaluation. Pending requests collapse into one.
func (a *actor) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *actor) run(ctx context.Context) {
	defer close(a.done)
	for {
		// Stop requests win over a pending evaluation.
		select {
		case req := <-a.stopCh:
			req.reply <- a.handleStop(ctx)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case req := <-a.stopCh:
			req.reply <- a.handleStop(ctx)
		case <-a.wake:
			if a.evaluate(ctx) {
				a.e.retire(a)
				return
			}
		}
	}
}

// stop asks the actor to flatten and waits for its report.
func (a *actor) stop(ctx context.Context) (StopReport, error) {
	req := stopRequest{reply: make(chan StopReport, 1)}
	select {
	case a.stopCh <- req:
	case <-a.done:
		return StopReport{MarketID: a.market.ID, State: a.lastState()}, nil
	case <-ctx.Done():
		return StopReport{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		return StopReport{}, ctx.Err()
	}
}

func (a *actor) lastState() domain.PositionState {
	if s := a.summary.Load(); s != nil {
		return s.State
	}
	return domain.StateIdle
}

func (a *actor) publish() {
	pos := a.m.Position()
	s := pos.Summary(a.market.Question, a.market.Expiry)
	s.Attention = a.attention.Load()
	a.summary.Store(&s)
}

// evaluate runs one decision cycle. It reports true when the market should
// retire. A panic marks the market for attention and leaves the actor
// running so exits continue.
func (a *actor) evaluate(ctx context.Context) (retire bool) {
	defer func() {
		if r := recover(); r != nil {
			a.attention.Store(true)
			a.e.observer.EvaluationPanic()
			a.logger.Error("evaluation panicked, market needs attention",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			a.publish()
			retire = false
		}
	}()

	cfg := a.e.settings.Load()
	now := a.e.now()
	secs := a.market.SecondsRemaining(now)

	switch a.m.State() {
	case domain.StateIdle, domain.StateClosed, domain.StateFailed:
		if a.market.Expired(now) {
			return true
		}
		a.tryEntry(ctx, cfg, now, secs)
	case domain.StateOpen:
		if a.market.Expired(now) {
			a.expire(ctx, now)
			break
		}
		d := a.exitDecision(cfg, now, secs)
		if d.Exit {
			a.e.observer.ExitDecided(d.Reason)
			a.exit(ctx, cfg, secs, d.Reason, d.Bid, d.NeedSnapshot)
		}
	case domain.StateExiting:
		if a.market.Expired(now) {
			a.expire(ctx, now)
			break
		}
		pos := a.m.Position()
		reason := pos.LastExitReason
		d := a.exitDecision(cfg, now, secs)
		if d.Exit {
			reason = d.Reason
		}
		a.exit(ctx, cfg, secs, reason, a.quote(pos.Token).BestBid, d.NeedSnapshot)
	}
	a.publish()
	return false
}

func (a *actor) quote(token string) domain.OrderbookState {
	st, ok := a.e.feed.Current(token)
	if !ok {
		return domain.OrderbookState{Token: token}
	}
	return st
}

func (a *actor) exitDecision(cfg domain.EngineConfig, now time.Time, secs float64) policy.ExitDecision {
	pos := a.m.Position()
	return policy.Exit(cfg, policy.ExitInput{
		Book:             a.quote(pos.Token),
		Staleness:        a.e.feed.StalenessSince(pos.Token, now),
		SecondsRemaining: secs,
		EntryPrice:       pos.EntryPrice,
	})
}

func (a *actor) tryEntry(ctx context.Context, cfg domain.EngineConfig, now time.Time, secs float64) {
	if !a.e.running.Load() || a.paused.Load() || a.attention.Load() {
		return
	}

	var books []domain.OrderbookState
	for _, t := range a.market.Tokens() {
		if st, ok := a.e.feed.Current(t); ok {
			books = append(books, st)
		}
	}
	if len(books) == 0 {
		return
	}
	d := policy.ChooseEntry(cfg, a.m.State(), secs, books...)
	if !d.Enter {
		return
	}
	if !a.e.reserveSlot(cfg.MaxConcurrentPositions) {
		a.logger.Debug("entry skipped, concurrent position limit reached", slog.Int("limit", cfg.MaxConcurrentPositions))
		return
	}

	outcome, _ := a.market.OutcomeOf(d.Token)
	if err := a.m.BeginEntry(uuid.NewString(), d.Token, outcome); err != nil {
		a.e.releaseSlot()
		a.logger.Error("begin entry", slog.String("error", err.Error()))
		return
	}

	req := domain.OrderRequest{
		Key:      executor.NewKey("entry"),
		MarketID: a.market.ID,
		Token:    d.Token,
		Side:     domain.OrderSideBuy,
		Price:    d.Price,
		Size:     d.Size,
	}
	a.logger.Info("entry signal",
		slog.String("outcome", string(outcome)),
		slog.Float64("ask", d.Ask),
		slog.Float64("price", d.Price),
		slog.Float64("size", d.Size),
		slog.Float64("seconds_remaining", secs),
	)

	res, err := a.e.exec.PlaceOrder(ctx, req)
	if res.OrderID != "" && res.Status != domain.OrderStatusFilled {
		fill, cerr := a.e.exec.Cancel(ctx, res.OrderID)
		if cerr != nil {
			a.attention.Store(true)
			a.logger.Error("cancel of short entry failed, market needs attention",
				slog.String("order_id", res.OrderID),
				slog.String("error", cerr.Error()),
			)
		} else if fill.FilledSize > res.FilledSize {
			res.FilledSize = fill.FilledSize
			if fill.AvgPrice > 0 {
				res.AvgPrice = fill.AvgPrice
			}
		}
	}
	if !res.Filled() {
		_ = a.m.AbandonEntry()
		a.e.releaseSlot()
		attrs := []any{slog.String("status", string(res.Status))}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()), slog.String("kind", domain.KindOf(err).String()))
		}
		a.logger.Warn("entry not filled", attrs...)
		return
	}

	price := res.AvgPrice
	if price <= 0 {
		price = req.Price
	}
	if err := a.m.ConfirmEntry(price, res.FilledSize, now); err != nil {
		a.logger.Error("confirm entry", slog.String("error", err.Error()))
		return
	}
	a.resting = restingOrder{}
	a.lastExitAt = time.Time{}
	a.exhausted = false
	a.emergency = false
	pos := a.m.Position()
	a.e.stats.opened(pos)
	a.e.record(ctx, pos)
	a.e.emit(ctx, domain.NewTradeEvent(domain.EventOpened, &pos, a.market.Question, now))
	a.logger.Info("position opened",
		slog.String("position", pos.ID),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("size", pos.Size),
		slog.Float64("target", policy.ProfitTarget(cfg, pos.EntryPrice)),
	)
}

// exit submits the remaining inventory once. bid is the reference price;
// when it is unknown or refresh is set a REST snapshot is fetched first.
//
// Resubmissions are paced by exitPace and always start by cancelling the
// order left resting by the previous attempt. If that cancel is not
// confirmed nothing new is sent. Once MaxExitAttempts are spent the actor
// waits for the critical window and sends a single emergency order.
func (a *actor) exit(ctx context.Context, cfg domain.EngineConfig, secs float64, reason domain.ExitReason, bid float64, refresh bool) {
	pos := a.m.Position()
	now := a.e.now()
	last := false
	if pos.State == domain.StateExiting {
		critical := secs < cfg.CriticalWindow.Seconds()
		switch {
		case pos.ExitAttempts >= cfg.MaxExitAttempts && (!critical || a.emergency):
			if !a.exhausted {
				a.exhausted = true
				a.logger.Error("exit attempts exhausted, holding for the emergency window",
					slog.Int("attempts", pos.ExitAttempts),
					slog.Float64("remaining", pos.Remaining()),
					slog.Bool("emergency_sent", a.emergency),
				)
			}
			return
		case pos.ExitAttempts >= cfg.MaxExitAttempts:
			last = true
		case reason != domain.ReasonShutdown && now.Sub(a.lastExitAt) < exitPace(cfg):
			return
		}
	}

	if !a.settleResting(ctx) {
		return
	}
	if pos = a.m.Position(); pos.State == domain.StateExiting && a.flat(cfg, pos) {
		a.close(ctx)
		return
	}

	if refresh || bid <= 0 {
		if snap, err := a.e.feed.Snapshot(ctx, pos.Token); err == nil {
			bid = snap.BestBid
		} else {
			a.logger.Warn("exit snapshot failed, pricing from last known bid", slog.String("error", err.Error()))
			if st, ok := a.e.feed.Current(pos.Token); ok {
				bid = st.BestBid
			}
		}
	}

	if err := a.m.BeginExit(reason); err != nil {
		a.logger.Error("begin exit", slog.String("error", err.Error()))
		return
	}
	pos = a.m.Position()
	req := domain.OrderRequest{
		Key:      executor.NewKey("exit"),
		MarketID: a.market.ID,
		Token:    pos.Token,
		Side:     domain.OrderSideSell,
		Price:    policy.ExitPrice(cfg, bid, pos.EntryPrice, pos.ExitAttempts),
		Size:     policy.RoundSize(pos.Remaining()),
	}

	var (
		res domain.OrderResult
		err error
	)
	a.lastExitAt = now
	if last {
		a.emergency = true
		a.logger.Error("exit attempts exhausted inside the critical window, sending emergency order",
			slog.String("reason", string(reason)),
			slog.Float64("bid", bid),
			slog.Float64("size", req.Size),
			slog.Float64("seconds_remaining", secs),
		)
		res, err = a.e.exec.Emergency(ctx, req, bid, secs)
	} else {
		a.logger.Info("exit signal",
			slog.String("reason", string(reason)),
			slog.Float64("bid", bid),
			slog.Float64("price", req.Price),
			slog.Float64("size", req.Size),
			slog.Int("attempt", pos.ExitAttempts),
			slog.Float64("seconds_remaining", secs),
		)
		res, err = a.e.exec.Exit(ctx, req, bid, secs)
	}
	if res.Emergency {
		a.emergency = true
	}

	if r := res.Replaced; r != nil && r.FilledSize > 0 {
		a.book(r.FilledSize, r.AvgPrice, req.Price)
	}
	if res.Filled() {
		a.book(res.FilledSize, res.AvgPrice, req.Price)
	}
	if res.OrderID != "" && (res.Status == domain.OrderStatusPending || res.Status == domain.OrderStatusPartiallyFilled) {
		price := res.AvgPrice
		if price <= 0 {
			price = req.Price
		}
		a.resting = restingOrder{id: res.OrderID, price: price, booked: res.FilledSize}
	}
	if err != nil {
		a.logger.Warn("exit attempt failed",
			slog.String("error", err.Error()),
			slog.String("kind", domain.KindOf(err).String()),
		)
	}

	pos = a.m.Position()
	if !a.flat(cfg, pos) {
		a.e.record(ctx, pos)
		return
	}
	a.close(ctx)
}

// exitPace spreads the ordinary exit attempts over the stretch between the
// forced-exit lead and the critical window. It never drops below
// RetryBackoff.
func exitPace(cfg domain.EngineConfig) time.Duration {
	n := cfg.MaxExitAttempts
	if n < 1 {
		n = 1
	}
	p := (cfg.ForcedExit - cfg.CriticalWindow) / time.Duration(n)
	if p < cfg.RetryBackoff {
		p = cfg.RetryBackoff
	}
	return p
}

// flat reports whether what is left is below the venue minimum.
func (a *actor) flat(cfg domain.EngineConfig, pos domain.Position) bool {
	rem := pos.Remaining()
	return rem <= 0 || rem < cfg.MinOrderSize
}

// book records an exit fill, pricing it at fallback when the venue did not
// report an average.
func (a *actor) book(size, price, fallback float64) {
	if price <= 0 {
		price = fallback
	}
	a.m.RecordExitFill(size, price)
}

// settleResting cancels the exit order left on the book, books whatever
// executed since it was placed and reports whether the book is clear.
func (a *actor) settleResting(ctx context.Context) bool {
	if a.resting.id == "" {
		return true
	}
	fill, err := a.e.exec.Cancel(ctx, a.resting.id)
	if err != nil {
		a.logger.Warn("cancel of resting exit not confirmed, resubmission withheld",
			slog.String("order_id", a.resting.id),
			slog.String("error", err.Error()),
		)
		return false
	}
	if late := fill.FilledSize - a.resting.booked; late > 0 {
		a.book(late, fill.AvgPrice, a.resting.price)
		a.logger.Info("late exit fill booked",
			slog.String("order_id", a.resting.id),
			slog.Float64("size", late),
		)
	}
	a.resting = restingOrder{}
	return true
}

func (a *actor) close(ctx context.Context) {
	a.settleResting(ctx)
	now := a.e.now()
	if err := a.m.Close(now); err != nil {
		a.logger.Error("close position", slog.String("error", err.Error()))
		return
	}
	pos := a.m.Position()
	a.finish(ctx, pos)
	a.e.emit(ctx, domain.NewTradeEvent(domain.EventClosed, &pos, a.market.Question, now))
	a.logger.Info("position closed",
		slog.String("position", pos.ID),
		slog.String("reason", string(pos.LastExitReason)),
		slog.Float64("exit_price", pos.ExitPrice()),
		slog.Float64("pnl", pos.RealizedPnL),
	)
}

// expire fails a position that is still holding inventory at expiry. An
// Open position goes straight to Failed without counting an exit attempt.
func (a *actor) expire(ctx context.Context, now time.Time) {
	a.settleResting(ctx)
	if pos := a.m.Position(); pos.State == domain.StateExiting && a.flat(a.e.settings.Load(), pos) {
		a.close(ctx)
		return
	}
	if err := a.m.Fail(now); err != nil {
		a.logger.Error("fail position", slog.String("error", err.Error()))
		return
	}
	pos := a.m.Position()
	a.finish(ctx, pos)
	a.e.emit(ctx, domain.NewTradeEvent(domain.EventFailed, &pos, a.market.Question, now))
	err := domain.NewError(domain.KindMarketExpiredWithOpenPosition, "engine: expire "+a.market.ID,
		fmt.Errorf("%.2f of %.2f shares unsold", pos.Remaining(), pos.Size))
	a.logger.Error("market expired with open position",
		slog.String("position", pos.ID),
		slog.String("error", err.Error()),
		slog.Int("exit_attempts", pos.ExitAttempts),
		slog.Float64("pnl", pos.RealizedPnL),
	)
}

func (a *actor) finish(ctx context.Context, pos domain.Position) {
	a.e.releaseSlot()
	a.e.stats.finished(pos)
	a.e.observer.PositionFinished(pos)
	a.e.record(ctx, pos)
}

// handleStop flattens any live inventory with reason shutdown and reports
// the resulting state.
func (a *actor) handleStop(ctx context.Context) StopReport {
	r := StopReport{MarketID: a.market.ID}
	defer a.publish()

	switch a.m.State() {
	case domain.StateOpen, domain.StateExiting:
		cfg := a.e.settings.Load()
		now := a.e.now()
		if a.market.Expired(now) {
			a.expire(ctx, now)
			break
		}
		a.e.observer.ExitDecided(domain.ReasonShutdown)
		bid := a.quote(a.m.Position().Token).BestBid
		a.exit(ctx, cfg, a.market.SecondsRemaining(now), domain.ReasonShutdown, bid, bid <= 0)
	}

	r.State = a.m.State()
	if r.State.Live() {
		pos := a.m.Position()
		r.Err = fmt.Errorf("position still %s with %.2f shares", r.State, pos.Remaining())
	}
	return r
}
