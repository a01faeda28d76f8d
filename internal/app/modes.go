package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/expirybot/internal/cache/redis"
	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/engine"
	"github.com/alanyoungcy/expirybot/internal/executor"
	"github.com/alanyoungcy/expirybot/internal/feed"
	"github.com/alanyoungcy/expirybot/internal/notify"
	"github.com/alanyoungcy/expirybot/internal/scanner"
	"github.com/alanyoungcy/expirybot/internal/server"
	"github.com/alanyoungcy/expirybot/internal/server/handler"
	"github.com/alanyoungcy/expirybot/internal/server/ws"
)

const (
	// stopTimeout bounds the flatten-everything pass on shutdown.
	stopTimeout = 30 * time.Second

	// instanceLockTTL is the lease on the single live instance lock.
	instanceLockTTL = 30 * time.Second

	ledgerGCInterval = time.Minute
)

// TradeMode starts the feed adapter, the engine, market discovery, the HTTP
// server and the optional Telegram command loop. It blocks until ctx is
// cancelled, then stops the engine (flattening open positions) before the
// feed and actors are torn down.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.String("mode", a.cfg.Mode))

	if a.cfg.Live() && deps.Locks != nil {
		release, err := deps.Locks.Hold(ctx, "instance", instanceLockTTL, a.logger)
		if err != nil {
			return err
		}
		defer release()
	}

	settings, err := engine.NewSettings(a.cfg.EngineConfig())
	if err != nil {
		return err
	}

	backoff := feed.DefaultBackoff()
	backoff.Base = a.cfg.Feed.BackoffBase.Duration
	backoff.Max = a.cfg.Feed.BackoffMax.Duration
	backoff.Jitter = a.cfg.Feed.BackoffJitter
	adapter := feed.NewAdapter(deps.Source, feed.Options{
		Backoff:         backoff,
		Heartbeat:       a.cfg.Feed.Heartbeat.Duration,
		SnapshotTimeout: a.cfg.Feed.SnapshotTimeout.Duration,
		Observer:        deps.Metrics,
	}, a.logger)

	gateway := executor.NewGateway(deps.Router, deps.Ledger, settings.Load, a.logger)
	gateway.SetObserver(deps.Metrics)

	// The hub reports engine status, and the engine publishes to the hub.
	var eng *engine.Engine
	hub := ws.NewHub(func() domain.EngineHealth { return eng.Status() }, a.logger)

	sinks := []engine.EventSink{hub}
	if deps.Notifier.Enabled() {
		sinks = append(sinks, deps.Notifier)
	}
	if deps.EventBus != nil {
		sinks = append(sinks, redis.NewEventSink(deps.EventBus, a.cfg.Redis.Channel, a.cfg.Redis.Stream))
	}

	eng = engine.New(engine.Options{
		Settings: settings,
		Feed:     adapter,
		Ticks:    adapter.Queue(),
		Executor: gateway,
		Journal:  deps.Journal,
		Audit:    deps.Audit,
		Observer: deps.Metrics,
		Sinks:    sinks,
		Mode:     a.cfg.Mode,
	}, a.logger)

	// The feed and the engine outlive ctx so Stop can still sell into a
	// live book. runCtx is cancelled once Stop has returned.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(adapter.Run(runCtx)) })
	g.Go(func() error { return ignoreCanceled(eng.Run(runCtx)) })
	g.Go(func() error { return ignoreCanceled(hub.Run(gctx)) })

	if deps.MemLedger != nil {
		g.Go(func() error { return ignoreCanceled(deps.MemLedger.Run(gctx, ledgerGCInterval)) })
	}

	if a.cfg.Scanner.Enabled {
		sc := scanner.New(deps.Gamma, eng, scanner.Options{
			Interval:        a.cfg.Scanner.Interval.Duration,
			Keyword:         a.cfg.Scanner.Keyword,
			MinDuration:     a.cfg.Scanner.MinDuration.Duration,
			MaxDuration:     a.cfg.Scanner.MaxDuration.Duration,
			CleanupGrace:    a.cfg.Scanner.CleanupGrace.Duration,
			CleanupInterval: a.cfg.Scanner.CleanupInterval.Duration,
		}, a.logger)
		g.Go(func() error { return ignoreCanceled(sc.Run(gctx)) })
	}

	if a.cfg.Server.Enabled {
		health := handler.NewHealthHandler(adapter.Health, a.logger)
		if deps.Redis != nil {
			health.WithBackend("redis", deps.Redis)
		}
		if deps.Postgres != nil {
			health.WithBackend("postgres", deps.Postgres)
		}
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimitRPS,
		}, server.Handlers{
			Health:  health,
			Engine:  handler.NewEngineHandler(eng, a.logger),
			History: handler.NewHistoryHandler(deps.Journal, deps.Audit, a.logger),
			Metrics: deps.Metrics.Handler(),
		}, hub, deps.RateLimiter, a.logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Notify.TelegramCommands && deps.Telegram != nil {
		loop := notify.NewCommandLoop(deps.Telegram, eng, a.cfg.Notify.TelegramAllowed, a.logger)
		g.Go(func() error { return ignoreCanceled(loop.Run(gctx)) })
	}

	if a.cfg.Trading.AutoStart {
		if err := eng.Start(ctx); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		defer cancelRun()

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), stopTimeout)
		defer cancel()
		reports, err := eng.Stop(stopCtx)
		for _, r := range reports {
			a.logger.Info("market flattened",
				slog.String("market", r.MarketID),
				slog.String("state", string(r.State)),
			)
		}
		if err != nil {
			a.logger.Error("shutdown flatten incomplete", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
