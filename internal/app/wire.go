package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/expirybot/internal/cache/redis"
	"github.com/alanyoungcy/expirybot/internal/config"
	"github.com/alanyoungcy/expirybot/internal/crypto"
	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/executor"
	"github.com/alanyoungcy/expirybot/internal/metrics"
	"github.com/alanyoungcy/expirybot/internal/notify"
	"github.com/alanyoungcy/expirybot/internal/platform/paper"
	"github.com/alanyoungcy/expirybot/internal/platform/polymarket"
	"github.com/alanyoungcy/expirybot/internal/store/postgres"
)

// Dependencies bundles every concrete collaborator the runtime needs. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional parts are nil when their config section is disabled.
type Dependencies struct {
	// Exchange
	Signer *crypto.Signer
	Clob   *polymarket.ClobClient
	Gamma  *polymarket.GammaClient
	Source *polymarket.Source
	Router domain.OrderRouter

	// Stores
	Postgres *postgres.Client
	Journal  domain.PositionJournal
	Audit    domain.AuditStore

	// Caches
	Redis       *redis.Client
	Ledger      domain.OrderLedger
	MemLedger   *executor.MemoryLedger
	RateLimiter domain.RateLimiter
	Locks       *redis.LockManager
	EventBus    domain.EventBus

	// Notifications
	Notifier *notify.Notifier
	Telegram *notify.TelegramSender

	Metrics *metrics.Metrics
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- Exchange clients ---
	signer, err := loadSigner(cfg)
	if err != nil {
		return fail(fmt.Errorf("wire: signer: %w", err))
	}
	deps.Signer = signer
	if signer != nil {
		logger.InfoContext(ctx, "wallet loaded", slog.String("address", signer.Address().Hex()))
	}

	var auth *crypto.HMACAuth
	if cfg.Credentials.ApiKey != "" {
		auth = crypto.NewHMACAuth(cfg.Credentials.ApiKey, cfg.Credentials.ApiSecret, cfg.Credentials.ApiPassphrase)
	}
	deps.Clob = polymarket.NewClobClient(polymarket.ClobConfig{
		BaseURL:       cfg.Polymarket.ClobHost,
		SignatureType: cfg.Polymarket.SignatureType,
		Funder:        cfg.Wallet.SafeAddress,
		NegRisk:       cfg.Polymarket.NegRisk,
		Timeout:       cfg.Trading.CallTimeout.Duration,
	}, signer, auth)
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Scanner.PageLimit)
	deps.Source = polymarket.NewSource(deps.Clob, polymarket.NewWSClient(MarketChannelURL(cfg.Polymarket.WsHost), cfg.Feed.PingInterval.Duration))

	if cfg.Live() {
		deps.Router = deps.Clob
	} else {
		deps.Router = paper.NewRouter(logger)
	}

	// --- PostgreSQL (optional position journal and audit log) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		deps.Postgres = pgClient
		pool := pgClient.Pool()
		deps.Journal = postgres.NewPositionJournal(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	}

	// --- Redis (optional shared ledger, rate limiter, locks, event bus) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.Ledger = redis.NewLedger(redisClient, cfg.Redis.LedgerTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient, cfg.Redis.StreamLen)
	} else {
		ttl := cfg.Redis.LedgerTTL.Duration
		if ttl <= 0 {
			ttl = time.Hour
		}
		deps.MemLedger = executor.NewMemoryLedger(ttl)
		deps.Ledger = deps.MemLedger
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" {
		deps.Telegram = notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if cfg.Notify.TelegramChatID != "" {
			senders = append(senders, deps.Telegram)
		}
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// MarketChannelURL appends the market channel path to a websocket host.
func MarketChannelURL(host string) string {
	host = strings.TrimRight(host, "/")
	if strings.HasSuffix(host, "/ws/market") {
		return host
	}
	return host + "/ws/market"
}

// loadSigner resolves the wallet key. Paper mode tolerates a missing key.
func loadSigner(cfg *config.Config) (*crypto.Signer, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		if errors.Is(err, crypto.ErrNoKeySource) && !cfg.Live() {
			return nil, nil
		}
		return nil, err
	}
	return crypto.NewSigner(key, cfg.Polymarket.ChainID)
}

// DeriveCredentials asks the CLOB for the L2 API credentials belonging to the
// configured wallet.
func DeriveCredentials(ctx context.Context, cfg *config.Config) (*crypto.HMACAuth, error) {
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, fmt.Errorf("derive credentials: %w", err)
	}
	clob := polymarket.NewClobClient(polymarket.ClobConfig{
		BaseURL:       cfg.Polymarket.ClobHost,
		SignatureType: cfg.Polymarket.SignatureType,
		Funder:        cfg.Wallet.SafeAddress,
		Timeout:       cfg.Trading.CallTimeout.Duration,
	}, signer, nil)
	return clob.DeriveAPIKey(ctx)
}
