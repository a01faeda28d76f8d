// Package config defines the top-level configuration for the expiry bot and
// provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXPIRYBOT_* environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Polymarket  PolymarketConfig  `toml:"polymarket"`
	Credentials CredentialsConfig `toml:"credentials"`
	Trading     TradingConfig     `toml:"trading"`
	Scanner     ScannerConfig     `toml:"scanner"`
	Feed        FeedConfig        `toml:"feed"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Log         LogConfig         `toml:"log"`
	// Mode is "paper" (simulated fills, live data) or "live".
	Mode string `toml:"mode"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	SafeAddress      string `toml:"safe_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
	NegRisk       bool   `toml:"neg_risk"`
}

// CredentialsConfig holds the CLOB L2 API credentials used to sign requests.
type CredentialsConfig struct {
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// TradingConfig holds the thresholds that make up domain.EngineConfig.
type TradingConfig struct {
	EntryThresholdPct      float64  `toml:"entry_threshold_pct"`
	MaxEntrySpreadPct      float64  `toml:"max_entry_spread_pct"`
	MaxSpreadPct           float64  `toml:"max_spread_pct"`
	MinLiquidityUSD        float64  `toml:"min_liquidity_usd"`
	ProfitMultiplier       float64  `toml:"profit_multiplier"`
	ForcedExitSeconds      int      `toml:"forced_exit_seconds"`
	MinEntryWindow         duration `toml:"min_entry_window"`
	MaxEntryWindow         duration `toml:"max_entry_window"`
	MaxRetries             int      `toml:"max_retries"`
	RetryBackoffMs         int      `toml:"retry_backoff_ms"`
	StaleFeedThresholdSec  int      `toml:"stale_feed_threshold_sec"`
	MaxPositionUSD         float64  `toml:"max_position_usd"`
	MaxConcurrentPositions int      `toml:"max_concurrent_positions"`
	MaxExitAttempts        int      `toml:"max_exit_attempts"`
	SlippagePct            float64  `toml:"slippage_pct"`
	EmergencyDiscountPct   float64  `toml:"emergency_discount_pct"`
	CriticalSeconds        int      `toml:"critical_seconds"`
	CallTimeout            duration `toml:"call_timeout"`
	TickSize               float64  `toml:"tick_size"`
	MinOrderSize           float64  `toml:"min_order_size"`
	// AutoStart allows entries as soon as the process is up.
	AutoStart bool `toml:"auto_start"`
}

// ScannerConfig controls market discovery.
type ScannerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Interval        duration `toml:"interval"`
	Keyword         string   `toml:"keyword"`
	MinDuration     duration `toml:"min_duration"`
	MaxDuration     duration `toml:"max_duration"`
	PageLimit       int      `toml:"page_limit"`
	CleanupGrace    duration `toml:"cleanup_grace"`
	CleanupInterval duration `toml:"cleanup_interval"`
}

// FeedConfig tunes the streaming connection.
type FeedConfig struct {
	BackoffBase     duration `toml:"backoff_base"`
	BackoffMax      duration `toml:"backoff_max"`
	BackoffJitter   float64  `toml:"backoff_jitter"`
	Heartbeat       duration `toml:"heartbeat"`
	PingInterval    duration `toml:"ping_interval"`
	SnapshotTimeout duration `toml:"snapshot_timeout"`
}

// PostgresConfig holds connection parameters for the position journal.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LedgerTTL  duration `toml:"ledger_ttl"`
	Channel    string   `toml:"channel"`
	Stream     string   `toml:"stream"`
	StreamLen  int64    `toml:"stream_len"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP control server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimitRPS is requests per second per client IP. Needs Redis.
	RateLimitRPS int `toml:"rate_limit_rps"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAllowed   []string `toml:"telegram_allowed_chat_ids"`
	TelegramCommands  bool     `toml:"telegram_commands"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogConfig controls the slog handler and optional file rotation.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	ec := domain.DefaultEngineConfig()
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
		},
		Trading: TradingConfig{
			EntryThresholdPct:      ec.EntryThresholdPct,
			MaxEntrySpreadPct:      ec.MaxEntrySpreadPct,
			MaxSpreadPct:           ec.MaxSpreadPct,
			MinLiquidityUSD:        ec.MinLiquidityUSD,
			ProfitMultiplier:       ec.ProfitMultiplier,
			ForcedExitSeconds:      int(ec.ForcedExit / time.Second),
			MinEntryWindow:         duration{ec.MinEntryWindow},
			MaxEntryWindow:         duration{ec.MaxEntryWindow},
			MaxRetries:             ec.MaxRetries,
			RetryBackoffMs:         int(ec.RetryBackoff / time.Millisecond),
			StaleFeedThresholdSec:  int(ec.StaleFeedThreshold / time.Second),
			MaxPositionUSD:         ec.MaxPositionUSD,
			MaxConcurrentPositions: ec.MaxConcurrentPositions,
			MaxExitAttempts:        ec.MaxExitAttempts,
			SlippagePct:            ec.SlippagePct,
			EmergencyDiscountPct:   ec.EmergencyDiscountPct,
			CriticalSeconds:        int(ec.CriticalWindow / time.Second),
			CallTimeout:            duration{ec.CallTimeout},
			TickSize:               ec.TickSize,
			MinOrderSize:           ec.MinOrderSize,
		},
		Scanner: ScannerConfig{
			Enabled:         true,
			Interval:        duration{15 * time.Second},
			Keyword:         "BTC",
			MinDuration:     duration{3 * time.Minute},
			MaxDuration:     duration{10 * time.Minute},
			PageLimit:       100,
			CleanupGrace:    duration{30 * time.Second},
			CleanupInterval: duration{10 * time.Second},
		},
		Feed: FeedConfig{
			BackoffBase:     duration{500 * time.Millisecond},
			BackoffMax:      duration{30 * time.Second},
			BackoffJitter:   0.2,
			Heartbeat:       duration{60 * time.Second},
			PingInterval:    duration{10 * time.Second},
			SnapshotTimeout: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			LedgerTTL:  duration{time.Hour},
			Channel:    "expirybot:events",
			Stream:     "expirybot:events:log",
			StreamLen:  10_000,
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000"},
			RateLimitRPS: 10,
		},
		Notify: NotifyConfig{
			Events: []string{string(domain.EventOpened), string(domain.EventClosed), string(domain.EventFailed)},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Mode: "paper",
	}
}

// EngineConfig builds the immutable engine snapshot from the trading section.
func (c *Config) EngineConfig() domain.EngineConfig {
	t := c.Trading
	return domain.EngineConfig{
		EntryThresholdPct:      t.EntryThresholdPct,
		MaxEntrySpreadPct:      t.MaxEntrySpreadPct,
		MaxSpreadPct:           t.MaxSpreadPct,
		MinLiquidityUSD:        t.MinLiquidityUSD,
		ProfitMultiplier:       t.ProfitMultiplier,
		ForcedExit:             time.Duration(t.ForcedExitSeconds) * time.Second,
		MinEntryWindow:         t.MinEntryWindow.Duration,
		MaxEntryWindow:         t.MaxEntryWindow.Duration,
		MaxRetries:             t.MaxRetries,
		RetryBackoff:           time.Duration(t.RetryBackoffMs) * time.Millisecond,
		StaleFeedThreshold:     time.Duration(t.StaleFeedThresholdSec) * time.Second,
		MaxPositionUSD:         t.MaxPositionUSD,
		MaxConcurrentPositions: t.MaxConcurrentPositions,
		MaxExitAttempts:        t.MaxExitAttempts,
		SlippagePct:            t.SlippagePct,
		EmergencyDiscountPct:   t.EmergencyDiscountPct,
		CriticalWindow:         time.Duration(t.CriticalSeconds) * time.Second,
		CallTimeout:            t.CallTimeout.Duration,
		TickSize:               t.TickSize,
		MinOrderSize:           t.MinOrderSize,
	}
}

// Live reports whether real orders are sent.
func (c *Config) Live() bool { return strings.EqualFold(c.Mode, "live") }

var validModes = map[string]bool{
	"paper": true,
	"live":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a single
// ConfigInvalid error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log.level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if c.Live() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for live mode")
		}
		if c.Credentials.ApiKey == "" || c.Credentials.ApiSecret == "" || c.Credentials.ApiPassphrase == "" {
			errs = append(errs, "credentials: api_key, api_secret, and api_passphrase are required for live mode")
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}

	if err := c.EngineConfig().Validate(); err != nil {
		var de *domain.Error
		if errors.As(err, &de) && de.Err != nil {
			for _, msg := range strings.Split(de.Err.Error(), "; ") {
				errs = append(errs, "trading: "+msg)
			}
		} else {
			errs = append(errs, "trading: "+err.Error())
		}
	}

	if c.Scanner.Enabled {
		if strings.TrimSpace(c.Polymarket.GammaHost) == "" {
			errs = append(errs, "polymarket: gamma_host must not be empty when the scanner is enabled")
		}
		if c.Scanner.Interval.Duration <= 0 {
			errs = append(errs, "scanner: interval must be > 0")
		}
		if c.Scanner.MinDuration.Duration < 0 || c.Scanner.MaxDuration.Duration <= c.Scanner.MinDuration.Duration {
			errs = append(errs, "scanner: max_duration must exceed min_duration")
		}
	}

	if c.Feed.BackoffBase.Duration <= 0 || c.Feed.BackoffMax.Duration < c.Feed.BackoffBase.Duration {
		errs = append(errs, "feed: backoff_max must be >= backoff_base > 0")
	}
	if c.Feed.BackoffJitter < 0 || c.Feed.BackoffJitter >= 1 {
		errs = append(errs, "feed: backoff_jitter must be in [0,1)")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMaxConns < 1 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: need 0 <= pool_min_conns <= pool_max_conns, pool_max_conns >= 1")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if c.Notify.TelegramCommands && c.Notify.TelegramToken == "" {
		errs = append(errs, "notify: telegram_token is required for telegram_commands")
	}

	if len(errs) > 0 {
		return domain.NewError(domain.KindConfigInvalid, "config",
			fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - ")))
	}
	return nil
}
