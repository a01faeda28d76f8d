package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXPIRYBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXPIRYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are normally injected this way.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "EXPIRYBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.SafeAddress, "EXPIRYBOT_WALLET_SAFE_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "EXPIRYBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "EXPIRYBOT_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "EXPIRYBOT_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "EXPIRYBOT_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "EXPIRYBOT_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "EXPIRYBOT_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "EXPIRYBOT_POLYMARKET_SIGNATURE_TYPE")
	setBool(&cfg.Polymarket.NegRisk, "EXPIRYBOT_POLYMARKET_NEG_RISK")

	// ── Credentials ──
	setStr(&cfg.Credentials.ApiKey, "EXPIRYBOT_CREDENTIALS_API_KEY")
	setStr(&cfg.Credentials.ApiSecret, "EXPIRYBOT_CREDENTIALS_API_SECRET")
	setStr(&cfg.Credentials.ApiPassphrase, "EXPIRYBOT_CREDENTIALS_API_PASSPHRASE")

	// ── Trading ──
	setFloat64(&cfg.Trading.EntryThresholdPct, "EXPIRYBOT_TRADING_ENTRY_THRESHOLD_PCT")
	setFloat64(&cfg.Trading.MaxEntrySpreadPct, "EXPIRYBOT_TRADING_MAX_ENTRY_SPREAD_PCT")
	setFloat64(&cfg.Trading.MaxSpreadPct, "EXPIRYBOT_TRADING_MAX_SPREAD_PCT")
	setFloat64(&cfg.Trading.MinLiquidityUSD, "EXPIRYBOT_TRADING_MIN_LIQUIDITY_USD")
	setFloat64(&cfg.Trading.ProfitMultiplier, "EXPIRYBOT_TRADING_PROFIT_MULTIPLIER")
	setInt(&cfg.Trading.ForcedExitSeconds, "EXPIRYBOT_TRADING_FORCED_EXIT_SECONDS")
	setDuration(&cfg.Trading.MinEntryWindow, "EXPIRYBOT_TRADING_MIN_ENTRY_WINDOW")
	setDuration(&cfg.Trading.MaxEntryWindow, "EXPIRYBOT_TRADING_MAX_ENTRY_WINDOW")
	setInt(&cfg.Trading.MaxRetries, "EXPIRYBOT_TRADING_MAX_RETRIES")
	setInt(&cfg.Trading.RetryBackoffMs, "EXPIRYBOT_TRADING_RETRY_BACKOFF_MS")
	setInt(&cfg.Trading.StaleFeedThresholdSec, "EXPIRYBOT_TRADING_STALE_FEED_THRESHOLD_SEC")
	setFloat64(&cfg.Trading.MaxPositionUSD, "EXPIRYBOT_TRADING_MAX_POSITION_USD")
	setInt(&cfg.Trading.MaxConcurrentPositions, "EXPIRYBOT_TRADING_MAX_CONCURRENT_POSITIONS")
	setInt(&cfg.Trading.MaxExitAttempts, "EXPIRYBOT_TRADING_MAX_EXIT_ATTEMPTS")
	setFloat64(&cfg.Trading.SlippagePct, "EXPIRYBOT_TRADING_SLIPPAGE_PCT")
	setFloat64(&cfg.Trading.EmergencyDiscountPct, "EXPIRYBOT_TRADING_EMERGENCY_DISCOUNT_PCT")
	setInt(&cfg.Trading.CriticalSeconds, "EXPIRYBOT_TRADING_CRITICAL_SECONDS")
	setDuration(&cfg.Trading.CallTimeout, "EXPIRYBOT_TRADING_CALL_TIMEOUT")
	setFloat64(&cfg.Trading.TickSize, "EXPIRYBOT_TRADING_TICK_SIZE")
	setFloat64(&cfg.Trading.MinOrderSize, "EXPIRYBOT_TRADING_MIN_ORDER_SIZE")
	setBool(&cfg.Trading.AutoStart, "EXPIRYBOT_TRADING_AUTO_START")

	// ── Scanner ──
	setBool(&cfg.Scanner.Enabled, "EXPIRYBOT_SCANNER_ENABLED")
	setDuration(&cfg.Scanner.Interval, "EXPIRYBOT_SCANNER_INTERVAL")
	setStr(&cfg.Scanner.Keyword, "EXPIRYBOT_SCANNER_KEYWORD")
	setDuration(&cfg.Scanner.MinDuration, "EXPIRYBOT_SCANNER_MIN_DURATION")
	setDuration(&cfg.Scanner.MaxDuration, "EXPIRYBOT_SCANNER_MAX_DURATION")
	setInt(&cfg.Scanner.PageLimit, "EXPIRYBOT_SCANNER_PAGE_LIMIT")

	// ── Feed ──
	setDuration(&cfg.Feed.BackoffBase, "EXPIRYBOT_FEED_BACKOFF_BASE")
	setDuration(&cfg.Feed.BackoffMax, "EXPIRYBOT_FEED_BACKOFF_MAX")
	setFloat64(&cfg.Feed.BackoffJitter, "EXPIRYBOT_FEED_BACKOFF_JITTER")
	setDuration(&cfg.Feed.Heartbeat, "EXPIRYBOT_FEED_HEARTBEAT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "EXPIRYBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "EXPIRYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "EXPIRYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXPIRYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXPIRYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXPIRYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXPIRYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXPIRYBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXPIRYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXPIRYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXPIRYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "EXPIRYBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "EXPIRYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXPIRYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXPIRYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXPIRYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXPIRYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXPIRYBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LedgerTTL, "EXPIRYBOT_REDIS_LEDGER_TTL")
	setInt64(&cfg.Redis.StreamLen, "EXPIRYBOT_REDIS_STREAM_LEN")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXPIRYBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXPIRYBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "EXPIRYBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "EXPIRYBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitRPS, "EXPIRYBOT_SERVER_RATE_LIMIT_RPS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXPIRYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXPIRYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.TelegramAllowed, "EXPIRYBOT_NOTIFY_TELEGRAM_ALLOWED_CHAT_IDS")
	setBool(&cfg.Notify.TelegramCommands, "EXPIRYBOT_NOTIFY_TELEGRAM_COMMANDS")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXPIRYBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXPIRYBOT_NOTIFY_EVENTS")

	// ── Log ──
	setStr(&cfg.Log.Level, "EXPIRYBOT_LOG_LEVEL")
	setStr(&cfg.Log.File, "EXPIRYBOT_LOG_FILE")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXPIRYBOT_MODE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
