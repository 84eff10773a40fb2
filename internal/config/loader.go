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
// built-in defaults, applies EXITPILOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXITPILOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Signer ──
	setStr(&cfg.Signer.BaseURL, "EXITPILOT_SIGNER_BASE_URL")
	setStr(&cfg.Signer.APIKey, "EXITPILOT_SIGNER_API_KEY")
	setStr(&cfg.Signer.APISecret, "EXITPILOT_SIGNER_API_SECRET")
	setStr(&cfg.Signer.EncryptedSecretPath, "EXITPILOT_SIGNER_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Signer.SecretPassword, "EXITPILOT_SIGNER_SECRET_PASSWORD")

	// ── Venues ──
	setStr(&cfg.Venues.AlphaQuoteURL, "EXITPILOT_VENUES_ALPHAQUOTE_URL")
	setStr(&cfg.Venues.AlphaQuoteWSURL, "EXITPILOT_VENUES_ALPHAQUOTE_WS_URL")
	setStr(&cfg.Venues.DexPoolURL, "EXITPILOT_VENUES_DEXPOOL_URL")
	setStr(&cfg.Venues.SwapRouterURL, "EXITPILOT_VENUES_SWAPROUTER_URL")
	setStr(&cfg.Venues.ChainScanURL, "EXITPILOT_VENUES_CHAINSCAN_URL")
	setStr(&cfg.Venues.FeeServiceURL, "EXITPILOT_VENUES_FEESVC_URL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EXITPILOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXITPILOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXITPILOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXITPILOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXITPILOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXITPILOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXITPILOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXITPILOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXITPILOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXITPILOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXITPILOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXITPILOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXITPILOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXITPILOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXITPILOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXITPILOT_REDIS_TLS_ENABLED")

	// ── S3 / Archive ──
	setStr(&cfg.S3.Endpoint, "EXITPILOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXITPILOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXITPILOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXITPILOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXITPILOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXITPILOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXITPILOT_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "EXITPILOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "EXITPILOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "EXITPILOT_ARCHIVE_RETENTION_DAYS")

	// ── Oracle ──
	setDuration(&cfg.Oracle.CacheMaxAge, "EXITPILOT_ORACLE_CACHE_MAX_AGE")
	setInt(&cfg.Oracle.VenueRateLimit, "EXITPILOT_ORACLE_VENUE_RATE_LIMIT")
	setDuration(&cfg.Oracle.VenueRateWindow, "EXITPILOT_ORACLE_VENUE_RATE_WINDOW")

	// ── Monitor ──
	setDuration(&cfg.Monitor.TickInterval, "EXITPILOT_MONITOR_TICK_INTERVAL")
	setDuration(&cfg.Monitor.RetryCooldown, "EXITPILOT_MONITOR_RETRY_COOLDOWN")
	setDuration(&cfg.Monitor.LockTTL, "EXITPILOT_MONITOR_LOCK_TTL")

	// ── Rules ──
	setFloat64(&cfg.Rules.TrailActivationPct, "EXITPILOT_RULES_TRAIL_ACTIVATION_PCT")
	setFloat64(&cfg.Rules.TrailDistancePct, "EXITPILOT_RULES_TRAIL_DISTANCE_PCT")
	setDuration(&cfg.Rules.IdleDecayAfter, "EXITPILOT_RULES_IDLE_DECAY_AFTER")
	setFloat64(&cfg.Rules.IdleStopPct, "EXITPILOT_RULES_IDLE_STOP_PCT")

	// ── Executor ──
	setFloat64(&cfg.Executor.PartialSlippagePct, "EXITPILOT_EXECUTOR_PARTIAL_SLIPPAGE_PCT")
	setFloat64(&cfg.Executor.EmergencySlippagePct, "EXITPILOT_EXECUTOR_EMERGENCY_SLIPPAGE_PCT")
	setDuration(&cfg.Executor.ApprovalSettleDelay, "EXITPILOT_EXECUTOR_APPROVAL_SETTLE_DELAY")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.CheckInterval, "EXITPILOT_RECONCILE_CHECK_INTERVAL")
	setInt(&cfg.Reconcile.MaxChecks, "EXITPILOT_RECONCILE_MAX_CHECKS")
	setInt(&cfg.Reconcile.MaxReverts, "EXITPILOT_RECONCILE_MAX_REVERTS")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "EXITPILOT_FEED_ENABLED")
	setDuration(&cfg.Feed.RefreshInterval, "EXITPILOT_FEED_REFRESH_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXITPILOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXITPILOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "EXITPILOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "EXITPILOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "EXITPILOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "EXITPILOT_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXITPILOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXITPILOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXITPILOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXITPILOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXITPILOT_MODE")
	setStr(&cfg.LogLevel, "EXITPILOT_LOG_LEVEL")
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
