// Package config defines the top-level configuration for the exit manager
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXITPILOT_* environment variables.
type Config struct {
	Signer    SignerConfig    `toml:"signer"`
	Venues    VenuesConfig    `toml:"venues"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Oracle    OracleConfig    `toml:"oracle"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Rules     RulesConfig     `toml:"rules"`
	Executor  ExecutorConfig  `toml:"executor"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Feed      FeedConfig      `toml:"feed"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// SignerConfig holds the remote signer endpoint and HMAC credentials. The
// secret may be given raw, or as an encrypted file plus password.
type SignerConfig struct {
	BaseURL             string `toml:"base_url"`
	APIKey              string `toml:"api_key"`
	APISecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
}

// VenuesConfig holds the base URLs of every downstream service.
type VenuesConfig struct {
	AlphaQuoteURL   string `toml:"alphaquote_url"`
	AlphaQuoteWSURL string `toml:"alphaquote_ws_url"`
	DexPoolURL      string `toml:"dexpool_url"`
	SwapRouterURL   string `toml:"swaprouter_url"`
	ChainScanURL    string `toml:"chainscan_url"`
	FeeServiceURL   string `toml:"feesvc_url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls cold archival of settled positions.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// OracleConfig holds price oracle parameters.
type OracleConfig struct {
	CacheMaxAge     duration `toml:"cache_max_age"`
	VenueRateLimit  int      `toml:"venue_rate_limit"`
	VenueRateWindow duration `toml:"venue_rate_window"`
}

// MonitorConfig holds per-position polling parameters.
type MonitorConfig struct {
	TickInterval  duration `toml:"tick_interval"`
	RetryCooldown duration `toml:"retry_cooldown"`
	LockTTL       duration `toml:"lock_ttl"`
}

// RulesConfig holds exit rule thresholds.
type RulesConfig struct {
	TrailActivationPct float64  `toml:"trail_activation_pct"`
	TrailDistancePct   float64  `toml:"trail_distance_pct"`
	IdleDecayAfter     duration `toml:"idle_decay_after"`
	IdleStopPct        float64  `toml:"idle_stop_pct"`
}

// ExecutorConfig holds swap submission parameters.
type ExecutorConfig struct {
	PartialSlippagePct   float64  `toml:"partial_slippage_pct"`
	EmergencySlippagePct float64  `toml:"emergency_slippage_pct"`
	ApprovalSettleDelay  duration `toml:"approval_settle_delay"`
}

// ReconcileConfig holds transaction confirmation parameters.
type ReconcileConfig struct {
	CheckInterval duration `toml:"check_interval"`
	MaxChecks     int      `toml:"max_checks"`
	MaxReverts    int      `toml:"max_reverts"`
}

// FeedConfig holds the live price stream parameters.
type FeedConfig struct {
	Enabled         bool     `toml:"enabled"`
	RefreshInterval duration `toml:"refresh_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "exitpilot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "exitpilot-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
		},
		Oracle: OracleConfig{
			CacheMaxAge:     duration{5 * time.Second},
			VenueRateLimit:  10,
			VenueRateWindow: duration{time.Second},
		},
		Monitor: MonitorConfig{
			TickInterval:  duration{3 * time.Second},
			RetryCooldown: duration{30 * time.Second},
			LockTTL:       duration{time.Minute},
		},
		Rules: RulesConfig{
			TrailActivationPct: 15,
			TrailDistancePct:   5,
			IdleDecayAfter:     duration{6 * time.Hour},
			IdleStopPct:        2,
		},
		Executor: ExecutorConfig{
			PartialSlippagePct:   1,
			EmergencySlippagePct: 5,
			ApprovalSettleDelay:  duration{2 * time.Second},
		},
		Reconcile: ReconcileConfig{
			CheckInterval: duration{5 * time.Second},
			MaxChecks:     24,
			MaxReverts:    3,
		},
		Feed: FeedConfig{
			Enabled:         true,
			RefreshInterval: duration{30 * time.Second},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"exit_confirmed", "exit_reverted", "exit_abandoned", "position_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// The signer is required whenever exits can be submitted.
	needsSigner := c.Mode == "monitor" || c.Mode == "full"
	if needsSigner {
		if c.Signer.BaseURL == "" {
			errs = append(errs, "signer: base_url must not be empty for mode "+c.Mode)
		}
		if c.Signer.APIKey == "" {
			errs = append(errs, "signer: api_key must not be empty for mode "+c.Mode)
		}
		if c.Signer.APISecret == "" && c.Signer.EncryptedSecretPath == "" {
			errs = append(errs, "signer: either api_secret or encrypted_secret_path must be set for mode "+c.Mode)
		}
		if c.Signer.EncryptedSecretPath != "" && c.Signer.SecretPassword == "" {
			errs = append(errs, "signer: secret_password is required when encrypted_secret_path is set")
		}
	}

	// Venues
	if needsSigner {
		if c.Venues.AlphaQuoteURL == "" {
			errs = append(errs, "venues: alphaquote_url must not be empty")
		}
		if c.Venues.DexPoolURL == "" {
			errs = append(errs, "venues: dexpool_url must not be empty")
		}
		if c.Venues.SwapRouterURL == "" {
			errs = append(errs, "venues: swaprouter_url must not be empty")
		}
		if c.Venues.ChainScanURL == "" {
			errs = append(errs, "venues: chainscan_url must not be empty")
		}
	}
	if c.Feed.Enabled && c.Venues.AlphaQuoteWSURL == "" {
		errs = append(errs, "venues: alphaquote_ws_url must not be empty when feed is enabled")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only needed when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Rules
	if c.Rules.TrailActivationPct <= 0 {
		errs = append(errs, "rules: trail_activation_pct must be > 0")
	}
	if c.Rules.TrailDistancePct <= 0 {
		errs = append(errs, "rules: trail_distance_pct must be > 0")
	}
	if c.Rules.TrailDistancePct >= c.Rules.TrailActivationPct {
		errs = append(errs, "rules: trail_distance_pct must be below trail_activation_pct")
	}

	// Executor
	if c.Executor.PartialSlippagePct <= 0 {
		errs = append(errs, "executor: partial_slippage_pct must be > 0")
	}
	if c.Executor.EmergencySlippagePct < c.Executor.PartialSlippagePct {
		errs = append(errs, "executor: emergency_slippage_pct must be >= partial_slippage_pct")
	}

	// Monitor
	if c.Monitor.TickInterval.Duration <= 0 {
		errs = append(errs, "monitor: tick_interval must be > 0")
	}
	if c.Monitor.LockTTL.Duration <= c.Monitor.TickInterval.Duration {
		errs = append(errs, "monitor: lock_ttl must exceed tick_interval")
	}

	// Reconcile
	if c.Reconcile.CheckInterval.Duration <= 0 {
		errs = append(errs, "reconcile: check_interval must be > 0")
	}
	if c.Reconcile.MaxChecks < 1 {
		errs = append(errs, "reconcile: max_checks must be >= 1")
	}
	if c.Reconcile.MaxReverts < 1 {
		errs = append(errs, "reconcile: max_reverts must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
