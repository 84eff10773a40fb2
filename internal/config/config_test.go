package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Signer.BaseURL = "https://signer.internal"
	cfg.Signer.APIKey = "key"
	cfg.Signer.APISecret = "secret"
	cfg.Venues.AlphaQuoteURL = "https://alpha.example"
	cfg.Venues.AlphaQuoteWSURL = "wss://alpha.example/stream"
	cfg.Venues.DexPoolURL = "https://pool.example"
	cfg.Venues.SwapRouterURL = "https://router.example"
	cfg.Venues.ChainScanURL = "https://scan.example"
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingSigner(t *testing.T) {
	cfg := validConfig()
	cfg.Signer.APISecret = ""
	cfg.Signer.EncryptedSecretPath = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_secret or encrypted_secret_path")
}

func TestValidateRejectsTrailDistanceAboveActivation(t *testing.T) {
	cfg := validConfig()
	cfg.Rules.TrailActivationPct = 5
	cfg.Rules.TrailDistancePct = 10

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trail_distance_pct")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[monitor]
tick_interval = "7s"

[redis]
addr = "redis.internal:6379"
`), 0o600))

	t.Setenv("EXITPILOT_REDIS_ADDR", "redis.override:6379")
	t.Setenv("EXITPILOT_MONITOR_RETRY_COOLDOWN", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 7*time.Second, cfg.Monitor.TickInterval.Duration)
	assert.Equal(t, "redis.override:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Monitor.RetryCooldown.Duration)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.Postgres.PoolMaxConns)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "operator-key"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Signer.APISecret)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	// The original is untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
