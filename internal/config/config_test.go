package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/outreach?sslmode=disable"
  max_open_conns: 20

redis:
  addr: "localhost:6379"
  db: 2

proxy:
  connect_timeout_seconds: 3
  probe_timeout_seconds: 20
  cache_ttl_minutes: 15

composer:
  provider: "openai"
  api_key: "test-api-key"
  model: "gpt-4o-mini"
  timeout_seconds: 45

scheduler:
  poll_interval_seconds: 120

safety:
  default_daily_limit: 25
  default_cooldown_hours: 6
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Test database config
	assert.Equal(t, "postgres://localhost/outreach?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)

	// Test redis config
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)

	// Test proxy config
	assert.Equal(t, 3, cfg.Proxy.ConnectTimeoutSeconds)
	assert.Equal(t, 20, cfg.Proxy.ProbeTimeoutSeconds)
	assert.Equal(t, 15, cfg.Proxy.CacheTTLMinutes)

	// Test composer config
	assert.Equal(t, "openai", cfg.Composer.Provider)
	assert.Equal(t, "test-api-key", cfg.Composer.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Composer.Model)
	assert.Equal(t, 45, cfg.Composer.TimeoutSeconds)

	// Test scheduler and safety configs
	assert.Equal(t, 120, cfg.Scheduler.PollIntervalSeconds)
	assert.Equal(t, 25, cfg.Safety.DefaultDailyLimit)
	assert.Equal(t, 6, cfg.Safety.DefaultCooldownHours)
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://localhost/outreach"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 5, cfg.Proxy.ConnectTimeoutSeconds)
	assert.Equal(t, 15, cfg.Proxy.ProbeTimeoutSeconds)
	assert.Equal(t, 10, cfg.Proxy.CacheTTLMinutes)
	assert.Equal(t, "openai", cfg.Composer.Provider)
	assert.Equal(t, "https://api.openai.com", cfg.Composer.BaseURL)
	assert.Equal(t, "gpt-4o", cfg.Composer.Model)
	assert.Equal(t, 500, cfg.Composer.MaxTokens)
	assert.Equal(t, 0.7, cfg.Composer.Temperature)
	assert.Equal(t, 3, cfg.Composer.MaxRetries)
	assert.Equal(t, 60, cfg.Scheduler.PollIntervalSeconds)
	assert.Equal(t, 30, cfg.Safety.DefaultDailyLimit)
	assert.Equal(t, 5, cfg.Safety.DefaultCooldownHours)
	assert.Equal(t, "sessions", cfg.Transport.SessionDir)
}

func TestLoadFromEnv(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
composer:
  api_key: "file-key"
  base_url: "https://file-url.com"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Set environment variables
	os.Setenv("OPENAI_API_KEY", "env-key")
	os.Setenv("OPENAI_BASE_URL", "https://env-url.com")
	os.Setenv("DATABASE_URL", "postgres://env-host/outreach")
	defer func() {
		os.Unsetenv("OPENAI_API_KEY")
		os.Unsetenv("OPENAI_BASE_URL")
		os.Unsetenv("DATABASE_URL")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "env-key", cfg.Composer.APIKey)
	assert.Equal(t, "https://env-url.com", cfg.Composer.BaseURL)
	assert.Equal(t, "postgres://env-host/outreach", cfg.Database.URL)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	cfg := ComposerConfig{TimeoutSeconds: 45}
	assert.Equal(t, 45*1000000000, int(cfg.Timeout().Nanoseconds()))
}

func TestPollInterval(t *testing.T) {
	cfg := SchedulerConfig{PollIntervalSeconds: 120}
	assert.Equal(t, 120*1000000000, int(cfg.PollInterval().Nanoseconds()))
}
