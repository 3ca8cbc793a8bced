package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Transport TransportConfig `yaml:"transport"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Composer  ComposerConfig  `yaml:"composer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Safety    SafetyConfig    `yaml:"safety"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for the safety counters, proxy health
// cache, and scheduler locks. When Addr is empty the components fall back
// to in-memory state.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TransportConfig holds messaging transport settings. BridgeURL points at
// the sidecar that holds the actual chat client sessions; the engine never
// speaks the chat protocol itself.
type TransportConfig struct {
	BridgeURL      string `yaml:"bridge_url"`
	SessionDir     string `yaml:"session_dir"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c TransportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ProxyConfig holds proxy health gate settings
type ProxyConfig struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ProbeTimeoutSeconds   int `yaml:"probe_timeout_seconds"`
	CacheTTLMinutes       int `yaml:"cache_ttl_minutes"`
}

// ConnectTimeout returns the TCP connect timeout as a duration
func (c ProxyConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the deep probe timeout as a duration
func (c ProxyConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// CacheTTL returns the health cache TTL as a duration
func (c ProxyConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// ComposerConfig holds reply generation settings
type ComposerConfig struct {
	Provider       string  `yaml:"provider"` // "openai" or "bedrock"
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	BedrockRegion  string  `yaml:"bedrock_region"`
	BedrockModel   string  `yaml:"bedrock_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration
func (c ComposerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchedulerConfig holds the outreach scheduler loop settings
type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	MaxCampaigns        int `yaml:"max_campaigns"`
}

// PollInterval returns the campaign poll interval as a duration
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SafetyConfig holds global safety defaults applied when a campaign does
// not set its own
type SafetyConfig struct {
	DefaultDailyLimit    int `yaml:"default_daily_limit"`
	DefaultCooldownHours int `yaml:"default_cooldown_hours"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Transport.BridgeURL == "" {
		cfg.Transport.BridgeURL = "http://localhost:8090"
	}
	if cfg.Transport.SessionDir == "" {
		cfg.Transport.SessionDir = "sessions"
	}
	if cfg.Transport.TimeoutSeconds == 0 {
		cfg.Transport.TimeoutSeconds = 30
	}
	if cfg.Proxy.ConnectTimeoutSeconds == 0 {
		cfg.Proxy.ConnectTimeoutSeconds = 5
	}
	if cfg.Proxy.ProbeTimeoutSeconds == 0 {
		cfg.Proxy.ProbeTimeoutSeconds = 15
	}
	if cfg.Proxy.CacheTTLMinutes == 0 {
		cfg.Proxy.CacheTTLMinutes = 10
	}
	if cfg.Composer.Provider == "" {
		cfg.Composer.Provider = "openai"
	}
	if cfg.Composer.BaseURL == "" {
		cfg.Composer.BaseURL = "https://api.openai.com"
	}
	if cfg.Composer.Model == "" {
		cfg.Composer.Model = "gpt-4o"
	}
	if cfg.Composer.BedrockRegion == "" {
		cfg.Composer.BedrockRegion = "us-east-1"
	}
	if cfg.Composer.BedrockModel == "" {
		cfg.Composer.BedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	if cfg.Composer.MaxTokens == 0 {
		cfg.Composer.MaxTokens = 500
	}
	if cfg.Composer.Temperature == 0 {
		cfg.Composer.Temperature = 0.7
	}
	if cfg.Composer.TimeoutSeconds == 0 {
		cfg.Composer.TimeoutSeconds = 60
	}
	if cfg.Composer.MaxRetries == 0 {
		cfg.Composer.MaxRetries = 3
	}
	if cfg.Scheduler.PollIntervalSeconds == 0 {
		cfg.Scheduler.PollIntervalSeconds = 60
	}
	if cfg.Scheduler.MaxCampaigns == 0 {
		cfg.Scheduler.MaxCampaigns = 10
	}
	if cfg.Safety.DefaultDailyLimit == 0 {
		cfg.Safety.DefaultDailyLimit = 30
	}
	if cfg.Safety.DefaultCooldownHours == 0 {
		cfg.Safety.DefaultCooldownHours = 5
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.Composer.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.Composer.BaseURL = baseURL
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.Composer.Model = model
	}
	if provider := os.Getenv("COMPOSER_PROVIDER"); provider != "" {
		cfg.Composer.Provider = provider
	}
	if region := os.Getenv("BEDROCK_REGION"); region != "" {
		cfg.Composer.BedrockRegion = region
	}
	if dir := os.Getenv("SESSION_DIR"); dir != "" {
		cfg.Transport.SessionDir = dir
	}
	if url := os.Getenv("TRANSPORT_BRIDGE_URL"); url != "" {
		cfg.Transport.BridgeURL = url
	}

	return cfg, nil
}
