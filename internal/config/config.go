// Package config provides configuration management for the governance pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pipeline configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Graph     GraphConfig     `yaml:"graph"`
	Collector CollectorConfig `yaml:"collector"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	WebhookTokenEnv string        `yaml:"webhook_token_env"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GraphConfig holds directory API client settings.
type GraphConfig struct {
	TenantID        string        `yaml:"tenant_id"`
	ClientID        string        `yaml:"client_id"`
	ClientSecretEnv string        `yaml:"client_secret_env"`
	Authority       string        `yaml:"authority"`
	Scopes          []string      `yaml:"scopes"`
	UseBeta         bool          `yaml:"use_beta"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst       int           `yaml:"rate_burst"`
	TokenCacheFile  string        `yaml:"token_cache_file"`
}

// CollectorConfig holds log-collector (HEC) sender settings.
type CollectorConfig struct {
	URL        string        `yaml:"url"`
	TokenEnv   string        `yaml:"token_env"`
	Index      string        `yaml:"index"`
	Source     string        `yaml:"source"`
	SourceType string        `yaml:"sourcetype"`
	Host       string        `yaml:"host"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	MockMode   bool          `yaml:"mock_mode"`
}

// AlertsConfig holds correlation-alert receiver settings.
type AlertsConfig struct {
	AutoRemediation  bool          `yaml:"auto_remediation"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
	HistorySize      int           `yaml:"history_size"`
	RemediationScore float64       `yaml:"remediation_score"`
	UseRedisDedup    bool          `yaml:"use_redis_dedup"`
}

// RedisConfig holds Redis connection settings for the shared dedup store.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file on top of defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			WebhookTokenEnv: "ALERT_WEBHOOK_TOKEN",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Graph: GraphConfig{
			ClientSecretEnv: "AZURE_CLIENT_SECRET",
			Authority:       "https://login.microsoftonline.com",
			Scopes:          []string{"https://graph.microsoft.com/.default"},
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			RetryDelay:      2 * time.Second,
			RateBurst:       10,
			TokenCacheFile:  ".token_cache.json",
		},
		Collector: CollectorConfig{
			TokenEnv:   "HEC_TOKEN",
			Index:      "entra_id_governance",
			Source:     "entraflow",
			SourceType: "entra:identity:governance",
			Host:       "entraflow",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Alerts: AlertsConfig{
			DedupTTL:         1 * time.Hour,
			HistorySize:      1000,
			RemediationScore: 70,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks settings that have no workable zero value.
func (c *Config) Validate() error {
	if c.Graph.TenantID == "" {
		return fmt.Errorf("graph.tenant_id is required")
	}
	if c.Graph.ClientID == "" {
		return fmt.Errorf("graph.client_id is required")
	}
	if c.Graph.MaxRetries < 0 {
		return fmt.Errorf("graph.max_retries must not be negative")
	}
	if !c.Collector.MockMode && c.Collector.URL == "" {
		return fmt.Errorf("collector.url is required unless mock_mode is enabled")
	}
	return nil
}

// AuthorityURL returns the full token authority URL including the tenant.
func (g GraphConfig) AuthorityURL() string {
	return fmt.Sprintf("%s/%s", g.Authority, g.TenantID)
}

// ClientSecret resolves the client secret from the environment.
func (g GraphConfig) ClientSecret() string {
	return os.Getenv(g.ClientSecretEnv)
}
