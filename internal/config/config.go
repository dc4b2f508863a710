// Package config provides layered configuration management for the rule
// automation service: defaults, then a YAML file, then environment
// variable overrides, with secure credential loading for provider
// secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Constants for configuration defaults and validation.
const (
	DefaultPort             = 8080
	DefaultLogLevel         = "info"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	MinPortNumber           = 1024
	MaxPortNumber           = 65535

	DefaultRateLimitBaseDelay     = 100 * time.Millisecond
	DefaultRateLimitMaxRetries    = 3
	DefaultRateLimitBackoffFactor = 2.0

	DefaultExecutorChunkSize              = 500
	DefaultExecutorDetailFetchConcurrency = 1

	DefaultJobsMaxTerminal = 500

	DefaultStorePath = "rules.json"
)

// Config is the root configuration structure, unmarshalled from
// defaults -> config.<environment>.yaml -> GMAIL_AUTOMATION_* env vars.
type Config struct {
	Environment     string          `mapstructure:"environment"`
	Port            int             `mapstructure:"port"`
	LogLevel        string          `mapstructure:"log_level"`
	Database        DatabaseConfig  `mapstructure:"database"`
	Gmail           GmailConfig     `mapstructure:"gmail"`
	Outlook         OutlookConfig   `mapstructure:"outlook"`
	Metrics         MetricsConfig   `mapstructure:"metrics"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	Executor        ExecutorConfig  `mapstructure:"executor"`
	Jobs            JobsConfig      `mapstructure:"jobs"`
	Store           StoreConfig     `mapstructure:"store"`
	RequestTimeout  time.Duration   `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	Version         string          `mapstructure:"version"`
}

// DatabaseConfig holds the audit repository's Postgres connection
// settings. Optional: an empty Host disables persistence (memory-only
// job tracking, with a logged warning), per SPEC_FULL.md §6.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// GmailConfig holds Gmail API OAuth2 and account configuration.
type GmailConfig struct {
	CredentialsJSON string `mapstructure:"credentials_json"`
	UserEmail       string `mapstructure:"user_email"`
}

// OutlookConfig holds Microsoft Graph API app-credential configuration.
type OutlookConfig struct {
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	UserID       string `mapstructure:"user_id"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// RateLimitConfig configures the provider adapter's pacing and retry
// policy (pkg/ratelimit.Config).
type RateLimitConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

// ExecutorConfig configures the Pipeline Executor.
type ExecutorConfig struct {
	ChunkSize              int  `mapstructure:"chunk_size"`
	DetailFetchConcurrency int  `mapstructure:"detail_fetch_concurrency"`
	AllowDeletePermanent   bool `mapstructure:"allow_delete_permanent"`
}

// JobsConfig holds the Async Job Manager's retention setting.
// MaxTerminalJobs is loaded from configuration but jobs.New does not take
// it; the manager keeps a fixed bound of 500 terminal jobs.
type JobsConfig struct {
	MaxTerminalJobs int `mapstructure:"max_terminal_jobs"`
}

// StoreConfig configures the Rule Store's file path.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoadConfig loads and validates configuration from multiple sources with
// secure credential handling for provider secrets.
func LoadConfig(configPath string, environment string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("rate_limit.base_delay", DefaultRateLimitBaseDelay)
	v.SetDefault("rate_limit.max_retries", DefaultRateLimitMaxRetries)
	v.SetDefault("rate_limit.backoff_factor", DefaultRateLimitBackoffFactor)
	v.SetDefault("executor.chunk_size", DefaultExecutorChunkSize)
	v.SetDefault("executor.detail_fetch_concurrency", DefaultExecutorDetailFetchConcurrency)
	v.SetDefault("executor.allow_delete_permanent", false)
	v.SetDefault("jobs.max_terminal_jobs", DefaultJobsMaxTerminal)
	v.SetDefault("store.path", DefaultStorePath)

	v.SetConfigName(fmt.Sprintf("config.%s", environment))
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("GMAIL_AUTOMATION")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	loadSecureCredentials(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.Environment = environment

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// loadSecureCredentials loads sensitive credentials from environment
// variables that bypass viper's normal key-lowercasing env lookup for
// nested keys.
func loadSecureCredentials(v *viper.Viper) {
	if dbPass := os.Getenv("GMAIL_AUTOMATION_DB_PASSWORD"); dbPass != "" {
		v.Set("database.password", dbPass)
	}
	if gmailCreds := os.Getenv("GMAIL_AUTOMATION_GMAIL_CREDENTIALS_JSON"); gmailCreds != "" {
		v.Set("gmail.credentials_json", gmailCreds)
	}
	if outlookSecret := os.Getenv("GMAIL_AUTOMATION_OUTLOOK_CLIENT_SECRET"); outlookSecret != "" {
		v.Set("outlook.client_secret", outlookSecret)
	}
}

// Validate performs comprehensive validation of configuration values.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment must be specified")
	}
	if c.Port < MinPortNumber || c.Port > MaxPortNumber {
		return fmt.Errorf("port must be between %d and %d", MinPortNumber, MaxPortNumber)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.RequestTimeout < time.Second {
		return fmt.Errorf("request timeout must be at least 1 second")
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	if err := c.validateRateLimitConfig(); err != nil {
		return fmt.Errorf("rate limit config validation failed: %w", err)
	}
	if err := c.validateExecutorConfig(); err != nil {
		return fmt.Errorf("executor config validation failed: %w", err)
	}
	if c.Database.Host != "" {
		if err := c.validateDatabaseConfig(); err != nil {
			return fmt.Errorf("database config validation failed: %w", err)
		}
	}

	return nil
}

func (c *Config) validateRateLimitConfig() error {
	if c.RateLimit.BaseDelay < 0 {
		return fmt.Errorf("base delay must be non-negative")
	}
	if c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}
	if c.RateLimit.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1")
	}
	return nil
}

func (c *Config) validateExecutorConfig() error {
	if c.Executor.ChunkSize <= 0 {
		return fmt.Errorf("executor chunk size must be positive")
	}
	if c.Executor.DetailFetchConcurrency <= 0 {
		return fmt.Errorf("executor detail fetch concurrency must be positive")
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	db := c.Database
	if db.Port < MinPortNumber || db.Port > MaxPortNumber {
		return fmt.Errorf("invalid database port")
	}
	if db.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if db.User == "" {
		return fmt.Errorf("database user is required")
	}
	return nil
}
