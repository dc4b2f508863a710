package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWhenNoFilePresent(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), "test")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultExecutorChunkSize, cfg.Executor.ChunkSize)
	assert.Equal(t, DefaultExecutorDetailFetchConcurrency, cfg.Executor.DetailFetchConcurrency)
	assert.Equal(t, DefaultJobsMaxTerminal, cfg.Jobs.MaxTerminalJobs)
	assert.Equal(t, "test", cfg.Environment)
}

func TestLoadConfig_YAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
port: 9090
log_level: debug
executor:
  chunk_size: 250
  detail_fetch_concurrency: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.test.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir, "test")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250, cfg.Executor.ChunkSize)
	assert.Equal(t, 4, cfg.Executor.DetailFetchConcurrency)
}

func TestLoadConfig_EnvVarOverridesDefault(t *testing.T) {
	t.Setenv("GMAIL_AUTOMATION_PORT", "7070")
	cfg, err := LoadConfig(t.TempDir(), "test")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

func TestLoadConfig_SecureCredentialsBypassNormalEnvLookup(t *testing.T) {
	t.Setenv("GMAIL_AUTOMATION_DB_PASSWORD", "s3cret")
	t.Setenv("GMAIL_AUTOMATION_GMAIL_CREDENTIALS_JSON", `{"type":"service_account"}`)

	dir := t.TempDir()
	yaml := `
database:
  host: localhost
  port: 5432
  name: automation
  user: app
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.test.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir, "test")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, `{"type":"service_account"}`, cfg.Gmail.CredentialsJSON)
}

func validConfig() Config {
	return Config{
		Environment:     "test",
		Port:            DefaultPort,
		LogLevel:        DefaultLogLevel,
		RequestTimeout:  DefaultRequestTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			BaseDelay: DefaultRateLimitBaseDelay, MaxRetries: DefaultRateLimitMaxRetries, BackoffFactor: DefaultRateLimitBackoffFactor,
		},
		Executor: ExecutorConfig{ChunkSize: DefaultExecutorChunkSize, DetailFetchConcurrency: DefaultExecutorDetailFetchConcurrency},
	}
}

func TestValidate_RejectsMissingEnvironment(t *testing.T) {
	c := validConfig()
	c.Environment = ""
	require.Error(t, c.Validate())
}

func TestValidate_RejectsOutOfRangePort(t *testing.T) {
	c := validConfig()
	c.Port = 80
	require.Error(t, c.Validate())
}

func TestValidate_RejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	require.Error(t, c.Validate())
}

func TestValidate_RejectsSubSecondTimeouts(t *testing.T) {
	c := validConfig()
	c.RequestTimeout = 500 * time.Millisecond
	require.Error(t, c.Validate())
}

func TestValidate_RejectsNonPositiveChunkSize(t *testing.T) {
	c := validConfig()
	c.Executor.ChunkSize = 0
	require.Error(t, c.Validate())
}

func TestValidate_RejectsSubOneBackoffFactor(t *testing.T) {
	c := validConfig()
	c.RateLimit.BackoffFactor = 0.5
	require.Error(t, c.Validate())
}

func TestValidate_DatabaseOptionalWhenHostEmpty(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate(), "empty database host skips database validation entirely")
}

func TestValidate_DatabaseValidatedWhenHostSet(t *testing.T) {
	c := validConfig()
	c.Database.Host = "localhost"
	c.Database.Port = 5432
	require.Error(t, c.Validate(), "name and user are required once a host is configured")

	c.Database.Name = "automation"
	c.Database.User = "app"
	require.NoError(t, c.Validate())
}
