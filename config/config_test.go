package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "fern", cfg.AppName)
	assert.Equal(t, "0.0.0.0:3000", cfg.HTTP.Address)
	assert.Equal(t, 1000, cfg.Records.BatchSize)
	assert.Equal(t, 3, cfg.Records.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Records.RetryDelay)
	assert.Equal(t, "db/pg", cfg.Migrations.FolderPath)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Janitor.Enabled)
	assert.Equal(t, 15*24*time.Hour, cfg.Janitor.PruneStaleAfter)
	assert.Equal(t, cfg.Database, cfg.Replica)
	assert.Equal(t, 10000, cfg.Records.MaxLimit)
	assert.True(t, cfg.Usage.Enabled)
	assert.Equal(t, time.Minute, cfg.Usage.Interval)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("FERN_DATABASE_HOST", "primary")
	t.Setenv("FERN_DATABASE_PASSWORD", "secret")
	t.Setenv("FERN_REPLICA_HOST", "replica")
	t.Setenv("FERN_RECORDS_BATCH_SIZE", "250")
	t.Setenv("FERN_RECORDS_RETRY_DELAY", "2s")
	t.Setenv("FERN_KAFKA_ENABLED", "true")
	t.Setenv("FERN_JANITOR_PRUNE_INTERVAL", "30s")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "primary", cfg.Database.Host)
	assert.Equal(t, "replica", cfg.Replica.Host)
	assert.Equal(t, "secret", cfg.Replica.Password)
	assert.Equal(t, cfg.Database.Name, cfg.Replica.Name)
	assert.Equal(t, 250, cfg.Records.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Records.RetryDelay)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Janitor.PruneInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"FERN_RECORDS_BATCH_SIZE":   "0",
		"FERN_TRACING_PROTOCOL":     "udp",
		"FERN_TRACING_SAMPLE_RATIO": "2",
		"FERN_RECORDS_MAX_LIMIT":    "10",
		"FERN_USAGE_INTERVAL":       "0s",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load(NewViper())
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("FERN_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FERN_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(file, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("FERN_TEST_DOTENV"))
}
