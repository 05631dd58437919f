package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedd/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, 20, cfg.Scheduler.PoolSize)
	assert.Equal(t, 4*time.Second, cfg.Scheduler.LockTTL)
	assert.Equal(t, 6, cfg.Scheduler.StoreRetries)
	assert.Equal(t, time.Hour, cfg.Validation.MinFrequency)
	assert.Equal(t, 30*time.Second, cfg.Validation.RequestTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("REDIS_HOST=cache.internal\nSCHEDULER_POOL_SIZE=7\n"), 0o600))

	t.Setenv("SCHEDULER_LOCK_TTL", "9s")
	t.Setenv("REDIS_HOST", "")
	os.Unsetenv("REDIS_HOST")
	t.Cleanup(func() { os.Unsetenv("SCHEDULER_POOL_SIZE") })

	cfg, err := Load(envFile, "")
	require.NoError(t, err)

	assert.Equal(t, "cache.internal", cfg.Redis.Host)
	assert.Equal(t, 7, cfg.Scheduler.PoolSize)
	assert.Equal(t, 9*time.Second, cfg.Scheduler.LockTTL)
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"), "")
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.PoolSize = 0
	assert.True(t, errors.IsInvalidUsage(cfg.Validate()))

	cfg = Default()
	cfg.Scheduler.MisfireGrace = 10 * time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "misfire_grace")
}
