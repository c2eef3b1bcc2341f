package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.Equal(t, int64(1000), cfg.CacheHalfLifeTouches)
}

func TestLoadHonorsEnvironmentOverride(t *testing.T) {
	t.Setenv("FLOWMACHINE_REDIS_ADDR", "redis.internal:6380")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
}

func TestLoadRejectsNonPositiveWorkerPool(t *testing.T) {
	t.Setenv("FLOWMACHINE_SERVER_WORKER_POOL_SIZE", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadErrorsOnMissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/path/flowmachine.yaml")
	require.Error(t, err)
}
