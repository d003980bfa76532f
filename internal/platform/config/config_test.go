package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/knowledge_mapper?sslmode=disable")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("VOYAGE_API_KEY", "test-voyage-key")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Postgres.MaxOpenConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Provider.BreakerFailureThreshold)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CONSOLIDATION_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
}

func TestLoadFailsWithoutRequiredFields(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
}
