package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/relaydb-go-driver/internal/config"
)

func TestLoadRequiresSourceCollection(t *testing.T) {
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("MONGODB_SOURCE_COLLECTION", "orders")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "orders", cfg.MongoDB.SourceCollection)
	require.Equal(t, "changestream", cfg.MongoDB.Database)
	require.Equal(t, 8080, cfg.HTTP.Port)
	require.Equal(t, "memory", cfg.Checkpoint.Backend)
	require.Equal(t, 5*time.Second, cfg.Watch.InitialBackoff)
}

func TestLoadRejectsUnknownCheckpointBackend(t *testing.T) {
	t.Setenv("MONGODB_SOURCE_COLLECTION", "orders")
	t.Setenv("CHECKPOINT_BACKEND", "dynamodb")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("MONGODB_SOURCE_COLLECTION", "orders")
	t.Setenv("CHECKPOINT_BACKEND", "redis")
	t.Setenv("WATCH_BATCH_SIZE", "250")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.Checkpoint.Backend)
	require.EqualValues(t, 250, cfg.Watch.BatchSize)
}
