// Package config loads configuration for the changestream-watch binary from
// environment variables, in the teacher pack's config-struct-plus-loader
// style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the changestream-watch binary.
type Config struct {
	HTTP       HTTPConfig
	MongoDB    MongoDBConfig
	Watch      WatchConfig
	Checkpoint CheckpointConfig
}

// HTTPConfig holds status/health/metrics HTTP server configuration.
type HTTPConfig struct {
	Port int
}

// MongoDBConfig holds the source connection configuration.
type MongoDBConfig struct {
	URI              string
	Database         string
	SourceCollection string
}

// WatchConfig controls the watcher's stream name, batch size, and
// reconnect backoff bounds.
type WatchConfig struct {
	StreamName     string
	CheckpointKey  string
	BatchSize      int32
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	IdlePoll       time.Duration
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	// Backend is one of "memory", "redis", "mongo".
	Backend string

	Redis RedisConfig
}

// RedisConfig holds Redis checkpoint store configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port: getEnvInt("HTTP_PORT", 8080),
		},
		MongoDB: MongoDBConfig{
			URI:              getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database:         getEnv("MONGODB_DATABASE", "changestream"),
			SourceCollection: getEnv("MONGODB_SOURCE_COLLECTION", ""),
		},
		Watch: WatchConfig{
			StreamName:     getEnv("WATCH_STREAM_NAME", "default"),
			CheckpointKey:  getEnv("WATCH_CHECKPOINT_KEY", "default"),
			BatchSize:      int32(getEnvInt("WATCH_BATCH_SIZE", 100)),
			InitialBackoff: getEnvDuration("WATCH_INITIAL_BACKOFF", 5*time.Second),
			MaxBackoff:     getEnvDuration("WATCH_MAX_BACKOFF", 60*time.Second),
			IdlePoll:       getEnvDuration("WATCH_IDLE_POLL", 100*time.Millisecond),
		},
		Checkpoint: CheckpointConfig{
			Backend: getEnv("CHECKPOINT_BACKEND", "memory"),
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				TTL:      getEnvDuration("REDIS_CHECKPOINT_TTL", 0),
			},
		},
	}

	if cfg.MongoDB.SourceCollection == "" {
		return nil, fmt.Errorf("MONGODB_SOURCE_COLLECTION is required")
	}

	switch cfg.Checkpoint.Backend {
	case "memory", "redis", "mongo":
	default:
		return nil, fmt.Errorf("unknown CHECKPOINT_BACKEND %q: want memory, redis, or mongo", cfg.Checkpoint.Backend)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
