package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

// RedisStore stores checkpoints in Redis as opaque binary values with an
// optional TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix is prepended to every checkpoint key. Defaults to
	// "changestream:checkpoint:".
	Prefix string

	// TTL is the expiration for checkpoint keys; zero means no expiration.
	TTL time.Duration
}

// NewRedisStore dials Redis and verifies the connection with a Ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "changestream:checkpoint:"
	}

	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) GetCheckpoint(ctx context.Context, key string) (changestream.ResumeToken, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return changestream.ResumeToken(data), nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, key string, token changestream.ResumeToken) error {
	if err := s.client.Set(ctx, s.prefix+key, []byte(token), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Delete removes a single checkpoint, used when recovering from a stale
// resume token that the server has rejected outright.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
