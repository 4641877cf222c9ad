package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces broker keys inside a shared Redis.
const DefaultRedisPrefix = "modelbroker:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379").
	URL string
	// Prefix namespaces all keys (defaults to "modelbroker:").
	Prefix string
}

// RedisStore persists records as plain Redis string keys.
// Suitable for multi-instance deployments sharing one broker state.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	slog.Info("redis kv store connected", "prefix", prefix)

	return &RedisStore{client: client, prefix: prefix}, nil
}

// Get returns the value for key, or nil when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get kv record from redis: %w", err)
	}
	return json.RawMessage(data), nil
}

// Set stores the value for key. Records do not expire; staleness is handled
// by the stores' own TTL logic on read.
func (s *RedisStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := s.client.Set(ctx, s.prefix+key, []byte(value), 0).Err(); err != nil {
		return fmt.Errorf("set kv record in redis: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete kv record from redis: %w", err)
	}
	return nil
}

// List returns all entries whose key starts with prefix, via SCAN.
func (s *RedisStore) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		data, err := s.client.Get(ctx, full).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // deleted between scan and get
			}
			return nil, fmt.Errorf("get kv record from redis: %w", err)
		}
		out[full[len(s.prefix):]] = json.RawMessage(data)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan kv records: %w", err)
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
