package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is absent from the cache. Callers
// distinguish a miss from a cache outage by checking for this sentinel.
var ErrNotFound = errors.New("cache: key not found")

// Store is the key-value contract the coordinator needs. It allows swapping
// the Redis backend for an in-memory fake in tests.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// Compile-time check to verify that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisStore is the Store backed by Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store over the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RedisStore{client: client}
}

// Get retrieves the raw value for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return value, nil
}

// Set writes the value with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

// Delete removes the keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}
