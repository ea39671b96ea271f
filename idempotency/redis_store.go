package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect creates a Redis client from a redis:// URL or a host:port address
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore keeps markers as Redis keys shared across service instances
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisStoreOption configures a RedisStore
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the key prefix, "processed" by default
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithMarkerTTL expires markers after ttl. Zero keeps them forever.
func WithMarkerTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a store on client
func NewRedisStore(client redis.UniversalClient, options ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "processed"}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(namespace, key string) string {
	return s.prefix + ":" + namespace + ":" + key
}

// Seen implements Store
func (s *RedisStore) Seen(ctx context.Context, namespace, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(namespace, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkSeen implements Store
func (s *RedisStore) MarkSeen(ctx context.Context, namespace, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	err := s.client.Set(ctx, s.key(namespace, key), time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// TryMark implements Store with SET NX
func (s *RedisStore) TryMark(ctx context.Context, namespace, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	ok, err := s.client.SetNX(ctx, s.key(namespace, key), time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Unmark implements Store
func (s *RedisStore) Unmark(ctx context.Context, namespace, key string) error {
	if err := s.client.Del(ctx, s.key(namespace, key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
