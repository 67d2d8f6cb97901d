package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/authproxy/internal/observability"
)

// keyspacePrefix namespaces every key this store writes so the proxy can
// share a Redis database with other applications.
const keyspacePrefix = "authproxy"

// RedisConfig holds configuration for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// DialTimeout bounds the initial connection check.
	DialTimeout time.Duration
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
	}
}

// RedisStore is a Redis-backed implementation of the Store interface.
type RedisStore struct {
	client *redis.Client
	logger observability.Logger
}

// RedisOption is a functional option for the Redis store.
type RedisOption func(*RedisStore)

// WithRedisLogger sets the logger for the Redis store.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := &RedisStore{
		client: client,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.logger.Info("redis store initialized", observability.String("addr", cfg.Addr))
	return s, nil
}

// storageKey builds the physical Redis key for (namespace, key).
func storageKey(namespace string, key []byte) string {
	return keyspacePrefix + ":" + namespace + ":" + string(key)
}

// Get returns the value stored under (namespace, key), or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, namespace string, key []byte) ([]byte, error) {
	value, err := s.client.Get(ctx, storageKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Put stores value under (namespace, key).
func (s *RedisStore) Put(ctx context.Context, namespace string, key, value []byte) error {
	if err := s.client.Set(ctx, storageKey(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes (namespace, key).
func (s *RedisStore) Delete(ctx context.Context, namespace string, key []byte) error {
	if err := s.client.Del(ctx, storageKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Scan visits every entry in the namespace whose key starts with prefix.
func (s *RedisStore) Scan(ctx context.Context, namespace string, prefix []byte, fn func(key, value []byte) error) error {
	keyPrefix := storageKey(namespace, prefix)
	pattern := globEscape(keyPrefix) + "*"

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}

		for _, physical := range keys {
			value, err := s.client.Get(ctx, physical).Bytes()
			if errors.Is(err, redis.Nil) {
				// Deleted between SCAN and GET.
				continue
			}
			if err != nil {
				return fmt.Errorf("redis get during scan: %w", err)
			}

			logical := physical[len(keyspacePrefix)+len(namespace)+2:]
			if err := fn([]byte(logical), value); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// NextSequence atomically increments and returns the named counter.
func (s *RedisStore) NextSequence(ctx context.Context, name string) (uint64, error) {
	n, err := s.client.Incr(ctx, storageKey(NamespaceSequences, []byte(name))).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return uint64(n), nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// globEscape escapes Redis glob metacharacters so a key prefix matches
// literally in SCAN patterns.
func globEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
