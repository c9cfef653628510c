package poison

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the Redis-backed Store, keeping failure counts and
// quarantine markers in two key spaces:
//
//	{failurePrefix}{pairKey}    - failure count (string with TTL)
//	{quarantinePrefix}{pairKey} - quarantine marker (string with TTL)
type RedisStore struct {
	client           redis.Cmdable
	failurePrefix    string
	quarantinePrefix string
	failureTTL       time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithFailurePrefix overrides the failure-count key prefix.
func WithFailurePrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.failurePrefix = prefix }
}

// WithQuarantinePrefix overrides the quarantine-marker key prefix.
func WithQuarantinePrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.quarantinePrefix = prefix }
}

// WithFailureTTL overrides how long an un-quarantined failure count is
// remembered before Redis expires it on its own (default 24h).
func WithFailureTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.failureTTL = ttl }
}

// NewRedisStore builds a RedisStore with default key prefixes
// "poison:failures:" and "poison:quarantine:" and a 24h failure TTL.
func NewRedisStore(client redis.Cmdable, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:           client,
		failurePrefix:    "poison:failures:",
		quarantinePrefix: "poison:quarantine:",
		failureTTL:       24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncrementFailure atomically increments and returns the failure count,
// refreshing its TTL.
func (s *RedisStore) IncrementFailure(ctx context.Context, pairKey string) (int, error) {
	key := s.failurePrefix + pairKey

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.failureTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment failure: %w", err)
	}
	return int(incr.Val()), nil
}

// GetFailureCount returns the current failure count for pairKey, or 0
// if it has none recorded.
func (s *RedisStore) GetFailureCount(ctx context.Context, pairKey string) (int, error) {
	key := s.failurePrefix + pairKey

	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get failure count: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse failure count: %w", err)
	}
	return count, nil
}

// MarkPoison quarantines pairKey for ttl via a Redis SET with expiry.
func (s *RedisStore) MarkPoison(ctx context.Context, pairKey string, ttl time.Duration) error {
	key := s.quarantinePrefix + pairKey
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("mark poison: %w", err)
	}
	return nil
}

// IsPoison reports whether pairKey's quarantine marker still exists.
func (s *RedisStore) IsPoison(ctx context.Context, pairKey string) (bool, error) {
	key := s.quarantinePrefix + pairKey
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check poison: %w", err)
	}
	return exists > 0, nil
}

// ClearPoison releases pairKey from quarantine immediately.
func (s *RedisStore) ClearPoison(ctx context.Context, pairKey string) error {
	key := s.quarantinePrefix + pairKey
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear poison: %w", err)
	}
	return nil
}

// ClearFailures resets the failure count for pairKey.
func (s *RedisStore) ClearFailures(ctx context.Context, pairKey string) error {
	key := s.failurePrefix + pairKey
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
