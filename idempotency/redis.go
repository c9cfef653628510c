package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over Redis, so every consumer process
// shares one duplicate-detection table instead of each holding its
// own in-memory set.
//
// It uses SET NX with an expiry as the atomic check-and-mark: the key
// is the envelope's autoMessageId, prefixed to keep this store's keys
// out of the way of the rest of the pipeline's Redis usage.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore builds a RedisStore with the given default TTL —
// how long an autoMessageId is remembered before Redis lets it
// through again. 24 hours comfortably outlives the retry window a
// redelivered envelope could arrive within.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: "idemp:",
	}
}

// WithPrefix overrides the default "idemp:" key prefix.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

// IsDuplicate reports whether autoMessageId has already been claimed,
// atomically claiming it if not.
//
// SET NX either creates the key (this call is the first to see the
// id, not a duplicate) or fails because it already exists (a
// redelivery of an envelope the consumer already started on). Either
// outcome resolves in one round trip, so two consumer instances
// racing on the same redelivered envelope can't both win.
func (s *RedisStore) IsDuplicate(ctx context.Context, autoMessageID string) (bool, error) {
	key := s.prefix + autoMessageID

	set, err := s.client.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}

	return !set, nil // set succeeded means it was not a duplicate
}

// MarkProcessed refreshes autoMessageId's TTL to the store's default
// after successful processing, so a slow consume doesn't let the key
// expire mid-flight.
func (s *RedisStore) MarkProcessed(ctx context.Context, autoMessageID string) error {
	return s.MarkProcessedWithTTL(ctx, autoMessageID, s.ttl)
}

// MarkProcessedWithTTL marks autoMessageId processed with a custom
// retention window.
func (s *RedisStore) MarkProcessedWithTTL(ctx context.Context, autoMessageID string, ttl time.Duration) error {
	key := s.prefix + autoMessageID
	return s.client.Set(ctx, key, "1", ttl).Err()
}

// Remove clears autoMessageId, letting a redelivered envelope through
// as if new. Used by tests and manual recovery after fixing a bug
// that caused a message to be wrongly rejected.
func (s *RedisStore) Remove(ctx context.Context, autoMessageID string) error {
	key := s.prefix + autoMessageID
	return s.client.Del(ctx, key).Err()
}

var _ Store = (*RedisStore)(nil)
