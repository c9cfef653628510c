// Package idempotency guards against reprocessing the same automatic
// message twice when the durable broker redelivers it — a message may
// arrive more than once after a retry, a crash mid-processing, or an
// orphaned consumer group entry.
//
// The consumer's primary duplicate guard is the planned message's own
// isSent flag, an atomic Mongo update. This package is the
// defense-in-depth layer described alongside it: a Redis SET NX check
// keyed on the envelope's autoMessageId, rejecting a second delivery
// before it reaches the database at all.
//
// # Usage
//
//	store := idempotency.NewRedisStore(redisClient, 24*time.Hour)
//
//	isDuplicate, err := store.IsDuplicate(ctx, envelope.AutoMessageID)
//	if err != nil {
//	    return err
//	}
//	if isDuplicate {
//	    return nil // already processed or in flight, ack and move on
//	}
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyProcessed is returned when attempting to process a message
// that has already been marked as processed.
var ErrAlreadyProcessed = errors.New("message already processed")

// Store tracks which message IDs have already been processed.
// Implementations must be safe for concurrent use.
type Store interface {
	// IsDuplicate reports whether messageID has already been seen, and
	// atomically marks it as in-flight if it has not.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed refreshes the default TTL for messageID after
	// successful processing.
	MarkProcessed(ctx context.Context, messageID string) error

	// MarkProcessedWithTTL marks messageID as processed with a custom TTL.
	MarkProcessedWithTTL(ctx context.Context, messageID string, ttl time.Duration) error

	// Remove clears messageID, allowing it to be processed again.
	Remove(ctx context.Context, messageID string) error
}
