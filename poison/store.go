// Package poison implements the supplemental poison-pair quarantine:
// a (senderId, receiverId) pair whose automatic messages keep failing
// terminal processing is quarantined for a cooldown window instead of
// generating a fresh dead letter on every scheduled attempt.
//
// This is additive on top of the per-message retry/dead-letter
// protocol: a pair check runs before dispatch, never in place of the
// per-message retry count.
package poison

import (
	"context"
	"time"
)

// PairKey canonicalizes a sender/receiver pair into the key this
// package tracks failures and quarantine against.
func PairKey(senderID, receiverID string) string {
	return senderID + ":" + receiverID
}

// Store tracks failure counts and quarantine status per pair key.
// Implementations must be safe for concurrent use.
type Store interface {
	// IncrementFailure increments and returns the failure count for pairKey.
	IncrementFailure(ctx context.Context, pairKey string) (int, error)

	// GetFailureCount returns the current failure count for pairKey.
	GetFailureCount(ctx context.Context, pairKey string) (int, error)

	// MarkPoison quarantines pairKey for ttl.
	MarkPoison(ctx context.Context, pairKey string, ttl time.Duration) error

	// IsPoison reports whether pairKey is currently quarantined.
	IsPoison(ctx context.Context, pairKey string) (bool, error)

	// ClearPoison releases pairKey from quarantine immediately.
	ClearPoison(ctx context.Context, pairKey string) error

	// ClearFailures resets the failure count for pairKey to zero.
	ClearFailures(ctx context.Context, pairKey string) error
}
