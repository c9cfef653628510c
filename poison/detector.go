package poison

import (
	"context"
	"fmt"
	"time"
)

// Detector tracks consecutive terminal-failure counts per sender/
// receiver pair and quarantines a pair once the threshold is reached,
// so a chronically-failing pair stops generating fresh dead letters on
// every scheduled attempt.
type Detector struct {
	store          Store
	threshold      int
	quarantineTime time.Duration
}

// Options configures a Detector.
type Options struct {
	// Threshold is the number of terminal failures before a pair is
	// quarantined. Default: 5.
	Threshold int
	// QuarantineTime is how long a quarantined pair is skipped. Default: 1h.
	QuarantineTime time.Duration
}

// DefaultOptions returns Threshold=5, QuarantineTime=1h.
func DefaultOptions() *Options {
	return &Options{
		Threshold:      5,
		QuarantineTime: time.Hour,
	}
}

// Option modifies Options.
type Option func(*Options)

// WithThreshold overrides the failure threshold.
func WithThreshold(threshold int) Option {
	return func(o *Options) {
		if threshold > 0 {
			o.Threshold = threshold
		}
	}
}

// WithQuarantineTime overrides the quarantine window.
func WithQuarantineTime(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.QuarantineTime = d
		}
	}
}

// NewDetector builds a Detector over store.
func NewDetector(store Store, opts ...Option) *Detector {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Detector{
		store:          store,
		threshold:      o.Threshold,
		quarantineTime: o.QuarantineTime,
	}
}

// Check reports whether senderID/receiverID's pair is currently
// quarantined. The dispatcher should skip planned messages for a
// quarantined pair rather than publish them.
func (d *Detector) Check(ctx context.Context, senderID, receiverID string) (bool, error) {
	return d.store.IsPoison(ctx, PairKey(senderID, receiverID))
}

// RecordFailure records a terminal (dead-lettered) failure for the
// pair, quarantining it once the threshold is reached. Returns true if
// this call caused the quarantine to start.
func (d *Detector) RecordFailure(ctx context.Context, senderID, receiverID string) (bool, error) {
	key := PairKey(senderID, receiverID)
	count, err := d.store.IncrementFailure(ctx, key)
	if err != nil {
		return false, fmt.Errorf("increment failure: %w", err)
	}
	if count >= d.threshold {
		if err := d.store.MarkPoison(ctx, key, d.quarantineTime); err != nil {
			return true, fmt.Errorf("mark poison: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// RecordSuccess clears the failure count for a pair after a message
// between them is dispatched or delivered without a terminal failure.
func (d *Detector) RecordSuccess(ctx context.Context, senderID, receiverID string) error {
	return d.store.ClearFailures(ctx, PairKey(senderID, receiverID))
}

// Release clears both quarantine and failure state for a pair, for use
// after manual investigation.
func (d *Detector) Release(ctx context.Context, senderID, receiverID string) error {
	key := PairKey(senderID, receiverID)
	if err := d.store.ClearPoison(ctx, key); err != nil {
		return err
	}
	return d.store.ClearFailures(ctx, key)
}

// GetFailureCount returns the current failure count for a pair.
func (d *Detector) GetFailureCount(ctx context.Context, senderID, receiverID string) (int, error) {
	return d.store.GetFailureCount(ctx, PairKey(senderID, receiverID))
}

// Threshold returns the configured failure threshold.
func (d *Detector) Threshold() int { return d.threshold }

// QuarantineTime returns the configured quarantine duration.
func (d *Detector) QuarantineTime() time.Duration { return d.quarantineTime }
