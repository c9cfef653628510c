package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/lacechat/automessage/broker"
)

// Outcome records what a Handler did with a failed delivery.
type Outcome int

const (
	// Retried means the delivery was acked and a delayed republish was
	// scheduled with an incremented attempt count.
	Retried Outcome = iota
	// DeadLettered means the delivery was acked and recorded in the
	// dead-letter store instead of being retried.
	DeadLettered
)

func (o Outcome) String() string {
	if o == DeadLettered {
		return "dead_lettered"
	}
	return "retried"
}

// DeadLetterRecorder persists a terminally-failed envelope. Satisfied
// by *Store; an interface here so Handler can be tested without Mongo.
type DeadLetterRecorder interface {
	Record(ctx context.Context, envelope []byte, lastErr error, retryCount int) (*Record, error)
}

// Handler decides, for a delivery that failed processing, whether to
// schedule a delayed retry or give up and dead-letter it, per the
// consumer's max-attempts protocol.
type Handler struct {
	broker      broker.Broker
	deadLetters DeadLetterRecorder
	maxAttempts int
	delay       time.Duration
	logger      *slog.Logger
}

// NewHandler builds a Handler. maxAttempts is the number of retries,
// compared against a delivery's x-retry-count (so maxAttempts=3 allows
// three republishes, and a message is delivered at most four times);
// delay is how long a republish waits before landing back on the queue.
func NewHandler(b broker.Broker, deadLetters DeadLetterRecorder, maxAttempts int, delay time.Duration) *Handler {
	return &Handler{
		broker:      b,
		deadLetters: deadLetters,
		maxAttempts: maxAttempts,
		delay:       delay,
		logger:      slog.Default().With("component", "retry.handler"),
	}
}

// Fail acknowledges d and either schedules a delayed republish or
// dead-letters it, depending on how many attempts have already been
// made. Redis Streams has no requeue-without-ack, so both paths ack the
// original delivery: a retry acks before scheduling the republish, and
// a dead-letter writes its record first and acks only once that write
// succeeds (a failed write leaves the delivery unacked).
//
// d.RetryCount < maxAttempts schedules a republish with the count
// incremented; d.RetryCount >= maxAttempts dead-letters instead, so a
// maxAttempts of 3 allows retry counts 0, 1, and 2 to be retried and
// dead-letters the delivery that arrives with retry count 3.
func (h *Handler) Fail(ctx context.Context, d broker.Delivery, cause error) (Outcome, error) {
	if d.RetryCount >= h.maxAttempts {
		if _, err := h.deadLetters.Record(ctx, d.Envelope, cause, d.RetryCount); err != nil {
			return DeadLettered, err
		}
		if err := h.broker.Ack(ctx, d.ID); err != nil {
			return DeadLettered, err
		}
		h.logger.Warn("message dead-lettered", "delivery_id", d.ID, "attempts", d.RetryCount, "cause", cause)
		return DeadLettered, nil
	}

	nextAttempt := d.RetryCount + 1
	if err := h.broker.Ack(ctx, d.ID); err != nil {
		return Retried, err
	}
	h.scheduleRepublish(context.WithoutCancel(ctx), d.Envelope, nextAttempt)
	h.logger.Info("message scheduled for retry", "delivery_id", d.ID, "attempt", nextAttempt, "delay", h.delay, "cause", cause)
	return Retried, nil
}

// scheduleRepublish republishes envelope after h.delay in its own
// goroutine so Fail does not block the consume loop on the retry
// window.
func (h *Handler) scheduleRepublish(ctx context.Context, envelope []byte, retryCount int) {
	go func() {
		timer := time.NewTimer(h.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if err := h.broker.SendToQueue(ctx, envelope, retryCount); err != nil {
			h.logger.Error("delayed republish failed", "error", err)
		}
	}()
}
