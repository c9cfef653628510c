// Package consumer implements the long-lived worker that drains the
// durable queue: parse and validate each envelope, resolve its
// conversation, persist the chat message, mark the originating planned
// message sent, notify the receiver if online, and acknowledge the
// delivery. Failures route through the retry/dead-letter protocol
// instead of being handled inline.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lacechat/automessage/apperrors"
	"github.com/lacechat/automessage/broker"
	"github.com/lacechat/automessage/idempotency"
	"github.com/lacechat/automessage/model"
	"github.com/lacechat/automessage/payload"
	"github.com/lacechat/automessage/poison"
	"github.com/lacechat/automessage/presence"
	"github.com/lacechat/automessage/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this package's spans and metrics to whatever
// OpenTelemetry SDK the process is configured with.
const tracerName = "automessage/consumer"

// statsWindow bounds the sliding window averageProcessingTime is
// computed over.
const statsWindow = 100

// UserValidator checks sender/receiver eligibility. Satisfied by
// *userstore.Store.
type UserValidator interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// ConversationResolver finds-or-creates the two-party thread a message
// belongs to and persists it. Satisfied by *chatstore.Store.
type ConversationResolver interface {
	FindOrCreateBetweenUsers(ctx context.Context, a, b string) (*model.Conversation, error)
	InsertMessage(ctx context.Context, m model.ChatMessage) (*model.ChatMessage, error)
	UpdateLastMessage(ctx context.Context, conversationID, content, senderID string) error
}

// PlannedMarker transitions a planned message to isSent, guarding
// against double-delivery, and reports that state ahead of time so the
// consumer can skip re-persisting a chat message it already delivered.
// Satisfied by *plannedmsg.Store.
type PlannedMarker interface {
	IsSent(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string) (bool, error)
}

// Notifier fans a notification out to a receiver's live connections.
// Satisfied by *realtime.Bus.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, event string, payload any) error
}

// Stats is a snapshot of the consumer's running counters.
type Stats struct {
	IsRunning             bool
	TotalProcessed        int64
	TotalSuccessful       int64
	TotalFailed           int64
	LastProcessedAt       time.Time
	AverageProcessingTime time.Duration
}

// Options configures a Consumer.
type Options struct {
	Prefetch     int
	BlockFor     time.Duration
	ContentMax   int
	MaxRetries   int
	RetryDelay   time.Duration
}

// DefaultOptions returns the pipeline's documented defaults: prefetch
// 10, a 1s poll block, content max 1000 chars, and the retry protocol
// of 3 max attempts with a 5000ms delay.
func DefaultOptions() *Options {
	return &Options{
		Prefetch:   10,
		BlockFor:   time.Second,
		ContentMax: 1000,
		MaxRetries: 3,
		RetryDelay: 5000 * time.Millisecond,
	}
}

// Option modifies Options.
type Option func(*Options)

// WithPrefetch overrides the broker prefetch count.
func WithPrefetch(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Prefetch = n
		}
	}
}

// WithBlockFor overrides how long Consume blocks waiting for new
// deliveries.
func WithBlockFor(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BlockFor = d
		}
	}
}

// WithContentMax overrides the maximum accepted content length.
func WithContentMax(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ContentMax = n
		}
	}
}

// Consumer drains the durable queue and materializes auto-messages
// into conversations, one delivery at a time.
type Consumer struct {
	broker        broker.Broker
	users         UserValidator
	conversations ConversationResolver
	planned       PlannedMarker
	presence      *presence.Index
	notifier      Notifier
	idempotency   idempotency.Store
	poisonDet     *poison.Detector
	retryHandler  *retry.Handler
	opts          *Options
	logger        *slog.Logger

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	totalProc    int64
	totalOK      int64
	totalFail    int64
	lastProcAt   time.Time
	durations    []time.Duration
}

// Deps bundles the collaborators a Consumer needs to run.
type Deps struct {
	Broker        broker.Broker
	Users         UserValidator
	Conversations ConversationResolver
	Planned       PlannedMarker
	Presence      *presence.Index
	Notifier      Notifier
	Idempotency   idempotency.Store
	PoisonDet     *poison.Detector
	RetryHandler  *retry.Handler
}

// New builds a Consumer from its dependencies.
func New(deps Deps, opts ...Option) *Consumer {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Consumer{
		broker:        deps.Broker,
		users:         deps.Users,
		conversations: deps.Conversations,
		planned:       deps.Planned,
		presence:      deps.Presence,
		notifier:      deps.Notifier,
		idempotency:   deps.Idempotency,
		poisonDet:     deps.PoisonDet,
		retryHandler:  deps.RetryHandler,
		opts:          o,
		logger:        slog.Default().With("component", "consumer"),
	}
}

// IsRunning reports whether Start has been called without a matching Stop.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// GetStats returns a snapshot of the running counters.
func (c *Consumer) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var avg time.Duration
	if len(c.durations) > 0 {
		var sum time.Duration
		for _, d := range c.durations {
			sum += d
		}
		avg = sum / time.Duration(len(c.durations))
	}
	return Stats{
		IsRunning:             c.running,
		TotalProcessed:        c.totalProc,
		TotalSuccessful:       c.totalOK,
		TotalFailed:           c.totalFail,
		LastProcessedAt:       c.lastProcAt,
		AverageProcessingTime: avg,
	}
}

// ResetStats zeroes every counter without affecting whether the
// consumer is running.
func (c *Consumer) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalProc, c.totalOK, c.totalFail = 0, 0, 0
	c.lastProcAt = time.Time{}
	c.durations = nil
}

// Start ensures the broker connection, subscribes with the configured
// prefetch, and begins draining deliveries in a background goroutine.
// Calling Start twice on an already-running Consumer is a no-op.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if !c.broker.IsConnectionActive() {
		if err := c.broker.Connect(ctx); err != nil {
			c.mu.Unlock()
			return apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "connect broker", err)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.logger.Info("consumer started", "prefetch", c.opts.Prefetch)

	c.wg.Add(1)
	go c.loop(runCtx)
	return nil
}

// Stop signals the drain loop to exit and waits for the in-flight
// delivery, if any, to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("consumer stopped")
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := c.broker.Consume(ctx, c.opts.Prefetch, c.opts.BlockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("consume failed", "error", err)
			continue
		}
		for _, d := range deliveries {
			c.handle(ctx, d)
		}
	}
}

// handle runs one delivery through the full state machine, ending in
// either an ack (success) or the retry/dead-letter protocol (failure).
func (c *Consumer) handle(ctx context.Context, d broker.Delivery) {
	start := time.Now()
	err := c.process(ctx, d)
	duration := time.Since(start)

	// The envelope may be malformed, but a best-effort decode is still
	// attempted here purely for poison-pair bookkeeping, which is
	// additive and never gates the ack/retry decision below.
	env, decodeErr := payload.Decode(d.Envelope)

	c.mu.Lock()
	c.totalProc++
	c.lastProcAt = time.Now().UTC()
	if err == nil {
		c.totalOK++
		c.durations = append(c.durations, duration)
		if len(c.durations) > statsWindow {
			c.durations = c.durations[len(c.durations)-statsWindow:]
		}
	} else {
		c.totalFail++
	}
	c.mu.Unlock()

	if err == nil {
		if decodeErr == nil {
			c.poisonRecordSuccess(ctx, env.SenderID, env.ReceiverID)
		}
		if ackErr := c.broker.Ack(ctx, d.ID); ackErr != nil {
			c.logger.Error("ack failed", "delivery_id", d.ID, "error", ackErr)
		}
		return
	}

	// A malformed payload can never be retried into validity: dead-letter
	// it immediately regardless of the retry budget.
	if apperrors.CodeOf(err) == apperrors.CodeMalformedEnvelope {
		d.RetryCount = c.opts.MaxRetries
	}

	outcome, retryErr := c.retryHandler.Fail(ctx, d, err)
	if retryErr != nil {
		c.logger.Error("retry handler failed", "delivery_id", d.ID, "error", retryErr)
		return
	}
	if outcome == retry.DeadLettered && decodeErr == nil {
		c.poisonRecordFailure(ctx, env.SenderID, env.ReceiverID)
	}
	c.logger.Warn("delivery failed", "delivery_id", d.ID, "outcome", outcome.String(), "cause", err)
}

// process runs the Received -> Acked state machine for a single
// envelope, short-circuiting at the first failing state.
func (c *Consumer) process(ctx context.Context, d broker.Delivery) (err error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "consumer.process",
		trace.WithAttributes(attribute.String("delivery_id", d.ID), attribute.Int("retry_count", d.RetryCount)),
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	// Parsed
	env, err := payload.Decode(d.Envelope)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("auto_message_id", env.AutoMessageID))

	// Validated
	if err := payload.Validate(env, c.opts.ContentMax); err != nil {
		return err
	}

	if quarantined, qerr := c.poisonCheck(ctx, env.SenderID, env.ReceiverID); qerr == nil && quarantined {
		return apperrors.New(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "sender/receiver pair is quarantined")
	}

	if dup, derr := c.idempotency.IsDuplicate(ctx, env.AutoMessageID); derr == nil && dup {
		c.logger.Info("duplicate delivery dropped", "auto_message_id", env.AutoMessageID)
		return nil
	}
	// A failed attempt releases its claim so the delayed republish is
	// processed rather than dropped as a duplicate.
	defer func() {
		if err != nil {
			_ = c.idempotency.Remove(ctx, env.AutoMessageID)
		}
	}()

	// Durable pre-persist guard: the Redis dup key above is TTL-bounded
	// and loses state on a flush or restart, so the authoritative check
	// against Mongo's isSent flag runs before any ChatMessage write.
	if sent, serr := c.planned.IsSent(ctx, env.AutoMessageID); serr == nil && sent {
		c.logger.Info("planned message already sent, skipping duplicate persist", "auto_message_id", env.AutoMessageID)
		return nil
	}

	sender, err := c.validateUser(ctx, env.SenderID, apperrors.CodeSenderNotFound, apperrors.CodeSenderInactive)
	if err != nil {
		return err
	}
	receiver, err := c.validateUser(ctx, env.ReceiverID, apperrors.CodeReceiverNotFound, apperrors.CodeReceiverInactive)
	if err != nil {
		return err
	}

	// ConversationResolved
	conv, err := c.conversations.FindOrCreateBetweenUsers(ctx, env.SenderID, env.ReceiverID)
	if err != nil {
		return err
	}

	// Persisted
	content := strings.TrimSpace(env.Content)
	msg, err := c.conversations.InsertMessage(ctx, model.ChatMessage{
		ConversationID: conv.ID,
		SenderID:       env.SenderID,
		Content:        content,
		SenderUsername: sender.Username,
		SenderEmail:    sender.Email,
	})
	if err != nil {
		return err
	}
	if err := c.conversations.UpdateLastMessage(ctx, conv.ID, content, env.SenderID); err != nil {
		c.logger.Warn("update last message failed", "conversation_id", conv.ID, "error", err)
	}

	// PlannedMarked: a missing planned message is a warn-and-continue
	// condition, not a failure — the chat message already exists.
	if sent, merr := c.planned.MarkSent(ctx, env.AutoMessageID); merr != nil {
		c.logger.Warn("mark planned message sent failed", "auto_message_id", env.AutoMessageID, "error", merr)
	} else if !sent {
		c.logger.Warn("planned message already sent or missing", "auto_message_id", env.AutoMessageID)
	}

	_ = c.idempotency.MarkProcessed(ctx, env.AutoMessageID)

	// Notified
	c.notify(ctx, receiver.ID, sender, conv.ID, msg, env)

	return nil
}

func (c *Consumer) validateUser(ctx context.Context, id, notFoundCode, inactiveCode string) (*model.User, error) {
	u, err := c.users.FindByID(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return nil, apperrors.New(apperrors.KindNotFound, notFoundCode, fmt.Sprintf("user %s not found", id))
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, apperrors.New(apperrors.KindValidation, inactiveCode, fmt.Sprintf("user %s is inactive", id))
	}
	return u, nil
}

// notify publishes a realtime notification if the receiver is
// currently online, skipping silently otherwise. Notification failure
// never fails the delivery: the chat message and planned-message state
// are already durably persisted by this point.
func (c *Consumer) notify(ctx context.Context, receiverID string, sender *model.User, conversationID string, msg *model.ChatMessage, env model.Envelope) {
	if c.presence == nil || c.notifier == nil {
		return
	}
	online, err := c.presence.IsUserOnline(ctx, receiverID)
	if err != nil {
		c.logger.Warn("presence check failed", "receiver_id", receiverID, "error", err)
		return
	}
	if !online {
		return
	}

	notification := model.Notification{
		MessageID:      msg.ID,
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderInfo:     model.SenderInfo{ID: sender.ID, Username: sender.Username, Email: sender.Email},
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		IsAutoMessage:  true,
	}
	if err := c.notifier.SendToUser(ctx, receiverID, model.NotificationEvent, notification); err != nil {
		c.logger.Warn("notify receiver failed", "receiver_id", receiverID, "error", err)
	}
}

func (c *Consumer) poisonCheck(ctx context.Context, senderID, receiverID string) (bool, error) {
	if c.poisonDet == nil {
		return false, nil
	}
	return c.poisonDet.Check(ctx, senderID, receiverID)
}

func (c *Consumer) poisonRecordFailure(ctx context.Context, senderID, receiverID string) {
	if c.poisonDet == nil {
		return
	}
	if _, err := c.poisonDet.RecordFailure(ctx, senderID, receiverID); err != nil {
		c.logger.Warn("poison record failure failed", "error", err)
	}
}

func (c *Consumer) poisonRecordSuccess(ctx context.Context, senderID, receiverID string) {
	if c.poisonDet == nil {
		return
	}
	if err := c.poisonDet.RecordSuccess(ctx, senderID, receiverID); err != nil {
		c.logger.Warn("poison record success failed", "error", err)
	}
}
