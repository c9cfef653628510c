// Package dispatcher implements the minute-tick publish pass: find due
// PlannedMessages, envelope and publish each one to the durable
// broker, and mark exactly the successfully published messages of each
// batch as queued.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/lacechat/automessage/apperrors"
	"github.com/lacechat/automessage/batch"
	"github.com/lacechat/automessage/broker"
	"github.com/lacechat/automessage/model"
	"github.com/lacechat/automessage/payload"
	"github.com/lacechat/automessage/poison"
	"github.com/lacechat/automessage/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this package's spans and metrics to whatever
// OpenTelemetry SDK the process is configured with.
const tracerName = "automessage/dispatcher"

// MessageSource returns due messages and records which of them were
// successfully queued. Satisfied by *plannedmsg.Store.
type MessageSource interface {
	Due(ctx context.Context, now time.Time) ([]model.PlannedMessage, error)
	MarkQueued(ctx context.Context, ids []string) error
}

// Result aggregates one dispatch pass's outcome.
type Result struct {
	Processed int
	Queued    int
	Failed    int
	Errors    []string
}

// defaultBatchSize is used when WithBatchSize is never called.
const defaultBatchSize = 50

// Dispatcher publishes due planned messages to the broker.
type Dispatcher struct {
	messages  MessageSource
	broker    broker.Broker
	poison    *poison.Detector
	limiter   ratelimit.Limiter
	batchSize int
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPoisonDetector attaches poison-pair quarantine: pairs that have
// failed too many consecutive times are skipped for a cooldown window
// instead of being dispatched again immediately.
func WithPoisonDetector(d *poison.Detector) Option {
	return func(disp *Dispatcher) { disp.poison = d }
}

// WithRateLimiter throttles the publish loop.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(disp *Dispatcher) { disp.limiter = l }
}

// WithBatchSize sets how many due messages are partitioned and
// published per batch, overriding defaultBatchSize. Corresponds to
// the DISPATCHER_BATCH_SIZE configuration option.
func WithBatchSize(n int) Option {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.batchSize = n
		}
	}
}

// WithLogger overrides the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.logger = l
		}
	}
}

// New builds a Dispatcher over the given message source and broker.
func New(messages MessageSource, b broker.Broker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		messages:  messages,
		broker:    b,
		batchSize: defaultBatchSize,
		logger:    slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessPendingMessages queries every PlannedMessage due for sending,
// partitions them into batches, and publishes each one independently.
// A publish failure for one message does not abort its batch; after
// each batch, exactly the ids that were successfully published are
// marked queued.
func (d *Dispatcher) ProcessPendingMessages(ctx context.Context) (Result, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "dispatcher.process_pending", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	now := time.Now().UTC()
	due, err := d.messages.Due(ctx, now)
	if err != nil {
		span.RecordError(err)
		return Result{}, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "query due messages", err)
	}
	span.SetAttributes(attribute.Int("due", len(due)))
	if len(due) == 0 {
		return Result{}, nil
	}

	if !d.broker.IsConnectionActive() {
		if err := d.broker.Connect(ctx); err != nil {
			return Result{}, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "connect broker", err)
		}
	}

	result := Result{Processed: len(due)}

	for _, chunk := range batch.Partition(due, d.batchSize) {
		results := batch.Process(chunk, func(msg model.PlannedMessage) error {
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			if d.poison != nil {
				quarantined, err := d.poison.Check(ctx, msg.SenderID, msg.ReceiverID)
				if err == nil && quarantined {
					return apperrors.New(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "pair is quarantined")
				}
			}
			return d.publishOne(ctx, msg)
		}, batch.WithBatchSize(len(chunk)))

		var queuedIDs []string
		for _, r := range results {
			if r.Err == nil {
				queuedIDs = append(queuedIDs, r.Item.ID)
				result.Queued++
			} else {
				result.Failed++
				result.Errors = append(result.Errors, r.Err.Error())
			}
		}
		if len(queuedIDs) > 0 {
			if err := d.messages.MarkQueued(ctx, queuedIDs); err != nil {
				d.logger.Error("mark queued failed", "count", len(queuedIDs), "error", err)
			}
		}
	}

	meter := otel.Meter(tracerName)
	queued, _ := meter.Int64Counter("dispatcher.queued",
		metric.WithDescription("Total number of planned messages successfully queued"))
	queued.Add(ctx, int64(result.Queued))
	failed, _ := meter.Int64Counter("dispatcher.failed",
		metric.WithDescription("Total number of planned messages that failed to queue"))
	failed.Add(ctx, int64(result.Failed))
	span.SetAttributes(attribute.Int("queued", result.Queued), attribute.Int("failed", result.Failed))

	return result, nil
}

// publishOne encodes and publishes a single planned message.
func (d *Dispatcher) publishOne(ctx context.Context, msg model.PlannedMessage) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "dispatcher.publish_one",
		trace.WithAttributes(attribute.String("auto_message_id", msg.ID)),
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	env := model.Envelope{
		Type:             model.EnvelopeV1,
		AutoMessageID:    msg.ID,
		SenderID:         msg.SenderID,
		ReceiverID:       msg.ReceiverID,
		Content:          msg.Content,
		OriginalSendDate: msg.SendDate,
		QueuedAt:         time.Now().UTC(),
	}
	raw, err := payload.Encode(env)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := d.broker.SendToQueue(ctx, raw, 0); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
