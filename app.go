// Package automessage wires the pipeline's components — stores,
// broker, presence, realtime bus, planner, dispatcher, consumer, and
// scheduler — into one running App, following the same
// options-plus-constructor shape this codebase uses to assemble a bus
// from a transport and a handful of feature flags.
package automessage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lacechat/automessage/broker"
	"github.com/lacechat/automessage/chatstore"
	"github.com/lacechat/automessage/config"
	"github.com/lacechat/automessage/consumer"
	"github.com/lacechat/automessage/cronsched"
	"github.com/lacechat/automessage/dispatcher"
	"github.com/lacechat/automessage/idempotency"
	"github.com/lacechat/automessage/planner"
	"github.com/lacechat/automessage/plannedmsg"
	"github.com/lacechat/automessage/poison"
	"github.com/lacechat/automessage/presence"
	"github.com/lacechat/automessage/ratelimit"
	"github.com/lacechat/automessage/realtime"
	"github.com/lacechat/automessage/retry"
	"github.com/lacechat/automessage/status"
	"github.com/lacechat/automessage/userstore"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// App is the assembled pipeline: every component wired together and
// ready to Start.
type App struct {
	cfg config.Config

	Mongo *mongo.Client
	Redis *redis.Client

	Users        *userstore.Store
	PlannedMsgs  *plannedmsg.Store
	Chat         *chatstore.Store
	DeadLetters  *retry.Store
	Presence     *presence.Index
	Idempotency  idempotency.Store
	Poison       *poison.Detector

	Broker     broker.Broker
	Realtime   *realtime.Bus
	Planner    *planner.Planner
	Dispatcher *dispatcher.Dispatcher
	Consumer   *consumer.Consumer
	Scheduler  *cronsched.Scheduler
	Status     *status.Handler

	logger *slog.Logger
}

// New assembles an App from the given configuration. It connects to
// Mongo and Redis, ensures every store's indexes exist, and wires
// every component, but does not start the scheduler or consumer — call
// Start for that.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := slog.Default().With("component", "app")

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := mongoClient.Database(cfg.MongoDatabase)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	users := userstore.New(db)
	plannedMsgs := plannedmsg.New(db)
	chat := chatstore.New(db, users)
	deadLetters := retry.New(db)

	for _, ensure := range []func(context.Context) error{
		users.EnsureIndexes,
		plannedMsgs.EnsureIndexes,
		chat.EnsureIndexes,
		deadLetters.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
	}

	presenceIdx := presence.New(redisClient, presence.WithTTL(cfg.PresenceTTL))
	idempotencyStore := idempotency.NewRedisStore(redisClient, 24*time.Hour)
	poisonStore := poison.NewRedisStore(redisClient, poison.WithFailureTTL(cfg.PoisonQuarantine))
	poisonDetector := poison.NewDetector(poisonStore,
		poison.WithThreshold(cfg.PoisonThreshold),
		poison.WithQuarantineTime(cfg.PoisonQuarantine),
	)

	b := broker.NewRedisBroker(redisClient, cfg.QueueName, "automessage-consumers")
	if err := b.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	realtimeBus := realtime.New(presenceIdx)

	p := planner.New(users, plannedMsgs)

	var dispatchOpts []dispatcher.Option
	dispatchOpts = append(dispatchOpts, dispatcher.WithPoisonDetector(poisonDetector))
	dispatchOpts = append(dispatchOpts, dispatcher.WithBatchSize(cfg.DispatcherBatchSize))
	if cfg.DispatcherRateLimit > 0 {
		dispatchOpts = append(dispatchOpts, dispatcher.WithRateLimiter(ratelimit.NewTokenBucket(cfg.DispatcherRateLimit, int(cfg.DispatcherRateLimit))))
	}
	d := dispatcher.New(plannedMsgs, b, dispatchOpts...)

	retryHandler := retry.NewHandler(b, deadLetters, cfg.ConsumerMaxRetries, cfg.ConsumerRetryDelay)

	c := consumer.New(consumer.Deps{
		Broker:        b,
		Users:         users,
		Conversations: chat,
		Planned:       plannedMsgs,
		Presence:      presenceIdx,
		Notifier:      realtimeBus,
		Idempotency:   idempotencyStore,
		PoisonDet:     poisonDetector,
		RetryHandler:  retryHandler,
	},
		consumer.WithPrefetch(cfg.ConsumerPrefetch),
		consumer.WithContentMax(cfg.MessageContentMax),
	)

	sched, err := cronsched.New(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	if err := sched.AddTask("planner", cfg.PlannerCron, func(ctx context.Context) error {
		_, err := p.PlanAutomaticMessages(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := sched.AddTask("dispatcher", cfg.DispatcherCron, func(ctx context.Context) error {
		_, err := d.ProcessPendingMessages(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	statusHandler := status.New(sched, c, b)

	return &App{
		cfg:         cfg,
		Mongo:       mongoClient,
		Redis:       redisClient,
		Users:       users,
		PlannedMsgs: plannedMsgs,
		Chat:        chat,
		DeadLetters: deadLetters,
		Presence:    presenceIdx,
		Idempotency: idempotencyStore,
		Poison:      poisonDetector,
		Broker:      b,
		Realtime:    realtimeBus,
		Planner:     p,
		Dispatcher:  d,
		Consumer:    c,
		Scheduler:   sched,
		Status:      statusHandler,
		logger:      logger,
	}, nil
}

// Start begins the cron schedule and the consumer's drain loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.Consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	a.Scheduler.Start()
	a.logger.Info("app started")
	return nil
}

// Stop gracefully halts the scheduler and consumer, then disconnects
// from Mongo and Redis.
func (a *App) Stop(ctx context.Context) error {
	a.Scheduler.Stop()
	a.Consumer.Stop()

	if err := a.Broker.Close(); err != nil {
		a.logger.Warn("close broker failed", "error", err)
	}
	if err := a.Redis.Close(); err != nil {
		a.logger.Warn("close redis failed", "error", err)
	}
	if err := a.Mongo.Disconnect(ctx); err != nil {
		a.logger.Warn("disconnect mongo failed", "error", err)
	}
	a.logger.Info("app stopped")
	return nil
}
