// Package app assembles the components shared by the API and worker commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"photoblast/internal/config"
	"photoblast/internal/idempotency"
	"photoblast/internal/imageproc"
	"photoblast/internal/queue"
	"photoblast/internal/ratelimit"
	"photoblast/internal/storage"
	"photoblast/internal/store"
	"photoblast/internal/worker"
)

// rateLimitIdleTTL is how long an untouched client bucket is kept.
const rateLimitIdleTTL = time.Hour

// NewRedisClient connects to the configured Redis.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// OpenLedger connects the job ledger and applies migrations. It returns nil
// when POSTGRES_DSN is empty.
func OpenLedger(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*store.Store, error) {
	if cfg.PostgresDSN == "" {
		logger.Info().Msg("job ledger disabled")
		return nil, nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// NewIdempotencyStore builds the configured backend. The memory backend is
// swept in the background until ctx ends.
func NewIdempotencyStore(ctx context.Context, cfg config.Config, client redis.UniversalClient) (idempotency.Store, error) {
	switch cfg.IdempotencyBackend {
	case config.BackendRedis, "":
		if client == nil {
			return nil, fmt.Errorf("redis idempotency backend needs a redis client")
		}
		return idempotency.NewRedisStore(client), nil
	case config.BackendMemory:
		st := idempotency.NewMemoryStore()
		go st.RunSweeper(ctx, cfg.IdempotencySweepInterval)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.IdempotencyBackend)
	}
}

// NewRateLimiter returns nil when rate limiting is disabled.
func NewRateLimiter(cfg config.Config, client redis.UniversalClient) *ratelimit.TokenBucket {
	if cfg.RateLimitCapacity <= 0 || client == nil {
		return nil
	}
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, rateLimitIdleTTL)
}

// DeclareTopology makes sure the exchange, queues and binding exist before
// anything is published. The in-memory broker needs no declaration.
func DeclareTopology(cfg config.Config, broker *queue.Broker) error {
	if broker.Kind() != config.BrokerAMQP {
		return nil
	}
	return queue.DeclareTopology(cfg.AMQPURL, broker.Topology())
}

// NewRunner builds the dispatcher stack: output sink, image processor and the
// consumer workers. ledger may be nil.
func NewRunner(ctx context.Context, cfg config.Config, broker *queue.Broker, ledger *store.Store, logger zerolog.Logger) (*worker.Runner, error) {
	sink, err := storage.NewSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("output sink: %w", err)
	}
	images := imageproc.New(imageproc.OptionsFromConfig(cfg), sink, logger.With().Str("component", "imageproc").Logger())

	var events worker.EventRecorder
	if ledger != nil {
		events = ledger
	}
	dispatcher := worker.NewDispatcher(images, events, cfg.TaskTimeout, logger.With().Str("component", "dispatcher").Logger())
	return worker.NewRunner(broker, dispatcher, cfg.WorkerConcurrency, logger)
}
