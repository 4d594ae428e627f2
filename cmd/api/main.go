package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"photoblast/internal/api"
	"photoblast/internal/app"
	"photoblast/internal/config"
	"photoblast/internal/idempotency"
	"photoblast/internal/logging"
	"photoblast/internal/queue"
	"photoblast/internal/storage"
	"photoblast/internal/upload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "photoblast-api",
		Short:        "Accept photo uploads and schedule processing jobs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file; environment variables take precedence")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Env).With().Str("service", "api").Logger()

	var redisClient redis.UniversalClient
	if cfg.IdempotencyBackend == config.BackendRedis || cfg.RateLimitCapacity > 0 {
		client := app.NewRedisClient(cfg)
		defer client.Close()
		redisClient = client
	}

	cache, err := app.NewIdempotencyStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}

	ledger, err := app.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("job ledger: %w", err)
	}
	var (
		uploadLedger upload.Ledger
		jobLedger    api.JobLedger
	)
	if ledger != nil {
		defer ledger.Close()
		uploadLedger, jobLedger = ledger, ledger
	}

	broker, err := queue.NewBroker(cfg, logging.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}
	defer broker.Close()
	if err := app.DeclareTopology(cfg, broker); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	// With the in-memory broker nothing else can consume, so this process dispatches too.
	if broker.Kind() == config.BrokerMemory {
		runner, err := app.NewRunner(ctx, cfg, broker, ledger, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := runner.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("in-process dispatcher stopped")
			}
		}()
	}

	publisher := queue.NewPublisher(broker.Publisher(), broker.Topology().RoutingKey, logger)
	uploads := upload.NewService(storage.NewOriginals(cfg.UploadDir), publisher, uploadLedger, logger)
	gate := idempotency.NewGate(cache, cfg.IdempotencyTTL, logger)
	server := api.New(cfg, uploads, gate, app.NewRateLimiter(cfg, redisClient), jobLedger, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("broker", broker.Kind()).Str("idempotency", cfg.IdempotencyBackend).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
