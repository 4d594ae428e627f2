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

	"github.com/spf13/cobra"

	"photoblast/internal/app"
	"photoblast/internal/config"
	"photoblast/internal/logging"
	"photoblast/internal/queue"
	"photoblast/internal/telemetry"
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
	load := func() (config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	root := &cobra.Command{
		Use:          "photoblast-worker",
		Short:        "Consume photo jobs and run their tasks",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file; environment variables take precedence")

	root.AddCommand(&cobra.Command{
		Use:   "topology",
		Short: "Declare the exchange, work queue, dead-letter queue and binding",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Broker != config.BrokerAMQP {
				return fmt.Errorf("topology applies to the amqp broker, BROKER=%s", cfg.Broker)
			}
			logger := logging.New(cfg.Env)
			topology := queue.TopologyFromConfig(cfg)
			if err := queue.DeclareTopology(cfg.AMQPURL, topology); err != nil {
				return err
			}
			logger.Info().
				Str("exchange", topology.Exchange).
				Str("queue", topology.Queue).
				Str("routing_key", topology.RoutingKey).
				Str("dlq", topology.DeadLetterQueue).
				Msg("topology declared")
			return nil
		},
	})
	return root
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Env).With().Str("service", "worker").Logger()

	ledger, err := app.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("job ledger: %w", err)
	}
	if ledger != nil {
		defer ledger.Close()
	}

	broker, err := queue.NewBroker(cfg, logging.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}
	defer broker.Close()
	if broker.Kind() == config.BrokerMemory {
		logger.Warn().Msg("in-memory broker only sees jobs published by this process")
	}
	if err := app.DeclareTopology(cfg, broker); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	runner, err := app.NewRunner(ctx, cfg, broker, ledger, logger)
	if err != nil {
		return err
	}

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Int("workers", runner.Workers()).
		Dur("task_timeout", cfg.TaskTimeout).
		Str("queue", cfg.PhotoQueue).
		Msg("worker started")
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	logger.Info().Msg("worker stopped")
	return nil
}
