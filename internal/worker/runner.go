package worker

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/rs/zerolog"

	"photoblast/internal/logging"
	"photoblast/internal/queue"
)

// Runner hosts the consumer workers. Each worker is a router handler with its
// own subscription, so on AMQP it owns a channel with prefetch 1.
type Runner struct {
	router  *message.Router
	workers int
}

// NewRunner registers up to concurrency consumers of the work topic.
func NewRunner(broker *queue.Broker, d *Dispatcher, concurrency int, logger zerolog.Logger) (*Runner, error) {
	router, err := message.NewRouter(message.RouterConfig{}, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("new router: %w", err)
	}

	// Transport failure policy wraps the recoverer so panics are dead-lettered too.
	router.AddMiddleware(broker.Middleware()...)
	router.AddMiddleware(middleware.Recoverer)

	topic := broker.Topology().RoutingKey
	workers := broker.Consumers(concurrency)
	for i := 0; i < workers; i++ {
		router.AddNoPublisherHandler(
			fmt.Sprintf("photo-dispatcher-%d", i),
			topic,
			broker.Subscriber(),
			d.HandleMessage,
		)
	}

	logger.Info().Str("broker", broker.Kind()).Str("topic", topic).Int("workers", workers).Msg("dispatchers registered")
	return &Runner{router: router, workers: workers}, nil
}

// Run blocks until ctx is cancelled or the router fails.
func (r *Runner) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running is closed once every consumer is subscribed.
func (r *Runner) Running() chan struct{} {
	return r.router.Running()
}

func (r *Runner) Workers() int { return r.workers }

func (r *Runner) Close() error {
	return r.router.Close()
}
