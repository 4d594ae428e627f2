package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/streadway/amqp"

	"photoblast/internal/config"
)

// Broker bundles the publisher and subscriber of one transport together with
// the handler middleware that implements its failure policy.
type Broker struct {
	kind       string
	topology   Topology
	publisher  message.Publisher
	subscriber message.Subscriber
	middleware []message.HandlerMiddleware
	// singleConsumer is set when extra subscriptions would receive copies of
	// every message instead of sharing the load.
	singleConsumer bool
	close          func() error
}

// NewBroker builds the transport selected by cfg.Broker.
func NewBroker(cfg config.Config, logger watermill.LoggerAdapter) (*Broker, error) {
	topology := TopologyFromConfig(cfg)
	switch cfg.Broker {
	case config.BrokerAMQP, "":
		return NewAMQPBroker(cfg.AMQPURL, topology, logger)
	case config.BrokerMemory:
		return NewMemoryBroker(topology, logger)
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// AMQPConfig is the watermill configuration for the photo topology. Publishes
// are transactional so Publish returns only after the broker took the message;
// consumers take one unacked message at a time and nacks are never requeued.
func AMQPConfig(url string, t Topology) wamqp.Config {
	cfg := wamqp.NewDurableQueueConfig(url)

	cfg.Exchange.GenerateName = func(string) string { return t.Exchange }
	cfg.Exchange.Type = amqp.ExchangeDirect
	cfg.Exchange.Durable = true

	cfg.Queue.GenerateName = t.queueFor
	cfg.Queue.Durable = true
	cfg.Queue.Arguments = t.QueueArgs()

	cfg.QueueBind.GenerateRoutingKey = func(string) string { return t.RoutingKey }

	cfg.Publish.GenerateRoutingKey = func(string) string { return t.RoutingKey }
	cfg.Publish.Transactional = true

	cfg.Consume.NoRequeueOnNack = true
	cfg.Consume.Qos.PrefetchCount = 1

	cfg.TopologyBuilder = topologyBuilder{topology: t}
	return cfg
}

// NewAMQPBroker connects a publisher and a subscriber to the broker at url.
// Dead-lettering is left to the queue's x-dead-letter arguments.
func NewAMQPBroker(url string, t Topology, logger watermill.LoggerAdapter) (*Broker, error) {
	cfg := AMQPConfig(url, t)

	pub, err := wamqp.NewPublisher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: %w", err)
	}
	sub, err := wamqp.NewSubscriber(cfg, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("amqp subscriber: %w", err)
	}

	return &Broker{
		kind:       config.BrokerAMQP,
		topology:   t,
		publisher:  pub,
		subscriber: sub,
		close: func() error {
			return errors.Join(sub.Close(), pub.Close())
		},
	}, nil
}

// NewMemoryBroker runs the pipeline inside one process. Failed messages are
// republished to the dead-letter topic by a poison-queue middleware, standing
// in for the broker's dead-letter policy. Topics are persistent so a late
// subscriber to the dead-letter topic still sees what was rejected.
func NewMemoryBroker(t Topology, logger watermill.LoggerAdapter) (*Broker, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, logger)

	poison, err := middleware.PoisonQueue(pubSub, t.DeadLetterQueue)
	if err != nil {
		_ = pubSub.Close()
		return nil, fmt.Errorf("poison queue middleware: %w", err)
	}

	return &Broker{
		kind:           config.BrokerMemory,
		topology:       t,
		publisher:      pubSub,
		subscriber:     pubSub,
		middleware:     []message.HandlerMiddleware{poison},
		singleConsumer: true,
		close:          pubSub.Close,
	}, nil
}

// Kind reports which transport backs the broker.
func (b *Broker) Kind() string { return b.kind }

// Topology returns the names the broker was built with.
func (b *Broker) Topology() Topology { return b.topology }

func (b *Broker) Publisher() message.Publisher { return b.publisher }

func (b *Broker) Subscriber() message.Subscriber { return b.subscriber }

// Middleware returns the transport's failure-policy middleware, outermost first.
func (b *Broker) Middleware() []message.HandlerMiddleware { return b.middleware }

// Consumers caps the requested worker count to what the transport can share.
func (b *Broker) Consumers(requested int) int {
	if requested < 1 || b.singleConsumer {
		return 1
	}
	return requested
}

// Subscribe reads topic directly, e.g. to inspect the dead-letter queue.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, topic)
}

func (b *Broker) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}
