package queue

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/streadway/amqp"

	"photoblast/internal/config"
)

// Topology names the broker objects of the photo pipeline: a direct exchange,
// the work queue bound to it and the dead-letter queue the work queue rejects into.
type Topology struct {
	Exchange        string
	RoutingKey      string
	Queue           string
	DeadLetterQueue string
}

// TopologyFromConfig reads topology names from cfg.
func TopologyFromConfig(cfg config.Config) Topology {
	return Topology{
		Exchange:        cfg.PhotoExchange,
		RoutingKey:      cfg.PhotoRoutingKey,
		Queue:           cfg.PhotoQueue,
		DeadLetterQueue: cfg.DeadLetterQueue,
	}
}

// QueueArgs are the declaration arguments of the work queue. Messages rejected
// without requeue are routed through the default exchange to the dead-letter queue.
func (t Topology) QueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	}
}

// queueFor maps a watermill topic to the queue consumed for it.
func (t Topology) queueFor(topic string) string {
	if topic == t.DeadLetterQueue {
		return t.DeadLetterQueue
	}
	return t.Queue
}

// declarer is the subset of *amqp.Channel used to declare the topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the exchange, both queues and the binding. Redeclaring with
// identical arguments is a no-op on the broker, so every process may call it on start.
func (t Topology) Declare(ch declarer) error {
	if err := t.declareExchange(ch); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.QueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s with %s: %w", t.Queue, t.Exchange, t.RoutingKey, err)
	}
	return nil
}

func (t Topology) declareExchange(ch declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	return nil
}

// DeclareTopology dials the broker at url, declares t and disconnects.
func DeclareTopology(url string, t Topology) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	return t.Declare(ch)
}

// topologyBuilder replaces watermill's default declarations so publishers and
// subscribers agree on the dead-letter arguments of the work queue.
type topologyBuilder struct {
	topology Topology
}

func (b topologyBuilder) ExchangeDeclare(ch *amqp.Channel, _ string, _ wamqp.Config) error {
	return b.topology.declareExchange(ch)
}

func (b topologyBuilder) BuildTopology(ch *amqp.Channel, queueName, _ string, _ wamqp.Config, logger watermill.LoggerAdapter) error {
	logger.Debug("Declaring photo topology", watermill.LogFields{
		"queue":    queueName,
		"exchange": b.topology.Exchange,
		"dlq":      b.topology.DeadLetterQueue,
	})
	return b.topology.Declare(ch)
}
