package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"photoblast/internal/models"
)

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(string, ...*message.Message) error { return f.err }
func (f failingPublisher) Close() error                              { return nil }

func TestPublisherSendsJobJSON(t *testing.T) {
	broker, err := NewMemoryBroker(defaultTopology(t), watermill.NopLogger{})
	if err != nil {
		t.Fatalf("memory broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := broker.Subscribe(ctx, "photo.process")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	job := models.NewJob("photo-1", "uploads/photo-1.jpg", []models.TaskKind{models.TaskResize, models.TaskThumbnail})
	pub := NewPublisher(broker.Publisher(), "photo.process", zerolog.Nop())
	if err := pub.Publish(ctx, job); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-messages:
		msg.Ack()
		if msg.UUID != job.ID() {
			t.Fatalf("expected message id %s, got %s", job.ID(), msg.UUID)
		}
		var got models.Job
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if !got.Equal(job) {
			t.Fatalf("job changed in transit: %+v vs %+v", got, job)
		}
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}
}

func TestPublisherWrapsBrokerErrors(t *testing.T) {
	boom := errors.New("connection closed")
	pub := NewPublisher(failingPublisher{err: boom}, "photo.process", zerolog.Nop())

	err := pub.Publish(context.Background(), models.NewJob("p", "o", models.DefaultTasks))
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
}

func TestMemoryBrokerSingleConsumer(t *testing.T) {
	broker, err := NewMemoryBroker(defaultTopology(t), watermill.NopLogger{})
	if err != nil {
		t.Fatalf("memory broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })

	if got := broker.Consumers(4); got != 1 {
		t.Fatalf("memory broker must run one consumer, got %d", got)
	}
	if len(broker.Middleware()) != 1 {
		t.Fatalf("expected poison queue middleware")
	}
}
