package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"photoblast/internal/models"
	"photoblast/internal/telemetry"
)

// ErrPublish marks a job the broker did not accept.
var ErrPublish = errors.New("publish job")

// Publisher sends jobs to the photo exchange. It does not retry.
type Publisher struct {
	pub    message.Publisher
	topic  string
	logger zerolog.Logger
}

// NewPublisher publishes on topic, which the AMQP transport maps to the routing key.
func NewPublisher(pub message.Publisher, topic string, logger zerolog.Logger) *Publisher {
	return &Publisher{pub: pub, topic: topic, logger: logger}
}

// Publish encodes job and returns once the broker has accepted it.
func (p *Publisher) Publish(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		telemetry.PublishFailures.Inc()
		return fmt.Errorf("%w %s: encode: %v", ErrPublish, job.ID(), err)
	}

	msg := message.NewMessage(job.ID(), payload)
	msg.Metadata.Set("photo_id", job.PhotoID())
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		telemetry.PublishFailures.Inc()
		p.logger.Error().Err(err).Str("jobId", job.ID()).Str("photoId", job.PhotoID()).Msg("publish failed")
		return fmt.Errorf("%w %s: %v", ErrPublish, job.ID(), err)
	}

	telemetry.JobsPublished.Inc()
	p.logger.Info().
		Str("jobId", job.ID()).
		Str("photoId", job.PhotoID()).
		Strs("tasks", models.TaskNames(job.Tasks())).
		Msg("job published")
	return nil
}
