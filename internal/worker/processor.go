package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"photoblast/internal/models"
	"photoblast/internal/telemetry"
)

// ErrTaskFailed wraps the error of the task that stopped a job.
var ErrTaskFailed = errors.New("task failed")

// ErrTaskPanicked is the cause recorded when a task panics.
var ErrTaskPanicked = errors.New("task panicked")

// Ledger event names appended while a job runs.
const (
	EventReceived      = "received"
	EventTaskCompleted = "task_completed"
	EventFailed        = "failed"
	EventCompleted     = "completed"
)

// ImageProcessor performs the work behind each task kind.
type ImageProcessor interface {
	Resize(ctx context.Context, originalPath, photoID string) error
	Watermark(ctx context.Context, originalPath, photoID string) error
	Thumbnail(ctx context.Context, originalPath, photoID string) error
}

// EventRecorder receives job lifecycle events. Recording is best effort.
type EventRecorder interface {
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Dispatcher executes the tasks of one job in order and stops at the first failure.
type Dispatcher struct {
	images      ImageProcessor
	events      EventRecorder
	taskTimeout time.Duration
	logger      zerolog.Logger
}

// NewDispatcher builds a dispatcher. events may be nil; a zero taskTimeout
// disables the per-task deadline.
func NewDispatcher(images ImageProcessor, events EventRecorder, taskTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		images:      images,
		events:      events,
		taskTimeout: taskTimeout,
		logger:      logger,
	}
}

// HandleMessage decodes a job and dispatches it. A returned error nacks the
// message, which the broker dead-letters.
func (d *Dispatcher) HandleMessage(msg *message.Message) error {
	var job models.Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		telemetry.JobsFailed.Inc()
		d.logger.Error().Err(err).Str("message_uuid", msg.UUID).Msg("undecodable job message")
		return fmt.Errorf("decode job: %w", err)
	}
	return d.Dispatch(msg.Context(), job)
}

// Dispatch runs every task of job sequentially.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job) error {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := d.logger.With().Str("jobId", job.ID()).Str("photoId", job.PhotoID()).Logger()
	log.Info().Strs("tasks", models.TaskNames(job.Tasks())).Msg("job received")
	d.record(ctx, job.ID(), EventReceived, "")

	for _, kind := range job.Tasks() {
		start := time.Now()
		if err := d.runTask(ctx, job, kind); err != nil {
			log.Error().Err(err).Str("task", string(kind)).Msg("task failed, job will be dead-lettered")
			telemetry.JobsFailed.Inc()
			d.record(ctx, job.ID(), EventFailed, fmt.Sprintf("%s: %v", kind, err))
			return err
		}
		log.Debug().Str("task", string(kind)).Dur("duration", time.Since(start)).Msg("task completed")
		d.record(ctx, job.ID(), EventTaskCompleted, string(kind))
	}

	telemetry.JobsCompleted.Inc()
	d.record(ctx, job.ID(), EventCompleted, "")
	log.Info().Msg("job completed")
	return nil
}

func (d *Dispatcher) taskFunc(kind models.TaskKind) (func(context.Context, string, string) error, bool) {
	switch kind {
	case models.TaskResize:
		return d.images.Resize, true
	case models.TaskWatermark:
		return d.images.Watermark, true
	case models.TaskThumbnail:
		return d.images.Thumbnail, true
	}
	return nil, false
}

func (d *Dispatcher) runTask(ctx context.Context, job models.Job, kind models.TaskKind) error {
	fn, ok := d.taskFunc(kind)
	if !ok {
		telemetry.TasksExecuted.WithLabelValues(string(kind), "unknown").Inc()
		return fmt.Errorf("%w: %q", models.ErrUnknownTaskKind, kind)
	}

	err := d.call(ctx, fn, job)
	if err != nil {
		telemetry.TasksExecuted.WithLabelValues(string(kind), "failed").Inc()
		return fmt.Errorf("%w: %s: %w", ErrTaskFailed, kind, err)
	}
	telemetry.TasksExecuted.WithLabelValues(string(kind), "succeeded").Inc()
	return nil
}

// call runs fn under the task deadline. A task that overruns is reported as
// failed; its goroutine is left to finish on its own.
func (d *Dispatcher) call(ctx context.Context, fn func(context.Context, string, string) error, job models.Job) error {
	if d.taskTimeout <= 0 {
		return invoke(ctx, fn, job)
	}

	ctx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- invoke(ctx, fn, job) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invoke converts a panicking task into an ordinary task error, so the job is
// dead-lettered instead of taking the worker down.
func invoke(ctx context.Context, fn func(context.Context, string, string) error, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return fn(ctx, job.OriginalPath(), job.PhotoID())
}

func (d *Dispatcher) record(ctx context.Context, jobID, event, detail string) {
	if d.events == nil {
		return
	}
	if err := d.events.AppendEvent(context.WithoutCancel(ctx), jobID, event, detail); err != nil {
		d.logger.Warn().Err(err).Str("jobId", jobID).Str("event", event).Msg("ledger write failed")
	}
}
