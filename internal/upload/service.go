// Package upload accepts photo files and schedules their processing job.
package upload

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photoblast/internal/models"
	"photoblast/internal/telemetry"
)

// SuccessMessage is returned with every accepted upload.
const SuccessMessage = "Photo uploaded successfully"

// ValidationError is a client mistake reported back as a 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	ErrEmptyFile = &ValidationError{Message: "File is empty"}
	ErrNotImage  = &ValidationError{Message: "File must be an image"}
)

// StoreError reports a failure to persist the original file.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return "store original: " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// Publisher hands jobs to the broker.
type Publisher interface {
	Publish(ctx context.Context, job models.Job) error
}

// Originals persists uploaded files where workers can read them.
type Originals interface {
	Save(photoID, filename string, r io.Reader) (string, error)
}

// Ledger records accepted jobs. Optional.
type Ledger interface {
	RecordJob(ctx context.Context, job models.Job, idempotencyKey string) error
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Request is one photo submission.
type Request struct {
	Filename       string
	ContentType    string
	Size           int64
	Body           io.Reader
	Tasks          string
	IdempotencyKey string
}

// Result describes the scheduled job.
type Result struct {
	JobID   string
	PhotoID string
	Tasks   []models.TaskKind
}

// Service validates uploads, stores the original and publishes the job.
type Service struct {
	originals Originals
	publisher Publisher
	ledger    Ledger
	logger    zerolog.Logger
}

// NewService wires the upload flow. ledger may be nil.
func NewService(originals Originals, publisher Publisher, ledger Ledger, logger zerolog.Logger) *Service {
	return &Service{originals: originals, publisher: publisher, ledger: ledger, logger: logger}
}

// Submit runs the upload. Errors are a *ValidationError, a *StoreError or
// the publisher's error.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	tasks, err := models.ParseTasks(req.Tasks)
	if err != nil {
		telemetry.UploadsRejected.Inc()
		return Result{}, &ValidationError{Message: fmt.Sprintf("Invalid tasks parameter: %s", req.Tasks)}
	}
	if req.Size <= 0 || req.Body == nil {
		telemetry.UploadsRejected.Inc()
		return Result{}, ErrEmptyFile
	}
	if !strings.HasPrefix(strings.ToLower(req.ContentType), "image/") {
		telemetry.UploadsRejected.Inc()
		return Result{}, ErrNotImage
	}

	photoID := uuid.NewString()
	path, err := s.originals.Save(photoID, req.Filename, req.Body)
	if err != nil {
		telemetry.UploadsRejected.Inc()
		s.logger.Error().Err(err).Str("photoId", photoID).Msg("failed to store original")
		return Result{}, &StoreError{Err: err}
	}
	s.logger.Info().Str("photoId", photoID).Str("path", path).Msg("photo uploaded")

	job := models.NewJob(photoID, path, tasks)
	if s.ledger != nil {
		if err := s.ledger.RecordJob(ctx, job, req.IdempotencyKey); err != nil {
			s.logger.Warn().Err(err).Str("jobId", job.ID()).Msg("ledger write failed")
		}
	}

	if err := s.publisher.Publish(ctx, job); err != nil {
		telemetry.UploadsRejected.Inc()
		return Result{}, err
	}
	if s.ledger != nil {
		if err := s.ledger.AppendEvent(ctx, job.ID(), "published", ""); err != nil {
			s.logger.Warn().Err(err).Str("jobId", job.ID()).Msg("ledger write failed")
		}
	}

	telemetry.UploadsAccepted.Inc()
	return Result{JobID: job.ID(), PhotoID: photoID, Tasks: job.Tasks()}, nil
}
