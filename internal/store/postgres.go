package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"photoblast/internal/models"
)

// ErrNotFound is returned when the ledger has no row for a job.
var ErrNotFound = errors.New("job not found")

// Store is the job ledger: an insert-only record of accepted jobs plus an
// append-only event log fed by the pipeline.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Event is one ledger entry for a job.
type Event struct {
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// JobRecord is a job as the ledger saw it at accept time.
type JobRecord struct {
	Job            models.Job
	IdempotencyKey string
}

// RecordJob inserts the accepted job. Replaying the same job is a no-op.
func (s *Store) RecordJob(ctx context.Context, job models.Job, idempotencyKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO photo_jobs (id, photo_id, original_path, tasks, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, job.ID(), job.PhotoID(), job.OriginalPath(), models.TaskNames(job.Tasks()), emptyToNil(idempotencyKey), job.CreatedAt())
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID(), err)
	}
	return nil
}

// AppendEvent adds an event row for jobID.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append event %s for %s: %w", event, jobID, err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, photo_id::text, original_path, tasks, idempotency_key, created_at
		FROM photo_jobs WHERE id = $1
	`, id)

	var (
		jobID, photoID, originalPath string
		tasks                        []string
		idem                         pgtype.Text
		createdAt                    time.Time
	)
	if err := row.Scan(&jobID, &photoID, &originalPath, &tasks, &idem, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return JobRecord{}, fmt.Errorf("scan job: %w", err)
	}

	kinds := make([]models.TaskKind, len(tasks))
	for i, t := range tasks {
		kinds[i] = models.TaskKind(t)
	}
	return JobRecord{
		Job:            models.RestoreJob(jobID, photoID, originalPath, kinds, createdAt.UTC()),
		IdempotencyKey: idem.String,
	}, nil
}

// ListEvents returns the events of jobID in insertion order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event, detail, ts FROM job_events WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		err := row.Scan(&e.Event, &e.Detail, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
