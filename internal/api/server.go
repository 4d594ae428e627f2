package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"photoblast/internal/config"
	"photoblast/internal/idempotency"
	"photoblast/internal/models"
	"photoblast/internal/ratelimit"
	"photoblast/internal/store"
	"photoblast/internal/telemetry"
	"photoblast/internal/upload"
)

// multipartMemory is how much of a multipart body is buffered before spilling to disk.
const multipartMemory = 8 << 20

// JobLedger serves job lookups. A nil ledger answers 404 for every job.
type JobLedger interface {
	GetJob(ctx context.Context, id string) (store.JobRecord, error)
	ListEvents(ctx context.Context, jobID string) ([]store.Event, error)
}

// Server wires HTTP handlers for the upload API.
type Server struct {
	cfg     config.Config
	uploads *upload.Service
	gate    *idempotency.Gate
	limiter *ratelimit.TokenBucket
	ledger  JobLedger
	logger  zerolog.Logger
}

// New constructs the API server. limiter and ledger may be nil.
func New(cfg config.Config, uploads *upload.Service, gate *idempotency.Gate, limiter *ratelimit.TokenBucket, ledger JobLedger, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		uploads: uploads,
		gate:    gate,
		limiter: limiter,
		ledger:  ledger,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/photos", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		r.Get("/jobs/{jobId}", s.handleGetJob)

		// The limiter sits in front of the gate so 429s never reach the cache.
		r.With(ratelimit.Middleware(s.limiter, s.logger), s.gate.Middleware).
			Post("/upload", s.handleUpload)
	})
	return r
}

type uploadResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	JobID   string   `json:"jobId,omitempty"`
	PhotoID string   `json:"photoId,omitempty"`
	Tasks   []string `json:"tasks,omitempty"`
}

func uploadError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, uploadResponse{Success: false, Message: message})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			uploadError(w, http.StatusBadRequest, "File too large")
			return
		}
		uploadError(w, http.StatusBadRequest, "Request must be multipart/form-data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		uploadError(w, http.StatusBadRequest, "File is required")
		return
	}
	defer file.Close()

	res, err := s.uploads.Submit(r.Context(), upload.Request{
		Filename:       header.Filename,
		ContentType:    header.Header.Get("Content-Type"),
		Size:           header.Size,
		Body:           file,
		Tasks:          r.FormValue("tasks"),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotency.HeaderKey)),
	})

	var (
		verr *upload.ValidationError
		serr *upload.StoreError
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, uploadResponse{
			Success: true,
			Message: upload.SuccessMessage,
			JobID:   res.JobID,
			PhotoID: res.PhotoID,
			Tasks:   models.TaskNames(res.Tasks),
		})
	case errors.As(err, &verr):
		uploadError(w, http.StatusBadRequest, verr.Message)
	case errors.As(err, &serr):
		uploadError(w, http.StatusBadRequest, "Failed to store photo: "+serr.Err.Error())
	default:
		s.logger.Error().Err(err).Msg("upload could not be scheduled")
		uploadError(w, http.StatusInternalServerError, "Failed to schedule photo processing")
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

type jobResponse struct {
	JobID          string        `json:"jobId"`
	PhotoID        string        `json:"photoId"`
	OriginalPath   string        `json:"originalPath"`
	Tasks          []string      `json:"tasks"`
	CreatedAt      time.Time     `json:"createdAt"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	Events         []store.Event `json:"events"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	if s.ledger == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	rec, err := s.ledger.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("jobId", id).Msg("job lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "job lookup failed"})
		return
	}

	events, err := s.ledger.ListEvents(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("jobId", id).Msg("event lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "job lookup failed"})
		return
	}
	if events == nil {
		events = []store.Event{}
	}

	job := rec.Job
	writeJSON(w, http.StatusOK, jobResponse{
		JobID:          job.ID(),
		PhotoID:        job.PhotoID(),
		OriginalPath:   job.OriginalPath(),
		Tasks:          models.TaskNames(job.Tasks()),
		CreatedAt:      job.CreatedAt(),
		IdempotencyKey: rec.IdempotencyKey,
		Events:         events,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
