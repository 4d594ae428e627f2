package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"photoblast/internal/config"
	"photoblast/internal/idempotency"
	"photoblast/internal/models"
	"photoblast/internal/storage"
	"photoblast/internal/store"
	"photoblast/internal/upload"
)

type spyPublisher struct {
	mu   sync.Mutex
	jobs []models.Job
	err  error
}

func (s *spyPublisher) Publish(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *spyPublisher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakeLedger struct {
	records map[string]store.JobRecord
}

func (f *fakeLedger) GetJob(_ context.Context, id string) (store.JobRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return store.JobRecord{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return rec, nil
}

func (f *fakeLedger) ListEvents(_ context.Context, _ string) ([]store.Event, error) {
	return []store.Event{{Event: "published", At: time.Unix(0, 0).UTC()}}, nil
}

type testEnv struct {
	handler   http.Handler
	publisher *spyPublisher
	cache     *idempotency.MemoryStore
	uploadDir string
}

func newTestEnv(t *testing.T, ledger JobLedger) *testEnv {
	t.Helper()
	uploadDir := filepath.Join(t.TempDir(), "uploads")
	cfg := config.Config{MaxUploadBytes: 1 << 20}
	pub := &spyPublisher{}
	cache := idempotency.NewMemoryStore()

	svc := upload.NewService(storage.NewOriginals(uploadDir), pub, nil, zerolog.Nop())
	gate := idempotency.NewGate(cache, time.Hour, zerolog.Nop())
	srv := New(cfg, svc, gate, nil, ledger, zerolog.Nop())

	return &testEnv{handler: srv.Router(), publisher: pub, cache: cache, uploadDir: uploadDir}
}

func multipartBody(t *testing.T, filename, contentType string, content []byte, tasks string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if tasks != "" {
		if err := mw.WriteField("tasks", tasks); err != nil {
			t.Fatalf("write tasks: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return body, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, key, filename, contentType string, content []byte, tasks string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, filename, contentType, content, tasks)
	req := httptest.NewRequest(http.MethodPost, "/photos/upload", body)
	req.Header.Set("Content-Type", ct)
	if key != "" {
		req.Header.Set(idempotency.HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeUpload(t *testing.T, rec *httptest.ResponseRecorder) uploadResponse {
	t.Helper()
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestUploadJPEG(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload(t, "key-1", "holiday.jpg", "image/jpeg", jpegBytes, "RESIZE,THUMBNAIL")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeUpload(t, rec)
	if !resp.Success || resp.Message != "Photo uploaded successfully" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if strings.Join(resp.Tasks, ",") != "RESIZE,THUMBNAIL" {
		t.Fatalf("unexpected tasks %v", resp.Tasks)
	}
	if env.publisher.count() != 1 {
		t.Fatalf("expected one publish, got %d", env.publisher.count())
	}
	job := env.publisher.jobs[0]
	if job.ID() != resp.JobID || job.PhotoID() != resp.PhotoID {
		t.Fatalf("response does not describe the published job")
	}
	if job.OriginalPath() != filepath.Join(env.uploadDir, resp.PhotoID+".jpg") {
		t.Fatalf("unexpected original path %s", job.OriginalPath())
	}
	if data, err := os.ReadFile(job.OriginalPath()); err != nil || !bytes.Equal(data, jpegBytes) {
		t.Fatalf("original not stored: %v", err)
	}

	replay := env.upload(t, "key-1", "holiday.jpg", "image/jpeg", jpegBytes, "RESIZE,THUMBNAIL")
	if replay.Code != rec.Code || !bytes.Equal(replay.Body.Bytes(), rec.Body.Bytes()) ||
		replay.Header().Get("Content-Type") != rec.Header().Get("Content-Type") {
		t.Fatalf("replay differs: %d %q", replay.Code, replay.Body.String())
	}
	if env.publisher.count() != 1 {
		t.Fatalf("replay must not publish again, got %d publishes", env.publisher.count())
	}
}

func TestUploadEmptyFileIsCached(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload(t, "empty-key", "empty.jpg", "image/jpeg", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	resp := decodeUpload(t, rec)
	if resp.Success || resp.Message != "File is empty" {
		t.Fatalf("unexpected response %+v", resp)
	}

	// Same key with a valid file still replays the cached error.
	replay := env.upload(t, "empty-key", "real.jpg", "image/jpeg", jpegBytes, "")
	if replay.Code != http.StatusBadRequest || !bytes.Equal(replay.Body.Bytes(), rec.Body.Bytes()) {
		t.Fatalf("expected cached 400, got %d %q", replay.Code, replay.Body.String())
	}
	if env.publisher.count() != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestUploadRejectsNonImage(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload(t, "txt-key", "notes.txt", "text/plain", []byte("hello"), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decodeUpload(t, rec); resp.Message != "File must be an image" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
	if _, err := os.Stat(env.uploadDir); !os.IsNotExist(err) {
		t.Fatalf("rejected upload must not be stored")
	}
}

func TestUploadRejectsUnknownTask(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload(t, "task-key", "a.jpg", "image/jpeg", jpegBytes, "RESIZE,SEPIA")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.publisher.count() != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestUploadTasksFromQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	body, ct := multipartBody(t, "a.png", "image/png", jpegBytes, "")
	req := httptest.NewRequest(http.MethodPost, "/photos/upload?tasks=WATERMARK", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(idempotency.HeaderKey, "query-key")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if resp := decodeUpload(t, rec); strings.Join(resp.Tasks, ",") != "WATERMARK" {
		t.Fatalf("expected WATERMARK from query, got %+v", resp)
	}
}

func TestUploadMissingIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload(t, "", "holiday.jpg", "image/jpeg", jpegBytes, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"Missing required header: X-Idempotency-Key"}` {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if env.publisher.count() != 0 || env.cache.Len() != 0 {
		t.Fatalf("missing key must not publish or cache")
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload(t, "big-key", "big.jpg", "image/jpeg", bytes.Repeat([]byte{0xff}, 2<<20), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decodeUpload(t, rec); resp.Message != "File too large" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
}

func TestUploadPublishFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publisher.err = errors.New("broker unreachable")

	rec := env.upload(t, "pub-key", "a.jpg", "image/jpeg", jpegBytes, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp := decodeUpload(t, rec); resp.Success {
		t.Fatalf("expected failure response")
	}

	// The failure is cached like any other handler response.
	env.publisher.err = nil
	replay := env.upload(t, "pub-key", "a.jpg", "image/jpeg", jpegBytes, "")
	if replay.Code != http.StatusInternalServerError || env.publisher.count() != 0 {
		t.Fatalf("expected cached failure, got %d with %d publishes", replay.Code, env.publisher.count())
	}
}

func TestHealthBypassesGate(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, key := range []string{"", "some-key"} {
		req := httptest.NewRequest(http.MethodGet, "/photos/health", nil)
		if key != "" {
			req.Header.Set(idempotency.HeaderKey, key)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
			t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
		}
	}
	if env.cache.Len() != 0 {
		t.Fatalf("health checks must not touch the idempotency store")
	}
}

func TestGetJob(t *testing.T) {
	job := models.NewJob("photo-1", "uploads/photo-1.jpg", models.DefaultTasks)
	ledger := &fakeLedger{records: map[string]store.JobRecord{
		job.ID(): {Job: job, IdempotencyKey: "k"},
	}}
	env := newTestEnv(t, ledger)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/photos/jobs/"+job.ID(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != job.ID() || resp.PhotoID != "photo-1" || len(resp.Events) != 1 {
		t.Fatalf("unexpected job response %+v", resp)
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/photos/jobs/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetJobWithoutLedger(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/photos/jobs/anything", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
