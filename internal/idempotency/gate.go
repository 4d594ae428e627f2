package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"photoblast/internal/telemetry"
)

// HeaderKey carries the client-supplied idempotency key.
const HeaderKey = "X-Idempotency-Key"

// DefaultTTL is how long a cached response is replayed.
const DefaultTTL = 60 * time.Minute

const (
	missingKeyBody  = `{"error":"Missing required header: ` + HeaderKey + `"}`
	unavailableBody = `{"error":"Idempotency store unavailable"}`
)

// Gate is HTTP middleware enforcing the idempotency-key contract on mutating
// requests. Two concurrent requests with the same fresh key may both reach the
// handler; the store only deduplicates retries that arrive after the first
// response was cached.
type Gate struct {
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewGate creates a gate backed by store. A non-positive ttl falls back to DefaultTTL.
func NewGate(store Store, ttl time.Duration, logger zerolog.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{store: store, ttl: ttl, logger: logger}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Middleware wraps next with the idempotency check.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			g.logger.Warn().Str("method", r.Method).Str("path", r.URL.Path).Msg("missing idempotency key")
			telemetry.IdempotencyMissingKey.Inc()
			writeRaw(w, http.StatusBadRequest, "application/json", []byte(missingKeyBody))
			return
		}

		rec, found, err := g.store.Get(r.Context(), key)
		if err != nil {
			g.logger.Error().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed")
			writeRaw(w, http.StatusInternalServerError, "application/json", []byte(unavailableBody))
			return
		}
		if found {
			g.logger.Info().Str("idempotency_key", key).Int("status", rec.StatusCode).Msg("replaying cached response")
			telemetry.IdempotencyReplays.Inc()
			writeRaw(w, rec.StatusCode, rec.ContentType, rec.Body)
			return
		}

		telemetry.IdempotencyMisses.Inc()
		cw := newCaptureWriter(w)
		next.ServeHTTP(cw, r)

		rec = cw.record()
		// The response is cached even if the client already went away.
		if err := g.store.Put(context.WithoutCancel(r.Context()), key, rec, g.ttl); err != nil {
			g.logger.Error().Err(err).Str("idempotency_key", key).Msg("caching response failed")
			writeRaw(w, http.StatusInternalServerError, "application/json", []byte(unavailableBody))
			return
		}
		g.logger.Debug().Str("idempotency_key", key).Int("status", rec.StatusCode).Dur("ttl", g.ttl).Msg("cached response")
		writeRaw(w, rec.StatusCode, rec.ContentType, rec.Body)
	})
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

// captureWriter buffers the downstream response so it can be stored before
// anything reaches the client. Headers go straight to the real writer.
type captureWriter struct {
	w      http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{w: w}
}

func (c *captureWriter) Header() http.Header {
	return c.w.Header()
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.buf.Write(p)
}

func (c *captureWriter) record() Record {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return Record{
		StatusCode:  status,
		ContentType: c.w.Header().Get("Content-Type"),
		Body:        bytes.Clone(c.buf.Bytes()),
	}
}
