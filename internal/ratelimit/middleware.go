package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"photoblast/internal/telemetry"
)

// ClientHeader identifies the caller for rate limiting. Requests without it
// are limited per remote IP.
const ClientHeader = "X-Client-ID"

const tooManyRequestsBody = `{"success":false,"message":"Too many requests"}`

// ClientKey returns the bucket key for r.
func ClientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientHeader)); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects requests with 429 once the caller's bucket is empty. It
// fails open when Redis is unreachable.
func Middleware(bucket *TokenBucket, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !bucket.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			allowed, _, err := bucket.Allow(r.Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("client", key).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(tooManyRequestsBody))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
