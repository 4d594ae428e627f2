// Package idempotency caches HTTP responses per client-supplied key so that
// retried writes replay the first outcome instead of running again.
package idempotency

import (
	"context"
	"time"
)

// Record is the cached outcome for one idempotency key.
type Record struct {
	StatusCode  int       `json:"status"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store maps idempotency keys to records. Implementations must be safe for
// concurrent use; keys are independent of each other.
type Store interface {
	// Get returns the live record for key. Expired records are reported as not found.
	Get(ctx context.Context, key string) (Record, bool, error)
	// Put stores rec under key for ttl, replacing any previous record.
	Put(ctx context.Context, key string, rec Record, ttl time.Duration) error
}
