package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces idempotency entries in Redis.
const KeyPrefix = "idempotency:"

// RedisStore shares records across instances through Redis. Expiry is
// delegated to Redis key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore builds a store on top of an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: KeyPrefix}
}

// redisEntry is the stored triple. Body is a []byte, which encoding/json
// writes as base64, so binary responses survive unchanged.
type redisEntry struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get idempotency record: %w", err)
	}
	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Record{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	rec := Record{
		StatusCode:  entry.Status,
		ContentType: entry.ContentType,
		Body:        entry.Body,
	}
	if ttl, err := s.client.PTTL(ctx, s.key(key)).Result(); err == nil && ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(redisEntry{
		Status:      rec.StatusCode,
		ContentType: rec.ContentType,
		Body:        rec.Body,
	})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}
