package idempotency

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It only deduplicates requests
// that reach the same instance.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	m.mu.RLock()
	rec, ok := m.records[key]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}
	if !m.now().Before(rec.ExpiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; a fresh Put may have landed in between.
		if cur, ok := m.records[key]; ok && !m.now().Before(cur.ExpiresAt) {
			delete(m.records, key)
		}
		m.mu.Unlock()
		return Record{}, false, nil
	}
	rec.Body = slices.Clone(rec.Body)
	return rec, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, rec Record, ttl time.Duration) error {
	rec.Body = slices.Clone(rec.Body)
	rec.ExpiresAt = m.now().Add(ttl)
	m.mu.Lock()
	m.records[key] = rec
	m.mu.Unlock()
	return nil
}

// Sweep evicts expired records and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
