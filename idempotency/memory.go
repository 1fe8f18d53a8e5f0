package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xworld"
)

// MemoryStore is a process-local registry. It honours ExpiresUTC but does
// not survive restarts; use it for tests and single-process development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]xworld.ProcessedEventRecord
	now     func() time.Time
}

var _ xworld.IdempotencyStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		clk := xclock.Default()
		now = clk.Now
	}
	return &MemoryStore{records: make(map[string]xworld.ProcessedEventRecord), now: now}
}

func (m *MemoryStore) CheckProcessed(ctx context.Context, key string) (*xworld.ProcessedEventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	rec, ok := m.records[key]
	m.mu.RUnlock()
	if !ok || rec.Expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

// MarkProcessed stores rec, replacing any record with the same key.
func (m *MemoryStore) MarkProcessed(ctx context.Context, rec xworld.ProcessedEventRecord) (xworld.ProcessedEventRecord, error) {
	if err := ctx.Err(); err != nil {
		return xworld.ProcessedEventRecord{}, err
	}
	m.mu.Lock()
	m.records[rec.IdempotencyKey] = rec
	m.mu.Unlock()
	return rec, nil
}

// Sweep drops expired records and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, k)
			n++
		}
	}
	return n
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
