package deadletter

import (
	"context"
	"sync"

	"github.com/trickstertwo/xworld"
)

// MemoryStore keeps dead-letter records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []xworld.DeadLetterRecord
}

var (
	_ xworld.DeadLetterStore = (*MemoryStore)(nil)
	_ Lister                 = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty in-process dead-letter store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Store(ctx context.Context, rec xworld.DeadLetterRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (m *MemoryStore) List(_ context.Context, limit int) ([]xworld.DeadLetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]xworld.DeadLetterRecord, 0, n)
	for i := len(m.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// Records returns the stored records in insertion order.
func (m *MemoryStore) Records() []xworld.DeadLetterRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]xworld.DeadLetterRecord, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
