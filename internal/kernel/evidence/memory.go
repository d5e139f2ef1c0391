package evidence

import (
	"context"
	"sync"
)

// MemoryStore keeps batches in process, for single-node deployments and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]Batch
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[string]Batch)}
}

func (m *MemoryStore) Append(_ context.Context, b Batch) error {
	m.mu.Lock()
	m.batches[b.RunID] = b
	m.mu.Unlock()
	return nil
}

// Get returns the stored batch for a run, for inspection in tests and the
// memory-backed API.
func (m *MemoryStore) Get(runID string) (Batch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[runID]
	return b, ok
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.batches)
}

func (m *MemoryStore) Close() error { return nil }
