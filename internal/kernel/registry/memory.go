package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/dyocense/kernel/internal/kernel/run"
)

// MemoryRegistry is an in-process Registry for single-node deployments and
// tests. A single mutex serializes all mutation; documents are cloned on
// every boundary crossing.
type MemoryRegistry struct {
	mu   sync.RWMutex
	runs map[string]*run.Run
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{runs: make(map[string]*run.Run)}
}

func (m *MemoryRegistry) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; ok {
		return ErrDuplicateRun
	}
	doc := r.Clone()
	doc.Version = 1
	m.runs[r.RunID] = doc
	return nil
}

func (m *MemoryRegistry) GetRun(_ context.Context, runID string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *MemoryRegistry) Update(_ context.Context, runID string, fn func(*run.Run) error) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	next := doc.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = doc.Version + 1
	m.runs[runID] = next
	return next.Clone(), nil
}

func (m *MemoryRegistry) ListRuns(_ context.Context, tenantID string, f ListFilter) ([]*run.Run, error) {
	m.mu.RLock()
	var matched []*run.Run
	for _, doc := range m.runs {
		if doc.TenantID != tenantID {
			continue
		}
		if f.State != "" && doc.State != f.State {
			continue
		}
		matched = append(matched, doc)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].RunID > matched[j].RunID
	})
	if limit := f.limit(); len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*run.Run, 0, len(matched))
	for _, doc := range matched {
		out = append(out, doc.Clone())
	}
	return out, nil
}

func (m *MemoryRegistry) ListActive(_ context.Context) ([]*run.Run, error) {
	m.mu.RLock()
	var matched []*run.Run
	for _, doc := range m.runs {
		if !doc.State.Terminal() {
			matched = append(matched, doc)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].RunID < matched[j].RunID
	})
	out := make([]*run.Run, 0, len(matched))
	for _, doc := range matched {
		out = append(out, doc.Clone())
	}
	return out, nil
}

func (m *MemoryRegistry) PurgeTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, doc := range m.runs {
		if doc.TenantID == tenantID {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRegistry) Close() error { return nil }
