package idempotency

import (
	"context"
	"sync"
	"time"
)

const defaultCleanupInterval = time.Minute

type memEntry struct {
	runID     string
	expiresAt time.Time
}

// MemoryIndex is an in-process Index for single-node deployments and tests.
// Expired records are invisible to readers immediately and swept by a
// background goroutine so the map does not grow without bound.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	now       func() time.Time
	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Index = (*MemoryIndex)(nil)

type MemoryOption func(*MemoryIndex)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryIndex) { m.now = now }
}

// WithCleanupInterval sets how often the sweep goroutine runs.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryIndex) { m.interval = d }
}

func NewMemoryIndex(opts ...MemoryOption) *MemoryIndex {
	m := &MemoryIndex{
		entries:  make(map[string]memEntry),
		now:      time.Now,
		interval: defaultCleanupInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

func indexKey(tenantID, key string) string {
	return tenantID + "\x1f" + key
}

func (m *MemoryIndex) Get(_ context.Context, tenantID, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[indexKey(tenantID, key)]
	m.mu.RUnlock()
	if !ok || !e.expiresAt.After(m.now()) {
		return "", ErrNotFound
	}
	return e.runID, nil
}

func (m *MemoryIndex) PutIfAbsent(_ context.Context, tenantID, key, runID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := indexKey(tenantID, key)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[k]; ok && e.expiresAt.After(now) {
		return e.runID, false, nil
	}
	m.entries[k] = memEntry{runID: runID, expiresAt: now.Add(ttl)}
	return runID, true, nil
}

func (m *MemoryIndex) Delete(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	delete(m.entries, indexKey(tenantID, key))
	m.mu.Unlock()
	return nil
}

// Close stops the sweep goroutine and waits for it to exit.
func (m *MemoryIndex) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
	return nil
}

func (m *MemoryIndex) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryIndex) sweep() {
	now := m.now()
	m.mu.Lock()
	for k, e := range m.entries {
		if !e.expiresAt.After(now) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}
