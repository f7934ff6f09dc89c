package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	fences  map[string]time.Time
	opts    options
}

// NewMemoryStore creates an in-memory cache.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		fences:  make(map[string]time.Time),
		opts:    buildOptions(opts),
	}
}

func (m *MemoryStore) Get(_ context.Context, tenant TenantKey, kind Kind) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[Key(tenant, kind)]
	if !ok || !e.Fresh(m.opts.now()) {
		cacheLookups.WithLabelValues(string(kind), "miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues(string(kind), "hit").Inc()
	return e.clone(), true
}

func (m *MemoryStore) GetStale(_ context.Context, tenant TenantKey, kind Kind) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[Key(tenant, kind)]
	if !ok {
		return nil, false
	}
	now := m.opts.now()
	if e.Age(now) >= e.TTL+m.opts.retention {
		return nil, false
	}
	cp := e.clone()
	cp.Stale = !e.Fresh(now)
	if cp.Stale {
		cacheLookups.WithLabelValues(string(kind), "stale").Inc()
	}
	return cp, true
}

func (m *MemoryStore) Put(_ context.Context, e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	key := Key(e.Tenant, e.Kind)

	m.mu.Lock()
	defer m.mu.Unlock()

	if fence, ok := m.fences[key]; ok && !e.FetchedAt.After(fence) {
		cachePuts.WithLabelValues("fenced").Inc()
		return ErrFenced
	}
	stored := e.clone()
	stored.Stale = false
	m.entries[key] = stored
	cachePuts.WithLabelValues("stored").Inc()
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, tenant TenantKey, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(tenant, kind)
	return nil
}

func (m *MemoryStore) InvalidateAll(_ context.Context, tenant TenantKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kind := range Kinds {
		m.invalidateLocked(tenant, kind)
	}
	return nil
}

func (m *MemoryStore) invalidateLocked(tenant TenantKey, kind Kind) {
	key := Key(tenant, kind)
	delete(m.entries, key)
	m.fences[key] = m.opts.now()
	cacheInvalidations.WithLabelValues(string(kind)).Inc()
}

// Sweep drops entries past their retention window and fences no fetch can
// still race with. Returns the number of entries removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	removed := 0
	for key, e := range m.entries {
		if e.Age(now) >= e.TTL+m.opts.retention {
			delete(m.entries, key)
			removed++
		}
	}
	for key, at := range m.fences {
		if now.Sub(at) > fenceHold {
			delete(m.fences, key)
		}
	}
	cacheEntries.Set(float64(len(m.entries)))
	return removed
}

// Len returns the number of held entries, fresh or expired.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Store = (*MemoryStore)(nil)
