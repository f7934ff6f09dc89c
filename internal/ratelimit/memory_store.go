package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/TOOL2U/BookMate-sub002/internal/syncutil"
)

type windowState struct {
	count       int
	windowStart time.Time
	length      time.Duration
}

func (w *windowState) expired(now time.Time) bool {
	return now.Sub(w.windowStart) >= w.length
}

// MemoryStore keeps windows in process memory. Mutations of one key are
// serialized by a sharded lock; different keys proceed in parallel.
type MemoryStore struct {
	locks   *syncutil.ShardedMutex
	windows sync.Map // key -> *windowState
	now     func() time.Time
}

// NewMemoryStore creates an in-memory window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: syncutil.NewShardedMutex(syncutil.DefaultShards),
		now:   time.Now,
	}
}

// NewMemoryStoreWithClock is NewMemoryStore with an injected clock (tests).
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.now = now
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.now()
	if v, ok := s.windows.Load(key); ok {
		w := v.(*windowState)
		if !w.expired(now) {
			w.count++
			return w.count, w.windowStart, nil
		}
	}
	// First request, or lazy replacement of an expired window.
	w := &windowState{count: 1, windowStart: now, length: window}
	s.windows.Store(key, w)
	return w.count, w.windowStart, nil
}

func (s *MemoryStore) Current(_ context.Context, key string, _ time.Duration) (int, time.Time, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	v, ok := s.windows.Load(key)
	if !ok {
		return 0, time.Time{}, nil
	}
	w := v.(*windowState)
	if w.expired(s.now()) {
		return 0, time.Time{}, nil
	}
	return w.count, w.windowStart, nil
}

// Sweep removes expired windows. Called by the cache sweeper.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	s.windows.Range(func(k, v any) bool {
		key := k.(string)
		unlock := s.locks.Lock(key)
		if cur, ok := s.windows.Load(key); ok && cur.(*windowState).expired(now) {
			s.windows.Delete(key)
			removed++
		}
		unlock()
		return true
	})
	rlWindows.Set(float64(s.Len()))
	return removed
}

// Len returns the number of tracked windows, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	s.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

var _ Store = (*MemoryStore)(nil)
