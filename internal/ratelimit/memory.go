package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a mutex-guarded counter store for single-instance
// deployments and tests. Expired windows are dropped lazily on access and
// by a periodic scan amortized over Incr calls.
type MemoryStore struct {
	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

const memorySweepEvery = time.Minute

// NewMemoryStore returns an empty in-process counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window), lastSweep: time.Now()}
}

func (s *MemoryStore) Incr(_ context.Context, key string, windowLen time.Duration) (int64, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeSweep(now)

	w, ok := s.windows[key]
	if !ok || !w.resetAt.After(now) {
		w = &window{resetAt: now.Add(windowLen)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

func (s *MemoryStore) Decr(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok && w.count > 0 {
		w.count--
	}
	return nil
}

func (s *MemoryStore) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < memorySweepEvery {
		return
	}
	s.lastSweep = now
	for key, w := range s.windows {
		if !w.resetAt.After(now) {
			delete(s.windows, key)
		}
	}
}

var _ CounterStore = (*MemoryStore)(nil)
