package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

type window struct {
	count int
	end   time.Time
}

// MemoryStore keeps counters in process memory. Counters are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Count returns the hits in the open window for key.
func (s *MemoryStore) Count(_ context.Context, key string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.end) {
		return 0, nil
	}
	return w.count, nil
}

// Add counts one hit for key.
func (s *MemoryStore) Add(_ context.Context, key string, span time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.end) {
		s.windows[key] = &window{count: 1, end: now.Add(span)}
		return nil
	}
	w.count++
	return nil
}

// Prune drops expired windows.
func (s *MemoryStore) Prune(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.windows {
		if !now.Before(w.end) {
			delete(s.windows, k)
		}
	}
	return nil
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
