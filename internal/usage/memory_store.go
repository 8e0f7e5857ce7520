package usage

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	counts map[Key]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[Key]int)}
}

func (s *MemoryStore) Count(_ context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key], nil
}

func (s *MemoryStore) Increment(_ context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key], nil
}
