package reliability

import (
	"context"
	"sync"

	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

// MemoryStore keeps histories in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	history map[toolkey.Key][]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[toolkey.Key][]bool)}
}

func (s *MemoryStore) Append(_ context.Context, key toolkey.Key, succeeded bool, window int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[key], succeeded)
	if window > 0 && len(h) > window {
		trimmed := make([]bool, window)
		copy(trimmed, h[len(h)-window:])
		h = trimmed
	}
	s.history[key] = h
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, key toolkey.Key, n int) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := tail(s.history[key], n)
	out := make([]bool, len(h))
	copy(out, h)
	return out, nil
}
