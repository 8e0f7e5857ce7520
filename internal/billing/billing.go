// Package billing keeps the per-run analytics trail of tool executions.
package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type RunLog struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Subject   string    `json:"subject"`
	UserID    string    `json:"user_id,omitempty"`
	Tool      string    `json:"tool"`
	Plan      string    `json:"plan"`
	Status    RunStatus `json:"status"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	LogRun(ctx context.Context, log *RunLog) error
	ListRuns(ctx context.Context, subject string, from, to time.Time) ([]*RunLog, error)
	// CountRuns reports completed and failed runs of a tool in [from, to].
	CountRuns(ctx context.Context, tool string, from, to time.Time) (completed, failed int, err error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	logs []*RunLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LogRun(_ context.Context, log *RunLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	cp := *log
	s.mu.Lock()
	s.logs = append(s.logs, &cp)
	s.mu.Unlock()
	return nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func (s *MemoryStore) ListRuns(_ context.Context, subject string, from, to time.Time) ([]*RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RunLog
	for _, l := range s.logs {
		if l.Subject == subject && inRange(l.CreatedAt, from, to) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountRuns(_ context.Context, tool string, from, to time.Time) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var completed, failed int
	for _, l := range s.logs {
		if l.Tool != tool || !inRange(l.CreatedAt, from, to) {
			continue
		}
		switch l.Status {
		case RunCompleted:
			completed++
		case RunFailed:
			failed++
		}
	}
	return completed, failed, nil
}
