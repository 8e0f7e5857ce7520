// Package artifact keeps processor output on local disk until the client
// downloads it once.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("artifact not found")
	ErrInvalidID = errors.New("invalid artifact id")
)

var idPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

type Artifact struct {
	ID          string    `json:"-"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
	Data        []byte    `json:"-"`
}

type Store interface {
	Put(ctx context.Context, a Artifact) (Artifact, error)
	// Take returns the artifact and removes it.
	Take(ctx context.Context, id string) (*Artifact, error)
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// NewID returns a fresh opaque artifact id.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// FileStore writes each artifact as <id>.bin with a <id>.json sidecar.
type FileStore struct {
	dir string
	now func() time.Time
	// serializes Take so an artifact is handed out at most once
	mu sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) paths(id string) (bin, meta string) {
	return filepath.Join(s.dir, id+".bin"), filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Put(_ context.Context, a Artifact) (Artifact, error) {
	if a.ID == "" {
		a.ID = NewID()
	}
	if !ValidID(a.ID) {
		return Artifact{}, ErrInvalidID
	}
	if a.Filename == "" {
		a.Filename = "output"
	}
	if a.ContentType == "" {
		a.ContentType = "application/octet-stream"
	}
	a.Size = int64(len(a.Data))
	a.CreatedAt = s.now().UTC()

	meta, err := json.Marshal(a)
	if err != nil {
		return Artifact{}, err
	}

	binPath, metaPath := s.paths(a.ID)
	if err := os.WriteFile(binPath, a.Data, 0o600); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}
	// meta last: an artifact without meta is never served
	if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
		_ = os.Remove(binPath)
		return Artifact{}, fmt.Errorf("write artifact meta: %w", err)
	}
	a.Data = nil
	return a, nil
}

func (s *FileStore) Take(_ context.Context, id string) (*Artifact, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	binPath, metaPath := s.paths(id)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact meta: %w", err)
	}
	data, err := os.ReadFile(binPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = os.Remove(metaPath)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact meta: %w", err)
	}
	a.ID = id
	a.Data = data
	if a.Size == 0 {
		a.Size = int64(len(data))
	}

	_ = os.Remove(metaPath)
	_ = os.Remove(binPath)
	return &a, nil
}

// Sweep deletes artifacts created before olderThan and returns how many were
// removed. Orphaned .bin files are judged by modification time.
func (s *FileStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".bin") {
			continue
		}
		id := strings.TrimSuffix(name, ".bin")
		if !ValidID(id) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(olderThan) {
			continue
		}
		binPath, metaPath := s.paths(id)
		_ = os.Remove(metaPath)
		if err := os.Remove(binPath); err == nil {
			removed++
		}
	}
	return removed, nil
}
