package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Source yields the raw override document. A nil slice with a nil error means
// no override is present.
type Source interface {
	Load(ctx context.Context) ([]byte, error)
}

// FileSource reads the override document from disk. Files ending in .yaml or
// .yml are converted to JSON.
type FileSource struct {
	Path string
}

func (s FileSource) Load(_ context.Context) ([]byte, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		return yamlToJSON(raw)
	}
	return raw, nil
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return json.Marshal(doc)
}

// RedisSource reads the override document from a single string key.
type RedisSource struct {
	Client redis.UniversalClient
	Key    string
}

func (s RedisSource) Load(ctx context.Context) ([]byte, error) {
	raw, err := s.Client.Get(ctx, s.Key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", s.Key, err)
	}
	return raw, nil
}

// StaticSource serves a fixed document.
type StaticSource []byte

func (s StaticSource) Load(_ context.Context) ([]byte, error) {
	return s, nil
}
