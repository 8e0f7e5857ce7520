package policy

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/tool-gateway/internal/reliability"
	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

type Reason string

const (
	ReasonConfigDisabled  Reason = "config_disabled"
	ReasonReliabilityGate Reason = "reliability_gate"
)

// Decision is the effective policy for one tool at one point in time.
type Decision struct {
	Tool    toolkey.Key `json:"tool"`
	Enabled bool        `json:"enabled"`
	Reason  Reason      `json:"reason,omitempty"`
	Tier    Tier        `json:"tier"`
}

// RateSource reports a tool's recent success rate. ok is false when there is
// not enough data to judge.
type RateSource interface {
	SuccessRate(ctx context.Context, key toolkey.Key, p reliability.Params) (rate float64, ok bool, err error)
}

type Store struct {
	source Source
	base   Document
	rates  RateSource
	logger zerolog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	cached   *Document
	loadedAt time.Time
	group    singleflight.Group
}

type Option func(*Store)

// WithTTL caches the merged document for ttl. Zero reloads on every call.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(source Source, rates RateSource, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		source: source,
		base:   Defaults(),
		rates:  rates,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Document returns the merged configuration. It never fails: an unreadable or
// corrupt override leaves the compiled defaults in effect.
func (s *Store) Document(ctx context.Context) Document {
	if s.ttl > 0 {
		s.mu.RLock()
		if s.cached != nil && s.now().Sub(s.loadedAt) < s.ttl {
			d := *s.cached
			s.mu.RUnlock()
			return d
		}
		s.mu.RUnlock()
	}

	v, _, _ := s.group.Do("document", func() (interface{}, error) {
		d := s.load(ctx)
		s.mu.Lock()
		s.cached = &d
		s.loadedAt = s.now()
		s.mu.Unlock()
		return d, nil
	})
	return v.(Document)
}

func (s *Store) load(ctx context.Context) Document {
	if s.source == nil {
		return s.base.clone()
	}
	raw, err := s.source.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("tool policy override unreadable, using defaults")
		return s.base.clone()
	}
	d, err := Merge(s.base, raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("tool policy override corrupt, using defaults")
	}
	return d
}

// Invalidate drops the cached document so the next call reloads the source.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Evaluate loads the current document and decides for the raw tool identifier.
func (s *Store) Evaluate(ctx context.Context, rawTool string) Decision {
	return s.Decide(ctx, s.Document(ctx), toolkey.Normalize(rawTool))
}

// Decide applies the precedence rules against an explicit document:
// forceDisable, forceEnable, config flags, then the reliability gate.
func (s *Store) Decide(ctx context.Context, doc Document, key toolkey.Key) Decision {
	tool, _ := doc.Tool(key)
	d := Decision{Tool: key, Enabled: true, Tier: tool.Tier}

	if slices.Contains(doc.Overrides.ForceDisable, key) {
		d.Enabled, d.Reason = false, ReasonConfigDisabled
		return d
	}
	if slices.Contains(doc.Overrides.ForceEnable, key) {
		return d
	}
	if tool.HardDisabled || !tool.Enabled {
		d.Enabled, d.Reason = false, ReasonConfigDisabled
		return d
	}

	if s.rates != nil {
		rate, ok, err := s.rates.SuccessRate(ctx, key, doc.Reliability)
		if err != nil {
			s.logger.Warn().Err(err).Str("tool", string(key)).Msg("reliability lookup failed, not gating")
			return d
		}
		if ok && rate < doc.Reliability.Threshold {
			d.Enabled, d.Reason = false, ReasonReliabilityGate
		}
	}
	return d
}
