package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tool-gateway/internal/reliability"
	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

type mockRates struct {
	rate float64
	ok   bool
	err  error
}

func (m *mockRates) SuccessRate(ctx context.Context, key toolkey.Key, p reliability.Params) (float64, bool, error) {
	return m.rate, m.ok, m.err
}

type countingSource struct {
	raw   []byte
	err   error
	loads atomic.Int32
}

func (c *countingSource) Load(ctx context.Context) ([]byte, error) {
	c.loads.Add(1)
	return c.raw, c.err
}

func newStore(src Source, rates RateSource, opts ...Option) *Store {
	return NewStore(src, rates, zerolog.Nop(), opts...)
}

func TestEvaluate_DefaultsEnabled(t *testing.T) {
	s := newStore(nil, nil)

	d := s.Evaluate(context.Background(), "Rotate-PDF")
	assert.True(t, d.Enabled)
	assert.Equal(t, toolkey.Key("rotate-pdf"), d.Tool)
	assert.Equal(t, TierFreemium, d.Tier)
}

func TestEvaluate_HardDisabledDefault(t *testing.T) {
	s := newStore(nil, nil)

	d := s.Evaluate(context.Background(), "pdf-to-word")
	assert.False(t, d.Enabled)
	assert.Equal(t, ReasonConfigDisabled, d.Reason)
	assert.Equal(t, TierPremium, d.Tier)
}

func TestEvaluate_UnknownToolEnabledFreemium(t *testing.T) {
	s := newStore(nil, nil)

	d := s.Evaluate(context.Background(), "merge-pdf")
	assert.True(t, d.Enabled)
	assert.Equal(t, TierFreemium, d.Tier)
}

func TestEvaluate_ForceDisableWinsOverForceEnable(t *testing.T) {
	src := StaticSource(`{"overrides":{"forceEnable":["rotate-pdf"],"forceDisable":["Rotate-PDF"]}}`)
	s := newStore(src, nil)

	d := s.Evaluate(context.Background(), "rotate-pdf")
	assert.False(t, d.Enabled)
	assert.Equal(t, ReasonConfigDisabled, d.Reason)
}

func TestEvaluate_ForceEnableBypassesHardDisabledAndReliability(t *testing.T) {
	src := StaticSource(`{"overrides":{"forceEnable":["pdf-to-word","compress-pdf"]}}`)
	s := newStore(src, &mockRates{rate: 0.1, ok: true})

	assert.True(t, s.Evaluate(context.Background(), "pdf-to-word").Enabled)
	assert.True(t, s.Evaluate(context.Background(), "compress-pdf").Enabled)
}

func TestEvaluate_ReliabilityGate(t *testing.T) {
	s := newStore(nil, &mockRates{rate: 0.25, ok: true})

	d := s.Evaluate(context.Background(), "rotate-pdf")
	assert.False(t, d.Enabled)
	assert.Equal(t, ReasonReliabilityGate, d.Reason)
}

func TestEvaluate_ReliabilityGateWithRealGate(t *testing.T) {
	gate := reliability.NewGate(reliability.NewMemoryStore())
	s := newStore(nil, gate)
	ctx := context.Background()
	p := s.Document(ctx).Reliability

	for i := 0; i < 10; i++ {
		require.NoError(t, gate.Record(ctx, "rotate-pdf", false, p))
	}
	assert.True(t, s.Evaluate(ctx, "rotate-pdf").Enabled, "insufficient data must not gate")

	for i := 0; i < 5; i++ {
		require.NoError(t, gate.Record(ctx, "rotate-pdf", true, p))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, gate.Record(ctx, "rotate-pdf", false, p))
	}
	d := s.Evaluate(ctx, "rotate-pdf")
	assert.False(t, d.Enabled)
	assert.Equal(t, ReasonReliabilityGate, d.Reason)
}

func TestEvaluate_InsufficientDataNotGated(t *testing.T) {
	s := newStore(nil, &mockRates{ok: false})
	assert.True(t, s.Evaluate(context.Background(), "rotate-pdf").Enabled)
}

func TestEvaluate_RateAtThresholdNotGated(t *testing.T) {
	s := newStore(nil, &mockRates{rate: 0.95, ok: true})
	assert.True(t, s.Evaluate(context.Background(), "rotate-pdf").Enabled)
}

func TestEvaluate_RateLookupErrorNotGated(t *testing.T) {
	s := newStore(nil, &mockRates{err: errors.New("redis down")})
	assert.True(t, s.Evaluate(context.Background(), "rotate-pdf").Enabled)
}

func TestFileOverride_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools-config.json")
	s := newStore(FileSource{Path: path}, nil)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(path, []byte(`{"tools":{"x":{"enabled":false}}}`), 0o644))
	assert.False(t, s.Evaluate(ctx, "x").Enabled)

	require.NoError(t, os.Remove(path))
	s.Invalidate()
	assert.True(t, s.Evaluate(ctx, "x").Enabled)
}

func TestFileOverride_CorruptFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools-config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tools": {`), 0o644))
	s := newStore(FileSource{Path: path}, nil)

	doc := s.Document(context.Background())
	assert.Equal(t, Defaults(), doc)
}

func TestSourceErrorFallsBackToDefaults(t *testing.T) {
	s := newStore(&countingSource{err: errors.New("permission denied")}, nil)
	assert.Equal(t, Defaults(), s.Document(context.Background()))
}

func TestDocument_CachedForTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &countingSource{}
	s := newStore(src, nil, WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	s.Document(ctx)
	s.Document(ctx)
	assert.Equal(t, int32(1), src.loads.Load())

	now = now.Add(2 * time.Minute)
	s.Document(ctx)
	assert.Equal(t, int32(2), src.loads.Load())

	s.Invalidate()
	s.Document(ctx)
	assert.Equal(t, int32(3), src.loads.Load())
}

func TestDocument_NoTTLReloadsEveryCall(t *testing.T) {
	src := &countingSource{}
	s := newStore(src, nil)

	s.Document(context.Background())
	s.Document(context.Background())
	assert.Equal(t, int32(2), src.loads.Load())
}
