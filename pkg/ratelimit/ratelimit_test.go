package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type call struct {
	key string
	n   int
}

type mockLimiterStore struct {
	allowed bool
	err     error
	calls   []call
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.calls = append(m.calls, call{key, n})
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestAllow_KeysByClient(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	l := New(store)

	ok, err := l.Allow(context.Background(), "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []call{{"ratelimit:client:ip:1.2.3.4", 1}}, store.calls)
}

func TestAllow_AnonymousCost(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	l := New(store, WithAnonymousCost(3), WithPrefix("rl:"))

	_, err := l.Allow(context.Background(), "ip:1.2.3.4")
	require.NoError(t, err)
	_, err = l.Allow(context.Background(), "user:42")
	require.NoError(t, err)

	assert.Equal(t, []call{{"rl:ip:1.2.3.4", 3}, {"rl:user:42", 1}}, store.calls)
}

func TestAllow_IgnoresNonPositiveCost(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	l := New(store, WithAnonymousCost(0))

	_, _ = l.Allow(context.Background(), "ip:1.2.3.4")
	assert.Equal(t, 1, store.calls[0].n)
}

func TestAllow_Denied(t *testing.T) {
	l := New(&mockLimiterStore{allowed: false})

	ok, err := l.Allow(context.Background(), "user:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllow_Error(t *testing.T) {
	down := errors.New("redis down")
	l := New(&mockLimiterStore{allowed: true, err: down})

	ok, err := l.Allow(context.Background(), "ip:1.2.3.4")
	assert.False(t, ok)
	assert.ErrorIs(t, err, down)
}
