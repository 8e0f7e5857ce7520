package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tool-gateway/internal/policy"
)

type mockPlans struct {
	plan string
	err  error
}

func (m *mockPlans) PlanFor(ctx context.Context, c Caller) (string, error) {
	return m.plan, m.err
}

var march = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newLedger(store Store, plans PlanResolver, now *time.Time) *Ledger {
	return NewLedger(store, plans, WithClock(func() time.Time { return *now }))
}

func incrementN(t *testing.T, l *Ledger, c Caller, tool string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Increment(context.Background(), c, tool)
		require.NoError(t, err)
	}
}

func TestCanUse_PremiumAlwaysAllowed(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), &mockPlans{plan: policy.PlanPremium}, &now)
	c := Caller{IP: "1.2.3.4", UserID: "42"}
	incrementN(t, l, c, "rotate-pdf", 10)

	st, err := l.CanUse(context.Background(), policy.Defaults(), c, "rotate-pdf")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, policy.PlanPremium, st.Plan)
	assert.Nil(t, st.Limit)
	assert.Nil(t, st.Remaining)
	assert.Equal(t, 10, st.Count)
}

func TestCanUse_StandardAtLimitDenied(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), nil, &now)
	c := Caller{IP: "1.2.3.4"}
	incrementN(t, l, c, "rotate-pdf", 3)

	st, err := l.CanUse(context.Background(), policy.Defaults(), c, "rotate-pdf")
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.Equal(t, policy.PlanStandard, st.Plan)
	require.NotNil(t, st.Limit)
	require.NotNil(t, st.Remaining)
	assert.Equal(t, 3, *st.Limit)
	assert.Equal(t, 0, *st.Remaining)
}

func TestCanUse_StandardOneBelowLimit(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), nil, &now)
	c := Caller{IP: "1.2.3.4"}
	incrementN(t, l, c, "rotate-pdf", 2)

	st, err := l.CanUse(context.Background(), policy.Defaults(), c, "rotate-pdf")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, 1, *st.Remaining)
}

func TestCanUse_PremiumTierToolUnlimitedForAnonymous(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), nil, &now)
	c := Caller{IP: "1.2.3.4"}

	st, err := l.CanUse(context.Background(), policy.Defaults(), c, "pdf-to-jpg")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, policy.PlanPremium, st.Plan)
	assert.Nil(t, st.Limit)

	incrementN(t, l, c, "pdf-to-jpg", 1)
	st, err = l.Status(context.Background(), policy.Defaults(), c, "pdf-to-jpg")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Nil(t, st.Limit)
	assert.Equal(t, 1, st.Count, "unlimited runs are still tracked")
}

func TestIncrement_MonotonicWithinMonth(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), nil, &now)
	c := Caller{IP: "10.0.0.1"}

	var last int
	for i := 1; i <= 5; i++ {
		n, err := l.Increment(context.Background(), c, "compress-pdf")
		require.NoError(t, err)
		assert.Equal(t, i, n)
		last = n
	}
	assert.Equal(t, 5, last)
}

func TestIncrement_NewMonthStartsFresh(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), nil, &now)
	c := Caller{IP: "10.0.0.1"}
	incrementN(t, l, c, "compress-pdf", 3)

	now = time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
	n, err := l.Increment(context.Background(), c, "compress-pdf")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := l.CanUse(context.Background(), policy.Defaults(), c, "compress-pdf")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, 1, st.Count)
}

func TestCaller_UserIDTakesPrecedence(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), nil, &now)
	anon := Caller{IP: "1.2.3.4"}
	user := Caller{IP: "1.2.3.4", UserID: "7"}
	incrementN(t, l, user, "rotate-pdf", 3)

	st, err := l.CanUse(context.Background(), policy.Defaults(), user, "rotate-pdf")
	require.NoError(t, err)
	assert.False(t, st.Allowed)

	st, err = l.CanUse(context.Background(), policy.Defaults(), anon, "rotate-pdf")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, 0, st.Count)
}

func TestCaller_AnonymousKeyedByIP(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), nil, &now)
	incrementN(t, l, Caller{IP: "1.2.3.4", Token: "a"}, "rotate-pdf", 3)

	st, err := l.CanUse(context.Background(), policy.Defaults(), Caller{IP: "1.2.3.4", Token: "b"}, "rotate-pdf")
	require.NoError(t, err)
	assert.False(t, st.Allowed, "omitting user id must not reset the ip quota")
}

func TestCaller_EmptyIPUsesSentinel(t *testing.T) {
	assert.Equal(t, Subject{Kind: SubjectIP, ID: "unknown"}, Caller{}.Subject())
}

func TestLedger_NormalizesToolKey(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), nil, &now)
	c := Caller{IP: "1.2.3.4"}
	incrementN(t, l, c, "Rotate-PDF", 2)
	incrementN(t, l, c, "rotate pdf!", 1)

	st, err := l.CanUse(context.Background(), policy.Defaults(), c, "rotate-pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)

	st, err = l.CanUse(context.Background(), policy.Defaults(), c, "ROTATE-pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)
}

func TestCanUse_PlanResolverErrorDegradesToStandard(t *testing.T) {
	now := march
	l := newLedger(NewMemoryStore(), &mockPlans{err: errors.New("db down")}, &now)

	st, err := l.CanUse(context.Background(), policy.Defaults(), Caller{IP: "1.2.3.4", UserID: "1"}, "rotate-pdf")
	require.NoError(t, err)
	assert.Equal(t, policy.PlanStandard, st.Plan)
	assert.Equal(t, 3, *st.Limit)
}

type failingStore struct{}

func (failingStore) Count(ctx context.Context, key Key) (int, error) {
	return 0, errors.New("unavailable")
}

func (failingStore) Increment(ctx context.Context, key Key) (int, error) {
	return 0, errors.New("unavailable")
}

func TestLedger_StoreErrorsSurface(t *testing.T) {
	now := march
	l := newLedger(failingStore{}, nil, &now)

	_, err := l.CanUse(context.Background(), policy.Defaults(), Caller{IP: "x"}, "rotate-pdf")
	assert.Error(t, err)
	_, err = l.Increment(context.Background(), Caller{IP: "x"}, "rotate-pdf")
	assert.Error(t, err)
}

func TestKey_DistinctComponentsDoNotCollide(t *testing.T) {
	a := Key{Subject: Subject{Kind: SubjectIP, ID: "::1"}, Tool: "x", Period: "2026-03"}
	b := Key{Subject: Subject{Kind: SubjectIP, ID: ":"}, Tool: "1:x", Period: "2026-03"}
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a.String(), b.String())
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	key := Key{Subject: Subject{Kind: SubjectIP, ID: "1.2.3.4"}, Tool: "rotate-pdf", Period: "2026-03"}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(context.Background(), key)
		}()
	}
	wg.Wait()

	n, err := store.Count(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestRedisStore_IncrementAndCount(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	key := Key{Subject: Subject{Kind: SubjectUser, ID: "42"}, Tool: "rotate-pdf", Period: "2026-03"}

	n, err := store.Count(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(context.Background(), key)
		}()
	}
	wg.Wait()

	n, err = store.Count(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.True(t, mr.TTL("usage:"+key.String()) > 0)
}
