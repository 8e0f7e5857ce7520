package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tool-gateway/internal/policy"
	"github.com/vnmchuo/tool-gateway/internal/usage"
)

type countingStore struct {
	*MemoryStore
	calls int
	err   error
}

func (s *countingStore) Plan(ctx context.Context, subject string) (*Entitlement, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.MemoryStore.Plan(ctx, subject)
}

func future() *time.Time {
	t := time.Now().Add(time.Hour)
	return &t
}

func TestPlanFor_Anonymous(t *testing.T) {
	r := NewPlanResolver(NewMemoryStore(), nil, zerolog.Nop())

	plan, err := r.PlanFor(context.Background(), usage.Caller{IP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, policy.PlanStandard, plan)
}

func TestPlanFor_UserEntitlement(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Grant(context.Background(), &Entitlement{Subject: UserSubject("42"), Plan: policy.PlanPremium, ExpiresAt: future()}))
	r := NewPlanResolver(store, nil, zerolog.Nop())

	plan, err := r.PlanFor(context.Background(), usage.Caller{IP: "1.2.3.4", UserID: "42"})
	require.NoError(t, err)
	assert.Equal(t, policy.PlanPremium, plan)
}

func TestPlanFor_TokenEntitlement(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Grant(context.Background(), &Entitlement{Subject: TokenSubject("secret"), Plan: policy.PlanPremium}))
	r := NewPlanResolver(store, nil, zerolog.Nop())

	plan, err := r.PlanFor(context.Background(), usage.Caller{IP: "1.2.3.4", Token: "secret"})
	require.NoError(t, err)
	assert.Equal(t, policy.PlanPremium, plan)
}

func TestPlanFor_ExpiredEntitlement(t *testing.T) {
	store := NewMemoryStore()
	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.Grant(context.Background(), &Entitlement{Subject: UserSubject("42"), Plan: policy.PlanPremium, ExpiresAt: &past}))
	r := NewPlanResolver(store, nil, zerolog.Nop())

	plan, err := r.PlanFor(context.Background(), usage.Caller{UserID: "42"})
	require.NoError(t, err)
	assert.Equal(t, policy.PlanStandard, plan)
}

func TestPlanFor_StoreError(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), err: errors.New("db down")}
	r := NewPlanResolver(store, nil, zerolog.Nop())

	_, err := r.PlanFor(context.Background(), usage.Caller{UserID: "42"})
	assert.Error(t, err)
}

func TestTokenSubject_HidesToken(t *testing.T) {
	s := TokenSubject("secret")
	assert.NotContains(t, s, "secret")
	assert.Len(t, s, len("token:")+64)
}

func TestPlanFor_CachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := &countingStore{MemoryStore: NewMemoryStore()}
	r := NewPlanResolver(store, client, zerolog.Nop())
	caller := usage.Caller{UserID: "42"}

	for i := 0; i < 3; i++ {
		plan, err := r.PlanFor(context.Background(), caller)
		require.NoError(t, err)
		assert.Equal(t, policy.PlanStandard, plan)
	}
	assert.Equal(t, 1, store.calls, "negative answers are cached")

	require.NoError(t, r.Grant(context.Background(), &Entitlement{Subject: UserSubject("42"), Plan: policy.PlanPremium, ExpiresAt: future()}))

	plan, err := r.PlanFor(context.Background(), caller)
	require.NoError(t, err)
	assert.Equal(t, policy.PlanPremium, plan, "grant evicts the cached answer")
	assert.Equal(t, 2, store.calls)

	require.NoError(t, r.Revoke(context.Background(), UserSubject("42")))
	plan, err = r.PlanFor(context.Background(), caller)
	require.NoError(t, err)
	assert.Equal(t, policy.PlanStandard, plan)
}

func TestMemoryStore_RevokeMissing(t *testing.T) {
	err := NewMemoryStore().Revoke(context.Background(), UserSubject("x"))
	assert.ErrorIs(t, err, ErrEntitlementNotFound)
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	row  fakeRow
	tag  pgconn.CommandTag
	args []any
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.args = args
	return f.row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.args = args
	return f.tag, nil
}

func TestPostgresStore_PlanNotFound(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}}
	_, err := NewPostgresStore(db).Plan(context.Background(), UserSubject("1"))
	assert.ErrorIs(t, err, ErrEntitlementNotFound)
}

func TestPostgresStore_Grant(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*time.Time)) = created
		return nil
	}}}
	e := &Entitlement{Subject: UserSubject("1"), Plan: policy.PlanPremium}

	require.NoError(t, NewPostgresStore(db).Grant(context.Background(), e))
	assert.Equal(t, created, e.CreatedAt)
	assert.Equal(t, "user:1", db.args[0])
}

func TestPostgresStore_RevokeMissing(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("DELETE 0")}
	err := NewPostgresStore(db).Revoke(context.Background(), UserSubject("1"))
	assert.ErrorIs(t, err, ErrEntitlementNotFound)
}
