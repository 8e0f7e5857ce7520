package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/tool-gateway/internal/policy"
	"github.com/vnmchuo/tool-gateway/internal/usage"
)

var ErrEntitlementNotFound = errors.New("entitlement not found")

// Entitlement grants a plan to a subject, optionally until ExpiresAt.
type Entitlement struct {
	Subject   string     `json:"subject"`
	Plan      string     `json:"plan"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (e *Entitlement) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (e *Entitlement) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}

func (e *Entitlement) Active(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

type EntitlementStore interface {
	Plan(ctx context.Context, subject string) (*Entitlement, error)
	Grant(ctx context.Context, e *Entitlement) error
	Revoke(ctx context.Context, subject string) error
}

func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func UserSubject(userID string) string {
	return "user:" + userID
}

// TokenSubject never stores the raw token.
func TokenSubject(token string) string {
	return "token:" + hashKey(token)
}

type MemoryStore struct {
	mu   sync.RWMutex
	ents map[string]Entitlement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ents: make(map[string]Entitlement)}
}

func (s *MemoryStore) Plan(_ context.Context, subject string) (*Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ents[subject]
	if !ok {
		return nil, ErrEntitlementNotFound
	}
	return &e, nil
}

func (s *MemoryStore) Grant(_ context.Context, e *Entitlement) error {
	if e.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ents[e.Subject] = *e
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ents[subject]; !ok {
		return ErrEntitlementNotFound
	}
	delete(s.ents, subject)
	return nil
}

const cacheTTL = 5 * time.Minute

// PlanResolver maps callers to plans. Lookups go through a Redis cache when
// one is configured; a nil cache reads the store directly.
type PlanResolver struct {
	store  EntitlementStore
	cache  redis.UniversalClient
	logger zerolog.Logger
	now    func() time.Time
}

func NewPlanResolver(store EntitlementStore, cache redis.UniversalClient, logger zerolog.Logger) *PlanResolver {
	return &PlanResolver{store: store, cache: cache, logger: logger, now: time.Now}
}

// PlanFor checks the signed-in account first, then the bearer token.
func (r *PlanResolver) PlanFor(ctx context.Context, c usage.Caller) (string, error) {
	var subjects []string
	if c.UserID != "" {
		subjects = append(subjects, UserSubject(c.UserID))
	}
	if c.Token != "" {
		subjects = append(subjects, TokenSubject(c.Token))
	}

	for _, subject := range subjects {
		e, err := r.lookup(ctx, subject)
		if err != nil {
			return "", err
		}
		if e != nil && e.Plan == policy.PlanPremium && e.Active(r.now()) {
			return policy.PlanPremium, nil
		}
	}
	return policy.PlanStandard, nil
}

// lookup returns nil when the subject holds no entitlement. Misses are cached
// too, as a zero-value entitlement.
func (r *PlanResolver) lookup(ctx context.Context, subject string) (*Entitlement, error) {
	redisKey := fmt.Sprintf("entitlement:%s", subject)

	if r.cache != nil {
		var cached Entitlement
		err := r.cache.Get(ctx, redisKey).Scan(&cached)
		if err == nil {
			if cached.Plan == "" {
				return nil, nil
			}
			return &cached, nil
		} else if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Msg("entitlement cache read failed")
		}
	}

	e, err := r.store.Plan(ctx, subject)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		return nil, fmt.Errorf("lookup entitlement: %w", err)
	}

	if r.cache != nil {
		toCache := &Entitlement{Subject: subject}
		if e != nil {
			toCache = e
		}
		_ = r.cache.Set(ctx, redisKey, toCache, cacheTTL).Err()
	}
	return e, nil
}

// Grant stores the entitlement and drops any cached answer for its subject.
func (r *PlanResolver) Grant(ctx context.Context, e *Entitlement) error {
	if err := r.store.Grant(ctx, e); err != nil {
		return err
	}
	r.forget(ctx, e.Subject)
	return nil
}

func (r *PlanResolver) Revoke(ctx context.Context, subject string) error {
	if err := r.store.Revoke(ctx, subject); err != nil {
		return err
	}
	r.forget(ctx, subject)
	return nil
}

func (r *PlanResolver) forget(ctx context.Context, subject string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, fmt.Sprintf("entitlement:%s", subject)).Err(); err != nil {
		r.logger.Warn().Err(err).Str("subject", subject).Msg("entitlement cache evict failed")
	}
}
