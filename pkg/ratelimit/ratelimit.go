package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const defaultPrefix = "ratelimit:client:"

// Limiter throttles tool runs per client on a sliding one-minute window.
// Subjects are usage subjects ("user:<id>" or "ip:<addr>").
type Limiter struct {
	store    extratelimit.Limiter
	prefix   string
	anonCost int
}

type Option func(*Limiter)

func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithAnonymousCost charges ip-keyed callers n units per request, so an
// anonymous client gets rpm/n runs per minute.
func WithAnonymousCost(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.anonCost = n
		}
	}
}

// NewLimiter allows rpm units per client per sliding minute.
func NewLimiter(rdb *redis.Client, rpm int, opts ...Option) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(rpm),
		extratelimit.WithWindow(time.Minute),
	)
	return New(store, opts...)
}

// New wraps an existing limiter backend.
func New(store extratelimit.Limiter, opts ...Option) *Limiter {
	l := &Limiter{store: store, prefix: defaultPrefix, anonCost: 1}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) cost(subject string) int {
	if strings.HasPrefix(subject, "ip:") {
		return l.anonCost
	}
	return 1
}

func (l *Limiter) Allow(ctx context.Context, subject string) (bool, error) {
	res, err := l.store.AllowN(ctx, l.prefix+subject, l.cost(subject))
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", subject, err)
	}
	return res.Allowed, nil
}
