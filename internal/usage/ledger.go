// Package usage meters completed tool runs per caller, tool and calendar month
// and enforces the monthly cap of the caller's plan.
package usage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/tool-gateway/internal/policy"
	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

type SubjectKind string

const (
	SubjectUser SubjectKind = "user"
	SubjectIP   SubjectKind = "ip"
)

// Subject is the party a usage bucket belongs to.
type Subject struct {
	Kind SubjectKind
	ID   string
}

func (s Subject) String() string {
	return string(s.Kind) + ":" + url.QueryEscape(s.ID)
}

// Key identifies one usage bucket. Keys are comparable and equal exactly when
// all three components are equal.
type Key struct {
	Subject Subject
	Tool    toolkey.Key
	Period  string
}

func (k Key) String() string {
	return k.Subject.String() + ":" + string(k.Tool) + ":" + k.Period
}

// PeriodOf returns the calendar month bucket (UTC) containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Caller carries everything the ledger may key on.
type Caller struct {
	IP     string
	Token  string
	UserID string
}

// Subject prefers the signed-in account over the network address.
func (c Caller) Subject() Subject {
	if c.UserID != "" {
		return Subject{Kind: SubjectUser, ID: c.UserID}
	}
	ip := c.IP
	if ip == "" {
		ip = "unknown"
	}
	return Subject{Kind: SubjectIP, ID: ip}
}

type Store interface {
	Count(ctx context.Context, key Key) (int, error)
	// Increment adds one to the bucket atomically and returns the new count.
	Increment(ctx context.Context, key Key) (int, error)
}

// PlanResolver reports whether a caller holds a premium entitlement.
type PlanResolver interface {
	PlanFor(ctx context.Context, c Caller) (string, error)
}

// Status is the usage snapshot returned to clients. Limit and Remaining are
// nil for unlimited plans.
type Status struct {
	Allowed   bool   `json:"allowed"`
	Plan      string `json:"plan"`
	Limit     *int   `json:"limit"`
	Remaining *int   `json:"remaining"`
	Count     int    `json:"count"`
}

type Ledger struct {
	store  Store
	plans  PlanResolver
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func NewLedger(store Store, plans PlanResolver, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		plans:  plans,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) key(c Caller, tool toolkey.Key) Key {
	return Key{Subject: c.Subject(), Tool: tool, Period: PeriodOf(l.now())}
}

// plan resolves the caller's plan. Premium-tier tools are metered under the
// premium plan. Resolver failures degrade to standard.
func (l *Ledger) plan(ctx context.Context, doc policy.Document, c Caller, tool toolkey.Key) string {
	if t, _ := doc.Tool(tool); t.Tier == policy.TierPremium {
		return policy.PlanPremium
	}
	if l.plans == nil {
		return policy.PlanStandard
	}
	plan, err := l.plans.PlanFor(ctx, c)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", c.Subject().String()).Msg("plan lookup failed, assuming standard")
		return policy.PlanStandard
	}
	if plan == "" {
		return policy.PlanStandard
	}
	return plan
}

// CanUse reports whether the caller may run tool now.
func (l *Ledger) CanUse(ctx context.Context, doc policy.Document, c Caller, rawTool string) (Status, error) {
	tool := toolkey.Normalize(rawTool)
	plan := l.plan(ctx, doc, c, tool)
	limit := doc.MonthlyLimit(plan)

	count, err := l.store.Count(ctx, l.key(c, tool))
	if err != nil {
		return Status{}, fmt.Errorf("load usage: %w", err)
	}

	st := Status{Plan: plan, Count: count}
	if limit == nil {
		st.Allowed = true
		return st, nil
	}
	remaining := max(0, *limit-count)
	st.Limit = intPtr(*limit)
	st.Remaining = &remaining
	st.Allowed = count < *limit
	return st, nil
}

// Status is the read-only variant of CanUse.
func (l *Ledger) Status(ctx context.Context, doc policy.Document, c Caller, rawTool string) (Status, error) {
	return l.CanUse(ctx, doc, c, rawTool)
}

// Increment records one successful run for the current month. Unlimited plans
// are counted as well.
func (l *Ledger) Increment(ctx context.Context, c Caller, rawTool string) (int, error) {
	n, err := l.store.Increment(ctx, l.key(c, toolkey.Normalize(rawTool)))
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return n, nil
}

func intPtr(v int) *int { return &v }
