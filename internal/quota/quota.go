package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/ai-usage-gateway/internal/usage"
)

// Unlimited is the limit value that never rejects; 0 disables a feature.
const Unlimited = -1

var (
	// ErrLedgerUnavailable is returned whenever any backing store fails.
	// Callers must treat it as a rejection.
	ErrLedgerUnavailable   = errors.New("quota ledger unavailable")
	ErrEntitlementNotFound = errors.New("entitlement not found")
)

type Entitlement struct {
	Service      string `json:"service" yaml:"service"`
	PlanTier     string `json:"plan_tier" yaml:"plan_tier"`
	FeatureType  string `json:"feature_type" yaml:"feature_type"`
	DailyLimit   int    `json:"daily_limit" yaml:"daily_limit"`
	MonthlyLimit int    `json:"monthly_limit" yaml:"monthly_limit"`
}

type EntitlementStore interface {
	Get(ctx context.Context, service, planTier, featureType string) (*Entitlement, error)
	Upsert(ctx context.Context, e *Entitlement) error
}

type TierResolver interface {
	Resolve(ctx context.Context, userID, service string) (string, error)
}

// Status is a point-in-time snapshot; it is not a reservation.
type Status struct {
	IsWithinLimit    bool   `json:"is_within_limit"`
	PlanTier         string `json:"plan_tier"`
	FeatureUsage     int    `json:"feature_usage"`
	FeatureLimit     int    `json:"feature_limit"`
	FeatureRemaining int    `json:"feature_remaining"`
	DailyUsage       int    `json:"daily_usage"`
	DailyLimit       int    `json:"daily_limit"`
	MonthlyUsage     int    `json:"monthly_usage"`
	MonthlyLimit     int    `json:"monthly_limit"`
}

type Ledger struct {
	tiers        TierResolver
	entitlements EntitlementStore
	usage        usage.Store
	loc          *time.Location
	now          func() time.Time
}

type Option func(*Ledger)

func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(tiers TierResolver, entitlements EntitlementStore, store usage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		tiers:        tiers,
		entitlements: entitlements,
		usage:        store,
		loc:          time.UTC,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func unavailable(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, step, err)
}

func (l *Ledger) CheckLimit(ctx context.Context, userID, service, featureType string) (*Status, error) {
	tier, err := l.tiers.Resolve(ctx, userID, service)
	if err != nil {
		return nil, unavailable("resolve plan tier", err)
	}

	ent, err := l.entitlements.Get(ctx, service, tier, featureType)
	switch {
	case errors.Is(err, ErrEntitlementNotFound):
		// A feature nobody granted to this tier is off.
		ent = &Entitlement{Service: service, PlanTier: tier, FeatureType: featureType}
	case err != nil:
		return nil, unavailable("load entitlement", err)
	}

	now := l.now().In(l.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, l.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, l.loc)

	st := &Status{
		PlanTier:     tier,
		DailyLimit:   ent.DailyLimit,
		MonthlyLimit: ent.MonthlyLimit,
	}

	if ent.DailyLimit > 0 {
		st.DailyUsage, err = l.usage.CountInvocations(ctx, userID, service, featureType, dayStart, now)
		if err != nil {
			return nil, unavailable("count daily usage", err)
		}
	}
	if ent.MonthlyLimit > 0 {
		st.MonthlyUsage, err = l.usage.CountInvocations(ctx, userID, service, featureType, monthStart, now)
		if err != nil {
			return nil, unavailable("count monthly usage", err)
		}
	}

	evaluate(st)
	return st, nil
}

func evaluate(st *Status) {
	dailyLeft := remaining(st.DailyLimit, st.DailyUsage)
	monthlyLeft := remaining(st.MonthlyLimit, st.MonthlyUsage)

	// The binding window is whichever limited window has less room left;
	// monthly wins ties.
	switch {
	case st.MonthlyLimit != Unlimited && (st.DailyLimit == Unlimited || monthlyLeft <= dailyLeft):
		st.FeatureUsage, st.FeatureLimit, st.FeatureRemaining = st.MonthlyUsage, st.MonthlyLimit, monthlyLeft
	case st.DailyLimit != Unlimited:
		st.FeatureUsage, st.FeatureLimit, st.FeatureRemaining = st.DailyUsage, st.DailyLimit, dailyLeft
	default:
		st.FeatureUsage, st.FeatureLimit, st.FeatureRemaining = st.DailyUsage, Unlimited, Unlimited
	}

	st.IsWithinLimit = (st.DailyLimit == Unlimited || st.DailyUsage < st.DailyLimit) &&
		(st.MonthlyLimit == Unlimited || st.MonthlyUsage < st.MonthlyLimit)
}

func remaining(limit, used int) int {
	if limit == Unlimited {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// Usage returns the caller's events in [from, to) and their summed cost.
func (l *Ledger) Usage(ctx context.Context, userID, service string, from, to time.Time) ([]*usage.Event, decimal.Decimal, error) {
	events, err := l.usage.ListByUser(ctx, userID, service, from, to)
	if err != nil {
		return nil, decimal.Zero, err
	}
	total, err := l.usage.TotalCost(ctx, userID, service, from, to)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return events, total, nil
}
