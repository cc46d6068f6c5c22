package plan

import (
	"context"
	"fmt"
	"time"
)

const TierFree = "free"

// Grant is a time-boxed tier override that does not depend on billing.
type Grant struct {
	UserID    string
	Service   string
	PlanType  string
	StartAt   time.Time
	ExpiresAt time.Time
}

// ActiveAt reports whether StartAt <= t < ExpiresAt.
func (g Grant) ActiveAt(t time.Time) bool {
	return !t.Before(g.StartAt) && t.Before(g.ExpiresAt)
}

type GrantSource interface {
	// ActiveGrant returns nil when the user has no grant active at now.
	ActiveGrant(ctx context.Context, userID, service string, now time.Time) (*Grant, error)
}

type SubscriptionSource interface {
	// ActiveTier returns "" when the user has no active subscription at now.
	ActiveTier(ctx context.Context, userID, service string, now time.Time) (string, error)
}

// Resolver picks a user's plan tier. Precedence: active grant, then the
// current subscription, then the legacy subscription, then free.
type Resolver struct {
	grants  GrantSource
	current SubscriptionSource
	legacy  SubscriptionSource
	now     func() time.Time
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver accepts a nil legacy source for deployments without one.
func NewResolver(grants GrantSource, current, legacy SubscriptionSource, opts ...Option) *Resolver {
	r := &Resolver{
		grants:  grants,
		current: current,
		legacy:  legacy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve never guesses: a failing source is an error, not a fallthrough to
// a lower-precedence tier.
func (r *Resolver) Resolve(ctx context.Context, userID, service string) (string, error) {
	now := r.now()

	g, err := r.grants.ActiveGrant(ctx, userID, service, now)
	if err != nil {
		return "", fmt.Errorf("failed to read monitor grants: %w", err)
	}
	if g != nil && g.ActiveAt(now) && g.PlanType != "" {
		return g.PlanType, nil
	}

	tier, err := r.current.ActiveTier(ctx, userID, service, now)
	if err != nil {
		return "", fmt.Errorf("failed to read subscriptions: %w", err)
	}
	if tier != "" {
		return tier, nil
	}

	if r.legacy != nil {
		tier, err = r.legacy.ActiveTier(ctx, userID, service, now)
		if err != nil {
			return "", fmt.Errorf("failed to read legacy subscriptions: %w", err)
		}
		if tier != "" {
			return tier, nil
		}
	}

	return TierFree, nil
}
