package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockGrants struct {
	activeGrantFunc func(ctx context.Context, userID, service string, now time.Time) (*Grant, error)
}

func (m *mockGrants) ActiveGrant(ctx context.Context, userID, service string, now time.Time) (*Grant, error) {
	if m.activeGrantFunc != nil {
		return m.activeGrantFunc(ctx, userID, service, now)
	}
	return nil, nil
}

type mockSubscriptions struct {
	tier  string
	err   error
	calls int
}

func (m *mockSubscriptions) ActiveTier(ctx context.Context, userID, service string, now time.Time) (string, error) {
	m.calls++
	return m.tier, m.err
}

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func grantFor(tier string, start, end time.Time) *mockGrants {
	return &mockGrants{activeGrantFunc: func(ctx context.Context, userID, service string, now time.Time) (*Grant, error) {
		return &Grant{UserID: userID, Service: service, PlanType: tier, StartAt: start, ExpiresAt: end}, nil
	}}
}

func TestResolve_GrantBeatsSubscription(t *testing.T) {
	current := &mockSubscriptions{tier: "free"}
	r := NewResolver(grantFor("pro", fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour)), current, nil, WithClock(func() time.Time { return fixedNow }))

	tier, err := r.Resolve(context.Background(), "u1", "quiz")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier)
	assert.Zero(t, current.calls, "subscriptions are not consulted once a grant applies")
}

func TestResolve_ExpiredGrantIsIgnored(t *testing.T) {
	// expiresAt is exclusive.
	r := NewResolver(grantFor("pro", fixedNow.Add(-time.Hour), fixedNow), &mockSubscriptions{tier: "basic"}, nil, WithClock(func() time.Time { return fixedNow }))

	tier, err := r.Resolve(context.Background(), "u1", "quiz")
	require.NoError(t, err)
	assert.Equal(t, "basic", tier)
}

func TestResolve_Precedence(t *testing.T) {
	tests := []struct {
		name    string
		current string
		legacy  string
		want    string
	}{
		{"current subscription", "pro", "basic", "pro"},
		{"legacy subscription", "", "basic", "basic"},
		{"nothing active", "", "", TierFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(&mockGrants{}, &mockSubscriptions{tier: tt.current}, &mockSubscriptions{tier: tt.legacy})
			tier, err := r.Resolve(context.Background(), "u1", "lp")
			require.NoError(t, err)
			assert.Equal(t, tt.want, tier)
		})
	}
}

func TestResolve_SourceErrorsFailClosed(t *testing.T) {
	boom := errors.New("db down")

	r := NewResolver(&mockGrants{activeGrantFunc: func(ctx context.Context, userID, service string, now time.Time) (*Grant, error) {
		return nil, boom
	}}, &mockSubscriptions{tier: "pro"}, nil)
	_, err := r.Resolve(context.Background(), "u1", "quiz")
	assert.ErrorIs(t, err, boom)

	r = NewResolver(&mockGrants{}, &mockSubscriptions{}, &mockSubscriptions{err: boom})
	_, err = r.Resolve(context.Background(), "u1", "quiz")
	assert.ErrorIs(t, err, boom)
}

func TestGrant_ActiveAt(t *testing.T) {
	g := Grant{StartAt: fixedNow, ExpiresAt: fixedNow.Add(time.Hour)}
	assert.True(t, g.ActiveAt(fixedNow))
	assert.True(t, g.ActiveAt(fixedNow.Add(59*time.Minute)))
	assert.False(t, g.ActiveAt(fixedNow.Add(time.Hour)))
	assert.False(t, g.ActiveAt(fixedNow.Add(-time.Second)))
}
