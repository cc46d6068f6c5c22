package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresGrantSource struct {
	db DB
}

func NewPostgresGrantSource(db DB) *PostgresGrantSource {
	return &PostgresGrantSource{db: db}
}

func (s *PostgresGrantSource) ActiveGrant(ctx context.Context, userID, service string, now time.Time) (*Grant, error) {
	// The grant that runs longest wins when several overlap.
	query := `
		SELECT user_id, service, plan_type, start_at, expires_at
		FROM monitor_grants
		WHERE user_id = $1 AND service = $2 AND start_at <= $3 AND expires_at > $3
		ORDER BY expires_at DESC
		LIMIT 1
	`
	var g Grant
	err := s.db.QueryRow(ctx, query, userID, service, now).Scan(
		&g.UserID, &g.Service, &g.PlanType, &g.StartAt, &g.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get monitor grant: %w", err)
	}
	return &g, nil
}

type PostgresSubscriptionSource struct {
	db DB
}

func NewPostgresSubscriptionSource(db DB) *PostgresSubscriptionSource {
	return &PostgresSubscriptionSource{db: db}
}

func (s *PostgresSubscriptionSource) ActiveTier(ctx context.Context, userID, service string, now time.Time) (string, error) {
	query := `
		SELECT plan_tier
		FROM subscriptions
		WHERE user_id = $1 AND service = $2
		  AND status IN ('active', 'trialing')
		  AND (current_period_end IS NULL OR current_period_end > $3)
		ORDER BY current_period_end DESC NULLS FIRST
		LIMIT 1
	`
	return scanTier(s.db.QueryRow(ctx, query, userID, service, now))
}

// PostgresLegacySource reads plans written before the subscriptions table existed.
type PostgresLegacySource struct {
	db DB
}

func NewPostgresLegacySource(db DB) *PostgresLegacySource {
	return &PostgresLegacySource{db: db}
}

func (s *PostgresLegacySource) ActiveTier(ctx context.Context, userID, service string, now time.Time) (string, error) {
	query := `
		SELECT plan
		FROM legacy_user_plans
		WHERE user_id = $1 AND service = $2 AND (expires_at IS NULL OR expires_at > $3)
		LIMIT 1
	`
	return scanTier(s.db.QueryRow(ctx, query, userID, service, now))
}

func scanTier(row pgx.Row) (string, error) {
	var tier string
	if err := row.Scan(&tier); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get plan tier: %w", err)
	}
	return tier, nil
}
