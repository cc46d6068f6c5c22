package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresEntitlementStore struct {
	db DB
}

func NewPostgresEntitlementStore(db DB) *PostgresEntitlementStore {
	return &PostgresEntitlementStore{db: db}
}

func (s *PostgresEntitlementStore) Get(ctx context.Context, service, planTier, featureType string) (*Entitlement, error) {
	query := `
		SELECT service, plan_tier, feature_type, daily_limit, monthly_limit
		FROM plan_entitlements
		WHERE service = $1 AND plan_tier = $2 AND feature_type = $3
	`
	var e Entitlement
	err := s.db.QueryRow(ctx, query, service, planTier, featureType).Scan(
		&e.Service, &e.PlanTier, &e.FeatureType, &e.DailyLimit, &e.MonthlyLimit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return &e, nil
}

func (s *PostgresEntitlementStore) Upsert(ctx context.Context, e *Entitlement) error {
	if e.DailyLimit < Unlimited || e.MonthlyLimit < Unlimited {
		return fmt.Errorf("limits must be -1, 0 or positive")
	}
	query := `
		INSERT INTO plan_entitlements (service, plan_tier, feature_type, daily_limit, monthly_limit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service, plan_tier, feature_type)
		DO UPDATE SET daily_limit = EXCLUDED.daily_limit, monthly_limit = EXCLUDED.monthly_limit, updated_at = now()
	`
	_, err := s.db.Exec(ctx, query, e.Service, e.PlanTier, e.FeatureType, e.DailyLimit, e.MonthlyLimit)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}
