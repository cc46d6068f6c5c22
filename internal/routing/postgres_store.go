package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, service, planTier, phase string) (*Rule, error) {
	query := `
		SELECT service, plan_tier, phase, primary_provider, primary_model,
		       COALESCE(backup_provider, ''), COALESCE(backup_model, '')
		FROM routing_rules
		WHERE service = $1 AND plan_tier = $2 AND phase = $3
	`
	var (
		r                 Rule
		primary, fallback string
	)
	err := s.db.QueryRow(ctx, query, service, planTier, phase).Scan(
		&r.Service, &r.PlanTier, &r.Phase, &primary, &r.PrimaryModel, &fallback, &r.BackupModel,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get routing rule: %w", err)
	}
	r.PrimaryProvider = provider.Tag(primary)
	r.BackupProvider = provider.Tag(fallback)
	return &r, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, r *Rule) error {
	query := `
		INSERT INTO routing_rules (service, plan_tier, phase, primary_provider, primary_model, backup_provider, backup_model)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (service, plan_tier, phase)
		DO UPDATE SET primary_provider = EXCLUDED.primary_provider,
		              primary_model = EXCLUDED.primary_model,
		              backup_provider = EXCLUDED.backup_provider,
		              backup_model = EXCLUDED.backup_model,
		              updated_at = now()
	`
	_, err := s.db.Exec(ctx, query,
		r.Service, r.PlanTier, r.Phase,
		string(r.PrimaryProvider), r.PrimaryModel, string(r.BackupProvider), r.BackupModel,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert routing rule: %w", err)
	}
	return nil
}
