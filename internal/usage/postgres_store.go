package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append is idempotent on the event id, so a retried insert cannot double-count.
func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO usage_events (
			id, request_id, user_id, service, feature_type, action_type, model_used, provider,
			status, input_tokens, output_tokens, estimated_cost, latency_ms, created_at, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		e.ID, e.RequestID, e.UserID, e.Service, e.FeatureType, e.ActionType, e.ModelUsed, e.Provider,
		string(e.Status), e.InputTokens, e.OutputTokens, e.EstimatedCost, e.LatencyMs, e.CreatedAt, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountInvocations(ctx context.Context, userID, service, featureType string, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(DISTINCT request_id)
		FROM usage_events
		WHERE user_id = $1 AND service = $2 AND feature_type = $3
		  AND created_at >= $4 AND created_at < $5
	`
	var count int
	if err := s.db.QueryRow(ctx, query, userID, service, featureType, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count usage events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID, service string, from, to time.Time) ([]*Event, error) {
	query := `
		SELECT id, request_id, user_id, service, feature_type, action_type, model_used, provider,
		       status, input_tokens, output_tokens, estimated_cost, latency_ms, created_at, metadata
		FROM usage_events
		WHERE user_id = $1 AND service = $2 AND created_at >= $3 AND created_at < $4
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, service, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e      Event
			status string
		)
		err := rows.Scan(
			&e.ID, &e.RequestID, &e.UserID, &e.Service, &e.FeatureType, &e.ActionType, &e.ModelUsed, &e.Provider,
			&status, &e.InputTokens, &e.OutputTokens, &e.EstimatedCost, &e.LatencyMs, &e.CreatedAt, &e.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		e.Status = Status(status)
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage events: %w", err)
	}

	return events, nil
}

func (s *PostgresStore) TotalCost(ctx context.Context, userID, service string, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(estimated_cost), 0)
		FROM usage_events
		WHERE user_id = $1 AND service = $2 AND created_at >= $3 AND created_at < $4
	`
	var total decimal.Decimal
	if err := s.db.QueryRow(ctx, query, userID, service, from, to).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}
