package auth

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

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*ServiceKey, error) {
	query := `
		SELECT id, service, name, key_hash, active, created_at
		FROM service_keys
		WHERE key_hash = $1 AND active = true
	`

	var k ServiceKey
	err := s.db.QueryRow(ctx, query, HashKey(key)).Scan(
		&k.ID, &k.Service, &k.Name, &k.KeyHash, &k.Active, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get service key: %w", err)
	}
	return &k, nil
}

// Create inserts a key. An existing hash is left untouched so seeding is
// repeatable.
func (s *PostgresStore) Create(ctx context.Context, key *ServiceKey) error {
	if key.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if key.Service == "" {
		return fmt.Errorf("service is required")
	}

	query := `
		INSERT INTO service_keys (service, name, key_hash, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_hash) DO UPDATE SET key_hash = EXCLUDED.key_hash
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query, key.Service, key.Name, key.KeyHash, key.Active).
		Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create service key: %w", err)
	}
	return nil
}
