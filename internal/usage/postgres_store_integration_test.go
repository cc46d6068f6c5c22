//go:build integration

package usage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a database migrated with migrations/001_init.sql.
func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool)
}

func TestPostgresStore_AppendCountList(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	userID := "it-" + uuid.NewString()
	requestID := uuid.NewString()
	now := time.Now().UTC()

	primary := &Event{
		ID: uuid.NewString(), RequestID: requestID, UserID: userID, Service: "quiz",
		FeatureType: "quiz", ModelUsed: "gpt-4o", Provider: "openai", Status: StatusInvalidResponse,
		InputTokens: 10, OutputTokens: 5, EstimatedCost: decimal.RequireFromString("0.0001"),
		CreatedAt: now, Metadata: map[string]any{"phase": "outline"},
	}
	backup := *primary
	backup.ID = uuid.NewString()
	backup.ModelUsed = "gemini-2.0-flash"
	backup.Status = StatusSuccess

	require.NoError(t, store.Append(ctx, primary))
	require.NoError(t, store.Append(ctx, &backup))
	// A retried append is a no-op.
	require.NoError(t, store.Append(ctx, primary))

	from, to := now.Add(-time.Minute), now.Add(time.Minute)
	n, err := store.CountInvocations(ctx, userID, "quiz", "quiz", from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := store.ListByUser(ctx, userID, "quiz", from, to)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	total, err := store.TotalCost(ctx, userID, "quiz", from, to)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.0002").Equal(total), total.String())
}
