package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type ClickHouseOptions struct {
	Addr     string
	Database string
	User     string
	Password string
}

type ClickHouseSink struct {
	conn driver.Conn
}

func NewClickHouseSink(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Publish(ctx context.Context, e *Event) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO ai_usage_events (
			id, request_id, user_id, service, feature_type, action_type, model_used, provider,
			status, input_tokens, output_tokens, estimated_cost, latency_ms, created_at, metadata
		)
	`)
	if err != nil {
		return err
	}

	err = batch.Append(
		e.ID, e.RequestID, e.UserID, e.Service, e.FeatureType, e.ActionType, e.ModelUsed, e.Provider,
		string(e.Status), uint32(e.InputTokens), uint32(e.OutputTokens), e.EstimatedCost, e.LatencyMs, e.CreatedAt, string(metadata),
	)
	if err != nil {
		return err
	}

	return batch.Send()
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
