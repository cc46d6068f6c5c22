package usage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusSuccess         Status = "success"
	StatusInvalidResponse Status = "invalid_response"
	// StatusBlocked is a content-policy refusal the vendor still billed.
	StatusBlocked Status = "blocked"
)

// Call is a billed provider call that did not decide the outcome of its
// invocation.
type Call struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Status       Status `json:"status"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
}

// Event is the single usage record of one invocation. ModelUsed is the model
// whose answer decided the outcome; earlier billed calls ride along in
// PriorCalls and are included in EstimatedCost. Events are append-only.
type Event struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	UserID        string          `json:"user_id"`
	Service       string          `json:"service"`
	FeatureType   string          `json:"feature_type"`
	ActionType    string          `json:"action_type"`
	ModelUsed     string          `json:"model_used"`
	Provider      string          `json:"provider"`
	Status        Status          `json:"status"`
	InputTokens   int             `json:"input_tokens"`
	OutputTokens  int             `json:"output_tokens"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	LatencyMs     int64           `json:"latency_ms"`
	CreatedAt     time.Time       `json:"created_at"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	PriorCalls    []Call          `json:"prior_calls,omitempty"`
}

type Store interface {
	Append(ctx context.Context, e *Event) error
	// CountInvocations counts distinct invocations for the feature in [from, to).
	CountInvocations(ctx context.Context, userID, service, featureType string, from, to time.Time) (int, error)
	ListByUser(ctx context.Context, userID, service string, from, to time.Time) ([]*Event, error)
	TotalCost(ctx context.Context, userID, service string, from, to time.Time) (decimal.Decimal, error)
}

// Sink is a best-effort analytics mirror of stored events.
type Sink interface {
	Publish(ctx context.Context, e *Event) error
	Close() error
}

type noopSink struct{}

func NoopSink() Sink { return noopSink{} }

func (noopSink) Publish(ctx context.Context, e *Event) error { return nil }
func (noopSink) Close() error                                { return nil }
