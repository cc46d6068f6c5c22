package usage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSink_KeysByUser(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}

	err := sink.Publish(context.Background(), &Event{
		ID:            "evt-1",
		UserID:        "user-42",
		ModelUsed:     "gemini-2.0-flash",
		EstimatedCost: decimal.RequireFromString("0.0012"),
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "user-42", string(w.msgs[0].Key))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "gemini-2.0-flash", decoded["model_used"])
	assert.Equal(t, "0.0012", decoded["estimated_cost"])
}
