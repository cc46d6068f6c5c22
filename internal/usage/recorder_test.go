package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/ai-usage-gateway/internal/worker"
	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int
	attempts int
	events   []*Event
}

func (f *fakeStore) Append(ctx context.Context, e *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) CountInvocations(ctx context.Context, userID, service, featureType string, from, to time.Time) (int, error) {
	return 0, nil
}

func (f *fakeStore) ListByUser(ctx context.Context, userID, service string, from, to time.Time) ([]*Event, error) {
	return nil, nil
}

func (f *fakeStore) TotalCost(ctx context.Context, userID, service string, from, to time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeStore) snapshot() (int, []*Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, append([]*Event(nil), f.events...)
}

type fakeSink struct {
	mu        sync.Mutex
	err       error
	published []*Event
	closed    bool
}

func (f *fakeSink) Publish(ctx context.Context, e *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, e)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:     8,
		Workers:       2,
		AppendTimeout: time.Second,
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
	}
}

func TestRecorder_AppendsAndMirrors(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{}
	r := NewRecorder(store, sink, DefaultPriceTable(), testConfig(), logger.Nop())
	r.Start(context.Background())

	r.Record(&Event{RequestID: "req-1", UserID: "u1", ModelUsed: "gpt-4o-mini", InputTokens: 1_000_000, OutputTokens: 0})
	require.NoError(t, r.Close(context.Background()))

	_, events := store.snapshot()
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].CreatedAt.IsZero())
	assert.True(t, decimal.RequireFromString("0.15").Equal(events[0].EstimatedCost))

	assert.Len(t, sink.published, 1)
	assert.True(t, sink.closed)
}

func TestRecorder_RetriesTransientAppendFailures(t *testing.T) {
	store := &fakeStore{failures: 2}
	r := NewRecorder(store, nil, nil, testConfig(), logger.Nop())
	r.Start(context.Background())

	r.Record(&Event{RequestID: "req-1"})
	require.NoError(t, r.Close(context.Background()))

	attempts, events := store.snapshot()
	assert.Equal(t, 3, attempts)
	assert.Len(t, events, 1)
}

func TestRecorder_GivesUpAndReports(t *testing.T) {
	store := &fakeStore{failures: 10}
	sink := &fakeSink{}
	r := NewRecorder(store, sink, nil, testConfig(), logger.Nop())
	r.Start(context.Background())

	r.Record(&Event{ID: "evt-1"})
	require.NoError(t, r.Close(context.Background()))

	attempts, _ := store.snapshot()
	assert.Equal(t, 3, attempts)
	assert.Empty(t, sink.published, "failed events are never mirrored")

	select {
	case err := <-r.Errors():
		var recErr *RecordError
		require.ErrorAs(t, err, &recErr)
		assert.Equal(t, StageAppend, recErr.Stage)
		assert.Equal(t, "evt-1", recErr.EventID)
	default:
		t.Fatal("expected an append error")
	}
}

func TestRecorder_SinkFailureIsReportedNotRetried(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{err: errors.New("broker down")}
	r := NewRecorder(store, sink, nil, testConfig(), logger.Nop())
	r.Start(context.Background())

	r.Record(&Event{ID: "evt-2"})
	require.NoError(t, r.Close(context.Background()))

	attempts, events := store.snapshot()
	assert.Equal(t, 1, attempts)
	assert.Len(t, events, 1)

	err := <-r.Errors()
	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, StageSink, recErr.Stage)
}

func TestRecorder_FullQueueIsReported(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	r := NewRecorder(&fakeStore{}, nil, nil, cfg, logger.Nop())

	// Not started, so the second event finds the queue full.
	r.Record(&Event{ID: "a"})
	r.Record(&Event{ID: "b"})

	err := <-r.Errors()
	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, StageEnqueue, recErr.Stage)
	assert.ErrorIs(t, err, worker.ErrQueueFull)
}

func TestRecorder_PricesPriorCalls(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, nil, DefaultPriceTable(), testConfig(), logger.Nop())
	r.Start(context.Background())

	r.Record(&Event{
		RequestID: "req-1", ModelUsed: "gemini-2.0-flash", Status: StatusSuccess, InputTokens: 1_000_000,
		PriorCalls: []Call{{Provider: "openai", Model: "gpt-4o-mini", Status: StatusBlocked, InputTokens: 1_000_000}},
	})
	require.NoError(t, r.Close(context.Background()))

	_, events := store.snapshot()
	require.Len(t, events, 1)
	// 0.10 for the deciding call plus 0.15 for the refused one.
	assert.True(t, decimal.RequireFromString("0.25").Equal(events[0].EstimatedCost), events[0].EstimatedCost.String())
	assert.Equal(t, events[0].PriorCalls, events[0].Metadata["prior_calls"])
}

func TestRecorder_RecordAfterCloseIsReported(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, nil, nil, testConfig(), logger.Nop())
	r.Start(context.Background())
	require.NoError(t, r.Close(context.Background()))

	r.Record(&Event{ID: "late"})

	err := <-r.Errors()
	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, StageEnqueue, recErr.Stage)
	assert.Equal(t, "late", recErr.EventID)
	assert.ErrorIs(t, err, worker.ErrQueueClosed)

	_, events := store.snapshot()
	assert.Empty(t, events)
}
