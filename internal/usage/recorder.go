package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/ai-usage-gateway/internal/worker"
	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

type Stage string

const (
	StageEnqueue Stage = "enqueue"
	StageAppend  Stage = "append"
	StageSink    Stage = "sink"
)

// RecordError is published on Recorder.Errors whenever an event could not be
// stored or mirrored. It never reaches the request path.
type RecordError struct {
	Stage   Stage
	EventID string
	Err     error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("usage %s failed for event %s: %v", e.Stage, e.EventID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

type RecorderConfig struct {
	QueueSize     int
	Workers       int
	AppendTimeout time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// Recorder appends usage events in the background. Record never blocks.
type Recorder struct {
	store  Store
	sink   Sink
	prices PriceTable
	queue  *worker.Queue[*Event]
	log    *logger.Logger
	cfg    RecorderConfig
	now    func() time.Time
}

func NewRecorder(store Store, sink Sink, prices PriceTable, cfg RecorderConfig, log *logger.Logger) *Recorder {
	if sink == nil {
		sink = NoopSink()
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}

	r := &Recorder{
		store:  store,
		sink:   sink,
		prices: prices,
		log:    log.With("component", "usage_recorder"),
		cfg:    cfg,
		now:    time.Now,
	}
	r.queue = worker.NewQueue[*Event](cfg.QueueSize, cfg.Workers, cfg.QueueSize, r.handle)
	return r
}

func (r *Recorder) Start(ctx context.Context) {
	r.queue.Start(ctx)
}

// Record prices and enqueues the event. Failures, including a full queue, go
// to Errors.
func (r *Recorder) Record(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.EstimatedCost.IsZero() && r.prices != nil {
		e.EstimatedCost = r.price(e.ModelUsed, e.InputTokens, e.OutputTokens)
		for _, c := range e.PriorCalls {
			e.EstimatedCost = e.EstimatedCost.Add(r.price(c.Model, c.InputTokens, c.OutputTokens))
		}
	}
	// Stores persist prior calls through metadata.
	if len(e.PriorCalls) > 0 {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, 1)
		}
		e.Metadata["prior_calls"] = e.PriorCalls
	}

	if err := r.queue.Enqueue(e); err != nil {
		r.queue.Report(&RecordError{Stage: StageEnqueue, EventID: e.ID, Err: err})
	}
}

func (r *Recorder) price(model string, inputTokens, outputTokens int) decimal.Decimal {
	cost, ok := r.prices.Cost(model, inputTokens, outputTokens)
	if !ok {
		r.log.Debugw("no price for model, recording zero cost", "model", model)
	}
	return cost
}

func (r *Recorder) handle(ctx context.Context, e *Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		actx, cancel := context.WithTimeout(ctx, r.cfg.AppendTimeout)
		defer cancel()
		return struct{}{}, r.store.Append(actx, e)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.cfg.MaxAttempts)))
	if err != nil {
		return &RecordError{Stage: StageAppend, EventID: e.ID, Err: err}
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.AppendTimeout)
	defer cancel()
	if err := r.sink.Publish(sctx, e); err != nil {
		r.queue.Report(&RecordError{Stage: StageSink, EventID: e.ID, Err: err})
	}
	return nil
}

// Errors is the channel of *RecordError values. It is never closed.
func (r *Recorder) Errors() <-chan error {
	return r.queue.Errors()
}

func (r *Recorder) Pending() int {
	return r.queue.Len()
}

// DroppedErrors counts errors lost because Errors was not drained in time.
func (r *Recorder) DroppedErrors() int64 {
	return r.queue.DroppedErrors()
}

// Close drains the queue and then closes the analytics sink.
func (r *Recorder) Close(ctx context.Context) error {
	drainErr := r.queue.Close(ctx)
	return errors.Join(drainErr, r.sink.Close())
}
