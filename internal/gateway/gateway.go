package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/ai-usage-gateway/internal/metrics"
	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
	"github.com/vnmchuo/ai-usage-gateway/internal/quota"
	"github.com/vnmchuo/ai-usage-gateway/internal/routing"
	"github.com/vnmchuo/ai-usage-gateway/internal/usage"
	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

type State string

const (
	StateReceived         State = "RECEIVED"
	StateQuotaChecked     State = "QUOTA_CHECKED"
	StateRouted           State = "ROUTED"
	StatePrimaryAttempted State = "PRIMARY_ATTEMPTED"
	StatePrimaryFailed    State = "PRIMARY_FAILED"
	StateBackupAttempted  State = "BACKUP_ATTEMPTED"
	StateBackupFailed     State = "BACKUP_FAILED"
	StateSuccess          State = "SUCCESS"
	StateUsageRecorded    State = "USAGE_RECORDED"
	StateResponded        State = "RESPONDED"
)

type QuotaChecker interface {
	CheckLimit(ctx context.Context, userID, service, featureType string) (*quota.Status, error)
}

type RouteResolver interface {
	Resolve(ctx context.Context, service, planTier, phase string) routing.Route
}

type ProviderSource interface {
	Get(tag provider.Tag) (provider.Provider, error)
}

type UsageRecorder interface {
	Record(e *usage.Event)
}

type Payload struct {
	Messages         []provider.Message
	StructuredOutput bool
	Temperature      *float64
	MaxOutputTokens  *int
}

type Request struct {
	// RequestID is generated when empty.
	RequestID   string
	UserID      string
	Service     string
	FeatureType string
	ActionType  string
	Phase       string
	Payload     Payload
	Metadata    map[string]any
}

func (r *Request) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case r.Service == "":
		return fmt.Errorf("%w: service is required", ErrInvalidRequest)
	case r.FeatureType == "":
		return fmt.Errorf("%w: feature type is required", ErrInvalidRequest)
	case len(r.Payload.Messages) == 0:
		return fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	return nil
}

type Result struct {
	RequestID string
	Content   string
	// Parsed is set only for structured-output requests.
	Parsed   *Parsed
	Model    string
	Provider provider.Tag
	Usage    provider.Usage
	PlanTier string
	FellBack bool
	Attempts int
	State    State
}

type Gateway struct {
	quota     QuotaChecker
	routes    RouteResolver
	providers ProviderSource
	recorder  UsageRecorder
	breakers  *breakers
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	log       *logger.Logger
	timeout   time.Duration

	active atomic.Int64
}

type Option func(*Gateway)

func WithProviderTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithRequestLimiter enables the shared per-provider request budget.
func WithRequestLimiter(l RequestLimiter) Option {
	return func(g *Gateway) { g.breakers.limiter = l }
}

func New(q QuotaChecker, routes RouteResolver, providers ProviderSource, recorder UsageRecorder, tracer trace.Tracer, log *logger.Logger, opts ...Option) *Gateway {
	log = log.With("component", "gateway")
	g := &Gateway{
		quota:     q,
		routes:    routes,
		providers: providers,
		recorder:  recorder,
		breakers:  newBreakers(nil, log),
		tracer:    tracer,
		log:       log,
		timeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// billedCall is a provider call the vendor answered, whatever the answer.
type billedCall struct {
	provider    provider.Tag
	model       string
	vendorModel string
	status      usage.Status
	usage       provider.Usage
	latency     time.Duration
}

// invocation tracks one Invoke call through the state machine.
type invocation struct {
	req       *Request
	span      trace.Span
	state     State
	attempts  int
	planTier  string
	formatErr bool
	calls     []billedCall
}

func (inv *invocation) advance(s State) {
	inv.state = s
	inv.span.AddEvent(string(s))
}

func (inv *invocation) fail(err error) error {
	return &InvokeError{State: inv.state, Attempts: inv.attempts, Err: err}
}

// Invoke checks quota, routes, calls the primary and at most one backup, and
// enqueues exactly one usage event when any call was billed.
func (g *Gateway) Invoke(ctx context.Context, req *Request) (res *Result, err error) {
	g.active.Add(1)
	defer g.active.Add(-1)

	ctx, span := g.tracer.Start(ctx, "gateway.invoke")
	defer span.End()

	inv := &invocation{req: req, span: span, state: StateReceived}
	defer func() {
		code := Code(err)
		span.SetAttributes(
			attribute.String("gateway.state", string(inv.state)),
			attribute.String("gateway.outcome", code),
			attribute.Int("gateway.attempts", inv.attempts),
		)
		if err != nil {
			span.SetStatus(codes.Error, code)
		}
		g.metrics.Invocation(req.Service, code)
	}()

	if err := req.validate(); err != nil {
		return nil, inv.fail(err)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("service", req.Service),
		attribute.String("feature_type", req.FeatureType),
		attribute.String("phase", req.Phase),
	)

	status, err := g.quota.CheckLimit(ctx, req.UserID, req.Service, req.FeatureType)
	if err != nil {
		g.log.Errorw("quota check failed, rejecting", "request_id", req.RequestID, "error", err)
		return nil, inv.fail(fmt.Errorf("%w: %w", ErrAIUnavailable, err))
	}
	if !status.IsWithinLimit {
		g.metrics.QuotaRejected(req.Service, req.FeatureType)
		return nil, inv.fail(&LimitExceededError{Status: *status})
	}
	inv.planTier = status.PlanTier
	inv.advance(StateQuotaChecked)

	route := g.routes.Resolve(ctx, req.Service, status.PlanTier, req.Phase)
	span.SetAttributes(
		attribute.String("plan_tier", status.PlanTier),
		attribute.String("route.source", string(route.Source)),
	)
	inv.advance(StateRouted)

	inv.advance(StatePrimaryAttempted)
	res, primaryErr := g.attempt(ctx, inv, route.Provider, route.Model)
	if primaryErr == nil {
		return g.finish(inv, res), nil
	}
	inv.advance(StatePrimaryFailed)

	if errors.Is(primaryErr, ErrConfiguration) {
		return nil, g.abort(inv, primaryErr)
	}
	if !route.HasBackup() {
		return nil, g.abort(inv, g.terminal(inv, primaryErr))
	}

	g.log.Warnw("primary route failed, trying backup",
		"request_id", req.RequestID,
		"primary", route.Provider, "primary_model", route.Model,
		"backup", route.BackupProvider, "backup_model", route.BackupModel,
		"error", primaryErr)
	g.metrics.Fallback(string(route.Provider), string(route.BackupProvider))

	inv.advance(StateBackupAttempted)
	res, backupErr := g.attempt(ctx, inv, route.BackupProvider, route.BackupModel)
	if backupErr == nil {
		res.FellBack = true
		return g.finish(inv, res), nil
	}
	inv.advance(StateBackupFailed)

	if errors.Is(backupErr, ErrConfiguration) {
		return nil, g.abort(inv, backupErr)
	}
	return nil, g.abort(inv, g.terminal(inv, errors.Join(primaryErr, backupErr)))
}

// abort ends a failed invocation. Calls the vendor billed are still recorded.
func (g *Gateway) abort(inv *invocation, err error) error {
	g.record(inv)
	return inv.fail(err)
}

// Active is the number of invocations in progress.
func (g *Gateway) Active() int64 {
	return g.active.Load()
}

// Wait blocks until no invocation is in progress or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for g.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d invocation(s) still in flight: %w", g.active.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// terminal picks INVALID_RESPONSE when any attempt produced an answer that
// could not be parsed, AI_UNAVAILABLE otherwise.
func (g *Gateway) terminal(inv *invocation, err error) error {
	if inv.formatErr {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return fmt.Errorf("%w: %w", ErrAIUnavailable, err)
}

func (g *Gateway) finish(inv *invocation, res *Result) *Result {
	inv.advance(StateSuccess)
	g.record(inv)
	inv.advance(StateUsageRecorded)
	inv.advance(StateResponded)

	res.RequestID = inv.req.RequestID
	res.PlanTier = inv.planTier
	res.Attempts = inv.attempts
	res.State = inv.state
	return res
}

// attempt makes one provider call. The call runs detached from the caller's
// cancellation but bounded by the provider timeout, so a disconnecting
// client cannot cut off a billed call.
func (g *Gateway) attempt(ctx context.Context, inv *invocation, tag provider.Tag, model string) (*Result, error) {
	inv.attempts++

	p, err := g.providers.Get(tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()
	callCtx, span := g.tracer.Start(callCtx, "gateway.provider_call", trace.WithAttributes(
		attribute.String("provider", string(tag)),
		attribute.String("model", model),
		attribute.Int("attempt", inv.attempts),
		attribute.String("breaker.state", g.breakers.state(tag).String()),
	))
	defer span.End()

	payload := inv.req.Payload
	start := time.Now()
	resp, err := g.breakers.execute(callCtx, p, &provider.Request{
		Model:            model,
		Messages:         payload.Messages,
		StructuredOutput: payload.StructuredOutput,
		Temperature:      payload.Temperature,
		MaxOutputTokens:  payload.MaxOutputTokens,
	})
	elapsed := time.Since(start)

	if err != nil {
		kind := provider.KindOf(err)
		g.metrics.ProviderCall(string(tag), kind.String(), elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		if billed, ok := provider.UsageOf(err); ok {
			g.bill(inv, span, billedCall{
				provider: tag,
				model:    model,
				status:   failedStatus(kind),
				usage:    billed,
				latency:  elapsed,
			})
		}
		if kind == provider.KindConfiguration {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return nil, err
	}

	g.metrics.ProviderCall(string(tag), "success", elapsed)

	res := &Result{
		Content:  resp.Content,
		Model:    model,
		Provider: tag,
		Usage:    resp.Usage,
	}
	call := billedCall{
		provider:    tag,
		model:       model,
		vendorModel: resp.Model,
		status:      usage.StatusSuccess,
		usage:       resp.Usage,
		latency:     elapsed,
	}

	var formatErr error
	if payload.StructuredOutput {
		parsed, perr := ParseResult(resp.Content)
		if perr != nil {
			inv.formatErr = true
			call.status = usage.StatusInvalidResponse
			formatErr = &FormatError{Provider: tag, Model: model, Raw: resp.Content, Err: perr}
			span.RecordError(formatErr)
		} else {
			if parsed.Repaired {
				g.log.Debugw("repaired structured output", "request_id", inv.req.RequestID, "provider", tag, "model", model)
			}
			res.Parsed = &parsed
		}
	}

	g.bill(inv, span, call)
	if formatErr != nil {
		return nil, formatErr
	}
	return res, nil
}

func failedStatus(kind provider.Kind) usage.Status {
	if kind == provider.KindSafety {
		return usage.StatusBlocked
	}
	return usage.StatusInvalidResponse
}

func (g *Gateway) bill(inv *invocation, span trace.Span, c billedCall) {
	inv.calls = append(inv.calls, c)
	g.metrics.Tokens(string(c.provider), c.usage.InputTokens, c.usage.OutputTokens)
	span.SetAttributes(
		attribute.Int("usage.input_tokens", c.usage.InputTokens),
		attribute.Int("usage.output_tokens", c.usage.OutputTokens),
	)
}

// record enqueues the invocation's single usage event. The last billed call
// decides the outcome; earlier ones become prior calls on the same event.
func (g *Gateway) record(inv *invocation) {
	if len(inv.calls) == 0 {
		return
	}
	last := inv.calls[len(inv.calls)-1]

	metadata := make(map[string]any, len(inv.req.Metadata)+3)
	for k, v := range inv.req.Metadata {
		metadata[k] = v
	}
	metadata["phase"] = inv.req.Phase
	metadata["plan_tier"] = inv.planTier
	if last.vendorModel != "" && last.vendorModel != last.model {
		metadata["vendor_model"] = last.vendorModel
	}

	var prior []usage.Call
	for _, c := range inv.calls[:len(inv.calls)-1] {
		prior = append(prior, usage.Call{
			Provider:     string(c.provider),
			Model:        c.model,
			Status:       c.status,
			InputTokens:  c.usage.InputTokens,
			OutputTokens: c.usage.OutputTokens,
			LatencyMs:    c.latency.Milliseconds(),
		})
	}

	g.recorder.Record(&usage.Event{
		RequestID:    inv.req.RequestID,
		UserID:       inv.req.UserID,
		Service:      inv.req.Service,
		FeatureType:  inv.req.FeatureType,
		ActionType:   inv.req.ActionType,
		ModelUsed:    last.model,
		Provider:     string(last.provider),
		Status:       last.status,
		InputTokens:  last.usage.InputTokens,
		OutputTokens: last.usage.OutputTokens,
		LatencyMs:    last.latency.Milliseconds(),
		Metadata:     metadata,
		PriorCalls:   prior,
	})
}
