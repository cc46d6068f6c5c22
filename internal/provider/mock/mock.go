package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
)

// Provider is a scripted adapter for tests and local development.
type Provider struct {
	tag       provider.Tag
	latency   time.Duration
	staticErr error
	content   string
	usage     provider.Usage

	mu       sync.Mutex
	errSeq   []error
	requests []provider.Request

	callCount atomic.Int64
}

var _ provider.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

func New(opts ...Option) *Provider {
	p := &Provider{
		tag:     provider.TagMock,
		content: "Hello from mock provider",
		usage:   provider.Usage{InputTokens: 10, OutputTokens: 20},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithTag registers the mock under another adapter's tag.
func WithTag(tag provider.Tag) Option {
	return func(p *Provider) { p.tag = tag }
}

// WithLatency delays every call. A context that expires first wins and
// the call fails as a transient timeout.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes every call fail with err.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithErrorSequence fails the first len(errs) calls with errs in order; nil
// entries succeed.
func WithErrorSequence(errs ...error) Option {
	return func(p *Provider) { p.errSeq = errs }
}

func WithContent(content string) Option {
	return func(p *Provider) { p.content = content }
}

func WithUsage(u provider.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

func (p *Provider) Name() provider.Tag { return p.tag }

func (p *Provider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p.callCount.Add(1)

	p.mu.Lock()
	p.requests = append(p.requests, *req)
	var seqErr error
	scripted := len(p.errSeq) > 0
	if scripted {
		seqErr = p.errSeq[0]
		p.errSeq = p.errSeq[1:]
	}
	p.mu.Unlock()

	start := time.Now()
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return nil, provider.FromTransport(p.tag, ctx.Err())
		}
	}

	if p.staticErr != nil {
		return nil, provider.FromTransport(p.tag, p.staticErr)
	}
	if scripted && seqErr != nil {
		return nil, provider.FromTransport(p.tag, seqErr)
	}

	return &provider.Response{
		ID:        "mock-response-id",
		Content:   p.content,
		Model:     req.Model,
		Provider:  p.tag,
		Usage:     p.usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Requests returns copies of every request received so far.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Request, len(p.requests))
	copy(out, p.requests)
	return out
}
