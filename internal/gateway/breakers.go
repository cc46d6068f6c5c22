package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrRateLimited = errors.New("provider request budget exhausted")
)

// RequestLimiter is a shared per-provider request budget.
type RequestLimiter interface {
	Allow(ctx context.Context, providerName string) (bool, error)
}

// breakers guards each provider with its own circuit breaker. Breakers are
// created on first use so that adapters registered later are covered.
type breakers struct {
	mu      sync.Mutex
	byTag   map[provider.Tag]*gobreaker.CircuitBreaker
	limiter RequestLimiter
	log     *logger.Logger
}

func newBreakers(limiter RequestLimiter, log *logger.Logger) *breakers {
	return &breakers{
		byTag:   make(map[provider.Tag]*gobreaker.CircuitBreaker),
		limiter: limiter,
		log:     log,
	}
}

func (b *breakers) get(tag provider.Tag) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byTag[tag]; ok {
		return cb
	}
	settings := gobreaker.Settings{
		Name:        string(tag),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A content-policy refusal says nothing about the vendor's health.
		IsSuccessful: func(err error) bool {
			return err == nil || provider.KindOf(err) == provider.KindSafety
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warnw("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	b.byTag[tag] = cb
	return cb
}

func (b *breakers) state(tag provider.Tag) gobreaker.State {
	return b.get(tag).State()
}

// execute runs one provider call. Open circuits and exhausted budgets come
// back as transient provider errors.
func (b *breakers) execute(ctx context.Context, p provider.Provider, req *provider.Request) (*provider.Response, error) {
	if b.limiter != nil {
		allowed, err := b.limiter.Allow(ctx, string(p.Name()))
		switch {
		case err != nil:
			b.log.Warnw("provider budget check failed, allowing call", "provider", p.Name(), "error", err)
		case !allowed:
			return nil, provider.NewError(p.Name(), provider.KindTransient, ErrRateLimited)
		}
	}

	result, err := b.get(p.Name()).Execute(func() (interface{}, error) {
		return p.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, provider.NewError(p.Name(), provider.KindTransient, ErrCircuitOpen)
		}
		return nil, provider.FromTransport(p.Name(), err)
	}
	return result.(*provider.Response), nil
}
