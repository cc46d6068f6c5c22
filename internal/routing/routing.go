package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

// DefaultTier marks a rule as the service-wide default for its phase.
const DefaultTier = "*"

var ErrRuleNotFound = errors.New("routing rule not found")

type Source string

const (
	SourceExact          Source = "exact"
	SourceServiceDefault Source = "service_default"
	SourceFallback       Source = "fallback"
)

type Route struct {
	Provider       provider.Tag `json:"provider"`
	Model          string       `json:"model"`
	BackupProvider provider.Tag `json:"backup_provider,omitempty"`
	BackupModel    string       `json:"backup_model,omitempty"`
	Source         Source       `json:"-"`
}

func (r Route) HasBackup() bool {
	return r.BackupProvider != "" && r.BackupModel != ""
}

// Fallback is used when neither an exact rule nor a service default exists.
var Fallback = Route{
	Provider:       provider.TagOpenAI,
	Model:          "gpt-4o-mini",
	BackupProvider: provider.TagGemini,
	BackupModel:    "gemini-2.0-flash",
}

type Rule struct {
	Service         string       `yaml:"service"`
	PlanTier        string       `yaml:"plan_tier"`
	Phase           string       `yaml:"phase"`
	PrimaryProvider provider.Tag `yaml:"primary_provider"`
	PrimaryModel    string       `yaml:"primary_model"`
	BackupProvider  provider.Tag `yaml:"backup_provider"`
	BackupModel     string       `yaml:"backup_model"`
}

func (r *Rule) Route() Route {
	return Route{
		Provider:       r.PrimaryProvider,
		Model:          r.PrimaryModel,
		BackupProvider: r.BackupProvider,
		BackupModel:    r.BackupModel,
	}
}

func (r *Rule) Validate() error {
	if r.Service == "" || r.PlanTier == "" || r.Phase == "" {
		return fmt.Errorf("service, plan_tier and phase are required")
	}
	if !r.PrimaryProvider.Valid() || r.PrimaryModel == "" {
		return fmt.Errorf("invalid primary route %q/%q", r.PrimaryProvider, r.PrimaryModel)
	}
	hasProvider, hasModel := r.BackupProvider != "", r.BackupModel != ""
	if hasProvider != hasModel {
		return fmt.Errorf("backup provider and model must be set together")
	}
	if hasProvider && !r.BackupProvider.Valid() {
		return fmt.Errorf("invalid backup provider %q", r.BackupProvider)
	}
	return nil
}

type Store interface {
	// Get returns ErrRuleNotFound when no rule matches exactly.
	Get(ctx context.Context, service, planTier, phase string) (*Rule, error)
	Upsert(ctx context.Context, rule *Rule) error
}

type Cache interface {
	Get(ctx context.Context, key string) (*Route, error)
	Set(ctx context.Context, key string, route Route, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func cacheKey(service, planTier, phase string) string {
	return fmt.Sprintf("routing:%s:%s:%s", service, planTier, phase)
}

// Policy resolves routes through an in-process cache, then the shared cache,
// then the store.
type Policy struct {
	store     Store
	remote    Cache
	local     *localCache
	remoteTTL time.Duration
	log       *logger.Logger
}

type Option func(*Policy)

func WithLocalTTL(ttl time.Duration) Option {
	return func(p *Policy) { p.local = newLocalCache(ttl) }
}

func WithRemoteTTL(ttl time.Duration) Option {
	return func(p *Policy) { p.remoteTTL = ttl }
}

// NewPolicy accepts a nil remote cache.
func NewPolicy(store Store, remote Cache, log *logger.Logger, opts ...Option) *Policy {
	p := &Policy{
		store:     store,
		remote:    remote,
		local:     newLocalCache(30 * time.Second),
		remoteTTL: 5 * time.Minute,
		log:       log.With("component", "routing"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve always returns a usable route.
func (p *Policy) Resolve(ctx context.Context, service, planTier, phase string) Route {
	if r, ok := p.lookup(ctx, service, planTier, phase); ok {
		r.Source = SourceExact
		return r
	}
	if planTier != DefaultTier {
		if r, ok := p.lookup(ctx, service, DefaultTier, phase); ok {
			r.Source = SourceServiceDefault
			return r
		}
	}

	p.log.Infow("no routing rule, using fallback route",
		"service", service, "plan_tier", planTier, "phase", phase)
	r := Fallback
	r.Source = SourceFallback
	return r
}

func (p *Policy) lookup(ctx context.Context, service, planTier, phase string) (Route, bool) {
	key := cacheKey(service, planTier, phase)

	if r, found, ok := p.local.get(key); ok {
		return r, found
	}

	if p.remote != nil {
		r, err := p.remote.Get(ctx, key)
		if err != nil {
			p.log.Warnw("routing cache read failed", "key", key, "error", err)
		} else if r != nil {
			p.local.set(key, *r, true)
			return *r, true
		}
	}

	rule, err := p.store.Get(ctx, service, planTier, phase)
	if errors.Is(err, ErrRuleNotFound) {
		p.local.set(key, Route{}, false)
		return Route{}, false
	}
	if err != nil {
		// Not cached, so the next request retries the store.
		p.log.Errorw("routing store read failed, degrading", "key", key, "error", err)
		return Route{}, false
	}

	r := rule.Route()
	p.local.set(key, r, true)
	if p.remote != nil {
		if err := p.remote.Set(ctx, key, r, p.remoteTTL); err != nil {
			p.log.Warnw("routing cache write failed", "key", key, "error", err)
		}
	}
	return r, true
}

// Upsert writes the rule and invalidates both cache levels for its key.
func (p *Policy) Upsert(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := p.store.Upsert(ctx, rule); err != nil {
		return err
	}

	key := cacheKey(rule.Service, rule.PlanTier, rule.Phase)
	p.local.delete(key)
	if p.remote != nil {
		if err := p.remote.Delete(ctx, key); err != nil {
			return fmt.Errorf("rule saved but cache invalidation failed: %w", err)
		}
	}
	return nil
}
