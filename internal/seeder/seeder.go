package seeder

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/ai-usage-gateway/internal/auth"
	"github.com/vnmchuo/ai-usage-gateway/internal/quota"
	"github.com/vnmchuo/ai-usage-gateway/internal/routing"
	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

// File is the development seed layout.
type File struct {
	Routing      []routing.Rule      `yaml:"routing"`
	Entitlements []quota.Entitlement `yaml:"entitlements"`
	ServiceKeys  []KeySeed           `yaml:"service_keys"`
}

type KeySeed struct {
	Service string `yaml:"service"`
	Name    string `yaml:"name"`
	Key     string `yaml:"key"`
}

type RuleWriter interface {
	Upsert(ctx context.Context, rule *routing.Rule) error
}

type Seeder struct {
	rules        RuleWriter
	entitlements quota.EntitlementStore
	keys         auth.Store
	log          *logger.Logger
}

func New(rules RuleWriter, entitlements quota.EntitlementStore, keys auth.Store, log *logger.Logger) *Seeder {
	return &Seeder{
		rules:        rules,
		entitlements: entitlements,
		keys:         keys,
		log:          log.With("component", "seeder"),
	}
}

func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}
	return &f, nil
}

func (s *Seeder) SeedFile(ctx context.Context, path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return err
	}
	return s.Seed(ctx, f)
}

// Seed writes every entry. Rules and entitlements are upserts; keys that
// already exist are left alone. The first failure stops the run.
func (s *Seeder) Seed(ctx context.Context, f *File) error {
	for i := range f.Routing {
		rule := &f.Routing[i]
		if err := s.rules.Upsert(ctx, rule); err != nil {
			return fmt.Errorf("routing rule %s/%s/%s: %w", rule.Service, rule.PlanTier, rule.Phase, err)
		}
	}
	for i := range f.Entitlements {
		ent := &f.Entitlements[i]
		if err := s.entitlements.Upsert(ctx, ent); err != nil {
			return fmt.Errorf("entitlement %s/%s/%s: %w", ent.Service, ent.PlanTier, ent.FeatureType, err)
		}
	}
	for _, k := range f.ServiceKeys {
		key := &auth.ServiceKey{
			Service: k.Service,
			Name:    k.Name,
			KeyHash: auth.HashKey(k.Key),
			Active:  true,
		}
		if err := s.keys.Create(ctx, key); err != nil {
			return fmt.Errorf("service key %s: %w", k.Name, err)
		}
		s.log.Infow("service key seeded", "service", k.Service, "name", k.Name)
	}

	s.log.Infow("seed complete",
		"routing_rules", len(f.Routing),
		"entitlements", len(f.Entitlements),
		"service_keys", len(f.ServiceKeys))
	return nil
}
