package provider

import (
	"fmt"
	"sync"
)

// Registry holds the adapters that have credentials configured.
type Registry struct {
	mu        sync.RWMutex
	providers map[Tag]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Tag]Provider)}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %s already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get returns a configuration error for tags with no registered adapter.
func (r *Registry) Get(tag Tag) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[tag]
	if !ok {
		return nil, NewError(tag, KindConfiguration, ErrUnknownProvider)
	}
	return p, nil
}

func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]Tag, 0, len(r.providers))
	for t := range r.providers {
		tags = append(tags, t)
	}
	return tags
}
