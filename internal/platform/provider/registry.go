package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehr/integration-hub/pkg/integration"
)

// Registry owns the configuration for every integration partner. It is
// loaded once at startup from the Store and read-shared by all
// components; administrative updates write through to the Store and
// replace the in-memory entry.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Config
	order   []string
	store   Store
}

// NewRegistry creates a Registry backed by the given store, loading
// all persisted provider configurations.
func NewRegistry(ctx context.Context, store Store) (*Registry, error) {
	r := &Registry{
		configs: make(map[string]*Config),
		store:   store,
	}
	configs, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load provider configs: %w", err)
	}
	for _, cfg := range configs {
		r.configs[cfg.ID] = cfg.withDefaults()
		r.order = append(r.order, cfg.ID)
	}
	return r, nil
}

// Get returns the configuration for an enabled partner, or a
// ConfigurationError when the partner is unknown or disabled.
func (r *Registry) Get(id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, &integration.ConfigurationError{Provider: id, Reason: "not configured"}
	}
	if !cfg.Enabled {
		return nil, &integration.ConfigurationError{Provider: id, Reason: "disabled"}
	}
	return cfg, nil
}

// Lookup returns the configuration regardless of the enabled flag,
// for administrative and status use.
func (r *Registry) Lookup(id string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// All returns every registered configuration in registration order.
func (r *Registry) All() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.configs[id])
	}
	return out
}

// Upsert validates cfg, persists it, and replaces the in-memory entry.
func (r *Registry) Upsert(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := r.store.Upsert(ctx, cfg); err != nil {
		return fmt.Errorf("persist provider config: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[cfg.ID]; !exists {
		r.order = append(r.order, cfg.ID)
	}
	r.configs[cfg.ID] = cfg.withDefaults()
	return nil
}

// SetEnabled toggles the partner's enabled flag and persists it.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	cfg, ok := r.configs[id]
	if !ok {
		r.mu.Unlock()
		return &integration.ConfigurationError{Provider: id, Reason: "not configured"}
	}
	updated := *cfg
	updated.Enabled = enabled
	r.configs[id] = &updated
	r.mu.Unlock()

	if err := r.store.Upsert(ctx, &updated); err != nil {
		return fmt.Errorf("persist provider config: %w", err)
	}
	return nil
}
