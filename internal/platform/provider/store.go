package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Store is the persistence contract for provider configurations.
// The registry reads the full set at startup and writes through on
// administrative updates.
type Store interface {
	List(ctx context.Context) ([]*Config, error)
	Upsert(ctx context.Context, cfg *Config) error
	Delete(ctx context.Context, id string) error
}

// InMemoryStore is a thread-safe in-memory Store, used in tests and in
// dev mode when no database is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*Config
	order   []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{configs: make(map[string]*Config)}
}

func (s *InMemoryStore) List(_ context.Context) ([]*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Config, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.configs[id])
	}
	return out, nil
}

func (s *InMemoryStore) Upsert(_ context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[cfg.ID]; !exists {
		s.order = append(s.order, cfg.ID)
	}
	s.configs[cfg.ID] = cfg
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[id]; !exists {
		return fmt.Errorf("provider %q not found", id)
	}
	delete(s.configs, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// LoadSeedFile reads provider configurations from a JSON file, used to
// seed a fresh deployment. The file holds an array of Config objects.
func LoadSeedFile(path string) ([]*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var configs []*Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return configs, nil
}
