package token

import (
	"context"
	"sync"
)

// Store persists encrypted token blobs keyed by provider id, giving
// credentials restart durability. The Manager encrypts before writing
// and decrypts after reading; stores only ever see ciphertext.
type Store interface {
	// Load returns the sealed blob for the provider, or nil when
	// none is stored.
	Load(ctx context.Context, providerID string) ([]byte, error)
	Save(ctx context.Context, providerID string, sealed []byte) error
	Delete(ctx context.Context, providerID string) error
}

// InMemoryStore is a thread-safe in-memory Store for tests and dev.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewInMemoryStore creates an empty in-memory token store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string][]byte)}
}

func (s *InMemoryStore) Load(_ context.Context, providerID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobs[providerID], nil
}

func (s *InMemoryStore) Save(_ context.Context, providerID string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[providerID] = sealed
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, providerID)
	return nil
}
