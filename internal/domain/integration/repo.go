package integration

import (
	"context"
	"fmt"
	"sync"
)

// ReceiptStore persists webhook receipts. The pipeline writes each
// receipt unprocessed before dispatch; external retry tooling reads
// back the unprocessed set.
type ReceiptStore interface {
	Create(ctx context.Context, r *WebhookReceipt) error
	MarkProcessed(ctx context.Context, id, note string) error
	RecordError(ctx context.Context, id, errMsg string) error
	Get(ctx context.Context, id string) (*WebhookReceipt, error)
	ListUnprocessed(ctx context.Context, providerID string, limit int) ([]*WebhookReceipt, error)
}

// InMemoryReceiptStore is a thread-safe in-memory ReceiptStore for
// tests and dev.
type InMemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]*WebhookReceipt
	order    []string
}

// NewInMemoryReceiptStore creates an empty in-memory receipt store.
func NewInMemoryReceiptStore() *InMemoryReceiptStore {
	return &InMemoryReceiptStore{receipts: make(map[string]*WebhookReceipt)}
}

func (s *InMemoryReceiptStore) Create(_ context.Context, r *WebhookReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.receipts[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

func (s *InMemoryReceiptStore) MarkProcessed(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return fmt.Errorf("receipt %s not found", id)
	}
	r.Processed = true
	r.Error = ""
	return nil
}

func (s *InMemoryReceiptStore) RecordError(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return fmt.Errorf("receipt %s not found", id)
	}
	r.Error = errMsg
	return nil
}

func (s *InMemoryReceiptStore) Get(_ context.Context, id string) (*WebhookReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (s *InMemoryReceiptStore) ListUnprocessed(_ context.Context, providerID string, limit int) ([]*WebhookReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WebhookReceipt
	for _, id := range s.order {
		r := s.receipts[id]
		if r.Processed {
			continue
		}
		if providerID != "" && r.Provider != providerID {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
