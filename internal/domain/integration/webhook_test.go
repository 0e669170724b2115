package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/integration-hub/internal/platform/provider"
	ierr "github.com/ehr/integration-hub/pkg/integration"
)

const testWebhookSecret = "whsec-test"

func newTestPipeline(t *testing.T) (*Pipeline, *InMemoryReceiptStore) {
	t.Helper()
	pstore := provider.NewInMemoryStore()
	err := pstore.Upsert(context.Background(), &provider.Config{
		ID:            "epic",
		Name:          "Epic Sandbox",
		AuthKind:      provider.AuthNone,
		BaseURL:       "https://epic.example.com/fhir",
		WebhookSecret: testWebhookSecret,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("seed provider store: %v", err)
	}
	err = pstore.Upsert(context.Background(), &provider.Config{
		ID:       "open",
		Name:     "Open Partner",
		AuthKind: provider.AuthNone,
		BaseURL:  "https://open.example.com/fhir",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("seed provider store: %v", err)
	}

	registry, err := provider.NewRegistry(context.Background(), pstore)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	receipts := NewInMemoryReceiptStore()
	return NewPipeline(registry, receipts, zerolog.Nop()), receipts
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"patient.updated","data":{"id":"p1"}}`)
	sig := SignPayload(payload, testWebhookSecret)

	if !VerifySignature(payload, testWebhookSecret, sig) {
		t.Error("valid signature rejected")
	}
	if !VerifySignature(payload, testWebhookSecret, "sha256="+sig) {
		t.Error("prefixed signature rejected")
	}

	// A single flipped hex digit must fail.
	mutated := []byte(sig)
	if mutated[0] == 'a' {
		mutated[0] = 'b'
	} else {
		mutated[0] = 'a'
	}
	if VerifySignature(payload, testWebhookSecret, string(mutated)) {
		t.Error("mutated signature accepted")
	}

	// A single flipped payload byte must fail.
	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] ^= 0x01
	if VerifySignature(tampered, testWebhookSecret, sig) {
		t.Error("signature accepted for tampered payload")
	}

	if VerifySignature(payload, "other-secret", sig) {
		t.Error("signature accepted under wrong secret")
	}
}

func TestReceiveProcessesEvent(t *testing.T) {
	pipeline, receipts := newTestPipeline(t)

	var handled *WebhookReceipt
	pipeline.Handle("patient.updated", func(_ context.Context, r *WebhookReceipt) error {
		handled = r
		return nil
	})

	payload := []byte(`{"event":"patient.updated","data":{"id":"p1"}}`)
	receipt, err := pipeline.Receive(context.Background(), "epic", payload, SignPayload(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if handled == nil {
		t.Fatal("handler was not invoked")
	}
	if receipt.EventType != "patient.updated" {
		t.Errorf("EventType = %q", receipt.EventType)
	}
	if !receipt.Processed {
		t.Error("receipt must be marked processed after a successful handler")
	}

	stored, err := receipts.Get(context.Background(), receipt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.Processed {
		t.Error("stored receipt must be processed")
	}
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	pipeline, receipts := newTestPipeline(t)

	payload := []byte(`{"event":"patient.updated"}`)
	_, err := pipeline.Receive(context.Background(), "epic", payload, "deadbeef")
	var sigErr *ierr.InvalidSignature
	if !errors.As(err, &sigErr) {
		t.Fatalf("Receive = %v, want InvalidSignature", err)
	}

	// Nothing may be persisted for a rejected delivery.
	all, err := receipts.ListUnprocessed(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListUnprocessed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("stored %d receipts, want 0", len(all))
	}
}

func TestReceiveSkipsVerificationWithoutSecret(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	payload := []byte(`{"event":"patient.updated"}`)
	receipt, err := pipeline.Receive(context.Background(), "open", payload, "")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if receipt == nil {
		t.Fatal("expected a receipt")
	}
}

func TestReceiveUnknownEventDropped(t *testing.T) {
	pipeline, receipts := newTestPipeline(t)

	payload := []byte(`{"event":"totally.unknown","data":{}}`)
	receipt, err := pipeline.Receive(context.Background(), "epic", payload, SignPayload(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	// The drop is terminal: marked processed so it is never retried.
	if !receipt.Processed {
		t.Error("unhandled event must be marked processed")
	}

	unprocessed, err := receipts.ListUnprocessed(context.Background(), "epic", 0)
	if err != nil {
		t.Fatalf("ListUnprocessed: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Errorf("unprocessed = %d, want 0", len(unprocessed))
	}
}

func TestReceiveMissingEventTag(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	payload := []byte(`{"something":"else"}`)
	receipt, err := pipeline.Receive(context.Background(), "epic", payload, SignPayload(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if receipt.EventType != "unknown" {
		t.Errorf("EventType = %q, want unknown", receipt.EventType)
	}
}

func TestReceiveHandlerFailureRetainsReceipt(t *testing.T) {
	pipeline, receipts := newTestPipeline(t)

	pipeline.Handle("patient.updated", func(context.Context, *WebhookReceipt) error {
		return fmt.Errorf("downstream store unavailable")
	})

	payload := []byte(`{"event":"patient.updated","data":{"id":"p1"}}`)
	receipt, err := pipeline.Receive(context.Background(), "epic", payload, SignPayload(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("Receive must not fail the delivery: %v", err)
	}
	if receipt.Processed {
		t.Error("receipt must stay unprocessed after a handler failure")
	}
	if receipt.Error == "" {
		t.Error("receipt must carry the handler error")
	}

	unprocessed, err := receipts.ListUnprocessed(context.Background(), "epic", 0)
	if err != nil {
		t.Fatalf("ListUnprocessed: %v", err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("unprocessed = %d, want 1", len(unprocessed))
	}
	if unprocessed[0].Error != "downstream store unavailable" {
		t.Errorf("stored Error = %q", unprocessed[0].Error)
	}
}

func TestReceiveUnknownProvider(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	var cfgErr *ierr.ConfigurationError
	if _, err := pipeline.Receive(context.Background(), "nosuch", []byte(`{}`), ""); !errors.As(err, &cfgErr) {
		t.Fatalf("Receive = %v, want ConfigurationError", err)
	}
}

func TestReceiptStoreListLimit(t *testing.T) {
	store := NewInMemoryReceiptStore()
	for i := 0; i < 5; i++ {
		err := store.Create(context.Background(), &WebhookReceipt{
			ID:       fmt.Sprintf("r%d", i),
			Provider: "epic",
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := store.ListUnprocessed(context.Background(), "epic", 3)
	if err != nil {
		t.Fatalf("ListUnprocessed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d receipts, want 3", len(got))
	}
	// Oldest first.
	if got[0].ID != "r0" || got[2].ID != "r2" {
		t.Errorf("order = %q..%q, want r0..r2", got[0].ID, got[2].ID)
	}
}
