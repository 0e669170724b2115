package integration

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/integration-hub/internal/platform/provider"
	ierr "github.com/ehr/integration-hub/pkg/integration"
)

// WebhookHandlerFunc processes one verified inbound event. A non-nil
// error leaves the receipt unprocessed for external retry, so handlers
// must be idempotent: redelivery of the same partner event is possible
// and no dedupe-by-id happens here.
type WebhookHandlerFunc func(ctx context.Context, receipt *WebhookReceipt) error

// Pipeline verifies and dispatches inbound partner callbacks.
// Handlers run synchronously within the receiving call; slow handlers
// should hand off to their own queue.
type Pipeline struct {
	registry *provider.Registry
	receipts ReceiptStore
	handlers map[string]WebhookHandlerFunc
	logger   zerolog.Logger
}

// NewPipeline creates a Pipeline with no registered handlers; unknown
// event types are logged and dropped without failing the call.
func NewPipeline(registry *provider.Registry, receipts ReceiptStore, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		receipts: receipts,
		handlers: make(map[string]WebhookHandlerFunc),
		logger:   logger,
	}
}

// Handle registers a handler for an event type. Registration happens
// at startup, before any receive traffic.
func (p *Pipeline) Handle(eventType string, fn WebhookHandlerFunc) {
	p.handlers[eventType] = fn
}

// webhookEnvelope is the partner callback body: an event tag plus an
// opaque data payload.
type webhookEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Receive verifies, persists, and dispatches one inbound callback.
//
// When the partner has a configured shared secret, the signature is
// checked over the raw payload bytes with a constant-time compare
// before anything else happens; on mismatch nothing is persisted or
// processed. The receipt is stored unprocessed before dispatch so a
// crash mid-handler never loses the event (at-least-once semantics).
func (p *Pipeline) Receive(ctx context.Context, providerID string, payload []byte, signature string) (*WebhookReceipt, error) {
	cfg, err := p.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	if cfg.WebhookSecret != "" {
		if !VerifySignature(payload, cfg.WebhookSecret, signature) {
			p.logger.Warn().Str("provider", cfg.ID).Msg("webhook signature mismatch")
			return nil, &ierr.InvalidSignature{Provider: cfg.ID}
		}
	}

	var envelope webhookEnvelope
	eventType := "unknown"
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Event != "" {
		eventType = envelope.Event
	}

	receipt := &WebhookReceipt{
		ID:         uuid.New().String(),
		Provider:   cfg.ID,
		EventType:  eventType,
		Payload:    json.RawMessage(payload),
		Signature:  signature,
		ReceivedAt: time.Now(),
	}
	if err := p.receipts.Create(ctx, receipt); err != nil {
		return nil, err
	}

	handler, ok := p.handlers[eventType]
	if !ok {
		p.logger.Info().
			Str("provider", cfg.ID).
			Str("event", eventType).
			Str("receipt_id", receipt.ID).
			Msg("no handler for webhook event, dropping")
		// Dropping is terminal for this event; mark it handled so it
		// is not offered for external retry.
		receipt.Processed = true
		if err := p.receipts.MarkProcessed(ctx, receipt.ID, ""); err != nil {
			return receipt, err
		}
		return receipt, nil
	}

	if err := handler(ctx, receipt); err != nil {
		p.logger.Error().
			Str("provider", cfg.ID).
			Str("event", eventType).
			Str("receipt_id", receipt.ID).
			Err(err).
			Msg("webhook handler failed, receipt retained unprocessed")
		receipt.Error = err.Error()
		_ = p.receipts.RecordError(ctx, receipt.ID, err.Error())
		return receipt, nil
	}

	receipt.Processed = true
	if err := p.receipts.MarkProcessed(ctx, receipt.ID, ""); err != nil {
		return receipt, err
	}
	p.logger.Info().
		Str("provider", cfg.ID).
		Str("event", eventType).
		Str("receipt_id", receipt.ID).
		Msg("webhook processed")
	return receipt, nil
}

// SignPayload computes the hex-encoded HMAC-SHA256 signature of
// payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of
// payload under secret, using a constant-time compare. A "sha256="
// prefix on the supplied signature is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
