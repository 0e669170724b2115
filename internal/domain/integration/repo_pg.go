package integration

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type receiptRepoPG struct{ pool *pgxpool.Pool }

// NewReceiptStorePG creates a PostgreSQL-backed ReceiptStore.
func NewReceiptStorePG(pool *pgxpool.Pool) ReceiptStore {
	return &receiptRepoPG{pool: pool}
}

const receiptCols = `id, provider_id, event_type, payload, signature, processed, received_at, error`

func (r *receiptRepoPG) Create(ctx context.Context, w *WebhookReceipt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_receipt (id, provider_id, event_type, payload, signature, processed, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		w.ID, w.Provider, w.EventType, []byte(w.Payload), w.Signature, w.Processed, w.ReceivedAt)
	return err
}

func (r *receiptRepoPG) MarkProcessed(ctx context.Context, id, _ string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_receipt SET processed = TRUE, error = '' WHERE id = $1`, id)
	return err
}

func (r *receiptRepoPG) RecordError(ctx context.Context, id, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_receipt SET error = $2 WHERE id = $1`, id, errMsg)
	return err
}

func (r *receiptRepoPG) Get(ctx context.Context, id string) (*WebhookReceipt, error) {
	var w WebhookReceipt
	var payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT `+receiptCols+` FROM webhook_receipt WHERE id = $1`, id).
		Scan(&w.ID, &w.Provider, &w.EventType, &payload, &w.Signature, &w.Processed, &w.ReceivedAt, &w.Error)
	if err != nil {
		return nil, err
	}
	w.Payload = payload
	return &w, nil
}

func (r *receiptRepoPG) ListUnprocessed(ctx context.Context, providerID string, limit int) ([]*WebhookReceipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+receiptCols+` FROM webhook_receipt
		WHERE processed = FALSE AND ($1 = '' OR provider_id = $1)
		ORDER BY received_at
		LIMIT $2`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookReceipt
	for rows.Next() {
		var w WebhookReceipt
		var payload []byte
		if err := rows.Scan(&w.ID, &w.Provider, &w.EventType, &payload, &w.Signature, &w.Processed, &w.ReceivedAt, &w.Error); err != nil {
			return nil, err
		}
		w.Payload = payload
		out = append(out, &w)
	}
	return out, rows.Err()
}
