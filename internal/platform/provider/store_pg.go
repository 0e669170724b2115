package provider

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG creates a PostgreSQL-backed provider Store.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

const providerCols = `id, name, auth_kind, client_id, client_secret,
	authorize_url, token_url, redirect_url, base_url, scopes,
	webhook_secret, timeout_ms, retry_attempts, retry_delay_ms,
	rate_limit, enabled, assertion_key_pem, created_at, updated_at`

func (s *storePG) List(ctx context.Context) ([]*Config, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+providerCols+` FROM integration_provider ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Config
	for rows.Next() {
		var c Config
		var timeoutMS, retryDelayMS int64
		if err := rows.Scan(&c.ID, &c.Name, &c.AuthKind, &c.ClientID, &c.ClientSecret,
			&c.AuthorizeURL, &c.TokenURL, &c.RedirectURL, &c.BaseURL, &c.Scopes,
			&c.WebhookSecret, &timeoutMS, &c.RetryAttempts, &retryDelayMS,
			&c.RateLimit, &c.Enabled, &c.AssertionKeyPEM, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Timeout = time.Duration(timeoutMS) * time.Millisecond
		c.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *storePG) Upsert(ctx context.Context, c *Config) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO integration_provider (id, name, auth_kind, client_id, client_secret,
			authorize_url, token_url, redirect_url, base_url, scopes,
			webhook_secret, timeout_ms, retry_attempts, retry_delay_ms,
			rate_limit, enabled, assertion_key_pem)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			name=$2, auth_kind=$3, client_id=$4, client_secret=$5,
			authorize_url=$6, token_url=$7, redirect_url=$8, base_url=$9, scopes=$10,
			webhook_secret=$11, timeout_ms=$12, retry_attempts=$13, retry_delay_ms=$14,
			rate_limit=$15, enabled=$16, assertion_key_pem=$17, updated_at=NOW()`,
		c.ID, c.Name, c.AuthKind, c.ClientID, c.ClientSecret,
		c.AuthorizeURL, c.TokenURL, c.RedirectURL, c.BaseURL, c.Scopes,
		c.WebhookSecret, c.Timeout.Milliseconds(), c.RetryAttempts, c.RetryDelay.Milliseconds(),
		c.RateLimit, c.Enabled, c.AssertionKeyPEM)
	return err
}

func (s *storePG) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM integration_provider WHERE id = $1`, id)
	return err
}
