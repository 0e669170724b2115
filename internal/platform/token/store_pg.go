package token

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG creates a PostgreSQL-backed token Store.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) Load(ctx context.Context, providerID string) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT sealed_token FROM integration_token WHERE provider_id = $1`,
		providerID).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

func (s *storePG) Save(ctx context.Context, providerID string, sealed []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO integration_token (provider_id, sealed_token)
		VALUES ($1, $2)
		ON CONFLICT (provider_id) DO UPDATE SET sealed_token = $2, updated_at = NOW()`,
		providerID, sealed)
	return err
}

func (s *storePG) Delete(ctx context.Context, providerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM integration_token WHERE provider_id = $1`, providerID)
	return err
}
