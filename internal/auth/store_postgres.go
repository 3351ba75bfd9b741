package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/teller-assist/internal/promotion"
)

const ClientsSchema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
    client_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    secret_hash TEXT NOT NULL,
    scopes TEXT[] NOT NULL DEFAULT '{}',
    role TEXT NOT NULL CHECK (role IN ('maker', 'checker')),
    disabled BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresClientStore struct {
	Pool *pgxpool.Pool
}

func (s *PostgresClientStore) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, ClientsSchema)
	return err
}

// GetClient returns an enabled client. Disabled clients are reported as
// not found.
func (s *PostgresClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	if s.Pool == nil {
		return nil, errors.New("missing pool")
	}

	var (
		c    Client
		role string
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT client_id, display_name, secret_hash, scopes, role
		FROM oauth_clients
		WHERE client_id = $1 AND NOT disabled`, clientID).Scan(&c.ID, &c.Name, &c.SecretHash, &c.Scopes, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	c.Role = promotion.Role(role)
	return &c, nil
}

// PutClient registers or replaces a client.
func (s *PostgresClientStore) PutClient(ctx context.Context, c *Client) error {
	if !c.Role.Valid() {
		return fmt.Errorf("client %s: invalid role %q", c.ID, c.Role)
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, display_name, secret_hash, scopes, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			secret_hash = EXCLUDED.secret_hash,
			scopes = EXCLUDED.scopes,
			role = EXCLUDED.role,
			disabled = FALSE`,
		c.ID, c.Name, c.SecretHash, c.Scopes, string(c.Role))
	return err
}
