package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"thermolink/internal/vendorauth"
)

const defaultTokenTable = "vendor_tokens"

// TokenStore is a Postgres implementation of vendorauth.TokenStore. One row
// per credential key; refreshes overwrite it atomically.
type TokenStore struct {
	db            *sql.DB
	table         string
	credentialKey string
}

// TokenStoreOption configures the store.
type TokenStoreOption func(*TokenStore)

// WithTokenTable overrides the table name.
func WithTokenTable(table string) TokenStoreOption {
	return func(store *TokenStore) {
		if table != "" {
			store.table = table
		}
	}
}

// NewTokenStore constructs a token store for one credential set.
func NewTokenStore(db *sql.DB, credentialKey string, opts ...TokenStoreOption) *TokenStore {
	store := &TokenStore{db: db, table: defaultTokenTable, credentialKey: credentialKey}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Load returns the persisted token, or nil when none exists.
func (s *TokenStore) Load(ctx context.Context) (*vendorauth.Token, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("token store: nil db")
	}
	query := fmt.Sprintf(`
SELECT access_token, refresh_token, expires_at, scope
FROM %s
WHERE credential_key = $1`, s.table)

	var tok vendorauth.Token
	err := s.db.QueryRowContext(ctx, query, s.credentialKey).Scan(
		&tok.AccessToken,
		&tok.RefreshToken,
		&tok.ExpiresAt,
		&tok.Scope,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Save upserts the live token for the credential key.
func (s *TokenStore) Save(ctx context.Context, token vendorauth.Token) error {
	if s == nil || s.db == nil {
		return errors.New("token store: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (credential_key, access_token, refresh_token, expires_at, scope, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (credential_key)
DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	expires_at = EXCLUDED.expires_at,
	scope = EXCLUDED.scope,
	updated_at = NOW()`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		s.credentialKey,
		token.AccessToken,
		token.RefreshToken,
		token.ExpiresAt,
		token.Scope,
	)
	return err
}
