package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/loafoe/go-xstorage"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// TokenStorage keeps one bearer token per device host in SQLite.
type TokenStorage struct {
	db  *sqlx.DB
	log logr.Logger
}

type tokenRow struct {
	Host            string `db:"host"`
	AccessToken     string `db:"access_token"`
	TokenExpiration string `db:"token_expiration"`
}

var _ xstorage.TokenStore = (*TokenStorage)(nil)

// NewTokenStorage opens (or creates) the database at dbName. Use ":memory:"
// for a throwaway store.
func NewTokenStorage(log logr.Logger, dbName string) (*TokenStorage, error) {
	db, err := sqlx.Connect("sqlite3", dbName)
	if err != nil {
		log.Error(err, "Failed to connect to database", "dbType", "sqlite3", "dbName", dbName)
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s := &TokenStorage{
		db:  db,
		log: log.WithName("TokenStorage"),
	}
	if err := s.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *TokenStorage) createTable() error {
	schema := `
    CREATE TABLE IF NOT EXISTS tokens (
        host TEXT PRIMARY KEY,
        access_token TEXT NOT NULL,
        token_expiration TEXT NOT NULL
    );`
	if _, err := s.db.Exec(schema); err != nil {
		s.log.Error(err, "Failed to create tokens table")
		return err
	}
	return nil
}

func (s *TokenStorage) Close() error {
	return s.db.Close()
}

// SaveToken overwrites the record for host.
func (s *TokenStorage) SaveToken(ctx context.Context, host string, record xstorage.TokenRecord) error {
	row := tokenRow{
		Host:            host,
		AccessToken:     record.AccessToken,
		TokenExpiration: record.TokenExpiration.UTC().Format(time.RFC3339),
	}
	query := `
    INSERT INTO tokens (host, access_token, token_expiration)
    VALUES (:host, :access_token, :token_expiration)
    ON CONFLICT(host) DO UPDATE SET
        access_token = excluded.access_token,
        token_expiration = excluded.token_expiration`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		s.log.Error(err, "Failed to save token", "host", host)
		return err
	}
	return nil
}

// LoadToken returns nil without error when no token is stored for host.
func (s *TokenStorage) LoadToken(ctx context.Context, host string) (*xstorage.TokenRecord, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `SELECT host, access_token, token_expiration FROM tokens WHERE host = $1`, host)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	expires, err := time.Parse(time.RFC3339, row.TokenExpiration)
	if err != nil {
		return nil, fmt.Errorf("stored token expiration %q: %w", row.TokenExpiration, err)
	}
	return &xstorage.TokenRecord{AccessToken: row.AccessToken, TokenExpiration: expires}, nil
}

// DeleteToken forgets the token for host.
func (s *TokenStorage) DeleteToken(ctx context.Context, host string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE host = $1`, host)
	return err
}
