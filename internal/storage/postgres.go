package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists section content in PostgreSQL. The manuscript CRUD
// layer owns the surrounding schema; this store only touches the sections
// table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the given database URL and ensures the
// sections table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS sections (
			document_id TEXT NOT NULL,
			name        TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (document_id, name)
		)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure sections table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Section returns the stored content of one section.
func (s *PostgresStore) Section(ctx context.Context, documentID, section string) (string, error) {
	const query = `SELECT content FROM sections WHERE document_id = $1 AND name = $2`

	var content string
	err := s.pool.QueryRow(ctx, query, documentID, section).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query section: %w", err)
	}
	return content, nil
}

// SaveSection creates or replaces the content of one section.
func (s *PostgresStore) SaveSection(ctx context.Context, documentID, section, content string) error {
	const query = `
		INSERT INTO sections (document_id, name, content, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (document_id, name)
		DO UPDATE SET content = EXCLUDED.content, updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, documentID, section, content); err != nil {
		return fmt.Errorf("save section: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
