// Package postgres implements the cold store that archived sessions land in
// when a call ends cleanly.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callyx/pkg/session"
)

var _ session.Archiver = (*Archive)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS archived_sessions (
	session_id  TEXT PRIMARY KEY,
	memory      JSONB NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Archive stores final session state in PostgreSQL. Writes are idempotent
// upserts: archiving the same session twice keeps the later state.
//
// All operations are safe for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database at dsn and ensures the
// archive table exists.
func New(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: migrate: %w", err)
	}

	return &Archive{pool: pool}, nil
}

// StoreFinal implements session.Archiver.
func (a *Archive) StoreFinal(ctx context.Context, mem *session.CoreMemory) error {
	raw, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("postgres archive: encode session %s: %w", mem.SessionID, err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO archived_sessions (session_id, memory, archived_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE
		SET memory = EXCLUDED.memory, archived_at = EXCLUDED.archived_at
	`, mem.SessionID, raw)
	if err != nil {
		return fmt.Errorf("postgres archive: upsert session %s: %w", mem.SessionID, err)
	}
	return nil
}

// Ping verifies connectivity. Wired into the readiness endpoint.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (a *Archive) Close() {
	a.pool.Close()
}
