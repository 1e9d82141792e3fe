package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the signal_files table.
const Schema = `
CREATE TABLE IF NOT EXISTS signal_files (
    name       TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the subset of *pgxpool.Pool used by PGMedium.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGMedium stores signal files as rows in PostgreSQL.
type PGMedium struct {
	db   DB
	pool *pgxpool.Pool
}

var _ Medium = (*PGMedium)(nil)

// NewPGMedium uses db as is. Call Migrate before the first write.
func NewPGMedium(db DB) *PGMedium {
	return &PGMedium{db: db}
}

// OpenPostgres connects to dsn, checks the connection and applies Schema.
func OpenPostgres(ctx context.Context, dsn string) (*PGMedium, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	m := &PGMedium{db: pool, pool: pool}
	if err := m.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return m, nil
}

// Migrate creates the signal_files table if it does not exist.
func (m *PGMedium) Migrate(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the pool opened by OpenPostgres.
func (m *PGMedium) Close() {
	if m.pool != nil {
		m.pool.Close()
	}
}

func (m *PGMedium) Write(ctx context.Context, name string, data []byte) error {
	const query = `INSERT INTO signal_files (name, data) VALUES ($1, $2)`
	if _, err := m.db.Exec(ctx, query, name, data); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrExist, name)
		}
		return err
	}
	return nil
}

func (m *PGMedium) Read(ctx context.Context, name string) ([]byte, error) {
	const query = `SELECT data FROM signal_files WHERE name = $1`
	var data []byte
	if err := m.db.QueryRow(ctx, query, name).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return data, nil
}

func (m *PGMedium) Remove(ctx context.Context, name string) error {
	const query = `DELETE FROM signal_files WHERE name = $1`
	tag, err := m.db.Exec(ctx, query, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (m *PGMedium) List(ctx context.Context) ([]FileInfo, error) {
	const query = `SELECT name, octet_length(data) FROM signal_files ORDER BY name`
	rows, err := m.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []FileInfo
	for rows.Next() {
		var fi FileInfo
		if err := rows.Scan(&fi.Name, &fi.Size); err != nil {
			return nil, err
		}
		files = append(files, fi)
	}
	return files, rows.Err()
}

// isDuplicateKeyError reports a unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
