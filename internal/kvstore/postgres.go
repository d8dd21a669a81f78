package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS kv_records (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_counters (
    key TEXT PRIMARY KEY,
    value BIGINT NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT value, expires_at FROM kv_records WHERE key = $1
`, key)

	var value string
	var expiresAt time.Time
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}

	if time.Now().After(expiresAt) {
		go p.deleteKey(context.Background(), key)
		return "", false, nil
	}
	return value, true, nil
}

func (p *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO kv_records (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value,
    expires_at = EXCLUDED.expires_at
`, key, value, time.Now().Add(ttl))
	return err
}

func (p *PostgresStore) Increment(ctx context.Context, key string) (int64, error) {
	row := p.pool.QueryRow(ctx, `
INSERT INTO kv_counters (key, value)
VALUES ($1, 1)
ON CONFLICT (key) DO UPDATE
SET value = kv_counters.value + 1
RETURNING value
`, key)

	var value int64
	if err := row.Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, key, expect, value string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE kv_records
SET value = $3, expires_at = $4
WHERE key = $1 AND value = $2 AND expires_at > now()
`, key, expect, value, time.Now().Add(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM kv_records WHERE key = $1`, key)
}
