// internal/storage/postgres/client.go
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"github.com/lib/pq"
)

// jobs.seq records insertion order; created_at only has microsecond precision
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	seq        BIGSERIAL NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_queued_seq_idx ON jobs (seq) WHERE status = 'queued';
CREATE UNIQUE INDEX IF NOT EXISTS jobs_seq_idx ON jobs (seq);

CREATE TABLE IF NOT EXISTS workers (
	worker_id    TEXT PRIMARY KEY,
	last_seen_at TIMESTAMPTZ NOT NULL,
	data         JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_credentials (
	worker_id  TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);`

type Client struct {
	db *sql.DB
}

func NewClient(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Unavailable(err, "failed to connect to postgres")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Unavailable(err, "failed to ping postgres")
	}

	c := &Client{db: db}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// newClientFromDB wraps an existing handle without running migrations
func newClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

func (c *Client) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return storeErr(err, "failed to apply schema")
	}
	return nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// storeErr marks a driver failure as store-unavailable, carrying the
// Postgres error code as detail when there is one.
func storeErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		err = errors.WithDetailf(err, "postgres %s (%s)", pqErr.Code, pqErr.Code.Name())
	}
	return errors.Unavailable(err, msg)
}

// inTx runs fn in a transaction, committing only when fn returns nil
func (c *Client) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "failed to commit transaction")
	}
	return nil
}

// Open builds the job, worker and credential collections on one database.
// Each collection has its own table and transactions never span two of them.
func Open(cfg config.PostgresConfig) (*storage.Backend, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return storage.NewBackend(
		NewJobStore(c),
		NewWorkerStore(c),
		NewCredentialStore(c),
		c.Close,
	), nil
}
