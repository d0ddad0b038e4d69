package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises index writers that share one database, such as
// two axial processes pointed at the same PostgreSQL instance.
const advisoryLockKey = int64(1_159_876_544)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS entries (
	idx           BIGINT PRIMARY KEY,
	hash          TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	payload       TEXT NOT NULL,
	timestamp     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS semantic_index (
	entry_id  BIGINT PRIMARY KEY REFERENCES entries(idx),
	embedding BYTEA NOT NULL
);`

// PostgresIndex stores the relational index in PostgreSQL. Snapshots are
// still written as SQLite files so that runpacks stay self-contained.
type PostgresIndex struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresIndex creates the schema if needed and returns an Index backed
// by pool. The caller owns the pool; Close does not close it.
func NewPostgresIndex(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresIndex{pool: pool, logger: logger}, nil
}

// Insert implements Index. The row is written inside a transaction holding a
// transaction-scoped advisory lock.
func (p *PostgresIndex) Insert(ctx context.Context, e *Entry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO entries (idx, hash, previous_hash, payload, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		int64(e.Index), e.Hash, e.PreviousHash, string(e.Payload), formatTimestamp(e.Timestamp),
	); err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Index, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit entry tx: %w", err)
	}

	p.logger.Debug("index row inserted", zap.Uint64("idx", e.Index))
	return nil
}

// Get implements Index.
func (p *PostgresIndex) Get(ctx context.Context, idx uint64) (*Entry, error) {
	e, err := scanEntry(p.pool.QueryRow(ctx, selectEntry+` WHERE idx = $1`, int64(idx)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", idx, err)
	}
	return e, nil
}

// Last implements Index.
func (p *PostgresIndex) Last(ctx context.Context) (*Entry, error) {
	e, err := scanEntry(p.pool.QueryRow(ctx, selectEntry+` ORDER BY idx DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index tail: %w", err)
	}
	return e, nil
}

// Count implements Index.
func (p *PostgresIndex) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return uint64(n), nil
}

// Scan implements Index. It streams rows, so it stays O(1) in memory for
// large ledgers.
func (p *PostgresIndex) Scan(ctx context.Context, fn func(*Entry) error) error {
	rows, err := p.pool.Query(ctx, selectEntry+` ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry row: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Search implements Index.
func (p *PostgresIndex) Search(ctx context.Context, substr string) ([]*Entry, error) {
	return p.collect(ctx, selectEntry+` WHERE strpos(payload, $1) > 0 ORDER BY idx DESC`, substr)
}

// Reset implements Index.
func (p *PostgresIndex) Reset(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM semantic_index"); err != nil {
		return fmt.Errorf("clear semantic index: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return tx.Commit(ctx)
}

// PutEmbedding implements Index.
func (p *PostgresIndex) PutEmbedding(ctx context.Context, idx uint64, embedding []byte) error {
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO semantic_index (entry_id, embedding) VALUES ($1, $2)
		 ON CONFLICT (entry_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		int64(idx), embedding,
	); err != nil {
		return fmt.Errorf("store embedding for %d: %w", idx, err)
	}
	return nil
}

// SemanticSearch implements Index.
func (p *PostgresIndex) SemanticSearch(ctx context.Context, limit int) ([]*Entry, error) {
	return p.collect(ctx,
		`SELECT e.idx, e.hash, e.previous_hash, e.payload, e.timestamp
		 FROM entries e JOIN semantic_index si ON e.idx = si.entry_id
		 ORDER BY e.idx ASC LIMIT $1`, limit)
}

// SnapshotTo implements Index by copying every row, inside one repeatable
// read transaction, into a fresh SQLite file at path.
func (p *PostgresIndex) SnapshotTo(ctx context.Context, path string) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	dst, err := OpenSQLiteIndex(ctx, path)
	if err != nil {
		return err
	}
	defer dst.Close()

	rows, err := tx.Query(ctx, selectEntry+` ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry row: %w", err)
		}
		if err := dst.Insert(ctx, e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	p.logger.Info("postgres index snapshot written", zap.String("path", path))
	return nil
}

// Close implements Index. The pool belongs to the caller.
func (p *PostgresIndex) Close() error { return nil }

func (p *PostgresIndex) collect(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
