package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	idx           INTEGER PRIMARY KEY,
	hash          TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	payload       TEXT NOT NULL,
	timestamp     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS semantic_index (
	entry_id  INTEGER PRIMARY KEY,
	embedding BLOB NOT NULL,
	FOREIGN KEY(entry_id) REFERENCES entries(idx)
);`

const selectEntry = `SELECT idx, hash, previous_hash, payload, timestamp FROM entries`

// SQLiteIndex is the default, embedded Index backed by a single SQLite file.
type SQLiteIndex struct {
	path string
	db   *sql.DB
}

// OpenSQLiteIndex opens (or creates) the index file at path.
func OpenSQLiteIndex(ctx context.Context, path string) (*SQLiteIndex, error) {
	return openSQLiteIndex(ctx, path, false)
}

func openSQLiteIndex(ctx context.Context, path string, readOnly bool) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("index path is required")
	}

	// The path is escaped so that '?', '#' and '%' in it reach SQLite as part
	// of the file name rather than as URI syntax.
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		dsn += "&mode=ro"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps the file consistent with a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if !readOnly {
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteIndex{path: path, db: db}, nil
}

// Path returns the file backing the index.
func (s *SQLiteIndex) Path() string { return s.path }

// Insert implements Index.
func (s *SQLiteIndex) Insert(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (idx, hash, previous_hash, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		int64(e.Index), e.Hash, e.PreviousHash, string(e.Payload), formatTimestamp(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Index, err)
	}
	return nil
}

// Get implements Index.
func (s *SQLiteIndex) Get(ctx context.Context, idx uint64) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectEntry+` WHERE idx = ?`, int64(idx)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", idx, err)
	}
	return e, nil
}

// Last implements Index.
func (s *SQLiteIndex) Last(ctx context.Context) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectEntry+` ORDER BY idx DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index tail: %w", err)
	}
	return e, nil
}

// Count implements Index.
func (s *SQLiteIndex) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return uint64(n), nil
}

// Scan implements Index.
func (s *SQLiteIndex) Scan(ctx context.Context, fn func(*Entry) error) error {
	rows, err := s.db.QueryContext(ctx, selectEntry+` ORDER BY idx ASC`)
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

// Search implements Index. Matching is a case-sensitive substring test.
func (s *SQLiteIndex) Search(ctx context.Context, substr string) ([]*Entry, error) {
	return s.collect(ctx, selectEntry+` WHERE instr(payload, ?) > 0 ORDER BY idx DESC`, substr)
}

// Reset implements Index.
func (s *SQLiteIndex) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM semantic_index`); err != nil {
		return fmt.Errorf("clear semantic index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return tx.Commit()
}

// PutEmbedding implements Index.
func (s *SQLiteIndex) PutEmbedding(ctx context.Context, idx uint64, embedding []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO semantic_index (entry_id, embedding) VALUES (?, ?)
		 ON CONFLICT(entry_id) DO UPDATE SET embedding = excluded.embedding`,
		int64(idx), embedding,
	)
	if err != nil {
		return fmt.Errorf("store embedding for %d: %w", idx, err)
	}
	return nil
}

// SemanticSearch implements Index.
func (s *SQLiteIndex) SemanticSearch(ctx context.Context, limit int) ([]*Entry, error) {
	return s.collect(ctx,
		`SELECT e.idx, e.hash, e.previous_hash, e.payload, e.timestamp
		 FROM entries e JOIN semantic_index si ON e.idx = si.entry_id
		 ORDER BY e.idx ASC LIMIT ?`, limit)
}

// SnapshotTo implements Index using VACUUM INTO, which produces a
// transactionally consistent copy. path must not exist yet.
func (s *SQLiteIndex) SnapshotTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return nil
}

// Close implements Index.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) collect(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
