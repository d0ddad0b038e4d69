package ledger

import "context"

// Index is the queryable relational copy of the journal.
//
// Implementations store rows in the `entries` table keyed by idx and the
// placeholder embeddings in `semantic_index`. They need not be safe for
// concurrent writers; the Ledger serialises all mutations.
type Index interface {
	// Insert stores one entry row.
	Insert(ctx context.Context, e *Entry) error

	// Get returns the entry at idx, or ErrNotFound.
	Get(ctx context.Context, idx uint64) (*Entry, error)

	// Last returns the highest-indexed entry, or nil when the index is empty.
	Last(ctx context.Context) (*Entry, error)

	// Count returns the number of entry rows.
	Count(ctx context.Context) (uint64, error)

	// Scan calls fn for every row in ascending index order and stops at the
	// first error fn returns. fn must not call back into the Index.
	Scan(ctx context.Context, fn func(*Entry) error) error

	// Search returns entries whose payload text contains substr, newest first.
	Search(ctx context.Context, substr string) ([]*Entry, error)

	// Reset deletes every row so the index can be rebuilt.
	Reset(ctx context.Context) error

	// PutEmbedding stores or replaces the embedding for an entry.
	PutEmbedding(ctx context.Context, idx uint64, embedding []byte) error

	// SemanticSearch returns up to limit entries that carry an embedding.
	SemanticSearch(ctx context.Context, limit int) ([]*Entry, error)

	// SnapshotTo writes a consistent SQLite copy of the index to path.
	SnapshotTo(ctx context.Context, path string) error

	Close() error
}

// scanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		idx       int64
		hash      string
		prev      string
		payload   string
		timestamp string
	)
	if err := row.Scan(&idx, &hash, &prev, &payload, &timestamp); err != nil {
		return nil, err
	}
	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Index:        uint64(idx),
		Hash:         hash,
		PreviousHash: prev,
		Payload:      []byte(payload),
		Timestamp:    ts,
	}, nil
}
