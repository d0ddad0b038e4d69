package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, n int) (*Ledger, *SQLiteIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), map[string]int{"i": i})
		require.NoError(t, err)
	}
	return l, l.index.(*SQLiteIndex), path
}

func TestVerify_detectsTampering(t *testing.T) {
	tests := []struct {
		name string
		stmt string
	}{
		{"payload", `UPDATE entries SET payload = '{"i":99}' WHERE idx = 1`},
		{"hash", `UPDATE entries SET hash = '` + strings.Repeat("f", 64) + `' WHERE idx = 2`},
		{"previous hash", `UPDATE entries SET previous_hash = '` + GenesisHash + `' WHERE idx = 3`},
		{"timestamp", `UPDATE entries SET timestamp = '2001-01-01T00:00:00Z' WHERE idx = 0`},
		{"missing middle row", `DELETE FROM entries WHERE idx = 2`},
		{"missing tail row", `DELETE FROM entries WHERE idx = 4`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			l, idx, _ := newTestLedger(t, 5)

			ok, err := l.Verify(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			_, err = idx.db.ExecContext(ctx, tc.stmt)
			require.NoError(t, err)

			ok, err = l.Verify(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestOpen_replaysRowsMissingFromIndex(t *testing.T) {
	ctx := context.Background()
	l, idx, path := newTestLedger(t, 4)
	root := l.Root()

	_, err := idx.db.ExecContext(ctx, `DELETE FROM entries WHERE idx >= 2`)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	assert.Equal(t, root, reopened.Root())

	ok, err := reopened.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpen_rebuildsDivergentIndexFromJournal(t *testing.T) {
	ctx := context.Background()
	l, idx, path := newTestLedger(t, 3)

	_, err := idx.db.ExecContext(ctx, `UPDATE entries SET payload = '{"forged":true}' WHERE idx = 1`)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	ok, err := reopened.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "journal is authoritative")

	forged, err := reopened.Query(ctx, "forged")
	require.NoError(t, err)
	assert.Empty(t, forged)
}

func TestRebuild_restoresIndex(t *testing.T) {
	ctx := context.Background()
	l, idx, _ := newTestLedger(t, 3)

	_, err := idx.db.ExecContext(ctx, `DELETE FROM entries`)
	require.NoError(t, err)
	ok, err := l.Verify(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Rebuild(ctx))

	ok, err = l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), l.Len())
}

// flakyIndex fails Insert while fail is set.
type flakyIndex struct {
	*SQLiteIndex
	fail bool
}

func (f *flakyIndex) Insert(ctx context.Context, e *Entry) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.SQLiteIndex.Insert(ctx, e)
}

func TestAppend_indexFailureRollsBackJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sqlite, err := OpenSQLiteIndex(ctx, filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	idx := &flakyIndex{SQLiteIndex: sqlite}

	l, err := OpenWithIndex(ctx, filepath.Join(dir, "ledger.jsonl"), idx)
	require.NoError(t, err)
	defer l.Close()

	first, err := l.Append(ctx, map[string]string{"event": "ok"})
	require.NoError(t, err)
	sizeBefore, err := l.journal.size()
	require.NoError(t, err)

	idx.fail = true
	_, err = l.Append(ctx, map[string]string{"event": "lost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "index", se.Op)

	sizeAfter, err := l.journal.size()
	require.NoError(t, err)
	assert.Equal(t, sizeBefore, sizeAfter, "journal must not keep the rejected entry")
	assert.Equal(t, uint64(1), l.Len())
	assert.Equal(t, first.Hash, l.Root())

	idx.fail = false
	second, err := l.Append(ctx, map[string]string{"event": "retry"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Index)
	assert.Equal(t, first.Hash, second.PreviousHash)

	ok, err := l.VerifyJournal(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppend_refusedWhenPoisoned(t *testing.T) {
	l, _, _ := newTestLedger(t, 1)
	l.poisoned = true

	_, err := l.Append(context.Background(), map[string]string{"event": "x"})
	assert.ErrorIs(t, err, ErrPoisoned)

	require.NoError(t, l.Rebuild(context.Background()))
	_, err = l.Append(context.Background(), map[string]string{"event": "x"})
	assert.NoError(t, err)
}

func TestComputeHash_coversEveryField(t *testing.T) {
	base := Entry{
		Index:        7,
		PreviousHash: GenesisHash,
		Payload:      []byte(`{"a":1}`),
		Timestamp:    time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC),
	}
	h := base.computeHash()
	assert.Len(t, h, 64)
	assert.Equal(t, h, base.computeHash(), "hash is deterministic")

	mutations := map[string]func(e *Entry){
		"index":     func(e *Entry) { e.Index = 8 },
		"previous":  func(e *Entry) { e.PreviousHash = strings.Repeat("1", 64) },
		"payload":   func(e *Entry) { e.Payload = []byte(`{"a":2}`) },
		"timestamp": func(e *Entry) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		e := base
		mutate(&e)
		assert.NotEqual(t, h, e.computeHash(), name)
	}
}

func TestAppend_timestampSurvivesRoundTrip(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 2, 29, 23, 59, 59, 987654321, time.FixedZone("X", 3600))
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(ctx, path, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	e, err := l.Append(ctx, map[string]string{"event": "leap"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Equal(t, 987654000, e.Timestamp.Nanosecond())

	entries, err := readJournalFile(JournalPath(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].sameAs(e))
	assert.Equal(t, e.Hash, entries[0].computeHash())
}

func TestDecodeJournal_rejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	_, err := readJournalFile(path)
	assert.Error(t, err)
}

func TestPlaceholderEmbedding(t *testing.T) {
	v := placeholderEmbedding(strings.Repeat("\xff", 200))
	assert.Len(t, v, embeddingDims)
	assert.Equal(t, float32(1), v[0])
	assert.Len(t, encodeEmbedding(v), 4*embeddingDims)
	assert.Empty(t, placeholderEmbedding(""))
}
