package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/axial/internal/metrics"
	"go.uber.org/zap"
)

// DefaultProvenance is written into runpack manifests unless overridden.
const DefaultProvenance = "AXIAL Evidence Bundle"

// Ledger is the append-only, hash-chained event store.
type Ledger struct {
	mu sync.RWMutex

	journal  *journal
	index    Index
	lastHash string
	next     uint64
	poisoned bool
	readOnly bool

	commits    CommitResolver
	provenance string
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithCommitResolver links snapshots to source-control commits.
func WithCommitResolver(r CommitResolver) Option {
	return func(l *Ledger) { l.commits = r }
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithProvenance sets the provenance string recorded in runpack manifests.
func WithProvenance(p string) Option {
	return func(l *Ledger) { l.provenance = p }
}

// ReadOnly opens the ledger for inspection only. No lock is taken, so a
// read-only ledger can be opened while another process writes; the index is
// not reconciled and every write returns ErrReadOnly.
func ReadOnly() Option {
	return func(l *Ledger) { l.readOnly = true }
}

// Open opens the ledger whose SQLite index lives at dbPath and whose journal
// lives at JournalPath(dbPath). Unless ReadOnly is given, the journal is
// locked for the lifetime of the Ledger and a second writer gets ErrLocked.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Ledger, error) {
	var settings Ledger
	for _, o := range opts {
		o(&settings)
	}
	idx, err := openSQLiteIndex(ctx, dbPath, settings.readOnly)
	if err != nil {
		return nil, err
	}
	l, err := OpenWithIndex(ctx, JournalPath(dbPath), idx, opts...)
	if err != nil {
		idx.Close()
		return nil, err
	}
	return l, nil
}

// OpenWithIndex opens the journal at journalPath and pairs it with idx.
// The index is brought in line with the journal before Open returns, and the
// chain tip is taken from the journal's last entry.
func OpenWithIndex(ctx context.Context, journalPath string, idx Index, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		index:      idx,
		lastHash:   GenesisHash,
		provenance: DefaultProvenance,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}

	j, err := openJournal(journalPath, l.readOnly)
	if err != nil {
		return nil, err
	}
	l.journal = j

	entries, err := j.load()
	if err != nil {
		j.close()
		return nil, err
	}
	if l.readOnly {
		l.logger.Debug("ledger opened read-only, index not reconciled")
	} else if err := l.reconcile(ctx, entries); err != nil {
		j.close()
		return nil, fmt.Errorf("reconcile index: %w", err)
	}

	if n := len(entries); n > 0 {
		l.lastHash = entries[n-1].Hash
		l.next = entries[n-1].Index + 1
	}

	l.logger.Info("ledger opened",
		zap.String("journal", journalPath),
		zap.Uint64("entries", l.next),
		zap.String("root", l.lastHash),
	)
	return l, nil
}

// reconcile makes the index mirror the journal. Rows missing from the tail
// are replayed; any disagreement triggers a full rebuild.
func (l *Ledger) reconcile(ctx context.Context, entries []*Entry) error {
	count, err := l.index.Count(ctx)
	if err != nil {
		return err
	}

	consistent := count <= uint64(len(entries))
	if consistent {
		errMismatch := errors.New("index row differs from journal")
		var i int
		err := l.index.Scan(ctx, func(e *Entry) error {
			if !e.sameAs(entries[i]) {
				return errMismatch
			}
			i++
			return nil
		})
		switch {
		case errors.Is(err, errMismatch):
			consistent = false
		case err != nil:
			return err
		}
	}

	if !consistent {
		l.logger.Warn("index diverged from journal, rebuilding",
			zap.Uint64("index_rows", count),
			zap.Int("journal_entries", len(entries)),
		)
		return l.replay(ctx, entries)
	}

	for _, e := range entries[count:] {
		if err := l.index.Insert(ctx, e); err != nil {
			return err
		}
	}
	if missing := uint64(len(entries)) - count; missing > 0 {
		l.logger.Info("replayed journal entries into index", zap.Uint64("count", missing))
	}
	return nil
}

func (l *Ledger) replay(ctx context.Context, entries []*Entry) error {
	if err := l.index.Reset(ctx); err != nil {
		return err
	}
	for _, e := range entries {
		if err := l.index.Insert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Append records payload as the next entry. payload may be any value that
// encodes as JSON. On error the entry must be treated as not recorded.
func (l *Ledger) Append(ctx context.Context, payload any) (*Entry, error) {
	canonical, err := canonicalPayload(payload)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readOnly {
		return nil, ErrReadOnly
	}
	if l.poisoned {
		return nil, ErrPoisoned
	}

	e := &Entry{
		Index:        l.next,
		PreviousHash: l.lastHash,
		Payload:      canonical,
		Timestamp:    l.now().UTC().Truncate(time.Microsecond),
	}
	e.Hash = e.computeHash()

	offset, err := l.journal.size()
	if err != nil {
		return nil, l.storageFailure("journal", err)
	}
	if err := l.journal.write(e); err != nil {
		return nil, l.rollback(offset, "journal", err)
	}
	if err := l.index.Insert(ctx, e); err != nil {
		return nil, l.rollback(offset, "index", err)
	}

	l.lastHash = e.Hash
	l.next++

	metrics.RecordLedgerAppend()
	l.logger.Debug("ledger entry appended",
		zap.Uint64("idx", e.Index),
		zap.String("hash", e.Hash),
	)
	if l.commits != nil {
		l.logger.Debug("ledger entry linked to run",
			zap.String("hash", e.Hash),
			zap.String("run_id", runID(canonical)),
		)
	}
	return e, nil
}

// runID returns the payload's "run_id" string, or "unknown".
func runID(payload json.RawMessage) string {
	var p struct {
		RunID string `json:"run_id"`
	}
	if json.Unmarshal(payload, &p) != nil || p.RunID == "" {
		return "unknown"
	}
	return p.RunID
}

// rollback cuts the journal back to offset after a failed write. If that is
// impossible the two stores may now disagree, so further appends are refused.
func (l *Ledger) rollback(offset int64, op string, cause error) error {
	if terr := l.journal.truncate(offset); terr != nil {
		l.poisoned = true
		l.logger.Error("journal rollback failed, ledger poisoned",
			zap.String("op", op),
			zap.Error(cause),
			zap.NamedError("rollback_error", terr),
		)
		return l.storageFailure(op, errors.Join(cause, terr))
	}
	return l.storageFailure(op, cause)
}

func (l *Ledger) storageFailure(op string, err error) error {
	metrics.RecordLedgerAppendFailure(op)
	l.logger.Warn("ledger append failed", zap.String("op", op), zap.Error(err))
	return &StorageError{Op: op, Err: err}
}

// Verify replays the index from genesis, checking chain linkage and content
// hashes. It returns false at the first inconsistency, and also when the
// index holds fewer rows than have been appended. Errors are reserved for
// read failures.
func (l *Ledger) Verify(ctx context.Context) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c := newChainChecker()
	ok, err := runCheck(l.index.Scan(ctx, c.check))
	if err != nil {
		return false, err
	}
	if ok && c.next != l.next {
		l.logger.Warn("index is missing entries", zap.Uint64("rows", c.next), zap.Uint64("expected", l.next))
		ok = false
	}
	metrics.RecordLedgerVerify(ok)
	return ok, nil
}

// VerifyJournal performs the same checks as Verify against the journal file.
func (l *Ledger) VerifyJournal(ctx context.Context) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, err := readJournalFile(l.journal.path)
	if err != nil {
		return false, fmt.Errorf("read journal: %w", err)
	}
	c := newChainChecker()
	ok, err := runCheck(checkAll(ctx, entries, c))
	if err != nil {
		return false, err
	}
	return ok && c.next == l.next, nil
}

// runCheck turns a chain break into a false result and passes other errors on.
func runCheck(err error) (bool, error) {
	var brk *chainBreak
	if errors.As(err, &brk) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func checkAll(ctx context.Context, entries []*Entry, c *chainChecker) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.check(e); err != nil {
			return err
		}
	}
	return nil
}

// Query returns entries whose canonical payload contains substr, newest first.
func (l *Ledger) Query(ctx context.Context, substr string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Search(ctx, substr)
}

// Get returns the entry at idx.
func (l *Ledger) Get(ctx context.Context, idx uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Get(ctx, idx)
}

// Len returns the number of appended entries.
func (l *Ledger) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// Root returns the hash of the most recent entry, or GenesisHash when empty.
func (l *Ledger) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// Rebuild discards the index and regenerates it from the journal. It also
// clears a poisoned state once both stores agree again.
func (l *Ledger) Rebuild(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readOnly {
		return ErrReadOnly
	}

	entries, err := l.journal.load()
	if err != nil {
		return err
	}
	if err := l.replay(ctx, entries); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	l.lastHash, l.next = GenesisHash, 0
	if n := len(entries); n > 0 {
		l.lastHash = entries[n-1].Hash
		l.next = entries[n-1].Index + 1
	}
	l.poisoned = false
	l.logger.Info("index rebuilt from journal", zap.Uint64("entries", l.next))
	return nil
}

// Close releases the journal and the index.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.journal.close(), l.index.Close())
}
