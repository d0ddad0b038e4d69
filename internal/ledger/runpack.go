package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Runpack file names.
const (
	RunpackJournal  = "ledger.jsonl"
	RunpackSnapshot = "snapshot.db"
	RunpackManifest = "manifest.json"
)

// Manifest describes a runpack export.
type Manifest struct {
	ExportTime   time.Time `json:"export_time"`
	TotalEntries uint64    `json:"total_entries"`
	RootHash     string    `json:"root_hash"`
	Provenance   string    `json:"provenance"`
}

// RunpackReport is the result of checking a runpack offline.
type RunpackReport struct {
	Manifest     *Manifest `json:"manifest"`
	RootHash     string    `json:"root_hash"`
	Entries      uint64    `json:"entries"`
	ChainValid   bool      `json:"chain_valid"`
	JournalValid bool      `json:"journal_valid"`
	RootMatches  bool      `json:"root_matches"`
	CountMatches bool      `json:"count_matches"`
}

// OK reports whether every check passed.
func (r *RunpackReport) OK() bool {
	return r.ChainValid && r.JournalValid && r.RootMatches && r.CountMatches
}

// ExportRunpack writes a self-contained bundle into dir: a copy of the
// journal, a point-in-time copy of the index and a manifest whose root_hash
// is the hash of the last appended entry. Existing bundle files in dir are
// replaced. Appends wait until the export completes.
func (l *Ledger) ExportRunpack(ctx context.Context, dir string) (*Manifest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runpack dir: %w", err)
	}

	if err := copyFile(l.journal.path, filepath.Join(dir, RunpackJournal)); err != nil {
		return nil, fmt.Errorf("copy journal: %w", err)
	}

	snapshot := filepath.Join(dir, RunpackSnapshot)
	if err := os.Remove(snapshot); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale snapshot: %w", err)
	}
	if err := l.index.SnapshotTo(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("snapshot index: %w", err)
	}

	m := &Manifest{
		ExportTime:   l.now().UTC(),
		TotalEntries: l.next,
		RootHash:     l.lastHash,
		Provenance:   l.provenance,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, RunpackManifest), data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	l.logger.Info("exported evidence bundle",
		zap.String("dir", dir),
		zap.Uint64("entries", m.TotalEntries),
		zap.String("root", m.RootHash),
	)
	return m, nil
}

// ReadManifest loads the manifest of the runpack in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, RunpackManifest))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// VerifyRunpack checks a bundle without access to the ledger that produced
// it: both the snapshot and the journal copy must form valid chains whose
// tips equal the manifest's root_hash and whose lengths equal total_entries.
func VerifyRunpack(ctx context.Context, dir string) (*RunpackReport, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	report := &RunpackReport{Manifest: m}

	idx, err := openSQLiteIndex(ctx, filepath.Join(dir, RunpackSnapshot), true)
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	chain := newChainChecker()
	report.ChainValid, err = runCheck(idx.Scan(ctx, chain.check))
	if err != nil {
		return nil, err
	}
	report.RootHash = chain.prev
	report.Entries = chain.next

	entries, err := readJournalFile(filepath.Join(dir, RunpackJournal))
	if err != nil {
		return nil, fmt.Errorf("read journal copy: %w", err)
	}
	jc := newChainChecker()
	report.JournalValid, err = runCheck(checkAll(ctx, entries, jc))
	if err != nil {
		return nil, err
	}

	report.RootMatches = report.ChainValid && report.JournalValid &&
		chain.prev == m.RootHash && jc.prev == m.RootHash
	report.CountMatches = chain.next == m.TotalEntries && jc.next == m.TotalEntries
	return report, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
