package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// JournalPath returns the journal file that lives alongside an index file:
// the same path with its extension replaced by ".jsonl".
func JournalPath(dbPath string) string {
	return strings.TrimSuffix(dbPath, filepath.Ext(dbPath)) + ".jsonl"
}

// journal is the append-only JSONL file. Callers serialise writes within the
// process; a writable journal is flock'ed so that no other process can
// append to it at the same time.
type journal struct {
	path     string
	f        *os.File
	readOnly bool
}

func openJournal(path string, readOnly bool) (*journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if readOnly {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return &journal{path: path, f: f, readOnly: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("lock journal: %w", err)
	}
	return &journal{path: path, f: f}, nil
}

func (j *journal) size() (int64, error) {
	info, err := j.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// write appends one entry as a single line and flushes it to disk.
func (j *journal) write(e *Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.f.Write(line); err != nil {
		return err
	}
	return j.f.Sync()
}

// truncate drops everything after offset, undoing a partial or rejected write.
func (j *journal) truncate(offset int64) error {
	if err := j.f.Truncate(offset); err != nil {
		return err
	}
	return j.f.Sync()
}

// load reads every complete entry. A trailing line without a newline is the
// remnant of an interrupted write and is cut off, unless the journal is
// read-only, in which case it is only skipped.
func (j *journal) load() ([]*Entry, error) {
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek journal: %w", err)
	}
	entries, complete, err := decodeJournal(j.f)
	if err != nil {
		return nil, err
	}

	size, err := j.size()
	if err != nil {
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	if complete < size && !j.readOnly {
		if err := j.truncate(complete); err != nil {
			return nil, fmt.Errorf("trim torn journal tail: %w", err)
		}
	}
	return entries, nil
}

func (j *journal) close() error {
	return j.f.Close()
}

// readJournalFile decodes a journal that is not open for writing, such as the
// copy inside a runpack.
func readJournalFile(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, _, err := decodeJournal(f)
	return entries, err
}

// decodeJournal returns the decoded entries and the byte length of the
// newline-terminated prefix that produced them.
func decodeJournal(r io.Reader) ([]*Entry, int64, error) {
	br := bufio.NewReader(r)
	var (
		entries  []*Entry
		complete int64
		lineNo   int
	)
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Unterminated remainder, if any, is ignored.
			return entries, complete, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read journal: %w", err)
		}
		lineNo++
		complete += int64(len(line))

		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
			return nil, 0, fmt.Errorf("journal line %d: %w", lineNo, err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, &e)
	}
}
