package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage matches every *StorageError returned by Append.
	ErrStorage = errors.New("ledger storage error")

	// ErrPoisoned is returned by Append after a failed write could not be
	// rolled back. Reopen the ledger to reconcile the index with the journal.
	ErrPoisoned = errors.New("ledger stores diverged; reopen to reconcile")

	// ErrLocked is returned by Open when another process holds the journal.
	ErrLocked = errors.New("ledger is locked by another process")

	// ErrReadOnly is returned by writes on a ledger opened with ReadOnly.
	ErrReadOnly = errors.New("ledger opened read-only")

	// ErrNotFound is returned when an entry index does not exist.
	ErrNotFound = errors.New("ledger entry not found")
)

// StorageError reports that the journal or the index rejected a write.
// The entry must be treated as not recorded.
type StorageError struct {
	Op  string // "journal" or "index"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s write: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }
