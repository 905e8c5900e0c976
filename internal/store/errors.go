package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrStorageUnavailable matches errors that mean the local database cannot
// be used at all: corruption, a full disk, I/O failure, or a file that is
// not a database. Recovery is a hard reset, never a partial repair.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ErrUnknownEntity is returned for mirror operations on an entity the store
// has not been bound to with EnsureMirror.
var ErrUnknownEntity = errors.New("unknown entity")

// ErrTaskNotFound is returned when an outbox task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskState is returned when a task transition does not apply to the
// task's current status.
var ErrTaskState = errors.New("task is not in the expected state")

// StorageError wraps a SQLite failure that makes the store unusable.
type StorageError struct {
	Op   string
	Code sqlite3.ErrNo
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrStorageUnavailable, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorageUnavailable) match.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// IsStorageUnavailable reports whether err is a StorageError.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

var unavailableCodes = map[sqlite3.ErrNo]bool{
	sqlite3.ErrCorrupt:  true,
	sqlite3.ErrNotADB:   true,
	sqlite3.ErrFull:     true,
	sqlite3.ErrIoErr:    true,
	sqlite3.ErrCantOpen: true,
	sqlite3.ErrReadonly: true,
	sqlite3.ErrNomem:    true,
}

// classify wraps err for op, promoting storage-class SQLite failures to
// StorageError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && unavailableCodes[se.Code] {
		return &StorageError{Op: op, Code: se.Code, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
