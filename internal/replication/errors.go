package replication

import (
	"errors"
	"fmt"

	"github.com/lukw00heck/av-service/internal/store"
)

// Errors returned by coordinator operations. Callers test with errors.Is.
var (
	ErrAlreadyExists     = errors.New("file already exists")
	ErrNotFound          = errors.New("file not found")
	ErrCannotAcquireLock = errors.New("cannot acquire lock")
	ErrQuorumNotMet      = errors.New("replication quorum not met")
	ErrStoreFailure      = errors.New("local store failure")
	ErrOperationFailed   = errors.New("operation failed")
	ErrInterrupted       = errors.New("interrupted")
	ErrTooManyPending    = errors.New("too many pending requests")
)

// storeError maps a local store error to the coordinator error kinds.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrFileExists):
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case errors.Is(err, store.ErrFileNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrStoreFailure, err)
	}
}

// interrupted wraps a context error so both ErrInterrupted and the
// context cause match with errors.Is.
func interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}
