package store

import "errors"

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist in the
	// store.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique record (e.g., a task with an existing ID).
	ErrDuplicate = errors.New("record already exists")

	// ErrUpdateFailed is returned when an update operation affects no rows,
	// for example because the record does not exist.
	ErrUpdateFailed = errors.New("update failed")
)

// IsNotFound checks if the error is any kind of "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
