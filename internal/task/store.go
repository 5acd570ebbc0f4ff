package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the interface for persisting task records.
// The broker writes through this interface on every transition; on startup
// it reloads unfinished records to recover work interrupted by a crash.
type Store interface {
	// Save persists a newly created task.
	Save(ctx context.Context, t *Task) error

	// Update persists the current state of an existing task.
	Update(ctx context.Context, t *Task) error

	// Get retrieves a task by ID. Returns ErrNotFound for unknown IDs.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// ListByStatus retrieves all tasks in any of the given statuses,
	// ordered by creation time.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Task, error)

	// DeleteTerminalBefore removes terminal tasks whose completion time is
	// before cutoff, returning the number removed. Used by the retention
	// janitor.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
