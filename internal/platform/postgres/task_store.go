// Package postgres implements the durable task record store over
// PostgreSQL, using the database/sql interface with the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskwell/taskwell/internal/store"
	"github.com/taskwell/taskwell/internal/task"
)

// TaskStore implements the task.Store interface using PostgreSQL.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a TaskStore over db.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `id, type, queue, payload, priority, effective_priority, status,
	attempts, max_attempts, reclaims, created_at, leased_at, completed_at,
	not_visible_until, lease_token, lease_deadline, leased_by, result,
	last_error, cancel_requested`

// Save persists a newly created task.
func (s *TaskStore) Save(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := s.db.ExecContext(ctx, query, taskArgs(t)...)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
		}
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// Update persists the current state of an existing task.
func (s *TaskStore) Update(ctx context.Context, t *task.Task) error {
	query := `
		UPDATE tasks
		SET payload = $4, priority = $5, effective_priority = $6, status = $7,
		    attempts = $8, max_attempts = $9, reclaims = $10, created_at = $11,
		    leased_at = $12, completed_at = $13, not_visible_until = $14,
		    lease_token = $15, lease_deadline = $16, leased_by = $17,
		    result = $18, last_error = $19, cancel_requested = $20
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, taskArgs(t)...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: task %s", store.ErrNotFound, t.ID)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: task %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListByStatus retrieves all tasks in any of the given statuses, ordered by
// creation time.
func (s *TaskStore) ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// DeleteTerminalBefore removes terminal tasks completed before cutoff.
func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ('succeeded', 'dead_lettered', 'cancelled')
		  AND completed_at IS NOT NULL
		  AND completed_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal tasks: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// taskArgs flattens a task into the column order of taskColumns.
func taskArgs(t *task.Task) []interface{} {
	return []interface{}{
		t.ID,
		t.Type,
		t.Queue,
		[]byte(t.Payload),
		t.Priority,
		t.EffectivePriority,
		string(t.Status),
		t.Attempts,
		t.MaxAttempts,
		t.Reclaims,
		t.CreatedAt.UTC(),
		nullTime(t.LeasedAt),
		nullTime(t.CompletedAt),
		nullTime(t.NotVisibleUntil),
		nullUUID(t.LeaseToken),
		nullTime(t.LeaseDeadline),
		nullString(t.LeasedBy),
		[]byte(t.Result),
		nullString(t.LastError),
		t.CancelRequested,
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t               task.Task
		status          string
		payload, result []byte
		leasedAt        sql.NullTime
		completedAt     sql.NullTime
		notVisibleUntil sql.NullTime
		leaseDeadline   sql.NullTime
		leaseToken      uuid.NullUUID
		leasedBy        sql.NullString
		lastError       sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.Type, &t.Queue, &payload, &t.Priority, &t.EffectivePriority,
		&status, &t.Attempts, &t.MaxAttempts, &t.Reclaims, &t.CreatedAt,
		&leasedAt, &completedAt, &notVisibleUntil, &leaseToken,
		&leaseDeadline, &leasedBy, &result, &lastError, &t.CancelRequested,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Payload = payload
	t.Result = result
	t.LeasedAt = leasedAt.Time
	t.CompletedAt = completedAt.Time
	t.NotVisibleUntil = notVisibleUntil.Time
	t.LeaseDeadline = leaseDeadline.Time
	t.LeaseToken = leaseToken.UUID
	t.LeasedBy = leasedBy.String
	t.LastError = lastError.String
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
