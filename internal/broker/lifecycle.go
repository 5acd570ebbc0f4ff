package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskwell/taskwell/internal/redact"
	"github.com/taskwell/taskwell/internal/retry"
	"github.com/taskwell/taskwell/internal/task"
)

// checkLease returns the live task if token matches its current lease.
// Callers must hold b.mu.
func (b *Broker) checkLease(id, token uuid.UUID) (*task.Task, error) {
	t, ok := b.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if t.LeaseToken == uuid.Nil || t.LeaseToken != token {
		return nil, fmt.Errorf("%w: task %s", task.ErrInvalidLease, id)
	}
	return t, nil
}

// clearLease invalidates the task's lease token and unbinds the
// cancellation hook. Callers must hold b.mu.
func (b *Broker) clearLease(t *task.Task) {
	t.LeaseToken = uuid.Nil
	t.LeaseDeadline = time.Time{}
	t.LeasedBy = ""
	delete(b.cancels, t.ID)
}

// MarkRunning transitions a leased task to running and binds the handler's
// cancellation hook. If cancellation was requested while the task sat
// leased, the hook fires immediately so the handler sees a cancelled
// context from its first check.
func (b *Broker) MarkRunning(ctx context.Context, id, token uuid.UUID, cancel context.CancelFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.checkLease(id, token)
	if err != nil {
		return err
	}
	if t.Status != task.StatusLeased {
		return fmt.Errorf("%w: task %s is %s", task.ErrInvalidLease, id, t.Status)
	}

	t.Status = task.StatusRunning
	if cancel != nil {
		b.cancels[id] = cancel
		if t.CancelRequested {
			cancel()
		}
	}
	if err := b.store.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to persist running transition: %w", err)
	}
	return nil
}

// Ack records a successful execution: attempts is incremented (the final
// success counts as an attempt) and the task reaches the immutable
// succeeded state. A stale token yields ErrInvalidLease and the result is
// discarded.
func (b *Broker) Ack(ctx context.Context, id, token uuid.UUID, result json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.checkLease(id, token)
	if err != nil {
		return err
	}

	t.Attempts++
	t.Status = task.StatusSucceeded
	t.Result = result
	t.CompletedAt = b.now()
	b.clearLease(t)

	if err := b.store.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to persist ack: %w", err)
	}
	b.metrics.TasksSucceeded.WithLabelValues(t.Queue).Inc()

	b.logger.Info("task succeeded",
		"task_id", t.ID,
		"task_type", t.Type,
		"queue", t.Queue,
		"attempts", t.Attempts)
	return nil
}

// Fail records a failed execution and routes it through the retry policy:
// terminal errors and exhausted budgets dead-letter, everything else
// requeues as retrying with a backoff delay. A failure that arrives after
// cancellation was requested resolves to cancelled instead, without
// consuming an attempt.
func (b *Broker) Fail(ctx context.Context, id, token uuid.UUID, failErr error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.checkLease(id, token)
	if err != nil {
		return err
	}

	if t.CancelRequested {
		t.Status = task.StatusCancelled
		t.LastError = redact.String(failErr.Error())
		t.CompletedAt = b.now()
		b.clearLease(t)
		if err := b.store.Update(ctx, t); err != nil {
			return fmt.Errorf("failed to persist cancellation: %w", err)
		}
		b.metrics.TasksCancelled.WithLabelValues(t.Queue).Inc()
		return nil
	}

	t.Attempts++
	t.LastError = redact.String(failErr.Error())
	b.metrics.TasksFailed.WithLabelValues(t.Queue).Inc()

	outcome, delay := b.policy.Decide(failErr, t.Attempts, t.MaxAttempts)
	switch outcome {
	case retry.OutcomeRetry:
		t.Status = task.StatusRetrying
		t.NotVisibleUntil = b.now().Add(delay)
		b.clearLease(t)
		b.ready[t.Queue] = append(b.ready[t.Queue], t)
		b.signal(t.Queue)
		b.logger.Warn("task failed, retrying",
			"task_id", t.ID,
			"task_type", t.Type,
			"queue", t.Queue,
			"attempts", t.Attempts,
			"max_attempts", t.MaxAttempts,
			"retry_delay", delay,
			"error", t.LastError)
	case retry.OutcomeDeadLetter:
		t.Status = task.StatusDeadLettered
		t.CompletedAt = b.now()
		b.clearLease(t)
		b.metrics.TasksDeadLettered.WithLabelValues(t.Queue).Inc()
		b.logger.Error("task dead-lettered",
			"task_id", t.ID,
			"task_type", t.Type,
			"queue", t.Queue,
			"attempts", t.Attempts,
			"error", t.LastError)
	}

	if err := b.store.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to persist failure: %w", err)
	}
	return nil
}

// Yield returns a leased task to the queue after a rate-limit denial. This
// is back-pressure, not an execution failure: the task re-enters retrying
// with a short delay and attempts is untouched.
func (b *Broker) Yield(ctx context.Context, id, token uuid.UUID, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.checkLease(id, token)
	if err != nil {
		return err
	}

	t.Status = task.StatusRetrying
	t.NotVisibleUntil = b.now().Add(delay)
	b.clearLease(t)
	b.ready[t.Queue] = append(b.ready[t.Queue], t)
	b.signal(t.Queue)

	if err := b.store.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to persist yield: %w", err)
	}
	return nil
}

// Cancel cancels a task. Pending and retrying tasks are cancelled
// immediately and authoritatively. Leased and running tasks get the
// cancellation flag set and their handler context cancelled; a handler that
// does not observe it runs to completion. Terminal tasks return
// ErrAlreadyTerminal.
func (b *Broker) Cancel(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}

	switch t.Status {
	case task.StatusPending, task.StatusRetrying:
		b.removeFromReady(t)
		t.Status = task.StatusCancelled
		t.CompletedAt = b.now()
		if err := b.store.Update(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to persist cancellation: %w", err)
		}
		b.metrics.TasksCancelled.WithLabelValues(t.Queue).Inc()
		b.logger.Info("task cancelled",
			"task_id", t.ID,
			"queue", t.Queue,
			"prior_status", "queued")
	case task.StatusLeased, task.StatusRunning:
		t.CancelRequested = true
		if cancel, ok := b.cancels[id]; ok {
			cancel()
		}
		if err := b.store.Update(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to persist cancellation request: %w", err)
		}
		b.logger.Info("task cancellation requested",
			"task_id", t.ID,
			"queue", t.Queue,
			"status", t.Status)
	default:
		return nil, fmt.Errorf("%w: task %s is %s", task.ErrAlreadyTerminal, id, t.Status)
	}

	return t.Clone(), nil
}

// removeFromReady drops the task from its queue's ready list. Callers must
// hold b.mu.
func (b *Broker) removeFromReady(t *task.Task) {
	list := b.ready[t.Queue]
	for i, cand := range list {
		if cand.ID == t.ID {
			b.ready[t.Queue] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
