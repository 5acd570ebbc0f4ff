package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/taskwell/taskwell/internal/task"
)

// Recover reloads unfinished tasks from the store after a restart. Pending
// and retrying tasks go straight back onto their queues. Leased and running
// tasks were interrupted mid-execution, so they are returned to pending
// with attempts unchanged: the lost execution is abandoned work, not a
// failure. Each such reset counts against the reclaim ceiling.
func (b *Broker) Recover(ctx context.Context) error {
	records, err := b.store.ListByStatus(ctx,
		task.StatusPending, task.StatusRetrying,
		task.StatusLeased, task.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to load unfinished tasks: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var requeued, reset int
	for _, t := range records {
		if _, known := b.opts.Queues[t.Queue]; !known {
			b.logger.Warn("skipping recovered task on unconfigured queue",
				"task_id", t.ID, "queue", t.Queue)
			continue
		}

		switch t.Status {
		case task.StatusLeased, task.StatusRunning:
			t.Reclaims++
			if t.Reclaims > b.opts.MaxReclaims {
				b.deadLetterLocked(ctx, t, "reclaim ceiling exceeded during recovery")
				b.tasks[t.ID] = t
				continue
			}
			t.Status = task.StatusPending
			b.clearLease(t)
			t.NotVisibleUntil = time.Time{}
			if err := b.store.Update(ctx, t); err != nil {
				b.logger.Error("failed to reset interrupted task",
					"task_id", t.ID, "error", err)
				continue
			}
			reset++
		default:
			requeued++
		}

		b.tasks[t.ID] = t
		b.ready[t.Queue] = append(b.ready[t.Queue], t)
		b.signal(t.Queue)
	}

	b.logger.Info("recovered unfinished tasks",
		"requeued", requeued,
		"reset_from_lease", reset)
	return nil
}

// ReclaimExpiredLeases returns every task whose lease deadline has passed
// to pending. The abandoned execution does not consume an attempt, but each
// reclaim counts toward the reclaim ceiling; beyond it the task is
// dead-lettered. Returns the number of reclaimed tasks.
func (b *Broker) ReclaimExpiredLeases(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reclaimLocked(ctx, func(t *task.Task) bool {
		return !t.LeaseDeadline.IsZero() && b.now().After(t.LeaseDeadline)
	})
}

// ReclaimWorker reclaims every lease held by the given worker, used when
// the health monitor marks a worker offline. Returns the number reclaimed.
func (b *Broker) ReclaimWorker(ctx context.Context, workerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reclaimLocked(ctx, func(t *task.Task) bool {
		return t.LeasedBy == workerID
	})
}

// reclaimLocked reclaims every leased/running task matching the predicate.
// Callers must hold b.mu.
func (b *Broker) reclaimLocked(ctx context.Context, match func(*task.Task) bool) int {
	var n int
	for _, t := range b.tasks {
		if t.Status != task.StatusLeased && t.Status != task.StatusRunning {
			continue
		}
		if !match(t) {
			continue
		}

		if cancel, ok := b.cancels[t.ID]; ok {
			// Stop the abandoned execution if it is still running in this
			// process; its stale token keeps any late ack/fail harmless.
			cancel()
		}

		t.Reclaims++
		b.clearLease(t)

		if t.Reclaims > b.opts.MaxReclaims {
			b.deadLetterLocked(ctx, t, "reclaim ceiling exceeded")
			continue
		}

		t.Status = task.StatusPending
		t.NotVisibleUntil = time.Time{}
		if err := b.store.Update(ctx, t); err != nil {
			b.logger.Error("failed to persist reclaimed task",
				"task_id", t.ID, "error", err)
			continue
		}
		b.ready[t.Queue] = append(b.ready[t.Queue], t)
		b.metrics.LeasesReclaimed.WithLabelValues(t.Queue).Inc()
		b.signal(t.Queue)
		n++

		b.logger.Warn("reclaimed expired lease",
			"task_id", t.ID,
			"queue", t.Queue,
			"reclaims", t.Reclaims,
			"attempts", t.Attempts)
	}
	return n
}

// deadLetterLocked moves a task to the dead-letter state with the given
// reason. Callers must hold b.mu.
func (b *Broker) deadLetterLocked(ctx context.Context, t *task.Task, reason string) {
	t.Status = task.StatusDeadLettered
	if t.LastError == "" {
		t.LastError = reason
	} else {
		t.LastError = reason + "; last error: " + t.LastError
	}
	t.CompletedAt = b.now()
	b.clearLease(t)
	if err := b.store.Update(ctx, t); err != nil {
		b.logger.Error("failed to persist dead-letter",
			"task_id", t.ID, "error", err)
	}
	b.metrics.TasksDeadLettered.WithLabelValues(t.Queue).Inc()
	b.logger.Error("task dead-lettered",
		"task_id", t.ID,
		"queue", t.Queue,
		"reason", reason)
}

// AgePending promotes long-waiting pending tasks: one effective-priority
// step per elapsed AgingStep beyond the first. Run from the janitor tick;
// a no-op when aging is disabled.
func (b *Broker) AgePending() {
	if b.opts.AgingStep <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, list := range b.ready {
		for _, t := range list {
			waited := now.Sub(t.CreatedAt)
			if waited < b.opts.AgingStep {
				continue
			}
			bonus := int(waited / b.opts.AgingStep)
			if ep := t.Priority + bonus; ep > t.EffectivePriority {
				t.EffectivePriority = ep
			}
		}
	}
}

// SweepRetention deletes terminal tasks older than the retention window
// from both the store and the in-memory index. Returns the number removed.
func (b *Broker) SweepRetention(ctx context.Context) int {
	if b.opts.RetentionWindow <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.opts.RetentionWindow)
	n, err := b.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		b.logger.Error("retention sweep failed", "error", err)
		return 0
	}
	for id, t := range b.tasks {
		if t.Status.IsTerminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff) {
			delete(b.tasks, id)
		}
	}
	if n > 0 {
		b.logger.Info("retention sweep removed terminal tasks", "count", n)
	}
	return n
}
