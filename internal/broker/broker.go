// Package broker implements the durable multi-queue task broker: per-queue
// ordered storage with lease semantics, retry/backoff on failure, expired
// lease reclamation and priority aging.
//
// The broker owns all mutable task state. Scheduling happens on in-memory
// per-queue ready lists; every transition is written through the task.Store
// so a restart can recover unfinished work.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskwell/taskwell/internal/metrics"
	"github.com/taskwell/taskwell/internal/retry"
	"github.com/taskwell/taskwell/internal/task"
)

// QueueOptions is the per-queue broker configuration.
type QueueOptions struct {
	// VisibilityTimeout is how long a lease stays valid before the task is
	// considered abandoned and reclaimed. It is a ceiling for detecting
	// dead workers, not a bound on legitimate long-running work.
	VisibilityTimeout time.Duration
}

// Options configures the broker.
type Options struct {
	// Queues enumerates the known queues. Enqueue and Lease reject names
	// not listed here.
	Queues map[string]QueueOptions

	// PollInterval bounds how long a Lease call blocks waiting for work
	// before returning empty.
	PollInterval time.Duration

	// MaxReclaims is the hard ceiling on lease reclamations per task;
	// beyond it the task is dead-lettered instead of requeued, so a
	// reclaim loop is never treated as fresh attempts forever.
	MaxReclaims int

	// AgingStep is the wait after which a pending task's effective
	// priority rises by one, and the interval per further step. Zero
	// disables aging.
	AgingStep time.Duration

	// RetentionWindow is how long terminal tasks are kept before the
	// janitor deletes them. Zero disables deletion.
	RetentionWindow time.Duration
}

const (
	defaultPollInterval = time.Second
	defaultMaxReclaims  = 5
	defaultVisibility   = 5 * time.Minute
)

// Broker coordinates task state between the submission API, the worker
// pools and the health monitor. All mutation is lease-token guarded so a
// reclaimed-then-resumed worker can never clobber the authoritative state.
type Broker struct {
	store   task.Store
	policy  *retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options

	// now is injectable for tests.
	now func() time.Time

	mu      sync.Mutex
	tasks   map[uuid.UUID]*task.Task
	ready   map[string][]*task.Task
	cancels map[uuid.UUID]context.CancelFunc
	wake    map[string]chan struct{}
}

// New creates a Broker over the given store and retry policy.
func New(store task.Store, policy *retry.Policy, m *metrics.Metrics, logger *slog.Logger, opts Options) *Broker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxReclaims <= 0 {
		opts.MaxReclaims = defaultMaxReclaims
	}

	b := &Broker{
		store:   store,
		policy:  policy,
		metrics: m,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		tasks:   make(map[uuid.UUID]*task.Task),
		ready:   make(map[string][]*task.Task),
		cancels: make(map[uuid.UUID]context.CancelFunc),
		wake:    make(map[string]chan struct{}),
	}
	for name := range opts.Queues {
		b.ready[name] = nil
		b.wake[name] = make(chan struct{}, 1)
	}
	return b
}

// SetClock replaces the broker's time source. Test helper.
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Queues returns the configured queue names.
func (b *Broker) Queues() []string {
	names := make([]string, 0, len(b.opts.Queues))
	for name := range b.opts.Queues {
		names = append(names, name)
	}
	return names
}

func (b *Broker) visibilityFor(queue string) time.Duration {
	if q, ok := b.opts.Queues[queue]; ok && q.VisibilityTimeout > 0 {
		return q.VisibilityTimeout
	}
	return defaultVisibility
}

// Enqueue persists a new task and appends it to its queue. The write to the
// store and the in-memory enqueue happen under one lock so a concurrent
// Lease can never observe the task half-registered.
func (b *Broker) Enqueue(ctx context.Context, t *task.Task) error {
	if _, ok := b.opts.Queues[t.Queue]; !ok {
		return fmt.Errorf("%w: %q", task.ErrQueueUnknown, t.Queue)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Save(ctx, t); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	b.tasks[t.ID] = t
	b.ready[t.Queue] = append(b.ready[t.Queue], t)
	b.metrics.TasksSubmitted.WithLabelValues(t.Queue).Inc()
	b.signal(t.Queue)

	b.logger.Debug("task enqueued",
		"task_id", t.ID,
		"task_type", t.Type,
		"queue", t.Queue,
		"priority", t.Priority)
	return nil
}

// Lease returns the highest-priority visible task from the queue, marked
// leased with a fresh single-use token and a visibility deadline. If the
// queue is empty it blocks up to the poll interval (waking early on new
// work), then returns (nil, nil).
func (b *Broker) Lease(ctx context.Context, queue, workerID string) (*task.Task, error) {
	wakeCh, ok := b.wakeFor(queue)
	if !ok {
		return nil, fmt.Errorf("%w: %q", task.ErrQueueUnknown, queue)
	}

	if t, err := b.tryLease(ctx, queue, workerID); err != nil || t != nil {
		return t, err
	}

	timer := time.NewTimer(b.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wakeCh:
			if t, err := b.tryLease(ctx, queue, workerID); err != nil || t != nil {
				return t, err
			}
			// Another slot won the race; keep waiting out the interval.
		}
	}
}

// tryLease claims the best visible candidate, or returns (nil, nil).
func (b *Broker) tryLease(ctx context.Context, queue, workerID string) (*task.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	idx := -1
	var best *task.Task
	for i, t := range b.ready[queue] {
		if !t.VisibleAt(now) {
			continue
		}
		if best == nil || leaseBefore(t, best) {
			best, idx = t, i
		}
	}
	if best == nil {
		return nil, nil
	}

	b.ready[queue] = append(b.ready[queue][:idx], b.ready[queue][idx+1:]...)

	best.Status = task.StatusLeased
	best.LeaseToken = uuid.New()
	best.LeasedAt = now
	best.LeaseDeadline = now.Add(b.visibilityFor(queue))
	best.LeasedBy = workerID

	if err := b.store.Update(ctx, best); err != nil {
		// Roll the lease back so the task is not lost to the queue.
		best.Status = task.StatusPending
		best.LeaseToken = uuid.Nil
		best.LeasedBy = ""
		b.ready[queue] = append(b.ready[queue], best)
		return nil, fmt.Errorf("failed to persist lease: %w", err)
	}

	b.metrics.TasksLeased.WithLabelValues(queue).Inc()
	return best.Clone(), nil
}

// leaseBefore reports whether a should be leased before b: effective
// priority descending, then creation time ascending.
func leaseBefore(a, b *task.Task) bool {
	if a.EffectivePriority != b.EffectivePriority {
		return a.EffectivePriority > b.EffectivePriority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Get returns a snapshot of the task, or task.ErrNotFound.
func (b *Broker) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	b.mu.Lock()
	t, ok := b.tasks[id]
	if ok {
		snapshot := t.Clone()
		b.mu.Unlock()
		return snapshot, nil
	}
	b.mu.Unlock()

	// Fall back to the store for records that predate this process.
	stored, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return stored, nil
}

// QueueStats is one queue's health snapshot.
type QueueStats struct {
	// Depth counts pending and retrying tasks, visible or not.
	Depth int

	// OldestPendingAge is the wait of the oldest visible pending task.
	OldestPendingAge time.Duration

	// InFlight counts leased and running tasks.
	InFlight int
}

// Stats returns the current per-queue depth and in-flight counts. The health
// monitor samples this into gauges; the autoscaler reads it each tick.
func (b *Broker) Stats() map[string]QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	stats := make(map[string]QueueStats, len(b.opts.Queues))
	for name := range b.opts.Queues {
		s := QueueStats{Depth: len(b.ready[name])}
		for _, t := range b.ready[name] {
			if !t.VisibleAt(now) {
				continue
			}
			if age := now.Sub(t.CreatedAt); age > s.OldestPendingAge {
				s.OldestPendingAge = age
			}
		}
		stats[name] = s
	}
	for _, t := range b.tasks {
		if t.Status == task.StatusLeased || t.Status == task.StatusRunning {
			s := stats[t.Queue]
			s.InFlight++
			stats[t.Queue] = s
		}
	}
	return stats
}

func (b *Broker) wakeFor(queue string) (chan struct{}, bool) {
	ch, ok := b.wake[queue]
	return ch, ok
}

// signal wakes one waiting Lease call. Callers must hold b.mu.
func (b *Broker) signal(queue string) {
	select {
	case b.wake[queue] <- struct{}{}:
	default:
	}
}
