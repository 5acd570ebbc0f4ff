package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwell/taskwell/internal/metrics"
	"github.com/taskwell/taskwell/internal/retry"
	"github.com/taskwell/taskwell/internal/store"
	"github.com/taskwell/taskwell/internal/task"
)

func TestReclaimExpiredLeases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _, clock := newTestBroker(t, Options{
		Queues: map[string]QueueOptions{
			"crawl": {VisibilityTimeout: time.Minute},
		},
	})
	tk := enqueue(t, b, clock, "crawl", 0, 3)

	leased, err := b.Lease(ctx, "crawl", "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)

	// Before the deadline nothing is reclaimed.
	assert.Equal(t, 0, b.ReclaimExpiredLeases(ctx))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, b.ReclaimExpiredLeases(ctx))

	got, err := b.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts, "an abandoned execution is not a failed attempt")
	assert.Equal(t, 1, got.Reclaims)
	assert.Equal(t, uuid.Nil, got.LeaseToken)

	// The stale token from the dead worker must be useless.
	err = b.Ack(ctx, leased.ID, leased.LeaseToken, nil)
	assert.ErrorIs(t, err, task.ErrInvalidLease)

	// And the task is leasable again by someone else.
	again, err := b.Lease(ctx, "crawl", "w2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, tk.ID, again.ID)
	assert.Equal(t, "w2", again.LeasedBy)
}

func TestReclaimCeilingDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _, clock := newTestBroker(t, Options{
		Queues: map[string]QueueOptions{
			"crawl": {VisibilityTimeout: time.Minute},
		},
		MaxReclaims: 2,
	})
	tk := enqueue(t, b, clock, "crawl", 0, 3)

	for i := 0; i < 2; i++ {
		leased, err := b.Lease(ctx, "crawl", "w1")
		require.NoError(t, err)
		require.NotNil(t, leased, "reclaim %d should leave the task leasable", i)
		clock.Advance(2 * time.Minute)
		require.Equal(t, 1, b.ReclaimExpiredLeases(ctx))
	}

	// Third expiry crosses the ceiling.
	leased, err := b.Lease(ctx, "crawl", "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, b.ReclaimExpiredLeases(ctx), "a dead-lettered task does not count as reclaimed")

	got, err := b.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDeadLettered, got.Status)
	assert.Equal(t, 3, got.Reclaims)
	assert.Contains(t, got.LastError, "reclaim ceiling")
}

func TestReclaimWorker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _, clock := newTestBroker(t, Options{}, "crawl")
	a := enqueue(t, b, clock, "crawl", 0, 3)
	clock.Advance(time.Millisecond)
	other := enqueue(t, b, clock, "crawl", 0, 3)

	first, err := b.Lease(ctx, "crawl", "dead-worker")
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := b.Lease(ctx, "crawl", "live-worker")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 1, b.ReclaimWorker(ctx, "dead-worker"))

	gotA, err := b.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, gotA.Status, "the dead worker's lease should be reclaimed")

	gotOther, err := b.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusLeased, gotOther.Status, "the live worker's lease must be untouched")
	assert.Equal(t, "live-worker", gotOther.LeasedBy)
}

func TestRecover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemoryTaskStore()
	clock := newFakeClock()

	pending := task.New("scrape", "crawl", nil, 0, 3, clock.Now())
	require.NoError(t, st.Save(ctx, pending))

	interrupted := task.New("scrape", "crawl", nil, 0, 3, clock.Now())
	interrupted.Status = task.StatusRunning
	interrupted.Attempts = 1
	interrupted.LeaseToken = uuid.New()
	interrupted.LeasedBy = "w-old"
	require.NoError(t, st.Save(ctx, interrupted))

	exhausted := task.New("scrape", "crawl", nil, 0, 3, clock.Now())
	exhausted.Status = task.StatusLeased
	exhausted.Reclaims = 5
	exhausted.LeaseToken = uuid.New()
	require.NoError(t, st.Save(ctx, exhausted))

	done := task.New("scrape", "crawl", nil, 0, 3, clock.Now())
	done.Status = task.StatusSucceeded
	require.NoError(t, st.Save(ctx, done))

	orphan := task.New("scrape", "gone-queue", nil, 0, 3, clock.Now())
	require.NoError(t, st.Save(ctx, orphan))

	b := New(st, retry.NewPolicy(time.Second, time.Minute, 0), metrics.New(), testLogger(), Options{
		Queues:       map[string]QueueOptions{"crawl": {}},
		PollInterval: 20 * time.Millisecond,
	})
	b.SetClock(clock.Now)
	require.NoError(t, b.Recover(ctx))

	gotPending, err := b.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, gotPending.Status)

	gotInterrupted, err := b.Get(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, gotInterrupted.Status, "interrupted executions return to pending")
	assert.Equal(t, 1, gotInterrupted.Attempts, "the lost execution must not consume an attempt")
	assert.Equal(t, 1, gotInterrupted.Reclaims)
	assert.Equal(t, uuid.Nil, gotInterrupted.LeaseToken)

	gotExhausted, err := b.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDeadLettered, gotExhausted.Status, "the reclaim ceiling applies across restarts")

	// Both survivors should be leasable.
	var leasedIDs []uuid.UUID
	for i := 0; i < 2; i++ {
		leased, err := b.Lease(ctx, "crawl", "w1")
		require.NoError(t, err)
		require.NotNil(t, leased)
		leasedIDs = append(leasedIDs, leased.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{pending.ID, interrupted.ID}, leasedIDs)
}

func TestAgePending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _, clock := newTestBroker(t, Options{
		Queues:    map[string]QueueOptions{"crawl": {}},
		AgingStep: time.Minute,
	})

	waiting := enqueue(t, b, clock, "crawl", 1, 3)
	clock.Advance(5 * time.Minute)
	fresh := enqueue(t, b, clock, "crawl", 4, 3)

	// Without aging the fresher, higher-priority task would lease first.
	b.AgePending()

	got, err := b.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.EffectivePriority, "five aging steps should add five to the base priority")
	assert.Equal(t, 1, got.Priority, "the base priority never changes")

	first, err := b.Lease(ctx, "crawl", "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, waiting.ID, first.ID, "an aged task overtakes fresher higher-priority work")

	second, err := b.Lease(ctx, "crawl", "w1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, fresh.ID, second.ID)
}

func TestAgePendingDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _, clock := newTestBroker(t, Options{}, "crawl")

	tk := enqueue(t, b, clock, "crawl", 1, 3)
	clock.Advance(time.Hour)
	b.AgePending()

	got, err := b.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EffectivePriority, "aging is off when no step is configured")
}

func TestSweepRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, st, clock := newTestBroker(t, Options{
		Queues:          map[string]QueueOptions{"crawl": {}},
		RetentionWindow: time.Hour,
	})

	old := enqueue(t, b, clock, "crawl", 0, 3)
	leased, err := b.Lease(ctx, "crawl", "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, b.Fail(ctx, leased.ID, leased.LeaseToken, errors.New("bad"))) // retrying

	clock.Advance(2 * time.Second)
	leased, err = b.Lease(ctx, "crawl", "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, b.Fail(ctx, leased.ID, leased.LeaseToken, task.Terminal(errors.New("bad")))) // dead-lettered

	live := enqueue(t, b, clock, "crawl", 0, 3)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, b.SweepRetention(ctx))

	_, err = b.Get(ctx, old.ID)
	assert.ErrorIs(t, err, task.ErrNotFound, "swept tasks are gone from memory and store alike")
	assert.Equal(t, 1, st.Len())

	got, err := b.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}
