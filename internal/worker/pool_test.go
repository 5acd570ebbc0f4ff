package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwell/taskwell/internal/broker"
	"github.com/taskwell/taskwell/internal/health"
	"github.com/taskwell/taskwell/internal/metrics"
	"github.com/taskwell/taskwell/internal/ratelimit"
	"github.com/taskwell/taskwell/internal/retry"
	"github.com/taskwell/taskwell/internal/store"
	"github.com/taskwell/taskwell/internal/task"
)

const testQueue = "crawl"

// testHandler delegates execution to a closure.
type testHandler struct {
	typ string
	fn  func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

func (h *testHandler) Type() string  { return h.typ }
func (h *testHandler) Queue() string { return testQueue }

func (h *testHandler) ValidatePayload(payload json.RawMessage) error { return nil }

func (h *testHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return h.fn(ctx, payload)
}

// recordingBeats captures heartbeat traffic.
type recordingBeats struct {
	mu           sync.Mutex
	beats        []health.Heartbeat
	deregistered []string
}

func (r *recordingBeats) Heartbeat(hb health.Heartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats = append(r.beats, hb)
}

func (r *recordingBeats) Deregister(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, workerID)
}

type testEnv struct {
	broker   *broker.Broker
	pool     *Pool
	registry *task.Registry
	limiter  *ratelimit.Limiter
	beats    *recordingBeats
}

// newTestEnv wires a pool to a real broker over the in-memory store, with
// intervals tightened so retries and polls resolve in test time.
func newTestEnv(t *testing.T, slots int, handlers ...task.Handler) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(
		store.NewMemoryTaskStore(),
		retry.NewPolicy(10*time.Millisecond, 100*time.Millisecond, 0),
		metrics.New(),
		logger,
		broker.Options{
			Queues:       map[string]broker.QueueOptions{testQueue: {}},
			PollInterval: 20 * time.Millisecond,
		},
	)

	registry := task.NewRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}

	limiter := ratelimit.New(nil)
	beats := &recordingBeats{}
	pool := NewPool(b, registry, limiter, beats, metrics.New(), logger, Config{
		Queue:             testQueue,
		InitialSlots:      slots,
		YieldDelay:        20 * time.Millisecond,
		IdleSleep:         10 * time.Millisecond,
		LeaseErrorBackoff: 50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})

	return &testEnv{broker: b, pool: pool, registry: registry, limiter: limiter, beats: beats}
}

func (e *testEnv) submit(t *testing.T, taskType string, maxAttempts int) *task.Task {
	t.Helper()
	tk := task.New(taskType, testQueue, json.RawMessage(`{}`), 0, maxAttempts, time.Now())
	require.NoError(t, e.broker.Enqueue(context.Background(), tk))
	return tk
}

func (e *testEnv) waitForStatus(t *testing.T, tk *task.Task, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		var err error
		got, err = e.broker.Get(context.Background(), tk.ID)
		return err == nil && got.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task should reach %s", want)
	return got
}

func TestPoolProcessesTasks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 2, &testHandler{
		typ: "echo",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"done"`), nil
		},
	})
	env.pool.Start()
	defer env.pool.Stop()

	tasks := []*task.Task{
		env.submit(t, "echo", 3),
		env.submit(t, "echo", 3),
		env.submit(t, "echo", 3),
	}

	for _, tk := range tasks {
		got := env.waitForStatus(t, tk, task.StatusSucceeded)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, json.RawMessage(`"done"`), got.Result)
	}
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	env := newTestEnv(t, 1, &testHandler{
		typ: "flaky",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, errors.New("upstream 503")
			}
			return json.RawMessage(`"recovered"`), nil
		},
	})
	env.pool.Start()
	defer env.pool.Stop()

	tk := env.submit(t, "flaky", 3)
	got := env.waitForStatus(t, tk, task.StatusSucceeded)
	assert.Equal(t, 3, got.Attempts, "two failures and a success are three attempts")
}

func TestPoolDeadLettersPanics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1, &testHandler{
		typ: "bomb",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			panic("boom")
		},
	})
	env.pool.Start()
	defer env.pool.Stop()

	tk := env.submit(t, "bomb", 2)
	got := env.waitForStatus(t, tk, task.StatusDeadLettered)
	assert.Equal(t, 2, got.Attempts, "panics are transient failures, retried to the budget")
	assert.Contains(t, got.LastError, "handler panic")
}

func TestPoolDeadLettersTerminalErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1, &testHandler{
		typ: "reject",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, task.Terminal(errors.New("schema mismatch"))
		},
	})
	env.pool.Start()
	defer env.pool.Stop()

	tk := env.submit(t, "reject", 5)
	got := env.waitForStatus(t, tk, task.StatusDeadLettered)
	assert.Equal(t, 1, got.Attempts, "terminal errors skip the remaining budget")
}

func TestPoolDeadLettersUnknownTypes(t *testing.T) {
	t.Parallel()

	// No handler registered for the submitted type: a stored task whose
	// handler disappeared across a deploy.
	env := newTestEnv(t, 1)
	env.pool.Start()
	defer env.pool.Stop()

	tk := env.submit(t, "vanished", 3)
	got := env.waitForStatus(t, tk, task.StatusDeadLettered)
	assert.Contains(t, got.LastError, "unknown task type")
}

func TestPoolYieldsOnRateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1, &testHandler{
		typ: "limited",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"ok"`), nil
		},
	})
	// One token, effectively no refill: the second task must yield.
	env.limiter.Set("limited", ratelimit.Limit{Rate: 0.0001, Burst: 1})
	env.pool.Start()
	defer env.pool.Stop()

	first := env.submit(t, "limited", 3)
	second := env.submit(t, "limited", 3)

	require.Eventually(t, func() bool {
		a, errA := env.broker.Get(context.Background(), first.ID)
		b, errB := env.broker.Get(context.Background(), second.ID)
		if errA != nil || errB != nil {
			return false
		}
		done := 0
		if a.Status == task.StatusSucceeded {
			done++
		}
		if b.Status == task.StatusSucceeded {
			done++
		}
		return done == 1
	}, 3*time.Second, 5*time.Millisecond, "exactly one task should get the only token")

	// The starved task cycles between leased and retrying without ever
	// consuming an attempt.
	a, err := env.broker.Get(context.Background(), first.ID)
	require.NoError(t, err)
	b, err := env.broker.Get(context.Background(), second.ID)
	require.NoError(t, err)

	starved := a
	if a.Status == task.StatusSucceeded {
		starved = b
	}
	assert.Equal(t, 0, starved.Attempts, "back-pressure must not consume attempts")
	assert.NotEqual(t, task.StatusSucceeded, starved.Status)
	assert.NotEqual(t, task.StatusDeadLettered, starved.Status)
}

func TestPoolCooperativeCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	env := newTestEnv(t, 1, &testHandler{
		typ: "slow",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	env.pool.Start()
	defer env.pool.Stop()

	tk := env.submit(t, "slow", 3)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	_, err := env.broker.Cancel(context.Background(), tk.ID)
	require.NoError(t, err)

	got := env.waitForStatus(t, tk, task.StatusCancelled)
	assert.Equal(t, 0, got.Attempts, "a cancelled execution is not a failed attempt")
}

func TestPoolResize(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 2, &testHandler{
		typ: "echo",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	})
	env.pool.Start()
	assert.Equal(t, 2, env.pool.Size())

	env.pool.Resize(5)
	assert.Equal(t, 5, env.pool.Size())

	env.pool.Resize(1)
	assert.Equal(t, 1, env.pool.Size())

	env.pool.Stop()
	assert.Equal(t, 0, env.pool.Size())
}

func TestPoolStopDrainsInFlightWork(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, 1, &testHandler{
		typ: "slow",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`"finished"`), nil
		},
	})
	env.pool.Start()

	tk := env.submit(t, "slow", 3)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	stopped := make(chan struct{})
	go func() {
		env.pool.Stop()
		close(stopped)
	}()

	// Stop must block on the in-flight task, not abort it.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was still executing")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop never returned after the task finished")
	}

	got, err := env.broker.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status, "drained work runs to completion")
}

func TestPoolHeartbeats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1, &testHandler{
		typ: "echo",
		fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	})
	env.pool.Start()

	require.Eventually(t, func() bool {
		env.beats.mu.Lock()
		defer env.beats.mu.Unlock()
		return len(env.beats.beats) > 0
	}, 3*time.Second, 5*time.Millisecond, "slots should report liveness")

	env.beats.mu.Lock()
	hb := env.beats.beats[0]
	env.beats.mu.Unlock()
	assert.Equal(t, testQueue, hb.Queue)
	assert.True(t, strings.HasPrefix(hb.WorkerID, testQueue+"-"), "slot IDs carry their queue name")

	env.pool.Stop()
	env.beats.mu.Lock()
	defer env.beats.mu.Unlock()
	assert.Len(t, env.beats.deregistered, 1, "a cleanly stopped slot deregisters itself")
	assert.Equal(t, hb.WorkerID, env.beats.deregistered[0])
}
