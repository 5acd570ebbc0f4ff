// Package worker runs the per-queue execution slots. Each slot loops
// lease → rate-limit check → handler invocation → ack/fail, independently
// of its siblings, so one slow task never blocks the rest of the pool.
// The pool can be resized at runtime by the autoscaler; removed slots
// drain their in-flight task before exiting.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskwell/taskwell/internal/health"
	"github.com/taskwell/taskwell/internal/metrics"
	"github.com/taskwell/taskwell/internal/ratelimit"
	"github.com/taskwell/taskwell/internal/task"
)

// Broker is the subset of broker operations a slot needs.
type Broker interface {
	Lease(ctx context.Context, queue, workerID string) (*task.Task, error)
	MarkRunning(ctx context.Context, id, token uuid.UUID, cancel context.CancelFunc) error
	Ack(ctx context.Context, id, token uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id, token uuid.UUID, failErr error) error
	Yield(ctx context.Context, id, token uuid.UUID, delay time.Duration) error
}

// Config holds the tunables shared by every slot in a pool.
type Config struct {
	// Queue is the queue this pool serves.
	Queue string

	// InitialSlots is the number of slots started by Start. This is the
	// queue's concurrency limit; the autoscaler may resize within its
	// replica bounds afterward.
	InitialSlots int

	// YieldDelay is the short fixed requeue delay applied when the rate
	// limiter denies a task.
	YieldDelay time.Duration

	// IdleSleep bounds the jittered pause after an empty lease, on top of
	// the broker's own poll wait.
	IdleSleep time.Duration

	// LeaseErrorBackoff is the pause after a broker error before the slot
	// retries, so a broker outage does not turn into a hot loop.
	LeaseErrorBackoff time.Duration

	// HeartbeatInterval is how often each slot reports liveness.
	HeartbeatInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialSlots <= 0 {
		c.InitialSlots = 1
	}
	if c.YieldDelay <= 0 {
		c.YieldDelay = 500 * time.Millisecond
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 250 * time.Millisecond
	}
	if c.LeaseErrorBackoff <= 0 {
		c.LeaseErrorBackoff = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
}

// Pool manages the execution slots for one queue.
type Pool struct {
	broker   Broker
	registry *task.Registry
	limiter  *ratelimit.Limiter
	beats    health.HeartbeatSink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config

	mu    sync.Mutex
	slots []*slot
	wg    sync.WaitGroup
}

// NewPool creates a Pool for cfg.Queue. Start must be called before tasks
// are processed.
func NewPool(b Broker, registry *task.Registry, limiter *ratelimit.Limiter,
	beats health.HeartbeatSink, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{
		broker:   b,
		registry: registry,
		limiter:  limiter,
		beats:    beats,
		metrics:  m,
		logger:   logger.With("queue", cfg.Queue),
		cfg:      cfg,
	}
}

// Queue returns the queue this pool serves.
func (p *Pool) Queue() string { return p.cfg.Queue }

// Start launches the initial slots.
func (p *Pool) Start() {
	p.Resize(p.cfg.InitialSlots)
	p.logger.Info("worker pool started", "slots", p.cfg.InitialSlots)
}

// Stop drains every slot and waits for them to exit. In-flight handler
// invocations run to completion; no new leases are taken.
func (p *Pool) Stop() {
	p.Resize(0)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Size returns the current number of slots, including ones still draining
// out after a scale-down.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Resize grows or shrinks the pool to n slots. Growing spawns slots
// immediately; shrinking signals the newest slots to drain, so their
// current task finishes before the slot exits.
func (p *Pool) Resize(n int) {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.slots) < n {
		s := p.newSlot()
		p.slots = append(p.slots, s)
		p.wg.Add(1)
		go s.run()
	}
	for len(p.slots) > n {
		last := p.slots[len(p.slots)-1]
		p.slots = p.slots[:len(p.slots)-1]
		last.stop()
	}
}

func (p *Pool) newSlot() *slot {
	ctx, cancel := context.WithCancel(context.Background())
	return &slot{
		pool:   p,
		id:     fmt.Sprintf("%s-%s", p.cfg.Queue, uuid.NewString()[:8]),
		ctx:    ctx,
		cancel: cancel,
	}
}

// slot is one execution loop. Its ctx only gates leasing; handler
// executions get their own context so draining never aborts in-flight
// work.
type slot struct {
	pool   *Pool
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	busy bool
}

func (s *slot) stop() { s.cancel() }

func (s *slot) setBusy(v bool) {
	s.mu.Lock()
	s.busy = v
	s.mu.Unlock()
}

func (s *slot) isBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *slot) run() {
	p := s.pool
	defer p.wg.Done()

	logger := p.logger.With("worker_id", s.id)
	logger.Debug("slot started")
	p.metrics.WorkersOnline.WithLabelValues(p.cfg.Queue).Inc()

	hbDone := make(chan struct{})
	go s.heartbeatLoop(hbDone)

	defer func() {
		close(hbDone)
		p.beats.Deregister(s.id)
		p.metrics.WorkersOnline.WithLabelValues(p.cfg.Queue).Dec()
		logger.Debug("slot stopped")
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		t, err := p.broker.Lease(s.ctx, p.cfg.Queue, s.id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("lease failed, backing off", "error", err)
			s.sleep(p.cfg.LeaseErrorBackoff)
			continue
		}
		if t == nil {
			// Empty queue; jittered sleep bounds broker polling load.
			s.sleep(time.Duration(rand.Int63n(int64(p.cfg.IdleSleep))) + p.cfg.IdleSleep/2)
			continue
		}

		s.setBusy(true)
		s.process(t, logger)
		s.setBusy(false)
	}
}

// sleep pauses without outliving the slot.
func (s *slot) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
	case <-timer.C:
	}
}

func (s *slot) heartbeatLoop(done <-chan struct{}) {
	p := s.pool
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	beat := func() {
		p.beats.Heartbeat(health.Heartbeat{
			WorkerID: s.id,
			Queue:    p.cfg.Queue,
			Busy:     s.isBusy(),
			At:       time.Now(),
		})
	}
	beat()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			beat()
		}
	}
}
