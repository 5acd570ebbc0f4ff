// Package autoscale adjusts per-queue worker replica counts from the
// health monitor's signals. The decision policy is a pure function
// evaluated on a fixed tick; actuation goes through the same Scaler
// interface an operator-facing admin command would use, keeping the policy
// testable apart from any deployment platform.
package autoscale

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskwell/taskwell/internal/health"
	"github.com/taskwell/taskwell/internal/metrics"
)

// Scaler is the actuation surface: the worker pool supervisor for a queue.
type Scaler interface {
	Queue() string
	Size() int
	Resize(n int)
}

// Snapshotter provides the per-queue signals decisions are made from.
type Snapshotter interface {
	Snapshot() map[string]health.QueueHealth
}

// QueuePolicy is one queue's scaling configuration.
type QueuePolicy struct {
	// ConcurrencyLimit is the queue's configured concurrency, the
	// denominator of the backlog ratio.
	ConcurrencyLimit int

	// MinReplicas may be zero, letting idle queues cost nothing.
	MinReplicas int
	MaxReplicas int

	// ScaleUpThreshold triggers growth when depth/concurrency exceeds it.
	ScaleUpThreshold float64

	// ScaleDownThreshold shrinks the pool when utilization stays below it
	// for ScaleDownWindow.
	ScaleDownThreshold float64
	ScaleDownWindow    time.Duration

	// Independent cooldowns prevent oscillation.
	UpCooldown   time.Duration
	DownCooldown time.Duration
}

// Decision is the outcome of one policy evaluation.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionUp
	DecisionDown
)

// Sample is the signal set for one queue at one tick.
type Sample struct {
	Depth    int
	Replicas int
	Online   int
	Busy     int
}

// Utilization returns busy/online, or zero with no workers online.
func (s Sample) Utilization() float64 {
	if s.Online == 0 {
		return 0
	}
	return float64(s.Busy) / float64(s.Online)
}

// queueState is the controller's memory between ticks.
type queueState struct {
	lastUp   time.Time
	lastDown time.Time
	lowSince time.Time
}

// decide evaluates the policy for one sample. st is mutated to track the
// sustained-low-utilization window and cooldown timestamps.
func decide(p QueuePolicy, s Sample, st *queueState, now time.Time) Decision {
	// Scale up: backlog pressure, headroom, and out of cooldown.
	if p.ConcurrencyLimit > 0 && s.Replicas < p.MaxReplicas {
		ratio := float64(s.Depth) / float64(p.ConcurrencyLimit)
		if ratio > p.ScaleUpThreshold && now.Sub(st.lastUp) >= p.UpCooldown {
			st.lastUp = now
			st.lowSince = time.Time{}
			return DecisionUp
		}
	}

	// Scale down: utilization sustained below threshold for the window.
	// Pending backlog resets the window — a queue with waiting work is not
	// idle even if its workers happen to be between tasks.
	low := s.Utilization() < p.ScaleDownThreshold && s.Depth == 0
	if !low {
		st.lowSince = time.Time{}
		return DecisionNone
	}
	if st.lowSince.IsZero() {
		st.lowSince = now
		return DecisionNone
	}
	if s.Replicas > p.MinReplicas &&
		now.Sub(st.lowSince) >= p.ScaleDownWindow &&
		now.Sub(st.lastDown) >= p.DownCooldown {
		st.lastDown = now
		st.lowSince = time.Time{}
		return DecisionDown
	}
	return DecisionNone
}

// Controller runs the scaling loop over every registered pool.
type Controller struct {
	snap     Snapshotter
	pools    map[string]Scaler
	policies map[string]QueuePolicy
	states   map[string]*queueState
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tick     time.Duration
	now      func() time.Time
}

// NewController creates a Controller evaluating every tick.
func NewController(snap Snapshotter, m *metrics.Metrics, logger *slog.Logger, tick time.Duration) *Controller {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Controller{
		snap:     snap,
		pools:    make(map[string]Scaler),
		policies: make(map[string]QueuePolicy),
		states:   make(map[string]*queueState),
		metrics:  m,
		logger:   logger,
		tick:     tick,
		now:      time.Now,
	}
}

// SetClock replaces the controller's time source. Test helper.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Register binds a pool to its scaling policy.
func (c *Controller) Register(pool Scaler, policy QueuePolicy) {
	queue := pool.Queue()
	c.pools[queue] = pool
	c.policies[queue] = policy
	c.states[queue] = &queueState{}
}

// Run evaluates the policy on a fixed tick until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	c.logger.Info("autoscaler started", "tick", c.tick)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("autoscaler stopping")
			return
		case <-ticker.C:
			c.Evaluate(ctx)
		}
	}
}

// Evaluate runs one decision pass over every queue, applying at most one
// replica step per queue per tick.
func (c *Controller) Evaluate(ctx context.Context) {
	snapshot := c.snap.Snapshot()
	now := c.now()

	for queue, pool := range c.pools {
		policy := c.policies[queue]
		h := snapshot[queue]
		sample := Sample{
			Depth:    h.Depth,
			Replicas: pool.Size(),
			Online:   h.WorkersOnline,
			Busy:     h.WorkersBusy,
		}

		switch decide(policy, sample, c.states[queue], now) {
		case DecisionUp:
			target := sample.Replicas + 1
			pool.Resize(target)
			c.metrics.ScaleEvents.WithLabelValues(queue, "up").Inc()
			c.logger.Info("scaled up",
				"queue", queue,
				"replicas", target,
				"depth", sample.Depth)
		case DecisionDown:
			target := sample.Replicas - 1
			pool.Resize(target)
			c.metrics.ScaleEvents.WithLabelValues(queue, "down").Inc()
			c.logger.Info("scaled down",
				"queue", queue,
				"replicas", target,
				"utilization", sample.Utilization())
		}
	}
}
