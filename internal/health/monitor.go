// Package health tracks worker liveness and queue depth. Workers emit
// heartbeats at a fixed interval; a worker that misses three intervals is
// marked offline and its leases are reclaimed. The monitor also drives the
// broker's periodic maintenance (expired-lease reclamation, priority aging,
// retention sweeps) and keeps the queue gauges fresh for the autoscaler
// and the metrics endpoint.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskwell/taskwell/internal/broker"
	"github.com/taskwell/taskwell/internal/metrics"
)

// offlineMultiplier is how many missed heartbeat intervals mark a worker
// offline.
const offlineMultiplier = 3

// Heartbeat is one worker slot's liveness report.
type Heartbeat struct {
	WorkerID string
	Queue    string
	Busy     bool
	At       time.Time
}

// HeartbeatSink receives worker liveness reports.
type HeartbeatSink interface {
	// Heartbeat records a liveness report.
	Heartbeat(hb Heartbeat)

	// Deregister removes a worker that exited cleanly, so its absence is
	// not treated as a death.
	Deregister(workerID string)
}

// BrokerControl is the maintenance surface the monitor drives.
type BrokerControl interface {
	Stats() map[string]broker.QueueStats
	ReclaimExpiredLeases(ctx context.Context) int
	ReclaimWorker(ctx context.Context, workerID string) int
	AgePending()
	SweepRetention(ctx context.Context) int
}

// QueueHealth is one queue's combined broker and worker view.
type QueueHealth struct {
	Depth            int
	OldestPendingAge time.Duration
	InFlight         int
	WorkersOnline    int
	WorkersBusy      int
}

type workerInfo struct {
	queue    string
	busy     bool
	lastBeat time.Time
}

// Monitor aggregates heartbeats and runs the maintenance tick.
type Monitor struct {
	broker  BrokerControl
	metrics *metrics.Metrics
	logger  *slog.Logger

	// interval is the expected heartbeat interval; the maintenance tick
	// runs at the same cadence.
	interval time.Duration

	// pinger reports broker-store connectivity for the health endpoint.
	// Nil means the store is in-process and always reachable.
	pinger func(ctx context.Context) error

	now func() time.Time

	mu      sync.Mutex
	workers map[string]*workerInfo
}

// NewMonitor creates a Monitor expecting heartbeats every interval.
func NewMonitor(b BrokerControl, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		broker:   b,
		metrics:  m,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		workers:  make(map[string]*workerInfo),
	}
}

// SetPinger installs a connectivity probe for the durable store.
func (m *Monitor) SetPinger(p func(ctx context.Context) error) { m.pinger = p }

// SetClock replaces the monitor's time source. Test helper.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Heartbeat records a worker's liveness report.
func (m *Monitor) Heartbeat(hb Heartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[hb.WorkerID] = &workerInfo{
		queue:    hb.Queue,
		busy:     hb.Busy,
		lastBeat: hb.At,
	}
}

// Deregister removes a cleanly exited worker.
func (m *Monitor) Deregister(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
}

// Run drives the maintenance loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopping")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick is one maintenance pass: expire dead workers and reclaim their
// leases, then run the broker's own janitor work and refresh the gauges.
func (m *Monitor) tick(ctx context.Context) {
	cutoff := m.now().Add(-offlineMultiplier * m.interval)

	m.mu.Lock()
	var dead []string
	for id, info := range m.workers {
		if info.lastBeat.Before(cutoff) {
			dead = append(dead, id)
			delete(m.workers, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dead {
		n := m.broker.ReclaimWorker(ctx, id)
		m.logger.Warn("worker offline, leases reclaimed",
			"worker_id", id,
			"reclaimed", n)
	}

	m.broker.ReclaimExpiredLeases(ctx)
	m.broker.AgePending()
	m.broker.SweepRetention(ctx)

	for queue, s := range m.broker.Stats() {
		m.metrics.QueueDepth.WithLabelValues(queue).Set(float64(s.Depth))
		m.metrics.OldestPendingAge.WithLabelValues(queue).Set(s.OldestPendingAge.Seconds())
	}
}

// Snapshot returns the combined per-queue view used by the autoscaler.
func (m *Monitor) Snapshot() map[string]QueueHealth {
	stats := m.broker.Stats()
	out := make(map[string]QueueHealth, len(stats))
	for queue, s := range stats {
		out[queue] = QueueHealth{
			Depth:            s.Depth,
			OldestPendingAge: s.OldestPendingAge,
			InFlight:         s.InFlight,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.workers {
		h := out[info.queue]
		h.WorkersOnline++
		if info.busy {
			h.WorkersBusy++
		}
		out[info.queue] = h
	}
	return out
}

// WorkersOnline returns the total number of live workers across queues.
func (m *Monitor) WorkersOnline() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// BrokerConnected probes the durable store, returning true when no probe
// is configured.
func (m *Monitor) BrokerConnected(ctx context.Context) bool {
	if m.pinger == nil {
		return true
	}
	return m.pinger(ctx) == nil
}
