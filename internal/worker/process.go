package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskwell/taskwell/internal/task"
)

// process runs one leased task through the rate limiter and its handler,
// then acks or fails it. Handler errors never escape the slot.
func (s *slot) process(t *task.Task, logger *slog.Logger) {
	p := s.pool
	logger = logger.With(
		"task_id", t.ID,
		"task_type", t.Type,
		"attempts", t.Attempts,
	)

	// The lifecycle calls below use a background context: slot shutdown
	// must not abort bookkeeping for a task we already own.
	ctx := context.Background()

	handler, err := p.registry.Lookup(t.Type)
	if err != nil {
		// A stored task whose type lost its handler (config drift across a
		// deploy); nothing will ever be able to run it.
		logger.Error("no handler for leased task, dead-lettering")
		s.reportFailure(ctx, t, task.Terminal(err), logger)
		return
	}

	if !p.limiter.Allow(t.Type) {
		p.metrics.RateLimitRejections.WithLabelValues(t.Type).Inc()
		logger.Debug("rate limited, yielding", "yield_delay", p.cfg.YieldDelay)
		if err := p.broker.Yield(ctx, t.ID, t.LeaseToken, p.cfg.YieldDelay); err != nil {
			logger.Warn("yield discarded", "error", err)
		}
		return
	}

	// Cooperative cancellation: the broker cancels execCtx when the task
	// is cancelled or its lease is reclaimed.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := p.broker.MarkRunning(ctx, t.ID, t.LeaseToken, cancel); err != nil {
		// Lost the lease between leasing and starting (reclaim or cancel).
		logger.Warn("could not start leased task", "error", err)
		return
	}

	logger.Info("executing task")
	result, execErr := s.invoke(execCtx, handler, t.Payload)

	if execErr != nil {
		s.reportFailure(ctx, t, execErr, logger)
		return
	}

	if err := p.broker.Ack(ctx, t.ID, t.LeaseToken, result); err != nil {
		if errors.Is(err, task.ErrInvalidLease) {
			// Reclaimed while we ran; the authoritative state wins and our
			// result is discarded.
			logger.Warn("ack discarded, lease no longer valid")
			return
		}
		logger.Error("failed to ack task", "error", err)
	}
}

// invoke runs the handler with panic isolation. A panicking handler fails
// its task transiently instead of crashing the worker process.
func (s *slot) invoke(ctx context.Context, h task.Handler, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, payload)
}

func (s *slot) reportFailure(ctx context.Context, t *task.Task, execErr error, logger *slog.Logger) {
	if err := s.pool.broker.Fail(ctx, t.ID, t.LeaseToken, execErr); err != nil {
		if errors.Is(err, task.ErrInvalidLease) {
			logger.Warn("failure report discarded, lease no longer valid")
			return
		}
		logger.Error("failed to report task failure", "error", err)
	}
}
