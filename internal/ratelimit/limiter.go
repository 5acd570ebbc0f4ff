// Package ratelimit guards outbound calls to rate-limited external services
// with one token bucket per task type. Buckets are shared by every worker
// slot processing that type, regardless of which queue the task came from.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit configures one task type's bucket: a sustained tasks-per-second rate
// and a burst ceiling.
type Limit struct {
	Rate  float64
	Burst int
}

// Limiter holds the per-type token buckets. Types with no configured limit
// are unlimited.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]Limit
	limiters map[string]*rate.Limiter
}

// New creates a Limiter from the configured per-type limits.
func New(limits map[string]Limit) *Limiter {
	l := &Limiter{
		limits:   make(map[string]Limit, len(limits)),
		limiters: make(map[string]*rate.Limiter, len(limits)),
	}
	for t, lim := range limits {
		l.Set(t, lim)
	}
	return l
}

// Set installs or replaces the limit for a task type. A non-positive rate
// removes the limit.
func (l *Limiter) Set(taskType string, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim.Rate <= 0 {
		delete(l.limits, taskType)
		delete(l.limiters, taskType)
		return
	}
	if lim.Burst <= 0 {
		lim.Burst = 1
	}
	l.limits[taskType] = lim
	l.limiters[taskType] = rate.NewLimiter(rate.Limit(lim.Rate), lim.Burst)
}

// Allow reports whether a task of the given type may execute now. The check
// is non-blocking: a denial is back-pressure, handled by the caller as a
// soft yield rather than an execution failure.
func (l *Limiter) Allow(taskType string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[taskType]
	l.mu.Unlock()
	if !ok {
		return true
	}
	return lim.Allow()
}

// Limited reports whether the given type has a configured limit.
func (l *Limiter) Limited(taskType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.limiters[taskType]
	return ok
}
