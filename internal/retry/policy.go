// Package retry decides what happens to a failed task execution: requeue
// with an exponentially growing delay, or dead-letter. The policy is pure so
// it can be tested in isolation from the broker.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/taskwell/taskwell/internal/task"
)

// Outcome is the retry controller's verdict for a failed execution.
type Outcome int

const (
	// OutcomeRetry requeues the task with a backoff delay.
	OutcomeRetry Outcome = iota

	// OutcomeDeadLetter dead-letters the task with its last error preserved.
	OutcomeDeadLetter
)

// Policy computes backoff delays and classifies failures. The zero value is
// not usable; construct with NewPolicy.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter is the fraction of the computed delay randomly added or
	// subtracted to decorrelate retries, in [0, 1).
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a Policy with the given parameters. A zero baseDelay
// defaults to one second; a zero maxDelay defaults to five minutes.
func NewPolicy(baseDelay, maxDelay time.Duration, jitter float64) *Policy {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	return &Policy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Jitter:    jitter,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed replaces the jitter source, letting tests make delays deterministic.
func (p *Policy) Seed(seed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rand.New(rand.NewSource(seed))
}

// Decide classifies a failed execution. attempts is the task's attempt count
// after the failure was recorded. Terminal errors and exhausted attempt
// budgets dead-letter; everything else retries after NextDelay(attempts).
func (p *Policy) Decide(err error, attempts, maxAttempts int) (Outcome, time.Duration) {
	if task.IsTerminalError(err) {
		return OutcomeDeadLetter, 0
	}
	if attempts >= maxAttempts {
		return OutcomeDeadLetter, 0
	}
	return OutcomeRetry, p.NextDelay(attempts)
}

// NextDelay returns base * 2^(attempts-1) with jitter applied, capped at
// MaxDelay. attempts below 1 are treated as 1.
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		p.mu.Lock()
		// Uniform in [-jitter, +jitter] of the computed delay.
		frac := (p.rng.Float64()*2 - 1) * p.Jitter
		p.mu.Unlock()
		delay += time.Duration(float64(delay) * frac)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
