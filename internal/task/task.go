package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current lifecycle state of a task
type Status string

// Possible task status values
const (
	StatusPending      Status = "pending"
	StatusLeased       Status = "leased"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusRetrying     Status = "retrying"
	StatusDeadLettered Status = "dead_lettered"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether the status is a final state. Terminal states
// are immutable once reached.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusDeadLettered, StatusCancelled:
		return true
	}
	return false
}

// DefaultMaxAttempts is the retry ceiling applied when a submission does not
// specify one.
const DefaultMaxAttempts = 3

// Task is the durable record of one unit of asynchronous work.
// It is mutated only through the broker's lease-token-guarded operations;
// read paths work on Clone()d snapshots.
type Task struct {
	// ID is assigned at submission and immutable.
	ID uuid.UUID

	// Type selects the registered handler and, through it, the queue.
	Type string

	// Queue is the name of the queue the task was enqueued on.
	Queue string

	// Payload is opaque structured data passed verbatim to the handler.
	Payload json.RawMessage

	// Priority orders leasing within a queue; higher values are leased first.
	Priority int

	// EffectivePriority is Priority plus any aging bonus. Leasing orders by
	// this value so long-waiting low-priority tasks cannot starve forever.
	EffectivePriority int

	Status Status

	// Attempts counts completed executions (failures plus the final
	// success). It is incremented only when an execution reports a result,
	// never by leasing, rate-limit yields, or lease reclamation.
	Attempts    int
	MaxAttempts int

	// Reclaims counts lease expirations. A hard ceiling on this value
	// prevents a task that is endlessly reclaimed from looping forever.
	Reclaims int

	CreatedAt   time.Time
	LeasedAt    time.Time
	CompletedAt time.Time

	// NotVisibleUntil delays visibility to Lease, used for retry backoff
	// and rate-limit yields. Zero means immediately visible.
	NotVisibleUntil time.Time

	// LeaseToken proves ownership of the current lease. uuid.Nil when the
	// task is not leased. Single-use: invalidated on ack, fail, yield and
	// expiry.
	LeaseToken uuid.UUID

	// LeaseDeadline is when the current lease expires and the task becomes
	// eligible for reclamation.
	LeaseDeadline time.Time

	// LeasedBy identifies the worker slot holding the current lease.
	LeasedBy string

	// Result holds the handler's output after a successful execution.
	Result json.RawMessage

	// LastError is the most recent failure detail, retained through
	// dead-lettering for operator inspection.
	LastError string

	// CancelRequested is set by Cancel for leased/running tasks. The
	// handler observes it cooperatively through its context.
	CancelRequested bool
}

// Clone returns a deep copy of the task. Byte slices are copied so callers
// cannot alias broker-owned state.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// VisibleAt reports whether the task may be leased at the given instant.
func (t *Task) VisibleAt(now time.Time) bool {
	return t.NotVisibleUntil.IsZero() || !now.Before(t.NotVisibleUntil)
}

// New creates a pending task for the given type and queue. The caller is
// expected to have validated the payload against the handler's schema.
func New(taskType, queue string, payload json.RawMessage, priority, maxAttempts int, now time.Time) *Task {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Task{
		ID:                uuid.New(),
		Type:              taskType,
		Queue:             queue,
		Payload:           payload,
		Priority:          priority,
		EffectivePriority: priority,
		Status:            StatusPending,
		MaxAttempts:       maxAttempts,
		CreatedAt:         now,
	}
}
