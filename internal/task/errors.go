package task

import "errors"

// Errors shared across the task subsystem. Submission-time errors
// (ErrUnknownTaskType, ErrInvalidPayload) are rejected synchronously and
// never enqueued.
var (
	// ErrUnknownTaskType is returned when a submission names a type with no
	// registered handler.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidPayload is returned when a payload fails the handler's
	// schema validation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNotFound is returned when a task ID does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidLease is returned when an ack/fail/yield presents a lease
	// token that no longer matches the task's current lease. The late
	// operation is discarded; the task's authoritative state wins.
	ErrInvalidLease = errors.New("invalid lease token")

	// ErrAlreadyTerminal is returned when an operation targets a task that
	// has reached an immutable terminal state.
	ErrAlreadyTerminal = errors.New("task already in terminal state")

	// ErrQueueUnknown is returned when an operation names a queue that is
	// not configured.
	ErrQueueUnknown = errors.New("unknown queue")
)

// terminalError marks a handler failure as non-retryable. Wrapping an error
// with Terminal routes it straight to the dead-letter state with attempts
// frozen at the failing count.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return "terminal: " + e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the retry controller dead-letters the task
// immediately instead of scheduling a retry. A nil err returns nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminalError reports whether any error in err's chain was marked with
// Terminal.
func IsTerminalError(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
