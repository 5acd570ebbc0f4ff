package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler performs the actual work for one task type. Implementations are
// registered at process start and looked up by type key at dispatch time.
//
// Execute receives the validated payload and returns the result document or
// an error. Errors wrapped with Terminal are dead-lettered without retry;
// all other errors are treated as transient and retried with backoff up to
// the task's attempt ceiling. Cancellation is cooperative: ctx is cancelled
// when the task is cancelled, but a handler that never checks ctx runs to
// completion.
type Handler interface {
	// Type returns the task type key this handler serves.
	Type() string

	// Queue returns the name of the queue tasks of this type run on.
	Queue() string

	// ValidatePayload checks the payload against the handler's schema.
	// It is called synchronously at submission; a non-nil return rejects
	// the submission with ErrInvalidPayload without enqueuing.
	ValidatePayload(payload json.RawMessage) error

	// Execute runs the work.
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Registry maps task type keys to their handlers. Registration happens once
// during startup; lookups are concurrent with dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for its declared type. Registering the same type
// twice is a wiring bug, so it panics the way duplicate route registration
// does.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		panic(fmt.Sprintf("task: handler already registered for type %q", h.Type()))
	}
	r.handlers[h.Type()] = h
}

// Lookup returns the handler for the given type, or ErrUnknownTaskType.
func (r *Registry) Lookup(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	return h, nil
}

// Types returns the registered type keys in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
