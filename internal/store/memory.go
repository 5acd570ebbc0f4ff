package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskwell/taskwell/internal/task"
)

// MemoryTaskStore is an in-memory task.Store. It backs the broker when no
// database is configured and is the store used throughout the test suite.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*task.Task
}

// NewMemoryTaskStore creates an empty in-memory store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[uuid.UUID]*task.Task)}
}

// Save persists a newly created task.
func (s *MemoryTaskStore) Save(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: task %s", ErrDuplicate, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Update persists the current state of an existing task.
func (s *MemoryTaskStore) Update(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; !exists {
		return fmt.Errorf("%w: task %s", ErrNotFound, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get retrieves a task snapshot by ID.
func (s *MemoryTaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// ListByStatus retrieves all tasks in any of the given statuses, ordered by
// creation time.
func (s *MemoryTaskStore) ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	want := make(map[task.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	var out []*task.Task
	for _, t := range s.tasks {
		if want[t.Status] {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteTerminalBefore removes terminal tasks completed before cutoff.
func (s *MemoryTaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored tasks. Test helper.
func (s *MemoryTaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
