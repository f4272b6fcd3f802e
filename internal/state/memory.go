package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides in-memory execution state storage.
type MemoryStore struct {
	states map[string]*ExecutionState
	mu     sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory execution state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*ExecutionState),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Get returns the state for a task, a zero-valued record if none exists.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[taskID]
	if !ok {
		return &ExecutionState{TaskID: taskID, PlanPhase: defaultPlanPhase()}, nil
	}
	return st.Clone(), nil
}

// Mutate applies fn to the task's record under the store lock.
func (s *MemoryStore) Mutate(ctx context.Context, taskID string, fn func(*ExecutionState)) (*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[taskID]
	if !ok {
		st = &ExecutionState{TaskID: taskID, PlanPhase: defaultPlanPhase()}
		s.states[taskID] = st
	}
	fn(st)
	st.TaskID = taskID
	st.UpdatedAt = time.Now().UTC()
	return st.Clone(), nil
}

// ResetRunning clears stale running flags on every record.
func (s *MemoryStore) ResetRunning(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, st := range s.states {
		if !st.IsRunning {
			continue
		}
		st.IsRunning = false
		st.CurrentRunID = ""
		st.UpdatedAt = time.Now().UTC()
		count++
	}
	return count, nil
}

// Delete removes the record for a task.
func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, taskID)
	return nil
}
