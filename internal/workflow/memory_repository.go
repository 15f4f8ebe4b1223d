package workflow

import (
	"context"
	"sort"
	"sync"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use PostgresRepository.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]ExecutionState
}

// NewInMemoryRepository creates a new in-memory execution repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]ExecutionState),
	}
}

// GetExecutionHistory returns every run of a delivery, newest first.
func (r *InMemoryRepository) GetExecutionHistory(_ context.Context, deliveryID string) ([]ExecutionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ExecutionState
	for _, rec := range r.records {
		if rec.DeliveryID == deliveryID {
			out = append(out, rec.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// UpsertExecutionRecord creates or updates a record, leaving terminal records unchanged.
func (r *InMemoryRepository) UpsertExecutionRecord(_ context.Context, state *ExecutionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[state.WorkflowID]; ok && existing.Status.IsTerminal() {
		return nil
	}
	r.records[state.WorkflowID] = state.Clone()
	return nil
}

// ListActiveExecutions returns every non-terminal record, oldest first.
func (r *InMemoryRepository) ListActiveExecutions(_ context.Context) ([]ExecutionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ExecutionState
	for _, rec := range r.records {
		if !rec.Status.IsTerminal() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out, nil
}

func sortNewestFirst(states []ExecutionState) {
	sort.Slice(states, func(i, j int) bool {
		if !states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].StartedAt.After(states[j].StartedAt)
		}
		return states[i].WorkflowID > states[j].WorkflowID
	})
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
