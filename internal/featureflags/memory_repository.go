package featureflags

import (
	"context"
	"sync"
)

// InMemoryRepository is an in-memory implementation of Repository.
type InMemoryRepository struct {
	mu    sync.RWMutex
	flags map[string]Flag
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{flags: make(map[string]Flag)}
}

// GetFlag retrieves a single flag by key.
func (r *InMemoryRepository) GetFlag(_ context.Context, key string) (*Flag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flag, ok := r.flags[key]
	if !ok {
		return nil, ErrFlagNotFound
	}
	return &flag, nil
}

// GetAllFlags retrieves every stored flag.
func (r *InMemoryRepository) GetAllFlags(_ context.Context) (map[string]*Flag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Flag, len(r.flags))
	for k, v := range r.flags {
		out[k] = &v
	}
	return out, nil
}

// SetFlag creates or updates a flag.
func (r *InMemoryRepository) SetFlag(_ context.Context, flag *Flag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flags[flag.Key] = *flag
	return nil
}

var _ Repository = (*InMemoryRepository)(nil)
