package featureflags

import (
	"context"
	"errors"
)

// ErrFlagNotFound is returned when a flag has never been set.
var ErrFlagNotFound = errors.New("feature flag not found")

// Repository defines the interface for flag storage.
type Repository interface {
	// GetFlag retrieves a single flag by key.
	GetFlag(ctx context.Context, key string) (*Flag, error)

	// GetAllFlags retrieves every stored flag.
	GetAllFlags(ctx context.Context) (map[string]*Flag, error)

	// SetFlag creates or updates a flag.
	SetFlag(ctx context.Context, flag *Flag) error
}
