package featureflags

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownFlag is returned when setting a key the engine never consults.
var ErrUnknownFlag = errors.New("unknown feature flag")

// ServiceConfig holds configuration for the flag service.
type ServiceConfig struct {
	Repository Repository
	Logger     zerolog.Logger

	// CacheTTL is how long flags are served from memory. Default: 30 seconds
	CacheTTL time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Service evaluates flags with a short-lived cache. Storage errors fall back to
// the last cached value, then to the default.
type Service struct {
	repo     Repository
	logger   zerolog.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu          sync.RWMutex
	cache       map[string]*Flag
	cacheExpiry time.Time
}

// NewService creates a new flag service.
func NewService(cfg ServiceConfig) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:     cfg.Repository,
		logger:   cfg.Logger,
		cacheTTL: ttl,
		now:      now,
		cache:    make(map[string]*Flag),
	}
}

// IsEnabled reports whether the switch is on. Unknown and unset switches are off.
func (s *Service) IsEnabled(ctx context.Context, key string) bool {
	flags := s.load(ctx)
	if f, ok := flags[key]; ok {
		return f.Enabled
	}
	return false
}

// All returns every default and stored flag sorted by key.
func (s *Service) All(ctx context.Context) []Flag {
	merged := DefaultFlags()
	for k, v := range s.load(ctx) {
		merged[k] = v
	}

	out := make([]Flag, 0, len(merged))
	for _, f := range merged {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Set turns a switch on or off on behalf of an operator.
func (s *Service) Set(ctx context.Context, key string, enabled bool, operator string) (*Flag, error) {
	if !Known(key) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlag, key)
	}

	flag := &Flag{Key: key, Enabled: enabled, UpdatedAt: s.now().UTC(), UpdatedBy: operator}
	if err := s.repo.SetFlag(ctx, flag); err != nil {
		return nil, fmt.Errorf("storing flag: %w", err)
	}

	// Readers hold the cached map without the lock, so it is replaced, not mutated.
	s.mu.Lock()
	next := make(map[string]*Flag, len(s.cache)+1)
	for k, v := range s.cache {
		next[k] = v
	}
	next[key] = flag
	s.cache = next
	s.mu.Unlock()

	s.logger.Info().
		Str("flag", key).
		Bool("enabled", enabled).
		Str("operator", operator).
		Msg("feature flag updated")
	return flag, nil
}

// NotificationsPaused reports whether delay notifications are suppressed.
func (s *Service) NotificationsPaused(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagPauseNotifications)
}

// SweepsPaused reports whether scheduled sweeps are skipped.
func (s *Service) SweepsPaused(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagPauseSweeps)
}

// ProviderDisabled reports whether the named traffic provider is switched off.
func (s *Service) ProviderDisabled(ctx context.Context, provider string) bool {
	return s.IsEnabled(ctx, ProviderFlag(provider))
}

// InvalidateCache forces the next read to go to storage.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheExpiry = time.Time{}
}

func (s *Service) load(ctx context.Context) map[string]*Flag {
	s.mu.RLock()
	if s.now().Before(s.cacheExpiry) {
		flags := s.cache
		s.mu.RUnlock()
		return flags
	}
	s.mu.RUnlock()

	flags, err := s.repo.GetAllFlags(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// Retry on the next cache period rather than on every read.
		s.logger.Warn().Err(err).Msg("failed to load feature flags, using cached values")
		s.cacheExpiry = s.now().Add(s.cacheTTL)
		return s.cache
	}
	s.cache = flags
	s.cacheExpiry = s.now().Add(s.cacheTTL)
	return flags
}
