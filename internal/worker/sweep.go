package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/monitor"
)

var (
	// ErrSweepInProgress is returned when a sweep is requested while another is running.
	ErrSweepInProgress = errors.New("sweep already in progress")

	// ErrSweepPaused is returned when operators have paused scheduled sweeps.
	ErrSweepPaused = errors.New("sweeps paused")
)

// Sweeper checks every monitored delivery once.
type Sweeper interface {
	Sweep(ctx context.Context) (*monitor.SweepResult, error)
}

var _ Sweeper = (*monitor.Service)(nil)

// SweepJob runs sweeps one at a time.
type SweepJob struct {
	sweeper Sweeper
	timeout time.Duration
	paused  func(context.Context) bool
	logger  zerolog.Logger
	running atomic.Bool
	metrics *SweepJobMetrics
}

// SweepJobMetrics tracks sweep job statistics.
type SweepJobMetrics struct {
	mu sync.RWMutex

	Runs       int64
	Overlapped int64
	Paused     int64
	Failures   int64
	Notified   int64

	LastRunAt       time.Time
	LastRunDuration time.Duration
	LastError       string
}

// SweepJobConfig holds configuration for creating a SweepJob.
type SweepJobConfig struct {
	Sweeper Sweeper
	Timeout time.Duration
	// Paused, if set, is consulted before each run.
	Paused func(context.Context) bool
	Logger zerolog.Logger
}

// NewSweepJob creates a new sweep job.
func NewSweepJob(cfg SweepJobConfig) *SweepJob {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSweepConfig().Timeout
	}
	return &SweepJob{
		sweeper: cfg.Sweeper,
		timeout: cfg.Timeout,
		paused:  cfg.Paused,
		logger:  cfg.Logger,
		metrics: &SweepJobMetrics{},
	}
}

// Run executes one sweep. A call made while a sweep is running returns
// ErrSweepInProgress without sweeping, and one made while sweeps are paused
// returns ErrSweepPaused.
func (j *SweepJob) Run(ctx context.Context) (*monitor.SweepResult, error) {
	if j.paused != nil && j.paused(ctx) {
		j.metrics.mu.Lock()
		j.metrics.Paused++
		j.metrics.mu.Unlock()
		j.logger.Info().Msg("sweep skipped, sweeps are paused")
		return nil, ErrSweepPaused
	}
	if !j.running.CompareAndSwap(false, true) {
		j.metrics.mu.Lock()
		j.metrics.Overlapped++
		j.metrics.mu.Unlock()
		j.logger.Warn().Msg("sweep skipped, previous sweep still running")
		return nil, ErrSweepInProgress
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	result, err := j.sweeper.Sweep(ctx)
	j.record(start, result, err)
	if err != nil {
		j.logger.Error().Err(err).Msg("sweep failed")
		return nil, err
	}

	j.logger.Info().
		Dur("duration", result.Duration).
		Int("total", result.Total).
		Int("checked", result.Checked).
		Int("notified", result.Notified).
		Int("throttled", result.Throttled).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("sweep completed")

	return result, nil
}

func (j *SweepJob) record(start time.Time, result *monitor.SweepResult, err error) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.Runs++
	j.metrics.LastRunAt = start
	j.metrics.LastRunDuration = time.Since(start)
	j.metrics.LastError = ""
	if err != nil {
		j.metrics.Failures++
		j.metrics.LastError = err.Error()
		return
	}
	j.metrics.Notified += int64(result.Notified)
}

// GetMetrics returns a copy of the current metrics.
func (j *SweepJob) GetMetrics() SweepJobMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return SweepJobMetrics{
		Runs:            j.metrics.Runs,
		Overlapped:      j.metrics.Overlapped,
		Paused:          j.metrics.Paused,
		Failures:        j.metrics.Failures,
		Notified:        j.metrics.Notified,
		LastRunAt:       j.metrics.LastRunAt,
		LastRunDuration: j.metrics.LastRunDuration,
		LastError:       j.metrics.LastError,
	}
}

// MetricsSnapshot returns a map of current metrics for the health endpoint.
func (j *SweepJob) MetricsSnapshot() map[string]any {
	m := j.GetMetrics()
	snapshot := map[string]any{
		"runs":              m.Runs,
		"overlapped":        m.Overlapped,
		"paused":            m.Paused,
		"failures":          m.Failures,
		"notified":          m.Notified,
		"last_run_duration": m.LastRunDuration.String(),
		"running":           j.running.Load(),
	}
	if !m.LastRunAt.IsZero() {
		snapshot["last_run_at"] = m.LastRunAt.UTC().Format(time.RFC3339)
	}
	if m.LastError != "" {
		snapshot["last_error"] = m.LastError
	}
	return snapshot
}

// SweepScheduler triggers a SweepJob on a cron schedule.
type SweepScheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	job     *SweepJob
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweepScheduler creates a scheduler for job. It fails on an invalid schedule.
func NewSweepScheduler(cfg SweepConfig, job *SweepJob, logger zerolog.Logger) (*SweepScheduler, error) {
	cfg = cfg.withDefaults()

	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SweepScheduler{
		cron:   cron.New(cron.WithParser(scheduleParser), cron.WithLocation(cfg.Location)),
		job:    job,
		logger: logger.With().Str("schedule", cfg.Schedule).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.entryID = s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

func (s *SweepScheduler) tick() {
	if _, err := s.job.Run(s.ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && !errors.Is(err, ErrSweepPaused) {
		s.logger.Warn().Err(err).Msg("scheduled sweep did not complete")
	}
}

// Start begins running sweeps on schedule.
func (s *SweepScheduler) Start() {
	s.cron.Start()
	s.logger.Info().Time("next_run", s.Next()).Msg("sweep scheduler started")
}

// Next returns the next scheduled run, or the zero time before Start.
func (s *SweepScheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Stop prevents new runs, aborts a running sweep, and waits for it to return
// or for ctx to expire.
func (s *SweepScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info().Msg("sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
