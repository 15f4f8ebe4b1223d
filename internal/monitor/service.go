// Package monitor exposes the delay-monitoring operations: starting, querying and
// cancelling recurring runs, one-off checks, the batch sweep and provider health.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/check"
	"github.com/delaywatch/delaywatch/internal/delay"
	"github.com/delaywatch/delaywatch/internal/delivery"
	"github.com/delaywatch/delaywatch/internal/provider/resilience"
	"github.com/delaywatch/delaywatch/internal/traffic"
	"github.com/delaywatch/delaywatch/internal/workflow"
)

// Config holds configuration for the monitoring service.
type Config struct {
	// Deliveries provides delivery records (required).
	Deliveries delivery.Repository

	// Checker runs one-off and sweep checks (required).
	Checker workflow.Checker

	// Scheduler hosts recurring runs. Nil disables StartMonitoring and Cancel.
	Scheduler *workflow.Scheduler

	// Reconciler answers status and history queries (required).
	Reconciler *workflow.Reconciler

	// Registry reports provider health (optional).
	Registry *resilience.Registry

	// Clock provides check times. Default: workflow.RealClock().
	Clock workflow.Clock

	// Sweep configures the batch sweep.
	Sweep SweepConfig

	// Logger for monitoring operations.
	Logger zerolog.Logger
}

// Service implements the monitoring operations.
type Service struct {
	deliveries delivery.Repository
	checker    workflow.Checker
	scheduler  *workflow.Scheduler
	reconciler *workflow.Reconciler
	registry   *resilience.Registry
	clock      workflow.Clock
	sweep      SweepConfig
	logger     zerolog.Logger
	metrics    *SweepMetrics
}

// NewService creates a monitoring service.
func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = workflow.RealClock()
	}

	return &Service{
		deliveries: cfg.Deliveries,
		checker:    cfg.Checker,
		scheduler:  cfg.Scheduler,
		reconciler: cfg.Reconciler,
		registry:   cfg.Registry,
		clock:      clock,
		sweep:      cfg.Sweep.withDefaults(),
		logger:     cfg.Logger,
		metrics:    &SweepMetrics{},
	}
}

// CheckResult is the outcome of a one-off check.
type CheckResult struct {
	ID         string
	DeliveryID string
	CheckedAt  time.Time
	Reading    *traffic.Reading
	Assessment *delay.Assessment
}

// StartMonitoring begins the recurring run of a delivery, or returns the active one.
func (s *Service) StartMonitoring(ctx context.Context, deliveryID string) (*workflow.ExecutionState, error) {
	if s.scheduler == nil {
		return nil, workflow.ErrSchedulerClosed
	}
	return s.scheduler.Start(ctx, deliveryID)
}

// QueryStatus returns the current state of a delivery's recurring run.
func (s *Service) QueryStatus(ctx context.Context, deliveryID string) (*workflow.ExecutionState, error) {
	return s.reconciler.CurrentState(ctx, deliveryID)
}

// Cancel stops a delivery's recurring run. Force aborts an in-flight check.
func (s *Service) Cancel(ctx context.Context, deliveryID string, force bool) error {
	if s.scheduler == nil {
		return workflow.ErrSchedulerClosed
	}
	return s.scheduler.Cancel(ctx, deliveryID, force)
}

// History returns every recurring run of a delivery, newest first.
func (s *Service) History(ctx context.Context, deliveryID string) ([]workflow.ExecutionState, error) {
	return s.reconciler.History(ctx, deliveryID)
}

// CheckOnce fetches traffic and assesses the delay without notifying or touching the
// recurring run.
func (s *Service) CheckOnce(ctx context.Context, deliveryID string) (*CheckResult, error) {
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("loading delivery %s: %w", deliveryID, err)
	}

	now := s.clock.Now()
	id := workflow.NewID(workflow.KindManualCheck, deliveryID, 0, now)

	res, err := s.checker.Check(ctx, check.Request{Delivery: d, Now: now})
	if err != nil {
		s.logger.Warn().Err(err).Str("delivery_id", deliveryID).Str("check_id", id).Msg("manual check failed")
		return nil, err
	}

	s.logger.Info().
		Str("delivery_id", deliveryID).
		Str("check_id", id).
		Int("delay_minutes", res.Assessment.DelayMinutes).
		Str("severity", string(res.Assessment.Severity)).
		Msg("manual check completed")

	return &CheckResult{
		ID:         id,
		DeliveryID: deliveryID,
		CheckedAt:  now,
		Reading:    res.Reading,
		Assessment: res.Assessment,
	}, nil
}

// ProviderHealth returns the health of every registered traffic provider.
func (s *Service) ProviderHealth() []*resilience.ProviderHealth {
	if s.registry == nil {
		return nil
	}
	return s.registry.All()
}
