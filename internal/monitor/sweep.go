package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/delaywatch/delaywatch/internal/check"
	"github.com/delaywatch/delaywatch/internal/delivery"
	"github.com/delaywatch/delaywatch/internal/workflow"
)

// SweepConfig holds configuration for the batch sweep.
type SweepConfig struct {
	// Concurrency is the number of deliveries checked at once.
	// Default: 4
	Concurrency int

	// Timeout bounds the check of one delivery.
	// Default: 30 seconds
	Timeout time.Duration

	// DeliveryGrace skips deliveries whose scheduled time is this far in the past.
	// Default: workflow.DefaultDeliveryGrace
	DeliveryGrace time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DeliveryGrace <= 0 {
		c.DeliveryGrace = workflow.DefaultDeliveryGrace
	}
	return c
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Total     int
	Checked   int
	Notified  int
	Throttled int
	Skipped   int
	Failed    int
	Errors    []SweepError
}

// SweepError records a delivery whose check failed.
type SweepError struct {
	DeliveryID string
	Error      string
}

// SweepMetrics tracks sweep statistics across runs.
type SweepMetrics struct {
	mu sync.RWMutex

	TotalSweeps       int64
	DeliveriesChecked int64
	Notifications     int64
	Failures          int64

	LastSweepAt       time.Time
	LastSweepDuration time.Duration
}

type deliveryResult struct {
	deliveryID string
	outcome    string
	err        error
}

const (
	outcomeChecked   = "checked"
	outcomeNotified  = "notified"
	outcomeThrottled = "throttled"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// Sweep checks every monitored delivery once with a bounded worker pool. It does not
// touch recurring runs; duplicate notifications are prevented by the throttle.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	deliveries, err := s.deliveries.ListMonitored(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing monitored deliveries: %w", err)
	}

	startTime := s.clock.Now()
	result := &SweepResult{
		StartTime: startTime,
		Total:     len(deliveries),
	}

	s.logger.Info().
		Int("deliveries", result.Total).
		Int("concurrency", s.sweep.Concurrency).
		Msg("starting delay sweep")

	work := make(chan *delivery.Delivery, len(deliveries))
	results := make(chan deliveryResult, len(deliveries))

	var wg sync.WaitGroup
	for i := 0; i < s.sweep.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				if ctx.Err() != nil {
					results <- deliveryResult{deliveryID: d.ID, outcome: outcomeFailed, err: ctx.Err()}
					continue
				}
				results <- s.sweepDelivery(ctx, d)
			}
		}()
	}

	for _, d := range deliveries {
		work <- d
	}
	close(work)

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		switch r.outcome {
		case outcomeNotified:
			result.Checked++
			result.Notified++
		case outcomeThrottled:
			result.Checked++
			result.Throttled++
		case outcomeChecked:
			result.Checked++
		case outcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
		if r.err != nil {
			result.Errors = append(result.Errors, SweepError{DeliveryID: r.deliveryID, Error: r.err.Error()})
		}
	}

	result.EndTime = s.clock.Now()
	result.Duration = result.EndTime.Sub(startTime)
	s.updateMetrics(result)

	s.logger.Info().
		Dur("duration", result.Duration).
		Int("checked", result.Checked).
		Int("notified", result.Notified).
		Int("throttled", result.Throttled).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("delay sweep completed")

	return result, nil
}

func (s *Service) sweepDelivery(ctx context.Context, d *delivery.Delivery) deliveryResult {
	now := s.clock.Now()
	if err := d.Monitoring.Validate(); err != nil {
		return deliveryResult{deliveryID: d.ID, outcome: outcomeFailed, err: err}
	}
	if !now.Before(d.Monitoring.ScheduledDelivery.Add(s.sweep.DeliveryGrace)) {
		return deliveryResult{deliveryID: d.ID, outcome: outcomeSkipped}
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.sweep.Timeout)
	defer cancel()

	res, err := s.checker.Check(checkCtx, check.Request{
		Delivery: d,
		Now:      now,
		Notify:   true,
		RecordID: workflow.NewID(workflow.KindOneTimeCheck, d.ID, 0, now),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("delivery_id", d.ID).Msg("sweep check failed")
		return deliveryResult{deliveryID: d.ID, outcome: outcomeFailed, err: err}
	}

	switch {
	case res.Notification != nil:
		return deliveryResult{deliveryID: d.ID, outcome: outcomeNotified}
	case res.Throttle != nil && !res.Throttle.Allow:
		return deliveryResult{deliveryID: d.ID, outcome: outcomeThrottled}
	default:
		return deliveryResult{deliveryID: d.ID, outcome: outcomeChecked}
	}
}

func (s *Service) updateMetrics(result *SweepResult) {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()

	s.metrics.TotalSweeps++
	s.metrics.DeliveriesChecked += int64(result.Checked)
	s.metrics.Notifications += int64(result.Notified)
	s.metrics.Failures += int64(result.Failed)
	s.metrics.LastSweepAt = result.EndTime
	s.metrics.LastSweepDuration = result.Duration
}

// GetSweepMetrics returns a copy of the current sweep metrics.
func (s *Service) GetSweepMetrics() SweepMetrics {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return SweepMetrics{
		TotalSweeps:       s.metrics.TotalSweeps,
		DeliveriesChecked: s.metrics.DeliveriesChecked,
		Notifications:     s.metrics.Notifications,
		Failures:          s.metrics.Failures,
		LastSweepAt:       s.metrics.LastSweepAt,
		LastSweepDuration: s.metrics.LastSweepDuration,
	}
}
