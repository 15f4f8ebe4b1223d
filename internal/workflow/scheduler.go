package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/delaywatch/delaywatch/internal/check"
	"github.com/delaywatch/delaywatch/internal/delivery"
)

const meterName = "github.com/delaywatch/delaywatch/internal/workflow"

// DefaultDeliveryGrace is how long after the scheduled delivery time checks continue.
const DefaultDeliveryGrace = 2 * time.Hour

// maxLoadRetry caps the wait before retrying a failed delivery lookup.
const maxLoadRetry = time.Minute

// counterWriteTimeout bounds one attempt to store the check counter, retries included.
const counterWriteTimeout = 10 * time.Second

var (
	errStopRequested = errors.New("stop requested")
	errShutdown      = errors.New("scheduler shutting down")
)

// Checker runs one delay check. *check.Checker implements it.
type Checker interface {
	Check(ctx context.Context, req check.Request) (*check.Result, error)
}

var _ Checker = (*check.Checker)(nil)

// Config holds configuration for the scheduler.
type Config struct {
	// Deliveries provides settings and check counters (required).
	Deliveries delivery.Repository

	// Checker runs each iteration's check (required).
	Checker Checker

	// Reconciler receives every state change (required).
	Reconciler *Reconciler

	// Clock is the only source of time. Default: RealClock().
	Clock Clock

	// DeliveryGrace extends monitoring past the scheduled delivery time.
	// Default: 2 hours
	DeliveryGrace time.Duration

	// ExecutionTimeout ends a run that is still going this long after it started.
	// Zero disables the timeout.
	ExecutionTimeout time.Duration

	// CounterRetries is how many times a failed check counter write is retried
	// before the run moves on. Default: 3
	CounterRetries int

	// CounterRetryInterval is the first delay between counter write attempts.
	// Default: 100ms
	CounterRetryInterval time.Duration

	// Logger for scheduler operations.
	Logger zerolog.Logger

	// Meter is used for the run counter. Defaults to the global meter.
	Meter metric.Meter
}

// Scheduler hosts one recurring-check run per delivery.
type Scheduler struct {
	deliveries delivery.Repository
	checker    Checker
	reconciler *Reconciler
	clock      Clock
	grace      time.Duration
	timeout    time.Duration
	logger     zerolog.Logger
	runs       metric.Int64Counter

	counterRetries       uint64
	counterRetryInterval time.Duration

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu     sync.Mutex
	active map[string]*run
	closed bool
	wg     sync.WaitGroup
}

type run struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	state ExecutionState
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) snapshot() ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

func (r *run) update(fn func(*ExecutionState)) ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
	return r.state.Clone()
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	grace := cfg.DeliveryGrace
	if grace <= 0 {
		grace = DefaultDeliveryGrace
	}
	retries := cfg.CounterRetries
	if retries <= 0 {
		retries = 3
	}
	retryInterval := cfg.CounterRetryInterval
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	runs, err := meter.Int64Counter("monitor.runs",
		metric.WithDescription("Recurring monitoring runs by final status"),
		metric.WithUnit("{run}"))
	if err != nil {
		cfg.Logger.Warn().Err(err).Msg("failed to create run counter")
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())

	return &Scheduler{
		deliveries: cfg.Deliveries,
		checker:    cfg.Checker,
		reconciler: cfg.Reconciler,
		clock:      clock,
		grace:      grace,
		timeout:    cfg.ExecutionTimeout,
		logger:     cfg.Logger,
		runs:       runs,
		baseCtx:    baseCtx,

		counterRetries:       uint64(retries),
		counterRetryInterval: retryInterval,
		baseCancel: baseCancel,
		active:     make(map[string]*run),
	}
}

// Start begins monitoring a delivery. If a run is already active it returns that
// run's state instead of starting another.
func (s *Scheduler) Start(ctx context.Context, deliveryID string) (*ExecutionState, error) {
	if st, ok, err := s.activeState(deliveryID); err != nil || ok {
		return st, err
	}

	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("loading delivery %s: %w", deliveryID, err)
	}
	if err := d.Monitoring.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	next := now
	state := ExecutionState{
		WorkflowID:      NewID(KindRecurringCheck, deliveryID, 0, now),
		RunID:           uuid.NewString(),
		DeliveryID:      deliveryID,
		Kind:            KindRecurringCheck,
		Status:          StatusScheduled,
		StartedAt:       now,
		InitialChecks:   d.Monitoring.ChecksPerformed,
		IntervalMinutes: d.Monitoring.CheckIntervalMinutes,
		NextCheckAt:     &next,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if existing, ok := s.active[deliveryID]; ok {
		s.mu.Unlock()
		st := existing.snapshot()
		return &st, nil
	}
	r := s.register(state)
	s.mu.Unlock()

	s.reconciler.Emit(state)
	s.logger.Info().
		Str("delivery_id", deliveryID).
		Str("workflow_id", state.WorkflowID).
		Int("interval_minutes", state.IntervalMinutes).
		Int("initial_checks", state.InitialChecks).
		Msg("monitoring started")

	go s.execute(r, 0)
	return &state, nil
}

// Cancel stops the run of a delivery. A graceful cancel lets an in-flight check finish;
// force aborts it. Cancel does not wait for the run to end and is a no-op when there
// is nothing to cancel.
func (s *Scheduler) Cancel(ctx context.Context, deliveryID string, force bool) error {
	s.mu.Lock()
	r, ok := s.active[deliveryID]
	s.mu.Unlock()

	if ok {
		if force {
			r.cancel(ErrForceTerminated)
		}
		r.requestStop()
		return nil
	}

	// A record left by a previous process that is not hosted here.
	st, err := s.reconciler.CurrentState(ctx, deliveryID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return nil
	}

	reason := ReasonCancelled
	if force {
		reason = ReasonForceTerminated
	}
	now := s.clock.Now()
	st.Status = StatusCancelled
	st.StopReason = reason
	st.CompletedAt = &now
	st.NextCheckAt = nil
	st.UpdatedAt = now
	s.reconciler.Emit(*st)
	s.count(StatusCancelled)
	return nil
}

// Wait blocks until the run of a delivery ends or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, deliveryID string) error {
	s.mu.Lock()
	r, ok := s.active[deliveryID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveRuns returns the number of runs hosted by this scheduler.
func (s *Scheduler) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Resume restarts every persisted non-terminal run. Runs whose records cannot be
// reproduced are marked failed and their errors returned together.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	records, err := s.reconciler.repo.ListActiveExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active executions: %w", err)
	}

	var (
		resumed int
		errs    []error
	)
	for _, rec := range records {
		if _, hosted, _ := s.activeState(rec.DeliveryID); hosted {
			continue
		}

		done, err := s.replay(ctx, rec)
		if err != nil {
			var mismatch *ReplayMismatchError
			switch {
			case errors.As(err, &mismatch):
				s.fail(rec, mismatch.Error(), err)
				errs = append(errs, err)
			case errors.Is(err, delivery.ErrDeliveryNotFound):
				s.fail(rec, ReasonNotFound, err)
			default:
				errs = append(errs, fmt.Errorf("resuming %s: %w", rec.WorkflowID, err))
			}
			continue
		}

		state := rec.Clone()
		state.ChecksPerformed = done
		next := state.WakeTime(done)
		state.NextCheckAt = &next

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return resumed, errors.Join(append(errs, ErrSchedulerClosed)...)
		}
		if _, ok := s.active[rec.DeliveryID]; ok {
			s.mu.Unlock()
			continue
		}
		r := s.register(state)
		s.mu.Unlock()

		s.reconciler.Emit(state)
		s.logger.Info().
			Str("delivery_id", rec.DeliveryID).
			Str("workflow_id", rec.WorkflowID).
			Int("checks_performed", done).
			Msg("monitoring resumed")

		go s.execute(r, done)
		resumed++
	}

	return resumed, errors.Join(errs...)
}

// Shutdown stops every run without ending it, so the runs resume on the next Resume.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.baseCancel(errShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replay checks a persisted record against the delivery and returns the number of
// checks the run has already done.
func (s *Scheduler) replay(ctx context.Context, rec ExecutionState) (int, error) {
	id, err := ParseID(rec.WorkflowID)
	if err != nil || id.Kind != KindRecurringCheck || rec.Kind != KindRecurringCheck || id.DeliveryID != rec.DeliveryID {
		return 0, &ReplayMismatchError{
			WorkflowID: rec.WorkflowID,
			Field:      "workflow_id",
			Recorded:   fmt.Sprintf("%s/%s", rec.Kind, rec.DeliveryID),
			Observed:   fmt.Sprintf("%s/%s", id.Kind, id.DeliveryID),
		}
	}
	if rec.IntervalMinutes <= 0 {
		return 0, &ReplayMismatchError{WorkflowID: rec.WorkflowID, Field: "interval_minutes", Recorded: rec.IntervalMinutes, Observed: "a positive interval"}
	}

	settings, err := s.deliveries.GetMonitoringSettings(ctx, rec.DeliveryID)
	if err != nil {
		return 0, err
	}

	done := settings.ChecksPerformed - rec.InitialChecks
	if done < rec.ChecksPerformed {
		return 0, &ReplayMismatchError{
			WorkflowID: rec.WorkflowID,
			Field:      "checks_performed",
			Recorded:   rec.ChecksPerformed,
			Observed:   done,
		}
	}
	return done, nil
}

func (s *Scheduler) activeState(deliveryID string) (*ExecutionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrSchedulerClosed
	}
	r, ok := s.active[deliveryID]
	if !ok {
		return nil, false, nil
	}
	st := r.snapshot()
	return &st, true, nil
}

// register must be called with s.mu held.
func (s *Scheduler) register(state ExecutionState) *run {
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	r := &run{
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  state,
	}
	s.active[state.DeliveryID] = r
	s.wg.Add(1)
	return r
}

func (s *Scheduler) release(deliveryID string, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[deliveryID] == r {
		delete(s.active, deliveryID)
	}
}

func (s *Scheduler) execute(r *run, done int) {
	deliveryID := r.snapshot().DeliveryID

	defer s.wg.Done()
	defer close(r.done)
	defer s.release(deliveryID, r)
	defer r.cancel(context.Canceled)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().
				Str("delivery_id", deliveryID).
				Interface("panic", p).
				Msg("monitoring run panicked")
			s.finish(r, StatusFailed, fmt.Sprintf("panic: %v", p), nil)
		}
	}()

	// The sleep is interrupted by a graceful stop; the check itself is not.
	sleepCtx, cancelSleep := context.WithCancelCause(r.ctx)
	defer cancelSleep(context.Canceled)
	go func() {
		select {
		case <-r.stop:
			cancelSleep(errStopRequested)
		case <-sleepCtx.Done():
		}
	}()

	s.loop(r, sleepCtx, done)
}

func (s *Scheduler) loop(r *run, sleepCtx context.Context, k int) {
	st := r.snapshot()
	log := s.logger.With().
		Str("delivery_id", st.DeliveryID).
		Str("workflow_id", st.WorkflowID).
		Logger()

	// saved is the number of checks in this run known to be stored in the
	// delivery counter. Emitted states never claim more than that, so a record
	// is never ahead of the counter it is replayed against.
	saved := k

	var retryAt time.Time
	for {
		wake := st.WakeTime(k)
		if retryAt.After(wake) {
			wake = retryAt
		}
		if err := s.clock.SleepUntil(sleepCtx, wake); err != nil {
			s.interrupted(r, err)
			return
		}
		if r.ctx.Err() != nil {
			s.interrupted(r, context.Cause(r.ctx))
			return
		}
		if r.stopRequested() {
			s.finish(r, StatusCancelled, ReasonCancelled, nil)
			return
		}

		now := s.clock.Now()
		if s.timeout > 0 && !now.Before(st.StartedAt.Add(s.timeout)) {
			s.finish(r, StatusTimedOut, ReasonTimedOut, nil)
			return
		}

		d, err := s.deliveries.Get(r.ctx, st.DeliveryID)
		switch {
		case errors.Is(err, delivery.ErrDeliveryNotFound):
			s.finish(r, StatusFailed, ReasonNotFound, err)
			return
		case err != nil:
			if r.ctx.Err() != nil {
				s.interrupted(r, context.Cause(r.ctx))
				return
			}
			retryAt = now.Add(min(st.Interval(), maxLoadRetry))
			log.Warn().Err(err).Time("retry_at", retryAt).Msg("loading delivery failed")
			msg := err.Error()
			s.reconciler.Emit(r.update(func(es *ExecutionState) {
				es.LastError = &msg
				es.NextCheckAt = &retryAt
				es.UpdatedAt = now
			}))
			continue
		}
		retryAt = time.Time{}

		if err := d.Monitoring.Validate(); err != nil {
			s.finish(r, StatusFailed, err.Error(), err)
			return
		}
		if saved < k {
			if err := s.saveCount(r.ctx, st.DeliveryID, st.InitialChecks+k); err != nil {
				log.Error().Err(err).Int("checks_performed", st.InitialChecks+k).Msg("check count still not stored")
			} else {
				saved = k
				st = r.update(func(es *ExecutionState) {
					es.ChecksPerformed = saved
					es.UpdatedAt = now
				})
				s.reconciler.Emit(st)
			}
		}
		if reason, ok := s.stopCondition(d, st.InitialChecks+k, now); ok {
			s.finish(r, StatusCompleted, reason, nil)
			return
		}

		if k == 0 && st.Status == StatusScheduled {
			st = r.update(func(es *ExecutionState) {
				es.Status = StatusRunning
				es.UpdatedAt = now
			})
			s.reconciler.Emit(st)
		}

		n := st.InitialChecks + k + 1
		_, checkErr := s.checker.Check(r.ctx, check.Request{
			Delivery: d,
			Now:      now,
			Notify:   true,
			RecordID: NewID(KindDelayNotification, st.DeliveryID, n, now),
		})
		if checkErr != nil {
			if r.ctx.Err() != nil {
				s.interrupted(r, context.Cause(r.ctx))
				return
			}
			log.Warn().Err(checkErr).Int("check", n).Msg("delay check failed")
		}

		k++
		total := st.InitialChecks + k
		if err := s.saveCount(r.ctx, st.DeliveryID, total); err != nil {
			log.Error().Err(err).Int("checks_performed", total).Msg("updating check count failed")
		} else {
			saved = k
		}

		var lastErr *string
		if checkErr != nil {
			msg := checkErr.Error()
			lastErr = &msg
		}
		st = r.update(func(es *ExecutionState) {
			next := es.WakeTime(k)
			es.Status = StatusRunning
			es.ChecksPerformed = saved
			es.LastError = lastErr
			es.NextCheckAt = &next
			es.UpdatedAt = now
		})
		s.reconciler.Emit(st)

		if d.Monitoring.MaxChecksReached(total) {
			s.finish(r, StatusCompleted, ReasonMaxChecks, nil)
			return
		}
		if r.ctx.Err() == nil && r.stopRequested() {
			s.finish(r, StatusCancelled, ReasonCancelled, nil)
			return
		}
	}
}

// saveCount stores the delivery's check counter, retrying transient failures. The
// check has already happened, so the write outlives a cancelled run context.
func (s *Scheduler) saveCount(ctx context.Context, deliveryID string, total int) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), counterWriteTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.counterRetryInterval
	b.MaxInterval = 20 * s.counterRetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.counterRetries), ctx)

	return backoff.Retry(func() error {
		err := s.deliveries.UpdateCheckCount(ctx, deliveryID, total)
		if errors.Is(err, delivery.ErrDeliveryNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// stopCondition reports whether the run should complete before checking again.
func (s *Scheduler) stopCondition(d *delivery.Delivery, total int, now time.Time) (string, bool) {
	if d.Monitoring.MaxChecksReached(total) {
		return ReasonMaxChecks, true
	}
	if !now.Before(d.Monitoring.ScheduledDelivery.Add(s.grace)) {
		return ReasonDeliveryWindow, true
	}
	if d.Status.IsTerminal() {
		return "delivery " + string(d.Status), true
	}
	return "", false
}

func (s *Scheduler) interrupted(r *run, cause error) {
	switch {
	case errors.Is(cause, errShutdown):
		st := r.snapshot()
		s.reconciler.Detach(st.DeliveryID, st.WorkflowID)
		s.logger.Info().
			Str("delivery_id", st.DeliveryID).
			Str("workflow_id", st.WorkflowID).
			Msg("monitoring suspended for shutdown")
	case errors.Is(cause, ErrForceTerminated):
		s.finish(r, StatusCancelled, ReasonForceTerminated, nil)
	default:
		s.finish(r, StatusCancelled, ReasonCancelled, nil)
	}
}

func (s *Scheduler) finish(r *run, status Status, reason string, cause error) {
	now := s.clock.Now()
	st := r.update(func(es *ExecutionState) {
		es.Status = status
		es.StopReason = reason
		es.CompletedAt = &now
		es.NextCheckAt = nil
		es.UpdatedAt = now
		if cause != nil {
			msg := cause.Error()
			es.LastError = &msg
		}
	})
	s.reconciler.Emit(st)
	s.count(status)

	s.logger.Info().
		Str("delivery_id", st.DeliveryID).
		Str("workflow_id", st.WorkflowID).
		Str("status", string(status)).
		Str("reason", reason).
		Int("checks_performed", st.ChecksPerformed).
		Msg("monitoring ended")
}

// fail ends a persisted run that could not be resumed.
func (s *Scheduler) fail(rec ExecutionState, reason string, cause error) {
	now := s.clock.Now()
	msg := cause.Error()
	rec = rec.Clone()
	rec.Status = StatusFailed
	rec.StopReason = reason
	rec.LastError = &msg
	rec.CompletedAt = &now
	rec.NextCheckAt = nil
	rec.UpdatedAt = now
	s.reconciler.Emit(rec)
	s.count(StatusFailed)

	s.logger.Error().Err(cause).
		Str("delivery_id", rec.DeliveryID).
		Str("workflow_id", rec.WorkflowID).
		Msg("monitoring run could not be resumed")
}

func (s *Scheduler) count(status Status) {
	if s.runs == nil {
		return
	}
	s.runs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(status))))
}
