// Package workflow runs and records the recurring delay-check process of each delivery.
package workflow

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for workflow operations.
var (
	// ErrNotFound indicates there is no live or persisted execution for the delivery.
	ErrNotFound = errors.New("execution not found")
	// ErrReplayMismatch indicates a resumed run disagrees with its recorded history.
	ErrReplayMismatch = errors.New("replay mismatch")
	// ErrForceTerminated is the cancellation cause of a terminated run.
	ErrForceTerminated = errors.New("force terminated")
	// ErrSchedulerClosed is returned when starting a run after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler is shut down")
)

// Status is the lifecycle status of an execution.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Stop reasons recorded on terminal states.
const (
	ReasonMaxChecks       = "max checks reached"
	ReasonDeliveryWindow  = "past delivery window"
	ReasonCancelled       = "cancelled"
	ReasonForceTerminated = "force terminated"
	ReasonTimedOut        = "execution timeout exceeded"
	ReasonNotFound        = "delivery not found"
)

// ExecutionState is the recorded view of one monitoring run.
//
// StartedAt, IntervalMinutes and InitialChecks are fixed when the run starts;
// together with ChecksPerformed they determine every wake-up time.
type ExecutionState struct {
	WorkflowID      string
	RunID           string
	DeliveryID      string
	Kind            Kind
	Status          Status
	StartedAt       time.Time
	CompletedAt     *time.Time
	LastError       *string
	ChecksPerformed int // checks done by this run
	InitialChecks   int // delivery counter when the run started
	IntervalMinutes int
	StopReason      string
	NextCheckAt     *time.Time
	UpdatedAt       time.Time
}

// Interval returns the recorded check interval.
func (s *ExecutionState) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// WakeTime returns the time of the check that follows k completed checks.
func (s *ExecutionState) WakeTime(k int) time.Time {
	return s.StartedAt.Add(time.Duration(k) * s.Interval())
}

// TotalChecks returns the delivery counter implied by this run.
func (s *ExecutionState) TotalChecks() int {
	return s.InitialChecks + s.ChecksPerformed
}

// Clone returns a deep copy.
func (s ExecutionState) Clone() ExecutionState {
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	if s.LastError != nil {
		e := *s.LastError
		s.LastError = &e
	}
	if s.NextCheckAt != nil {
		t := *s.NextCheckAt
		s.NextCheckAt = &t
	}
	return s
}

// ReplayMismatchError reports a recorded value that a resumed run could not reproduce.
type ReplayMismatchError struct {
	WorkflowID string
	Field      string
	Recorded   any
	Observed   any
}

func (e *ReplayMismatchError) Error() string {
	return fmt.Sprintf("replay mismatch for %s: %s recorded %v, observed %v", e.WorkflowID, e.Field, e.Recorded, e.Observed)
}

func (e *ReplayMismatchError) Is(target error) bool {
	return target == ErrReplayMismatch
}
