package workflow

import "context"

// Repository persists execution records.
type Repository interface {
	// GetExecutionHistory returns every run of a delivery, newest first.
	GetExecutionHistory(ctx context.Context, deliveryID string) ([]ExecutionState, error)

	// UpsertExecutionRecord creates or updates a record keyed by workflow ID.
	// Records that already reached a terminal status are left unchanged.
	UpsertExecutionRecord(ctx context.Context, state *ExecutionState) error

	// ListActiveExecutions returns every non-terminal record.
	ListActiveExecutions(ctx context.Context) ([]ExecutionState, error)
}
