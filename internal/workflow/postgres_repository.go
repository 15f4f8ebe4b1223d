package workflow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL execution repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const executionColumns = `
	workflow_id, run_id, delivery_id, kind, status,
	started_at, completed_at, last_error,
	checks_performed, initial_checks, interval_minutes,
	stop_reason, next_check_at, updated_at`

// GetExecutionHistory returns every run of a delivery, newest first.
func (r *PostgresRepository) GetExecutionHistory(ctx context.Context, deliveryID string) ([]ExecutionState, error) {
	query := `SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE delivery_id = $1
		ORDER BY started_at DESC, workflow_id DESC
	`

	return r.query(ctx, query, deliveryID)
}

// UpsertExecutionRecord creates or updates a record, leaving terminal records unchanged.
func (r *PostgresRepository) UpsertExecutionRecord(ctx context.Context, state *ExecutionState) error {
	query := `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (workflow_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			last_error = EXCLUDED.last_error,
			checks_performed = EXCLUDED.checks_performed,
			stop_reason = EXCLUDED.stop_reason,
			next_check_at = EXCLUDED.next_check_at,
			updated_at = EXCLUDED.updated_at
		WHERE workflow_executions.status NOT IN ('completed', 'failed', 'cancelled', 'timed_out')
	`

	_, err := r.pool.Exec(ctx, query,
		state.WorkflowID,
		state.RunID,
		state.DeliveryID,
		string(state.Kind),
		string(state.Status),
		state.StartedAt,
		state.CompletedAt,
		state.LastError,
		state.ChecksPerformed,
		state.InitialChecks,
		state.IntervalMinutes,
		state.StopReason,
		state.NextCheckAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting execution %s: %w", state.WorkflowID, err)
	}
	return nil
}

// ListActiveExecutions returns every non-terminal record, oldest first.
func (r *PostgresRepository) ListActiveExecutions(ctx context.Context) ([]ExecutionState, error) {
	query := `SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status NOT IN ('completed', 'failed', 'cancelled', 'timed_out')
		ORDER BY started_at, workflow_id
	`

	return r.query(ctx, query)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]ExecutionState, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []ExecutionState
	for rows.Next() {
		s, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

func scanExecution(row pgx.Row) (ExecutionState, error) {
	var (
		s            ExecutionState
		kind, status string
	)
	err := row.Scan(
		&s.WorkflowID,
		&s.RunID,
		&s.DeliveryID,
		&kind,
		&status,
		&s.StartedAt,
		&s.CompletedAt,
		&s.LastError,
		&s.ChecksPerformed,
		&s.InitialChecks,
		&s.IntervalMinutes,
		&s.StopReason,
		&s.NextCheckAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return ExecutionState{}, err
	}
	s.Kind = Kind(kind)
	s.Status = Status(status)
	return s, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
