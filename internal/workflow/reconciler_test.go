package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaywatch/delaywatch/internal/workflow"
)

// blockingRepository blocks every write until released.
type blockingRepository struct {
	*workflow.InMemoryRepository
	release chan struct{}
	writes  atomic.Int32
}

func (r *blockingRepository) UpsertExecutionRecord(ctx context.Context, state *workflow.ExecutionState) error {
	r.writes.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.InMemoryRepository.UpsertExecutionRecord(ctx, state)
}

// flakyRepository fails the first n writes.
type flakyRepository struct {
	*workflow.InMemoryRepository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepository) UpsertExecutionRecord(ctx context.Context, state *workflow.ExecutionState) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.InMemoryRepository.UpsertExecutionRecord(ctx, state)
}

// brokenRepository fails every read and write.
type brokenRepository struct {
	*workflow.InMemoryRepository
}

func (brokenRepository) GetExecutionHistory(context.Context, string) ([]workflow.ExecutionState, error) {
	return nil, errors.New("database is down")
}

func (brokenRepository) UpsertExecutionRecord(context.Context, *workflow.ExecutionState) error {
	return errors.New("database is down")
}

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func runningState(deliveryID string, startedAt time.Time, checks int) workflow.ExecutionState {
	return workflow.ExecutionState{
		WorkflowID:      workflow.NewID(workflow.KindRecurringCheck, deliveryID, 0, startedAt),
		RunID:           "run-" + deliveryID,
		DeliveryID:      deliveryID,
		Kind:            workflow.KindRecurringCheck,
		Status:          workflow.StatusRunning,
		StartedAt:       startedAt,
		ChecksPerformed: checks,
		IntervalMinutes: 30,
		UpdatedAt:       startedAt,
	}
}

func TestReconciler_EmitDoesNotBlockOnSlowStore(t *testing.T) {
	repo := &blockingRepository{InMemoryRepository: workflow.NewInMemoryRepository(), release: make(chan struct{})}
	r := workflow.NewReconciler(workflow.ReconcilerConfig{
		Repository:   repo,
		WriteTimeout: time.Hour,
		Logger:       zerolog.Nop(),
	})
	r.Start()

	emitted := make(chan struct{})
	go func() {
		for i := 1; i <= 100; i++ {
			r.Emit(runningState("del-1", t0, i))
		}
		close(emitted)
	}()

	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled store")
	}

	st, err := r.CurrentState(context.Background(), "del-1")
	require.NoError(t, err)
	assert.Equal(t, 100, st.ChecksPerformed, "live state is the latest emitted")

	close(repo.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	history, err := repo.GetExecutionHistory(context.Background(), "del-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 100, history[0].ChecksPerformed)
	assert.Less(t, int(repo.writes.Load()), 100, "states are coalesced per workflow")
}

func TestReconciler_RetriesFailedWrites(t *testing.T) {
	repo := &flakyRepository{InMemoryRepository: workflow.NewInMemoryRepository(), failures: 3}
	r := workflow.NewReconciler(workflow.ReconcilerConfig{
		Repository:    repo,
		RetryInterval: 5 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	r.Start()
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	r.Emit(runningState("del-1", t0, 2))

	require.Eventually(t, func() bool { return r.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	history, err := repo.GetExecutionHistory(context.Background(), "del-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].ChecksPerformed)
}

func TestReconciler_CurrentState(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		r := workflow.NewReconciler(workflow.ReconcilerConfig{Repository: workflow.NewInMemoryRepository(), Logger: zerolog.Nop()})
		_, err := r.CurrentState(ctx, "nope")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("persisted record without live run", func(t *testing.T) {
		repo := workflow.NewInMemoryRepository()
		older := runningState("del-1", t0.Add(-48*time.Hour), 4)
		older.Status = workflow.StatusCompleted
		require.NoError(t, repo.UpsertExecutionRecord(ctx, &older))
		latest := runningState("del-1", t0, 1)
		require.NoError(t, repo.UpsertExecutionRecord(ctx, &latest))

		r := workflow.NewReconciler(workflow.ReconcilerConfig{Repository: repo, Logger: zerolog.Nop()})
		st, err := r.CurrentState(ctx, "del-1")
		require.NoError(t, err)
		assert.Equal(t, latest.WorkflowID, st.WorkflowID)
		assert.Equal(t, workflow.StatusRunning, st.Status)
	})

	t.Run("live state wins over store errors", func(t *testing.T) {
		r := workflow.NewReconciler(workflow.ReconcilerConfig{
			Repository: brokenRepository{workflow.NewInMemoryRepository()},
			Logger:     zerolog.Nop(),
		})
		r.Emit(runningState("del-1", t0, 3))

		st, err := r.CurrentState(ctx, "del-1")
		require.NoError(t, err)
		assert.Equal(t, 3, st.ChecksPerformed)

		_, err = r.CurrentState(ctx, "del-2")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("ignores other kinds", func(t *testing.T) {
		repo := workflow.NewInMemoryRepository()
		manual := runningState("del-1", t0, 0)
		manual.Kind = workflow.KindManualCheck
		manual.WorkflowID = workflow.NewID(workflow.KindManualCheck, "del-1", 0, t0)
		require.NoError(t, repo.UpsertExecutionRecord(ctx, &manual))

		r := workflow.NewReconciler(workflow.ReconcilerConfig{Repository: repo, Logger: zerolog.Nop()})
		_, err := r.CurrentState(ctx, "del-1")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})
}

func TestReconciler_TerminalStateReplacesRunningRecord(t *testing.T) {
	ctx := context.Background()
	repo := workflow.NewInMemoryRepository()
	r := workflow.NewReconciler(workflow.ReconcilerConfig{Repository: repo, Logger: zerolog.Nop()})

	running := runningState("del-1", t0, 2)
	r.Emit(running)
	require.NoError(t, r.Close(ctx))

	completed := running.Clone()
	completed.Status = workflow.StatusCompleted
	completed.StopReason = workflow.ReasonMaxChecks
	r2 := workflow.NewReconciler(workflow.ReconcilerConfig{Repository: repo, RetryInterval: 5 * time.Millisecond, Logger: zerolog.Nop()})
	r2.Emit(completed)
	r2.Start()
	t.Cleanup(func() { _ = r2.Close(ctx) })

	require.Eventually(t, func() bool {
		history, err := repo.GetExecutionHistory(ctx, "del-1")
		return err == nil && len(history) == 1 && history[0].Status == workflow.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	st, err := r2.CurrentState(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, st.Status)
}

func TestReconciler_TerminalRecordsAreImmutable(t *testing.T) {
	ctx := context.Background()
	repo := workflow.NewInMemoryRepository()
	r := workflow.NewReconciler(workflow.ReconcilerConfig{Repository: repo, Logger: zerolog.Nop()})

	st := runningState("del-1", t0, 1)
	st.Status = workflow.StatusCancelled
	r.Emit(st)
	require.NoError(t, r.Close(ctx))

	st.Status = workflow.StatusRunning
	st.ChecksPerformed = 9
	require.NoError(t, repo.UpsertExecutionRecord(ctx, &st))

	history, err := repo.GetExecutionHistory(ctx, "del-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, workflow.StatusCancelled, history[0].Status)
	assert.Equal(t, 1, history[0].ChecksPerformed)
}

func TestReconciler_HistoryMergesPending(t *testing.T) {
	ctx := context.Background()
	repo := workflow.NewInMemoryRepository()

	old := runningState("del-1", t0.Add(-24*time.Hour), 3)
	old.Status = workflow.StatusCompleted
	require.NoError(t, repo.UpsertExecutionRecord(ctx, &old))

	r := workflow.NewReconciler(workflow.ReconcilerConfig{Repository: repo, Logger: zerolog.Nop()})
	current := runningState("del-1", t0, 1)
	r.Emit(current)
	r.Emit(runningState("del-2", t0, 1))

	history, err := r.History(ctx, "del-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, current.WorkflowID, history[0].WorkflowID, "newest first")
	assert.Equal(t, old.WorkflowID, history[1].WorkflowID)
}

func TestReconciler_CloseReportsUnpersisted(t *testing.T) {
	r := workflow.NewReconciler(workflow.ReconcilerConfig{
		Repository: brokenRepository{workflow.NewInMemoryRepository()},
		Logger:     zerolog.Nop(),
	})
	r.Emit(runningState("del-1", t0, 1))

	err := r.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 execution states left unpersisted")
	assert.Equal(t, 1, r.Pending())
}
