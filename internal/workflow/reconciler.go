package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ReconcilerConfig holds configuration for the reconciler.
type ReconcilerConfig struct {
	// Repository persists execution records (required).
	Repository Repository

	// RetryInterval is how often pending states are retried after a failed flush.
	// Default: 5 seconds
	RetryInterval time.Duration

	// WriteTimeout bounds a single upsert. Default: 5 seconds
	WriteTimeout time.Duration

	// Logger for reconciler operations.
	Logger zerolog.Logger
}

type pendingState struct {
	state ExecutionState
	seq   uint64
}

// Reconciler merges live execution state with persisted records and persists
// emitted states in the background.
type Reconciler struct {
	repo          Repository
	logger        zerolog.Logger
	retryInterval time.Duration
	writeTimeout  time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[string]pendingState   // by workflow ID
	live    map[string]ExecutionState // by delivery ID, runs hosted in this process

	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewReconciler creates a reconciler. Call Start to begin background persistence.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 5 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	return &Reconciler{
		repo:          cfg.Repository,
		logger:        cfg.Logger,
		retryInterval: retry,
		writeTimeout:  writeTimeout,
		pending:       make(map[string]pendingState),
		live:          make(map[string]ExecutionState),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Start launches the background writer.
func (r *Reconciler) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.loop()
	}
}

// Emit records a state change. It never blocks on persistence; only the latest
// state per workflow ID is kept until it is written.
func (r *Reconciler) Emit(state ExecutionState) {
	state = state.Clone()

	r.mu.Lock()
	r.seq++
	r.pending[state.WorkflowID] = pendingState{state: state, seq: r.seq}
	if state.Kind == KindRecurringCheck {
		r.live[state.DeliveryID] = state
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Detach drops the live entry of a run that stopped without reaching a terminal state.
func (r *Reconciler) Detach(deliveryID, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.live[deliveryID]; ok && cur.WorkflowID == workflowID {
		delete(r.live, deliveryID)
	}
}

// CurrentState returns the live state of a run hosted in this process, otherwise the
// most recent recurring-check record that is pending or persisted.
func (r *Reconciler) CurrentState(ctx context.Context, deliveryID string) (*ExecutionState, error) {
	live, hasLive := r.liveState(deliveryID)

	persisted, err := r.latestPersisted(ctx, deliveryID)
	if err != nil {
		if hasLive {
			r.logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("reading execution history failed, serving live state")
			return &live, nil
		}
		return nil, err
	}

	if hasLive {
		if persisted != nil && persisted.WorkflowID == live.WorkflowID &&
			!persisted.Status.IsTerminal() && live.Status.IsTerminal() {
			r.resync(live)
		}
		return &live, nil
	}

	if p, ok := r.latestPending(deliveryID); ok {
		if persisted == nil || !p.StartedAt.Before(persisted.StartedAt) {
			return &p, nil
		}
	}

	if persisted == nil {
		return nil, ErrNotFound
	}
	return persisted, nil
}

// History returns every run of a delivery, newest first, with unpersisted states merged in.
func (r *Reconciler) History(ctx context.Context, deliveryID string) ([]ExecutionState, error) {
	persisted, err := r.repo.GetExecutionHistory(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(persisted))
	for i, s := range persisted {
		byID[s.WorkflowID] = i
	}

	r.mu.Lock()
	for _, p := range r.pending {
		if p.state.DeliveryID != deliveryID {
			continue
		}
		if i, ok := byID[p.state.WorkflowID]; ok {
			if !persisted[i].Status.IsTerminal() {
				persisted[i] = p.state.Clone()
			}
			continue
		}
		byID[p.state.WorkflowID] = len(persisted)
		persisted = append(persisted, p.state.Clone())
	}
	r.mu.Unlock()

	sortNewestFirst(persisted)
	return persisted, nil
}

// Pending returns the number of states not yet persisted.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops the background writer and flushes what is pending.
func (r *Reconciler) Close(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if r.started.Load() {
		select {
		case <-r.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if n := r.flush(ctx); n > 0 {
		return fmt.Errorf("%d execution states left unpersisted on close", n)
	}
	return nil
}

func (r *Reconciler) loop() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
			r.flush(context.Background())
		case <-ticker.C:
			if r.Pending() > 0 {
				r.flush(context.Background())
			}
		}
	}
}

// flush writes every pending state and returns how many remain pending.
func (r *Reconciler) flush(ctx context.Context) int {
	r.mu.Lock()
	batch := make([]pendingState, 0, len(r.pending))
	for _, p := range r.pending {
		batch = append(batch, p)
	}
	r.mu.Unlock()

	for _, p := range batch {
		writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
		err := r.repo.UpsertExecutionRecord(writeCtx, &p.state)
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).
				Str("workflow_id", p.state.WorkflowID).
				Str("status", string(p.state.Status)).
				Msg("persisting execution state failed, will retry")
			continue
		}
		r.persisted(p)
	}

	return r.Pending()
}

// persisted drops a written state unless a newer one was emitted meanwhile.
func (r *Reconciler) persisted(p pendingState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.pending[p.state.WorkflowID]; ok && cur.seq == p.seq {
		delete(r.pending, p.state.WorkflowID)
	}
	if p.state.Status.IsTerminal() {
		if cur, ok := r.live[p.state.DeliveryID]; ok && cur.WorkflowID == p.state.WorkflowID && cur.Status.IsTerminal() {
			delete(r.live, p.state.DeliveryID)
		}
	}
}

func (r *Reconciler) resync(state ExecutionState) {
	r.mu.Lock()
	if _, ok := r.pending[state.WorkflowID]; !ok {
		r.seq++
		r.pending[state.WorkflowID] = pendingState{state: state.Clone(), seq: r.seq}
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reconciler) liveState(deliveryID string) (ExecutionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[deliveryID]
	if !ok {
		return ExecutionState{}, false
	}
	return s.Clone(), true
}

func (r *Reconciler) latestPending(deliveryID string) (ExecutionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		best  ExecutionState
		found bool
	)
	for _, p := range r.pending {
		if p.state.DeliveryID != deliveryID || p.state.Kind != KindRecurringCheck {
			continue
		}
		if !found || p.state.StartedAt.After(best.StartedAt) {
			best, found = p.state, true
		}
	}
	return best.Clone(), found
}

func (r *Reconciler) latestPersisted(ctx context.Context, deliveryID string) (*ExecutionState, error) {
	history, err := r.repo.GetExecutionHistory(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].Kind == KindRecurringCheck {
			s := history[i]
			return &s, nil
		}
	}
	return nil, nil
}
