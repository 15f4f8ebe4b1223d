package delivery

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing and local runs. Production should use PostgresRepository.
type InMemoryRepository struct {
	mu            sync.RWMutex
	deliveries    map[string]*Delivery
	notifications map[string][]NotificationRecord
}

// NewInMemoryRepository creates a new in-memory delivery repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		deliveries:    make(map[string]*Delivery),
		notifications: make(map[string][]NotificationRecord),
	}
}

// Save creates or replaces a delivery.
func (r *InMemoryRepository) Save(_ context.Context, d *Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries[d.ID] = clone(d)
	return nil
}

// SetStatus updates the status of a delivery.
func (r *InMemoryRepository) SetStatus(_ context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[id]
	if !ok {
		return ErrDeliveryNotFound
	}
	d.Status = status
	return nil
}

// Get retrieves a delivery by ID.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return clone(d), nil
}

// GetMonitoringSettings retrieves the monitoring settings of a delivery.
func (r *InMemoryRepository) GetMonitoringSettings(_ context.Context, id string) (*MonitoringSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	settings := d.Monitoring
	return &settings, nil
}

// UpdateCheckCount stores the total number of checks performed, never decreasing it.
func (r *InMemoryRepository) UpdateCheckCount(_ context.Context, id string, checksPerformed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[id]
	if !ok {
		return ErrDeliveryNotFound
	}
	if checksPerformed > d.Monitoring.ChecksPerformed {
		d.Monitoring.ChecksPerformed = checksPerformed
	}
	return nil
}

// ResetCheckCount sets the counter unconditionally. Operators use it to restart monitoring.
func (r *InMemoryRepository) ResetCheckCount(_ context.Context, id string, checksPerformed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[id]
	if !ok {
		return ErrDeliveryNotFound
	}
	d.Monitoring.ChecksPerformed = checksPerformed
	return nil
}

// AppendNotification adds a record to the notification history. A record whose
// ID is already stored is ignored.
func (r *InMemoryRepository) AppendNotification(_ context.Context, record *NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deliveries[record.DeliveryID]; !ok {
		return ErrDeliveryNotFound
	}
	for _, existing := range r.notifications[record.DeliveryID] {
		if existing.ID == record.ID {
			return nil
		}
	}
	rec := *record
	rec.Channels = slices.Clone(record.Channels)
	r.notifications[record.DeliveryID] = append(r.notifications[record.DeliveryID], rec)
	return nil
}

// ListRecentNotifications returns up to limit records, most recent first.
func (r *InMemoryRepository) ListRecentNotifications(_ context.Context, deliveryID string, limit int) ([]NotificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := slices.Clone(r.notifications[deliveryID])
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].SentAt.After(history[j].SentAt)
	})
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// ListMonitored returns deliveries with monitoring enabled and a non-terminal status, ordered by ID.
func (r *InMemoryRepository) ListMonitored(_ context.Context) ([]*Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Delivery
	for _, d := range r.deliveries {
		if d.Monitoring.Enabled && !d.Status.IsTerminal() {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clone(d *Delivery) *Delivery {
	cpy := *d
	cpy.Channels = slices.Clone(d.Channels)
	return &cpy
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
