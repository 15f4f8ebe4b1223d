package delivery

import "context"

// Repository defines the delivery persistence the monitoring engine depends on.
type Repository interface {
	// Get retrieves a delivery by ID.
	Get(ctx context.Context, id string) (*Delivery, error)

	// GetMonitoringSettings retrieves only the monitoring settings of a delivery.
	GetMonitoringSettings(ctx context.Context, id string) (*MonitoringSettings, error)

	// UpdateCheckCount stores the total number of checks performed.
	// The stored counter never decreases.
	UpdateCheckCount(ctx context.Context, id string, checksPerformed int) error

	// AppendNotification adds a record to the notification history.
	AppendNotification(ctx context.Context, record *NotificationRecord) error

	// ListRecentNotifications returns up to limit records, most recent first.
	ListRecentNotifications(ctx context.Context, deliveryID string, limit int) ([]NotificationRecord, error)

	// ListMonitored returns deliveries with monitoring enabled and a non-terminal status.
	ListMonitored(ctx context.Context) ([]*Delivery, error)
}
