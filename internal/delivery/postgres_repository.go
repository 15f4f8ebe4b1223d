package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/delaywatch/delaywatch/internal/traffic"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL delivery repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const deliveryColumns = `
	id, tracking_number, customer_name, customer_email, customer_phone,
	origin_address, origin_lat, origin_lon,
	destination_address, destination_lat, destination_lon,
	status, notification_channels,
	monitoring_enabled, check_interval_minutes, max_checks, checks_performed,
	delay_threshold_minutes, min_delay_change_minutes, min_hours_between_notifications,
	scheduled_delivery, created_at, updated_at`

// Get retrieves a delivery by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	d, err := scanDelivery(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return d, nil
}

// GetMonitoringSettings retrieves the monitoring settings of a delivery.
func (r *PostgresRepository) GetMonitoringSettings(ctx context.Context, id string) (*MonitoringSettings, error) {
	query := `
		SELECT
			monitoring_enabled, check_interval_minutes, max_checks, checks_performed,
			delay_threshold_minutes, min_delay_change_minutes, min_hours_between_notifications,
			scheduled_delivery
		FROM deliveries
		WHERE id = $1
	`

	var s MonitoringSettings
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.Enabled,
		&s.CheckIntervalMinutes,
		&s.MaxChecks,
		&s.ChecksPerformed,
		&s.DelayThresholdMinutes,
		&s.MinDelayChangeMinutes,
		&s.MinHoursBetweenNotifications,
		&s.ScheduledDelivery,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpdateCheckCount stores the total number of checks performed, never decreasing it.
func (r *PostgresRepository) UpdateCheckCount(ctx context.Context, id string, checksPerformed int) error {
	query := `
		UPDATE deliveries SET
			checks_performed = GREATEST(checks_performed, $2),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, checksPerformed)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// AppendNotification adds a record to the notification history.
func (r *PostgresRepository) AppendNotification(ctx context.Context, record *NotificationRecord) error {
	query := `
		INSERT INTO notification_history (
			id, delivery_id, sent_at, delay_minutes, threshold_minutes, channels, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.DeliveryID,
		record.SentAt,
		record.DelayMinutes,
		record.ThresholdMinutes,
		channelStrings(record.Channels),
		record.Message,
	)
	if err != nil {
		return fmt.Errorf("inserting notification record: %w", err)
	}
	return nil
}

// ListRecentNotifications returns up to limit records, most recent first.
func (r *PostgresRepository) ListRecentNotifications(ctx context.Context, deliveryID string, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, delivery_id, sent_at, delay_minutes, threshold_minutes, channels, message
		FROM notification_history
		WHERE delivery_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, deliveryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []NotificationRecord
	for rows.Next() {
		var (
			rec      NotificationRecord
			channels []string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.DeliveryID,
			&rec.SentAt,
			&rec.DelayMinutes,
			&rec.ThresholdMinutes,
			&channels,
			&rec.Message,
		); err != nil {
			return nil, err
		}
		rec.Channels = toChannels(channels)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ListMonitored returns deliveries with monitoring enabled and a non-terminal status.
func (r *PostgresRepository) ListMonitored(ctx context.Context) ([]*Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE monitoring_enabled AND status NOT IN ('delivered', 'cancelled')
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deliveries, nil
}

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var (
		d                    Delivery
		originLat, originLon *float64
		destLat, destLon     *float64
		status               string
		channels             []string
	)

	err := row.Scan(
		&d.ID,
		&d.TrackingNumber,
		&d.CustomerName,
		&d.CustomerEmail,
		&d.CustomerPhone,
		&d.Origin.Address,
		&originLat,
		&originLon,
		&d.Destination.Address,
		&destLat,
		&destLon,
		&status,
		&channels,
		&d.Monitoring.Enabled,
		&d.Monitoring.CheckIntervalMinutes,
		&d.Monitoring.MaxChecks,
		&d.Monitoring.ChecksPerformed,
		&d.Monitoring.DelayThresholdMinutes,
		&d.Monitoring.MinDelayChangeMinutes,
		&d.Monitoring.MinHoursBetweenNotifications,
		&d.Monitoring.ScheduledDelivery,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Channels = toChannels(channels)
	d.Origin.Coordinate = coordinate(originLat, originLon)
	d.Destination.Coordinate = coordinate(destLat, destLon)
	return &d, nil
}

func coordinate(lat, lon *float64) *traffic.Coordinate {
	if lat == nil || lon == nil {
		return nil
	}
	return &traffic.Coordinate{Lat: *lat, Lon: *lon}
}

func toChannels(in []string) []Channel {
	out := make([]Channel, 0, len(in))
	for _, c := range in {
		out = append(out, Channel(c))
	}
	return out
}

func channelStrings(in []Channel) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		out = append(out, string(c))
	}
	return out
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
