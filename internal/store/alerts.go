package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
)

const alertColumns = `
	id, title, message, severity, delivery_type,
	visibility_type, visibility_targets,
	start_time, expiry_time, reminder_enabled, reminder_frequency_hours,
	created_by, status, created_at, updated_at`

// AlertStore handles alert persistence.
type AlertStore struct {
	db     *DB
	logger *zap.Logger
}

// NewAlertStore creates the alert repository.
func NewAlertStore(db *DB, logger *zap.Logger) *AlertStore {
	return &AlertStore{db: db, logger: logger}
}

// Create inserts a new alert.
func (s *AlertStore) Create(ctx context.Context, a *alert.Alert) error {
	query := `
		INSERT INTO alerts (
			id, title, message, severity, delivery_type,
			visibility_type, visibility_targets,
			start_time, expiry_time, reminder_enabled, reminder_frequency_hours,
			created_by, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`

	_, err := s.db.Pool().Exec(ctx, query,
		a.ID, a.Title, a.Message, a.Severity, a.DeliveryType,
		a.Visibility.Type, a.Visibility.TargetIDs,
		a.StartTime, a.ExpiryTime, a.ReminderEnabled, a.ReminderFrequencyHours,
		a.CreatedBy, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("failed to create alert",
			zap.Error(err),
			zap.String("alert_id", a.ID.String()),
		)
		return fmt.Errorf("insert alert: %w", err)
	}

	s.logger.Info("alert created",
		zap.String("alert_id", a.ID.String()),
		zap.String("severity", string(a.Severity)),
		zap.String("delivery_type", string(a.DeliveryType)),
	)
	return nil
}

// GetByID retrieves one alert.
func (s *AlertStore) GetByID(ctx context.Context, id uuid.UUID) (*alert.Alert, error) {
	query := `SELECT` + alertColumns + ` FROM alerts WHERE id = $1`

	a, err := scanAlert(s.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// Update persists a patched alert. prevUpdatedAt guards against lost
// updates: the row is only written if nobody changed it since the read.
func (s *AlertStore) Update(ctx context.Context, a *alert.Alert, prevUpdatedAt time.Time) error {
	query := `
		UPDATE alerts SET
			title = $2, message = $3, severity = $4, delivery_type = $5,
			visibility_type = $6, visibility_targets = $7,
			start_time = $8, expiry_time = $9,
			reminder_enabled = $10, reminder_frequency_hours = $11,
			status = $12, updated_at = $13
		WHERE id = $1 AND updated_at = $14
	`

	result, err := s.db.Pool().Exec(ctx, query,
		a.ID, a.Title, a.Message, a.Severity, a.DeliveryType,
		a.Visibility.Type, a.Visibility.TargetIDs,
		a.StartTime, a.ExpiryTime,
		a.ReminderEnabled, a.ReminderFrequencyHours,
		a.Status, a.UpdatedAt, prevUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either the alert vanished or someone else wrote first.
		if _, err := s.GetByID(ctx, a.ID); err != nil {
			return err
		}
		return fmt.Errorf("alert %s: %w", a.ID, ErrConflict)
	}
	return nil
}

// Archive moves an alert to the terminal archived state. Idempotent.
func (s *AlertStore) Archive(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, alert.StatusArchived)
}

// MarkExpired moves an alert to the terminal expired state. Idempotent,
// used by the scheduler's expiry sweep.
func (s *AlertStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, alert.StatusExpired)
}

// setStatus commits an active -> terminal transition. Terminal states are
// final: re-applying the same status is a no-op success, crossing from one
// terminal state to the other is ErrConflict.
func (s *AlertStore) setStatus(ctx context.Context, id uuid.UUID, status alert.Status) error {
	query := `
		UPDATE alerts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`

	result, err := s.db.Pool().Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("set alert status: %w", err)
	}
	if result.RowsAffected() == 0 {
		current, err := s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == status {
			return nil
		}
		return fmt.Errorf("alert %s is %s: %w", id, current.Status, ErrConflict)
	}

	s.logger.Info("alert status changed",
		zap.String("alert_id", id.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// ListActive returns alerts that are live right now, most severe first.
func (s *AlertStore) ListActive(ctx context.Context) ([]*alert.Alert, error) {
	query := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE status = 'active' AND start_time <= NOW() AND expiry_time >= NOW()
		ORDER BY ` + severityRank + ` DESC, created_at DESC
	`
	return s.queryAlerts(ctx, query)
}

// FindActiveAlertsNeedingReminders returns the alerts the scheduler must
// process this tick: active, reminders on, not yet expired.
func (s *AlertStore) FindActiveAlertsNeedingReminders(ctx context.Context) ([]*alert.Alert, error) {
	query := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE status = 'active' AND reminder_enabled AND expiry_time > NOW()
		ORDER BY created_at ASC
	`
	return s.queryAlerts(ctx, query)
}

// severityRank orders severities for presentation. The ordering is a
// product decision but must stay deterministic.
const severityRank = `
	CASE severity WHEN 'critical' THEN 3 WHEN 'warning' THEN 2 ELSE 1 END`

// FindAlertsVisibleTo returns the active, in-window alerts whose scope
// matches the given user identity, ordered by (severity desc, createdAt
// desc). Each alert appears once even when several clauses match.
func (s *AlertStore) FindAlertsVisibleTo(ctx context.Context, userID, teamID, orgID string) ([]*alert.Alert, error) {
	query := `
		SELECT DISTINCT` + alertColumns + `, ` + severityRank + ` AS severity_rank
		FROM alerts
		WHERE status = 'active'
		  AND start_time <= NOW() AND expiry_time >= NOW()
		  AND (
			(visibility_type = 'organization' AND (cardinality(visibility_targets) = 0 OR $3 = ANY(visibility_targets)))
			OR (visibility_type = 'team' AND $2 = ANY(visibility_targets))
			OR (visibility_type = 'user' AND $1 = ANY(visibility_targets))
		  )
		ORDER BY severity_rank DESC, created_at DESC
	`

	rows, err := s.db.Pool().Query(ctx, query, userID, teamID, orgID)
	if err != nil {
		return nil, fmt.Errorf("query visible alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*alert.Alert
	for rows.Next() {
		a, err := scanAlertWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// FindExpired returns active alerts already past their expiry, for the
// periodic sweep.
func (s *AlertStore) FindExpired(ctx context.Context) ([]*alert.Alert, error) {
	query := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE status = 'active' AND expiry_time <= NOW()
	`
	return s.queryAlerts(ctx, query)
}

func (s *AlertStore) queryAlerts(ctx context.Context, query string, args ...any) ([]*alert.Alert, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var a alert.Alert
	err := row.Scan(
		&a.ID, &a.Title, &a.Message, &a.Severity, &a.DeliveryType,
		&a.Visibility.Type, &a.Visibility.TargetIDs,
		&a.StartTime, &a.ExpiryTime, &a.ReminderEnabled, &a.ReminderFrequencyHours,
		&a.CreatedBy, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAlertWithRank(row pgx.Row) (*alert.Alert, error) {
	var a alert.Alert
	var rank int
	err := row.Scan(
		&a.ID, &a.Title, &a.Message, &a.Severity, &a.DeliveryType,
		&a.Visibility.Type, &a.Visibility.TargetIDs,
		&a.StartTime, &a.ExpiryTime, &a.ReminderEnabled, &a.ReminderFrequencyHours,
		&a.CreatedBy, &a.Status, &a.CreatedAt, &a.UpdatedAt,
		&rank,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
