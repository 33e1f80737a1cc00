package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/internal/alert"
)

// AnalyticsStore derives read-only counts from stored alerts and states.
// It never mutates anything.
type AnalyticsStore struct {
	db *DB
}

// NewAnalyticsStore creates the analytics reader.
func NewAnalyticsStore(db *DB) *AnalyticsStore {
	return &AnalyticsStore{db: db}
}

// AlertReport summarizes one alert's engagement.
type AlertReport struct {
	AlertID        string `json:"alert_id"`
	DeliveredUsers int    `json:"delivered_users"`
	ReadUsers      int    `json:"read_users"`
	SnoozedUsers   int    `json:"snoozed_users"`
	TotalDelivered int    `json:"total_deliveries"`
}

// ReportForAlert scans the state rows of one alert.
func (s *AnalyticsStore) ReportForAlert(ctx context.Context, alertID uuid.UUID) (*AlertReport, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE delivery_count > 0),
			COUNT(*) FILTER (WHERE is_read),
			COUNT(*) FILTER (WHERE is_snoozed),
			COALESCE(SUM(delivery_count), 0)
		FROM user_alert_states
		WHERE alert_id = $1
	`

	report := &AlertReport{AlertID: alertID.String()}
	err := s.db.Pool().QueryRow(ctx, query, alertID).Scan(
		&report.DeliveredUsers,
		&report.ReadUsers,
		&report.SnoozedUsers,
		&report.TotalDelivered,
	)
	if err != nil {
		return nil, fmt.Errorf("query alert report: %w", err)
	}
	return report, nil
}

// Overview summarizes the whole alert corpus.
type Overview struct {
	TotalAlerts     int            `json:"total_alerts"`
	ActiveAlerts    int            `json:"active_alerts"`
	BySeverity      map[string]int `json:"by_severity"`
	TotalDeliveries int            `json:"total_deliveries"`
	TotalReads      int            `json:"total_reads"`
	TotalSnoozes    int            `json:"total_snoozes"`
}

// OverviewReport scans alerts and states for the global counts.
func (s *AnalyticsStore) OverviewReport(ctx context.Context) (*Overview, error) {
	o := &Overview{BySeverity: make(map[string]int)}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT severity, status, COUNT(*)
		FROM alerts
		GROUP BY severity, status
	`)
	if err != nil {
		return nil, fmt.Errorf("query alert counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			severity string
			status   alert.Status
			count    int
		)
		if err := rows.Scan(&severity, &status, &count); err != nil {
			return nil, fmt.Errorf("scan alert counts: %w", err)
		}
		o.TotalAlerts += count
		o.BySeverity[severity] += count
		if status == alert.StatusActive {
			o.ActiveAlerts += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.Pool().QueryRow(ctx, `
		SELECT
			COALESCE(SUM(delivery_count), 0),
			COUNT(*) FILTER (WHERE is_read),
			COUNT(*) FILTER (WHERE is_snoozed)
		FROM user_alert_states
	`).Scan(&o.TotalDeliveries, &o.TotalReads, &o.TotalSnoozes)
	if err != nil {
		return nil, fmt.Errorf("query state counts: %w", err)
	}

	return o, nil
}
