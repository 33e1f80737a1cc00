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

const stateColumns = `
	id, user_id, alert_id, is_read, is_snoozed, snooze_until,
	last_delivered, delivery_count, created_at, updated_at`

// UserAlertStateStore handles per-(user, alert) state persistence. Absence
// of a row is a valid state: unread, not snoozed, zero deliveries.
type UserAlertStateStore struct {
	db     *DB
	logger *zap.Logger
}

// NewUserAlertStateStore creates the state repository.
func NewUserAlertStateStore(db *DB, logger *zap.Logger) *UserAlertStateStore {
	return &UserAlertStateStore{db: db, logger: logger}
}

// FindByUserAndAlert returns the state row, or (nil, nil) when none exists.
func (s *UserAlertStateStore) FindByUserAndAlert(ctx context.Context, userID string, alertID uuid.UUID) (*alert.UserAlertState, error) {
	query := `SELECT` + stateColumns + ` FROM user_alert_states WHERE user_id = $1 AND alert_id = $2`

	st, err := scanState(s.db.Pool().QueryRow(ctx, query, userID, alertID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user alert state: %w", err)
	}
	return st, nil
}

// Upsert writes the state row, creating it on first interaction for the
// (user, alert) pair.
func (s *UserAlertStateStore) Upsert(ctx context.Context, st *alert.UserAlertState) error {
	query := `
		INSERT INTO user_alert_states (
			id, user_id, alert_id, is_read, is_snoozed, snooze_until,
			last_delivered, delivery_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, alert_id) DO UPDATE SET
			is_read = EXCLUDED.is_read,
			is_snoozed = EXCLUDED.is_snoozed,
			snooze_until = EXCLUDED.snooze_until,
			last_delivered = EXCLUDED.last_delivered,
			delivery_count = GREATEST(user_alert_states.delivery_count, EXCLUDED.delivery_count),
			updated_at = GREATEST(user_alert_states.updated_at, EXCLUDED.updated_at)
	`

	_, err := s.db.Pool().Exec(ctx, query,
		st.ID, st.UserID, st.AlertID, st.IsRead, st.IsSnoozed, st.SnoozeUntil,
		st.LastDelivered, st.DeliveryCount, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user alert state: %w", err)
	}
	return nil
}

// RecordDelivery increments the delivery counter at the store level so
// concurrent attempts for the same pair cannot lose updates. Returns the
// new count.
func (s *UserAlertStateStore) RecordDelivery(ctx context.Context, userID string, alertID uuid.UUID, at time.Time) (int, error) {
	query := `
		INSERT INTO user_alert_states (
			id, user_id, alert_id, last_delivered, delivery_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 1, $4, $4)
		ON CONFLICT (user_id, alert_id) DO UPDATE SET
			delivery_count = user_alert_states.delivery_count + 1,
			last_delivered = EXCLUDED.last_delivered,
			updated_at = GREATEST(user_alert_states.updated_at, EXCLUDED.updated_at)
		RETURNING delivery_count
	`

	var count int
	err := s.db.Pool().QueryRow(ctx, query, uuid.New(), userID, alertID, at).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record delivery: %w", err)
	}

	s.logger.Debug("delivery recorded",
		zap.String("user_id", userID),
		zap.String("alert_id", alertID.String()),
		zap.Int("delivery_count", count),
	)
	return count, nil
}

// BulkUpdateSnoozeStatus snoozes or unsnoozes an alert for many users at
// once. A bulk snooze is indefinite; rows are created for users with no
// prior state.
func (s *UserAlertStateStore) BulkUpdateSnoozeStatus(ctx context.Context, userIDs []string, alertID uuid.UUID, snoozed bool) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO user_alert_states (id, user_id, alert_id, is_snoozed, created_at, updated_at)
		SELECT gen_random_uuid(), u, $2, $3, NOW(), NOW()
		FROM unnest($1::text[]) AS u
		ON CONFLICT (user_id, alert_id) DO UPDATE SET
			is_snoozed = EXCLUDED.is_snoozed,
			snooze_until = NULL,
			updated_at = NOW()
	`

	result, err := s.db.Pool().Exec(ctx, query, userIDs, alertID, snoozed)
	if err != nil {
		return 0, fmt.Errorf("bulk update snooze status: %w", err)
	}

	s.logger.Info("bulk snooze status updated",
		zap.String("alert_id", alertID.String()),
		zap.Int("users", len(userIDs)),
		zap.Bool("snoozed", snoozed),
	)
	return int(result.RowsAffected()), nil
}

// FindExpiredSnoozes returns states whose timed snooze has lapsed but has
// not been reconciled yet.
func (s *UserAlertStateStore) FindExpiredSnoozes(ctx context.Context) ([]*alert.UserAlertState, error) {
	query := `
		SELECT` + stateColumns + `
		FROM user_alert_states
		WHERE is_snoozed AND snooze_until IS NOT NULL AND snooze_until <= NOW()
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query expired snoozes: %w", err)
	}
	defer rows.Close()

	var states []*alert.UserAlertState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func scanState(row pgx.Row) (*alert.UserAlertState, error) {
	var st alert.UserAlertState
	err := row.Scan(
		&st.ID, &st.UserID, &st.AlertID, &st.IsRead, &st.IsSnoozed, &st.SnoozeUntil,
		&st.LastDelivered, &st.DeliveryCount, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
