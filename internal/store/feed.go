package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/channel"
)

// DeliveryFeed persists in-app deliveries so they show up in the user's
// feed. Implements channel.FeedWriter.
type DeliveryFeed struct {
	db     *DB
	logger *zap.Logger
}

// NewDeliveryFeed creates the in-app feed repository.
func NewDeliveryFeed(db *DB, logger *zap.Logger) *DeliveryFeed {
	return &DeliveryFeed{db: db, logger: logger}
}

// AppendDelivery writes one feed row and returns its id.
func (f *DeliveryFeed) AppendDelivery(ctx context.Context, userID string, n channel.Notification, at time.Time) (string, error) {
	id := uuid.New()
	query := `
		INSERT INTO inapp_deliveries (id, user_id, alert_id, title, message, severity, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := f.db.Pool().Exec(ctx, query, id, userID, n.AlertID, n.Title, n.Message, n.Severity, at)
	if err != nil {
		return "", fmt.Errorf("insert feed delivery: %w", err)
	}
	return id.String(), nil
}
