package channel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
)

// FeedWriter persists an in-app delivery so the user's feed can surface it.
type FeedWriter interface {
	AppendDelivery(ctx context.Context, userID string, n Notification, at time.Time) (string, error)
}

// InApp delivers alerts to the user's in-app feed. Deliverable for any
// active user; no external address is required.
type InApp struct {
	feed   FeedWriter
	config Configuration
	logger *zap.Logger
}

// NewInApp creates the in-app channel writing through the given feed store.
func NewInApp(feed FeedWriter, cfg Configuration, logger *zap.Logger) *InApp {
	return &InApp{
		feed:   feed,
		config: cfg,
		logger: logger,
	}
}

func (c *InApp) Type() alert.DeliveryType { return alert.DeliveryInApp }

func (c *InApp) Configuration() Configuration { return c.config }

func (c *InApp) CanDeliver(_ context.Context, user alert.User) bool {
	return user.ID != "" && user.Active
}

func (c *InApp) Validate(n Notification, user alert.User) ValidationReport {
	report := newValidationReport()
	validateRecipient(&report, user)
	validateNotification(&report, n)
	return report
}

func (c *InApp) Deliver(ctx context.Context, n Notification, user alert.User) (DeliveryResult, error) {
	if user.ID == "" {
		err := &DeliveryError{Channel: c.Type(), Err: ErrUserNotFound}
		return failedResult(err), err
	}
	if !user.Active {
		err := &DeliveryError{Channel: c.Type(), Err: ErrUserInactive}
		return failedResult(err), err
	}

	deliveryID, err := c.feed.AppendDelivery(ctx, user.ID, n, time.Now())
	if err != nil {
		werr := &DeliveryError{Channel: c.Type(), Err: err}
		return failedResult(werr), werr
	}

	c.logger.Info("in-app alert delivered",
		zap.String("alert_id", n.AlertID),
		zap.String("user_id", user.ID),
		zap.String("delivery_id", deliveryID),
	)

	return DeliveryResult{
		Success:    true,
		DeliveryID: deliveryID,
		Timestamp:  time.Now(),
	}, nil
}
