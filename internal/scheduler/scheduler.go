// Package scheduler runs the recurring reminder loop: find due alerts,
// resolve their recipients, reconcile snoozes, and dispatch deliveries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
	"github.com/beaconhq/beacon/internal/channel"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/store"
)

// AlertSource supplies the alerts a tick must look at.
type AlertSource interface {
	FindActiveAlertsNeedingReminders(ctx context.Context) ([]*alert.Alert, error)
	FindExpired(ctx context.Context) ([]*alert.Alert, error)
	MarkExpired(ctx context.Context, id uuid.UUID) error
}

// RecipientSource expands a visibility scope to its users.
type RecipientSource interface {
	FindRecipients(ctx context.Context, v alert.Visibility) ([]alert.User, error)
}

// StateStore loads and persists per-(user, alert) state.
type StateStore interface {
	FindByUserAndAlert(ctx context.Context, userID string, alertID uuid.UUID) (*alert.UserAlertState, error)
	Upsert(ctx context.Context, st *alert.UserAlertState) error
	RecordDelivery(ctx context.Context, userID string, alertID uuid.UUID, at time.Time) (int, error)
	FindExpiredSnoozes(ctx context.Context) ([]*alert.UserAlertState, error)
}

// Deliverer performs one delivery end to end.
type Deliverer interface {
	Dispatch(ctx context.Context, a *alert.Alert, user alert.User) (channel.DeliveryResult, error)
}

// Config holds the loop settings.
type Config struct {
	Interval    time.Duration // time between ticks
	WorkerCount int           // bound on concurrent (alert, recipient) units
}

// Scheduler is the periodic control loop. A fixed-interval timer fires
// ticks; a tick that is still running when the next fire arrives causes
// that fire to be skipped entirely, never queued.
type Scheduler struct {
	alerts     AlertSource
	recipients RecipientSource
	states     StateStore
	dispatcher Deliverer
	config     Config
	logger     *zap.Logger

	cron *cron.Cron
	now  func() time.Time
}

// New wires the scheduler.
func New(alerts AlertSource, recipients RecipientSource, states StateStore, dispatcher Deliverer, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	return &Scheduler{
		alerts:     alerts,
		recipients: recipients,
		states:     states,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start begins ticking. The context bounds all work started by ticks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.Interval), func() {
		s.runTick(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule reminder tick: %w", err)
	}

	s.cron.Start()
	s.logger.Info("reminder scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("workers", s.config.WorkerCount),
	)
	return nil
}

// Stop halts the timer and waits for an in-flight tick to drain.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("reminder scheduler stopped")
}

// runTick is one pass of the loop. Failures are isolated per (alert,
// recipient) unit; one bad delivery never aborts the rest of the tick.
func (s *Scheduler) runTick(ctx context.Context) {
	start := s.now()
	defer func() {
		metrics.ObserveTickDuration(time.Since(start))
	}()

	s.sweepExpired(ctx)
	s.reconcileSnoozes(ctx)

	alerts, err := s.alerts.FindActiveAlertsNeedingReminders(ctx)
	if err != nil {
		s.logger.Error("failed to fetch due alerts", zap.Error(err))
		return
	}
	if len(alerts) == 0 {
		return
	}

	sem := make(chan struct{}, s.config.WorkerCount)
	var wg sync.WaitGroup

	for _, a := range alerts {
		recipients, err := s.recipients.FindRecipients(ctx, a.Visibility)
		if err != nil {
			s.logger.Error("failed to resolve recipients",
				zap.String("alert_id", a.ID.String()),
				zap.Error(err),
			)
			continue
		}

		for _, user := range recipients {
			a, user := a, user
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				s.processUnit(ctx, a, user)
			}()
		}
	}

	wg.Wait()
}

// sweepExpired flips active alerts past their expiry to the terminal
// expired state so later ticks stop considering them.
func (s *Scheduler) sweepExpired(ctx context.Context) {
	expired, err := s.alerts.FindExpired(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	for _, a := range expired {
		if err := s.alerts.MarkExpired(ctx, a.ID); err != nil {
			// An alert archived since the query is already terminal.
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			s.logger.Error("failed to mark alert expired",
				zap.String("alert_id", a.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// reconcileSnoozes clears timed snoozes that lapsed since the last tick,
// including ones on alerts that are not currently due, so stored state
// never reports a snooze that already ended.
func (s *Scheduler) reconcileSnoozes(ctx context.Context) {
	now := s.now()

	lapsed, err := s.states.FindExpiredSnoozes(ctx)
	if err != nil {
		s.logger.Error("snooze reconciliation sweep failed", zap.Error(err))
		return
	}
	for _, st := range lapsed {
		if !st.ResetSnoozeIfExpiredAt(now) {
			continue
		}
		if err := s.states.Upsert(ctx, st); err != nil {
			s.logger.Error("failed to persist snooze reconciliation",
				zap.String("alert_id", st.AlertID.String()),
				zap.String("user_id", st.UserID),
				zap.Error(err),
			)
		}
	}
}

// processUnit handles one (alert, recipient) pair: reconcile the snooze,
// decide eligibility, deliver, record.
func (s *Scheduler) processUnit(ctx context.Context, a *alert.Alert, user alert.User) {
	now := s.now()

	st, err := s.states.FindByUserAndAlert(ctx, user.ID, a.ID)
	if err != nil {
		s.logger.Error("failed to load user alert state",
			zap.String("alert_id", a.ID.String()),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		return
	}

	hadState := st != nil
	if st == nil {
		st = alert.NewUserAlertState(user.ID, a.ID)
	}

	if st.ResetSnoozeIfExpiredAt(now) {
		if err := s.states.Upsert(ctx, st); err != nil {
			s.logger.Error("failed to persist snooze reconciliation",
				zap.String("alert_id", a.ID.String()),
				zap.String("user_id", user.ID),
				zap.Error(err),
			)
			// Keep going; the reconciled copy in hand is still correct
			// for this tick and the write is retried next time.
		}
	}

	if hadState && !st.ShouldReceiveReminderAt(now) {
		metrics.RecordReminderSkipped("snoozed")
		return
	}
	if hadState && !s.dueForReminder(st, a, now) {
		metrics.RecordReminderSkipped("not_due")
		return
	}

	result, err := s.dispatcher.Dispatch(ctx, a, user)
	if err != nil {
		if errors.Is(err, channel.ErrRateLimited) {
			metrics.RecordReminderSkipped("rate_limited")
			s.logger.Debug("reminder rate limited",
				zap.String("alert_id", a.ID.String()),
				zap.String("user_id", user.ID),
			)
			return
		}
		metrics.RecordReminderDelivery(string(a.DeliveryType), "failed")
		s.logger.Warn("reminder delivery failed",
			zap.String("alert_id", a.ID.String()),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		return
	}

	if _, err := s.states.RecordDelivery(ctx, user.ID, a.ID, result.Timestamp); err != nil {
		s.logger.Error("failed to record delivery",
			zap.String("alert_id", a.ID.String()),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		return
	}

	metrics.RecordReminderDelivery(string(a.DeliveryType), "delivered")
}

// dueForReminder applies the alert's reminder frequency: a user who was
// just reminded is not reminded again until the frequency elapses.
func (s *Scheduler) dueForReminder(st *alert.UserAlertState, a *alert.Alert, now time.Time) bool {
	if st.LastDelivered == nil {
		return true
	}
	frequency := time.Duration(a.ReminderFrequencyHours) * time.Hour
	return now.Sub(*st.LastDelivered) >= frequency
}
