package alert

import (
	"time"

	"github.com/google/uuid"
)

// UserAlertState tracks one user's read/snooze/delivery state for one
// alert. A missing row is equivalent to the zero state: unread, not
// snoozed, zero deliveries. IsSnoozed with a nil SnoozeUntil is an
// indefinite snooze; with SnoozeUntil set the snooze expires lazily and is
// only cleared by ResetSnoozeIfExpired, never as a read side effect.
type UserAlertState struct {
	ID            uuid.UUID  `json:"id"`
	UserID        string     `json:"user_id"`
	AlertID       uuid.UUID  `json:"alert_id"`
	IsRead        bool       `json:"is_read"`
	IsSnoozed     bool       `json:"is_snoozed"`
	SnoozeUntil   *time.Time `json:"snooze_until,omitempty"`
	LastDelivered *time.Time `json:"last_delivered,omitempty"`
	DeliveryCount int        `json:"delivery_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewUserAlertState constructs the default state for a (user, alert) pair.
func NewUserAlertState(userID string, alertID uuid.UUID) *UserAlertState {
	now := time.Now()
	return &UserAlertState{
		ID:        uuid.New(),
		UserID:    userID,
		AlertID:   alertID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// touch bumps UpdatedAt, keeping it non-decreasing.
func (s *UserAlertState) touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

func (s *UserAlertState) MarkRead()   { s.markReadAt(time.Now()) }
func (s *UserAlertState) MarkUnread() { s.markUnreadAt(time.Now()) }

func (s *UserAlertState) markReadAt(now time.Time) {
	s.IsRead = true
	s.touch(now)
}

func (s *UserAlertState) markUnreadAt(now time.Time) {
	s.IsRead = false
	s.touch(now)
}

// SnoozeForDay snoozes until the end of the caller's current local day.
// The boundary is recomputed from the clock at call time: calling again the
// same day keeps the same boundary, calling the next day moves it forward.
func (s *UserAlertState) SnoozeForDay() {
	s.snoozeForDayAt(time.Now())
}

func (s *UserAlertState) snoozeForDayAt(now time.Time) {
	until := endOfDay(now)
	s.IsSnoozed = true
	s.SnoozeUntil = &until
	s.touch(now)
}

// endOfDay returns the next local midnight after t.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// SnoozeUntilTime snoozes until the given instant, which must be in the
// future.
func (s *UserAlertState) SnoozeUntilTime(t time.Time) error {
	return s.snoozeUntilTimeAt(t, time.Now())
}

func (s *UserAlertState) snoozeUntilTimeAt(t, now time.Time) error {
	if !t.After(now) {
		return &ValidationError{Field: "snooze_until", Rule: "must be in the future"}
	}
	until := t
	s.IsSnoozed = true
	s.SnoozeUntil = &until
	s.touch(now)
	return nil
}

// SnoozeIndefinitely snoozes with no expiry; only Unsnooze clears it.
func (s *UserAlertState) SnoozeIndefinitely() {
	now := time.Now()
	s.IsSnoozed = true
	s.SnoozeUntil = nil
	s.touch(now)
}

// Unsnooze clears the snooze axis unconditionally.
func (s *UserAlertState) Unsnooze() {
	s.unsnoozeAt(time.Now())
}

func (s *UserAlertState) unsnoozeAt(now time.Time) {
	s.IsSnoozed = false
	s.SnoozeUntil = nil
	s.touch(now)
}

// RecordDelivery notes one successful delivery.
func (s *UserAlertState) RecordDelivery() {
	s.recordDeliveryAt(time.Now())
}

func (s *UserAlertState) recordDeliveryAt(now time.Time) {
	t := now
	s.LastDelivered = &t
	s.DeliveryCount++
	s.touch(now)
}

// IsCurrentlySnoozedAt reports whether the snooze is in effect at the given
// instant. An expired timed snooze reads as not snoozed, but the stored
// fields are not mutated here.
func (s *UserAlertState) IsCurrentlySnoozedAt(now time.Time) bool {
	if !s.IsSnoozed {
		return false
	}
	if s.SnoozeUntil == nil {
		return true
	}
	return now.Before(*s.SnoozeUntil)
}

func (s *UserAlertState) IsCurrentlySnoozed() bool {
	return s.IsCurrentlySnoozedAt(time.Now())
}

// ResetSnoozeIfExpiredAt clears a timed snooze whose deadline has passed
// and reports whether it mutated the state. This is the only reconciliation
// path for expired snoozes; calling it again is a no-op.
func (s *UserAlertState) ResetSnoozeIfExpiredAt(now time.Time) bool {
	if !s.IsSnoozed || s.SnoozeUntil == nil {
		return false
	}
	if now.Before(*s.SnoozeUntil) {
		return false
	}
	s.IsSnoozed = false
	s.SnoozeUntil = nil
	s.touch(now)
	return true
}

func (s *UserAlertState) ResetSnoozeIfExpired() bool {
	return s.ResetSnoozeIfExpiredAt(time.Now())
}

// ShouldReceiveReminderAt reports whether the user is due a reminder.
func (s *UserAlertState) ShouldReceiveReminderAt(now time.Time) bool {
	return !s.IsCurrentlySnoozedAt(now)
}

func (s *UserAlertState) ShouldReceiveReminder() bool {
	return s.ShouldReceiveReminderAt(time.Now())
}

// SnoozeTimeRemainingAt returns how long a timed snooze has left, zero in
// every other case including indefinite snooze.
func (s *UserAlertState) SnoozeTimeRemainingAt(now time.Time) time.Duration {
	if !s.IsSnoozed || s.SnoozeUntil == nil {
		return 0
	}
	if remaining := s.SnoozeUntil.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

func (s *UserAlertState) SnoozeTimeRemaining() time.Duration {
	return s.SnoozeTimeRemainingAt(time.Now())
}
