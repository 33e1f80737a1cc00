package alert

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestState() *UserAlertState {
	return NewUserAlertState("user-1", uuid.New())
}

func TestNewUserAlertStateDefaults(t *testing.T) {
	s := newTestState()
	if s.IsRead || s.IsSnoozed || s.DeliveryCount != 0 {
		t.Errorf("default state must be unread/unsnoozed/zero deliveries, got %+v", s)
	}
	if s.SnoozeUntil != nil || s.LastDelivered != nil {
		t.Error("default state must not carry timestamps")
	}
}

func TestReadAxis(t *testing.T) {
	s := newTestState()
	now := time.Now()

	s.markReadAt(now)
	if !s.IsRead {
		t.Error("expected read")
	}
	s.markUnreadAt(now.Add(time.Second))
	if s.IsRead {
		t.Error("expected unread")
	}
	if s.UpdatedAt.Before(now.Add(time.Second)) {
		t.Error("updatedAt must advance on mutation")
	}
}

func TestSnoozeForDayBoundary(t *testing.T) {
	s := newTestState()
	loc := time.FixedZone("TST", 5*3600)
	at := time.Date(2026, 3, 14, 14, 0, 0, 0, loc)

	s.snoozeForDayAt(at)

	wantBoundary := time.Date(2026, 3, 15, 0, 0, 0, 0, loc)
	if !s.SnoozeUntil.Equal(wantBoundary) {
		t.Fatalf("expected boundary %v, got %v", wantBoundary, s.SnoozeUntil)
	}

	// Still snoozed one millisecond before local midnight.
	lastMoment := time.Date(2026, 3, 14, 23, 59, 59, 999000000, loc)
	if !s.IsCurrentlySnoozedAt(lastMoment) {
		t.Error("expected snoozed at 23:59:59.999")
	}

	// One millisecond past the boundary the snooze has lapsed and
	// reconciliation clears it.
	past := wantBoundary.Add(time.Millisecond)
	if s.IsCurrentlySnoozedAt(past) {
		t.Error("expected snooze lapsed past midnight")
	}
	if !s.ResetSnoozeIfExpiredAt(past) {
		t.Error("expected reset to report a mutation")
	}
	if s.IsSnoozed || s.SnoozeUntil != nil {
		t.Error("expected snooze cleared after reset")
	}
}

func TestSnoozeForDaySameDayIsStable(t *testing.T) {
	s := newTestState()
	loc := time.UTC
	morning := time.Date(2026, 3, 14, 9, 0, 0, 0, loc)
	evening := time.Date(2026, 3, 14, 21, 30, 0, 0, loc)

	s.snoozeForDayAt(morning)
	first := *s.SnoozeUntil
	s.snoozeForDayAt(evening)
	if !s.SnoozeUntil.Equal(first) {
		t.Errorf("same-day snooze must keep the boundary: %v vs %v", first, s.SnoozeUntil)
	}

	nextDay := time.Date(2026, 3, 15, 8, 0, 0, 0, loc)
	s.snoozeForDayAt(nextDay)
	if !s.SnoozeUntil.Equal(time.Date(2026, 3, 16, 0, 0, 0, 0, loc)) {
		t.Errorf("next-day snooze must move to that day's boundary, got %v", s.SnoozeUntil)
	}
}

func TestSnoozeUntilTimeRejectsPast(t *testing.T) {
	s := newTestState()
	now := time.Now()

	if err := s.snoozeUntilTimeAt(now.Add(-time.Minute), now); err == nil {
		t.Fatal("expected error for past snooze target")
	}
	if err := s.snoozeUntilTimeAt(now, now); err == nil {
		t.Fatal("expected error for snooze target equal to now")
	}
	if s.IsSnoozed {
		t.Error("failed snooze must not mutate state")
	}

	if err := s.snoozeUntilTimeAt(now.Add(time.Hour), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.IsCurrentlySnoozedAt(now) {
		t.Error("expected snoozed")
	}
}

func TestIndefiniteSnooze(t *testing.T) {
	s := newTestState()
	s.SnoozeIndefinitely()

	now := time.Now()
	if !s.IsCurrentlySnoozedAt(now.Add(1000 * time.Hour)) {
		t.Error("indefinite snooze never lapses on its own")
	}
	if s.SnoozeTimeRemainingAt(now) != 0 {
		t.Error("remaining time is undefined (zero) for indefinite snooze")
	}
	if s.ResetSnoozeIfExpiredAt(now) {
		t.Error("reset must not touch an indefinite snooze")
	}

	s.Unsnooze()
	if s.IsCurrentlySnoozedAt(now) {
		t.Error("expected unsnoozed")
	}
}

func TestResetSnoozeIfExpiredIdempotent(t *testing.T) {
	s := newTestState()
	now := time.Now()
	if err := s.snoozeUntilTimeAt(now.Add(time.Minute), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	later := now.Add(2 * time.Minute)
	if !s.ResetSnoozeIfExpiredAt(later) {
		t.Fatal("first reset after expiry must mutate")
	}
	if s.ResetSnoozeIfExpiredAt(later) {
		t.Fatal("second reset must be a no-op")
	}
	if s.ResetSnoozeIfExpiredAt(later.Add(time.Hour)) {
		t.Fatal("reset on an unsnoozed state must be a no-op")
	}
}

func TestIsCurrentlySnoozedDoesNotMutate(t *testing.T) {
	s := newTestState()
	now := time.Now()
	if err := s.snoozeUntilTimeAt(now.Add(time.Minute), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	later := now.Add(time.Hour)
	if s.IsCurrentlySnoozedAt(later) {
		t.Error("timed snooze must read as lapsed")
	}
	// The stored fields stay as they were; only reconciliation clears them.
	if !s.IsSnoozed || s.SnoozeUntil == nil {
		t.Error("read path must not self-heal an expired snooze")
	}
}

func TestRecordDeliveryMonotonic(t *testing.T) {
	s := newTestState()
	base := time.Now()

	for i := 1; i <= 5; i++ {
		s.recordDeliveryAt(base.Add(time.Duration(i) * time.Second))
		if s.DeliveryCount != i {
			t.Fatalf("expected count %d, got %d", i, s.DeliveryCount)
		}
	}
	if !s.LastDelivered.Equal(base.Add(5 * time.Second)) {
		t.Errorf("lastDelivered must equal the final call's timestamp, got %v", s.LastDelivered)
	}
}

func TestShouldReceiveReminderMirrorsSnooze(t *testing.T) {
	now := time.Now()

	states := []*UserAlertState{newTestState(), newTestState(), newTestState(), newTestState()}
	states[1].SnoozeIndefinitely()
	_ = states[2].snoozeUntilTimeAt(now.Add(time.Hour), now)
	_ = states[3].snoozeUntilTimeAt(now.Add(time.Millisecond), now)

	checkpoints := []time.Time{now, now.Add(time.Second), now.Add(2 * time.Hour)}
	for i, s := range states {
		for _, at := range checkpoints {
			if s.ShouldReceiveReminderAt(at) != !s.IsCurrentlySnoozedAt(at) {
				t.Errorf("state %d at %v: reminder eligibility must mirror snooze", i, at)
			}
		}
	}
}

func TestSnoozeTimeRemaining(t *testing.T) {
	s := newTestState()
	now := time.Now()

	if s.SnoozeTimeRemainingAt(now) != 0 {
		t.Error("unsnoozed state has zero remaining")
	}

	if err := s.snoozeUntilTimeAt(now.Add(30*time.Minute), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.SnoozeTimeRemainingAt(now.Add(10 * time.Minute)); got != 20*time.Minute {
		t.Errorf("expected 20m remaining, got %v", got)
	}
	if got := s.SnoozeTimeRemainingAt(now.Add(time.Hour)); got != 0 {
		t.Errorf("lapsed snooze has zero remaining, got %v", got)
	}
}
