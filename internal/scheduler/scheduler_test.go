package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
	"github.com/beaconhq/beacon/internal/channel"
)

type fakeAlerts struct {
	mu      sync.Mutex
	due     []*alert.Alert
	expired []*alert.Alert

	markedExpired []uuid.UUID
}

func (f *fakeAlerts) FindActiveAlertsNeedingReminders(ctx context.Context) ([]*alert.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, nil
}

func (f *fakeAlerts) FindExpired(ctx context.Context) ([]*alert.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired, nil
}

func (f *fakeAlerts) MarkExpired(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedExpired = append(f.markedExpired, id)
	return nil
}

type fakeRecipients struct {
	users []alert.User
}

func (f *fakeRecipients) FindRecipients(ctx context.Context, v alert.Visibility) ([]alert.User, error) {
	var matched []alert.User
	for _, u := range f.users {
		if alert.Matches(v, u.Candidate()) {
			matched = append(matched, u)
		}
	}
	return matched, nil
}

type stateKey struct {
	userID  string
	alertID uuid.UUID
}

type fakeStates struct {
	mu     sync.Mutex
	states map[stateKey]*alert.UserAlertState

	upserts int
}

func newFakeStates() *fakeStates {
	return &fakeStates{states: make(map[stateKey]*alert.UserAlertState)}
}

func (f *fakeStates) FindByUserAndAlert(ctx context.Context, userID string, alertID uuid.UUID) (*alert.UserAlertState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[stateKey{userID, alertID}]
	if !ok {
		return nil, nil
	}
	copied := *st
	return &copied, nil
}

func (f *fakeStates) Upsert(ctx context.Context, st *alert.UserAlertState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	copied := *st
	f.states[stateKey{st.UserID, st.AlertID}] = &copied
	return nil
}

func (f *fakeStates) RecordDelivery(ctx context.Context, userID string, alertID uuid.UUID, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stateKey{userID, alertID}
	st, ok := f.states[key]
	if !ok {
		st = alert.NewUserAlertState(userID, alertID)
		f.states[key] = st
	}
	t := at
	st.LastDelivered = &t
	st.DeliveryCount++
	return st.DeliveryCount, nil
}

func (f *fakeStates) FindExpiredSnoozes(ctx context.Context) ([]*alert.UserAlertState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var lapsed []*alert.UserAlertState
	now := time.Now()
	for _, st := range f.states {
		if st.IsSnoozed && st.SnoozeUntil != nil && !st.SnoozeUntil.After(now) {
			copied := *st
			lapsed = append(lapsed, &copied)
		}
	}
	return lapsed, nil
}

func (f *fakeStates) get(userID string, alertID uuid.UUID) *alert.UserAlertState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[stateKey{userID, alertID}]
}

type fakeDispatcher struct {
	mu       sync.Mutex
	dispatch map[string]int // user id -> count
	failFor  map[string]error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		dispatch: make(map[string]int),
		failFor:  make(map[string]error),
	}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, a *alert.Alert, user alert.User) (channel.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch[user.ID]++
	if err, ok := f.failFor[user.ID]; ok {
		return channel.DeliveryResult{Success: false, Timestamp: time.Now()}, err
	}
	return channel.DeliveryResult{Success: true, DeliveryID: "d-1", Timestamp: time.Now()}, nil
}

func (f *fakeDispatcher) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatch[userID]
}

func orgAlert(t *testing.T) *alert.Alert {
	t.Helper()
	a, err := alert.New(alert.Params{
		Title:        "Planned maintenance",
		Message:      "Expect downtime tonight.",
		Severity:     alert.SeverityWarning,
		DeliveryType: alert.DeliveryInApp,
		Visibility:   alert.Visibility{Type: alert.VisibilityOrganization, TargetIDs: []string{"org-a"}},
		StartTime:    time.Now().Add(-time.Second),
		ExpiryTime:   time.Now().Add(24 * time.Hour),
		CreatedBy:    "admin-1",
	})
	if err != nil {
		t.Fatalf("failed to build alert: %v", err)
	}
	return a
}

func orgUser(id string) alert.User {
	return alert.User{ID: id, Active: true, TeamID: "team-1", OrganizationID: "org-a"}
}

func newTestScheduler(alerts *fakeAlerts, recipients *fakeRecipients, states *fakeStates, d *fakeDispatcher) *Scheduler {
	return New(alerts, recipients, states, d, Config{Interval: time.Minute, WorkerCount: 2}, zap.NewNop())
}

func TestFirstTickDeliversOnce(t *testing.T) {
	a := orgAlert(t)
	alerts := &fakeAlerts{due: []*alert.Alert{a}}
	recipients := &fakeRecipients{users: []alert.User{orgUser("user-1")}}
	states := newFakeStates()
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(alerts, recipients, states, dispatcher)

	s.runTick(context.Background())

	if got := dispatcher.count("user-1"); got != 1 {
		t.Fatalf("expected exactly 1 delivery on first tick, got %d", got)
	}
	st := states.get("user-1", a.ID)
	if st == nil || st.DeliveryCount != 1 {
		t.Fatalf("expected deliveryCount 1, got %+v", st)
	}
}

func TestReminderFrequencyGatesRepeatDeliveries(t *testing.T) {
	a := orgAlert(t)
	alerts := &fakeAlerts{due: []*alert.Alert{a}}
	recipients := &fakeRecipients{users: []alert.User{orgUser("user-1")}}
	states := newFakeStates()
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(alerts, recipients, states, dispatcher)

	s.runTick(context.Background())
	s.runTick(context.Background())
	if got := dispatcher.count("user-1"); got != 1 {
		t.Fatalf("back-to-back ticks must not re-deliver within the frequency, got %d", got)
	}

	// Once the reminder frequency has elapsed the user is due again.
	s.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	s.runTick(context.Background())
	if got := dispatcher.count("user-1"); got != 2 {
		t.Fatalf("expected re-delivery after frequency elapsed, got %d", got)
	}
}

func TestSnoozedUserReceivesNothing(t *testing.T) {
	a := orgAlert(t)
	alerts := &fakeAlerts{due: []*alert.Alert{a}}
	recipients := &fakeRecipients{users: []alert.User{orgUser("user-1")}}
	states := newFakeStates()
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(alerts, recipients, states, dispatcher)

	st := alert.NewUserAlertState("user-1", a.ID)
	st.SnoozeIndefinitely()
	if err := states.Upsert(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		s.runTick(context.Background())
	}
	if got := dispatcher.count("user-1"); got != 0 {
		t.Fatalf("snoozed user must receive zero deliveries, got %d", got)
	}
}

func TestExpiredSnoozeIsReconciledThenDelivered(t *testing.T) {
	a := orgAlert(t)
	alerts := &fakeAlerts{due: []*alert.Alert{a}}
	recipients := &fakeRecipients{users: []alert.User{orgUser("user-1")}}
	states := newFakeStates()
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(alerts, recipients, states, dispatcher)

	// A snooze that lapsed an hour ago, not yet reconciled.
	st := alert.NewUserAlertState("user-1", a.ID)
	past := time.Now().Add(-time.Hour)
	st.IsSnoozed = true
	st.SnoozeUntil = &past
	if err := states.Upsert(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	s.runTick(context.Background())

	if got := dispatcher.count("user-1"); got != 1 {
		t.Fatalf("expected delivery after snooze reconciliation, got %d", got)
	}
	reconciled := states.get("user-1", a.ID)
	if reconciled.IsSnoozed || reconciled.SnoozeUntil != nil {
		t.Errorf("expected snooze cleared and persisted, got %+v", reconciled)
	}
}

func TestDeliveryFailureIsIsolated(t *testing.T) {
	a := orgAlert(t)
	alerts := &fakeAlerts{due: []*alert.Alert{a}}
	recipients := &fakeRecipients{users: []alert.User{orgUser("user-1"), orgUser("user-2"), orgUser("user-3")}}
	states := newFakeStates()
	dispatcher := newFakeDispatcher()
	dispatcher.failFor["user-2"] = errors.New("provider down")
	s := newTestScheduler(alerts, recipients, states, dispatcher)

	s.runTick(context.Background())

	for _, id := range []string{"user-1", "user-3"} {
		st := states.get(id, a.ID)
		if st == nil || st.DeliveryCount != 1 {
			t.Errorf("user %s must be unaffected by user-2's failure, got %+v", id, st)
		}
	}
	if st := states.get("user-2", a.ID); st != nil && st.DeliveryCount != 0 {
		t.Errorf("failed delivery must not be recorded, got %+v", st)
	}
}

func TestRateLimitedDeliveryIsSkippedQuietly(t *testing.T) {
	a := orgAlert(t)
	alerts := &fakeAlerts{due: []*alert.Alert{a}}
	recipients := &fakeRecipients{users: []alert.User{orgUser("user-1")}}
	states := newFakeStates()
	dispatcher := newFakeDispatcher()
	dispatcher.failFor["user-1"] = &channel.DeliveryError{Channel: alert.DeliveryInApp, Err: channel.ErrRateLimited}
	s := newTestScheduler(alerts, recipients, states, dispatcher)

	s.runTick(context.Background())

	if st := states.get("user-1", a.ID); st != nil && st.DeliveryCount != 0 {
		t.Errorf("rate-limited delivery must not be recorded, got %+v", st)
	}
}

func TestVisibilityRestrictsRecipients(t *testing.T) {
	a := orgAlert(t) // org-a only
	outsider := alert.User{ID: "user-9", Active: true, OrganizationID: "org-z"}
	alerts := &fakeAlerts{due: []*alert.Alert{a}}
	recipients := &fakeRecipients{users: []alert.User{orgUser("user-1"), outsider}}
	states := newFakeStates()
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(alerts, recipients, states, dispatcher)

	s.runTick(context.Background())

	if got := dispatcher.count("user-1"); got != 1 {
		t.Errorf("in-scope user must be delivered, got %d", got)
	}
	if got := dispatcher.count("user-9"); got != 0 {
		t.Errorf("out-of-scope user must not be delivered, got %d", got)
	}
}

func TestExpirySweepMarksAlerts(t *testing.T) {
	a := orgAlert(t)
	alerts := &fakeAlerts{expired: []*alert.Alert{a}}
	s := newTestScheduler(alerts, &fakeRecipients{}, newFakeStates(), newFakeDispatcher())

	s.runTick(context.Background())

	if len(alerts.markedExpired) != 1 || alerts.markedExpired[0] != a.ID {
		t.Errorf("expected alert marked expired, got %v", alerts.markedExpired)
	}
}

func TestLapsedSnoozeOnQuietAlertIsStillReconciled(t *testing.T) {
	// The alert is not due this tick, but the user's lapsed snooze must be
	// cleared anyway.
	a := orgAlert(t)
	alerts := &fakeAlerts{}
	states := newFakeStates()
	s := newTestScheduler(alerts, &fakeRecipients{}, states, newFakeDispatcher())

	st := alert.NewUserAlertState("user-1", a.ID)
	past := time.Now().Add(-time.Minute)
	st.IsSnoozed = true
	st.SnoozeUntil = &past
	if err := states.Upsert(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	s.runTick(context.Background())

	reconciled := states.get("user-1", a.ID)
	if reconciled.IsSnoozed || reconciled.SnoozeUntil != nil {
		t.Errorf("expected lapsed snooze cleared by sweep, got %+v", reconciled)
	}
}

func TestArchivedAlertStopsDelivering(t *testing.T) {
	a := orgAlert(t)
	alerts := &fakeAlerts{due: []*alert.Alert{a}}
	recipients := &fakeRecipients{users: []alert.User{orgUser("user-1")}}
	states := newFakeStates()
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(alerts, recipients, states, dispatcher)

	s.runTick(context.Background())

	// Archive commits between ticks; the due query no longer returns it.
	alerts.mu.Lock()
	alerts.due = nil
	alerts.mu.Unlock()

	s.now = func() time.Time { return time.Now().Add(5 * time.Hour) }
	s.runTick(context.Background())

	if got := dispatcher.count("user-1"); got != 1 {
		t.Errorf("archived alert must see no further deliveries, got %d", got)
	}
}
