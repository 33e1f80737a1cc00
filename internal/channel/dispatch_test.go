package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
	"github.com/beaconhq/beacon/internal/ratelimit"
)

// scriptChannel returns canned results per attempt.
type scriptChannel struct {
	typ        alert.DeliveryType
	cfg        Configuration
	report     ValidationReport
	canDeliver bool

	results []error // nil = success, otherwise the attempt's error
	calls   int

	blockUntilCtxDone bool
}

func newScriptChannel(results ...error) *scriptChannel {
	return &scriptChannel{
		typ:        alert.DeliveryInApp,
		cfg:        DefaultConfiguration(),
		report:     ValidationReport{IsValid: true},
		canDeliver: true,
		results:    results,
	}
}

func (s *scriptChannel) Type() alert.DeliveryType     { return s.typ }
func (s *scriptChannel) Configuration() Configuration { return s.cfg }
func (s *scriptChannel) CanDeliver(context.Context, alert.User) bool {
	return s.canDeliver
}
func (s *scriptChannel) Validate(Notification, alert.User) ValidationReport {
	return s.report
}

func (s *scriptChannel) Deliver(ctx context.Context, n Notification, user alert.User) (DeliveryResult, error) {
	if s.blockUntilCtxDone {
		s.calls++
		<-ctx.Done()
		return failedResult(ctx.Err()), ctx.Err()
	}

	idx := s.calls
	s.calls++
	if idx >= len(s.results) || s.results[idx] == nil {
		return DeliveryResult{Success: true, DeliveryID: "ok", Timestamp: time.Now()}, nil
	}
	err := s.results[idx]
	return failedResult(err), err
}

// countingLimiter tracks consumption.
type countingLimiter struct {
	allow bool
	calls int
}

func (l *countingLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.calls++
	return l.allow, nil
}

func testAlert(t *testing.T, deliveryType alert.DeliveryType) *alert.Alert {
	t.Helper()
	a, err := alert.New(alert.Params{
		Title:        "Scheduled maintenance",
		Message:      "Expect a brief interruption at midnight.",
		Severity:     alert.SeverityInfo,
		DeliveryType: deliveryType,
		Visibility:   alert.Visibility{Type: alert.VisibilityOrganization},
		StartTime:    time.Now().Add(-time.Minute),
		ExpiryTime:   time.Now().Add(24 * time.Hour),
		CreatedBy:    "admin-1",
	})
	if err != nil {
		t.Fatalf("failed to build alert: %v", err)
	}
	return a
}

func newTestDispatcher(ch Channel, limiter ratelimit.Limiter) *Dispatcher {
	reg, _ := NewRegistry(ch)
	d := NewDispatcher(reg, limiter, zap.NewNop())
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestDispatchSuccess(t *testing.T) {
	ch := newScriptChannel()
	limiter := &countingLimiter{allow: true}
	d := newTestDispatcher(ch, limiter)

	result, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Error("expected success")
	}
	if ch.calls != 1 {
		t.Errorf("expected 1 attempt, got %d", ch.calls)
	}
	if limiter.calls != 1 {
		t.Errorf("expected one rate-limit slot consumed, got %d", limiter.calls)
	}
}

func TestDispatchValidationShortCircuits(t *testing.T) {
	ch := newScriptChannel()
	ch.report = ValidationReport{IsValid: false, Errors: []string{"user has no email address"}}
	limiter := &countingLimiter{allow: true}
	d := newTestDispatcher(ch, limiter)

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if limiter.calls != 0 {
		t.Error("validation failure must not consume a rate-limit slot")
	}
	if ch.calls != 0 {
		t.Error("validation failure must not consume a delivery attempt")
	}
	if ShouldRetry(err) {
		t.Error("validation failure must be terminal")
	}
}

func TestDispatchUnreachableUserIsTerminal(t *testing.T) {
	ch := newScriptChannel()
	ch.canDeliver = false
	limiter := &countingLimiter{allow: true}
	d := newTestDispatcher(ch, limiter)

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if !errors.Is(err, ErrUserUnreachable) {
		t.Fatalf("expected ErrUserUnreachable, got %v", err)
	}
	if errors.Is(err, ErrUserInactive) {
		t.Error("capability failure must not be reported as an inactive user")
	}
	if ch.calls != 0 {
		t.Error("unreachable user must not consume a delivery attempt")
	}
	if limiter.calls != 0 {
		t.Error("unreachable user must not consume a rate-limit slot")
	}
	if ShouldRetry(err) {
		t.Error("unreachable user failure must be terminal")
	}
}

func TestDispatchRateLimited(t *testing.T) {
	ch := newScriptChannel()
	limiter := &countingLimiter{allow: false}
	d := newTestDispatcher(ch, limiter)

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if ch.calls != 0 {
		t.Error("rate-limited delivery must not reach the channel")
	}
}

func TestDispatchNoChannel(t *testing.T) {
	ch := newScriptChannel() // registered as in_app
	d := newTestDispatcher(ch, &countingLimiter{allow: true})

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryEmail), activeUser())
	if !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
}

func TestDispatchDisabledChannel(t *testing.T) {
	ch := newScriptChannel()
	ch.cfg.Enabled = false
	d := newTestDispatcher(ch, &countingLimiter{allow: true})

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if !errors.Is(err, ErrChannelDisabled) {
		t.Fatalf("expected ErrChannelDisabled, got %v", err)
	}
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	ch := newScriptChannel(errors.New("provider hiccup"), nil)
	d := newTestDispatcher(ch, &countingLimiter{allow: true})

	result, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Error("expected eventual success")
	}
	if ch.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", ch.calls)
	}
}

func TestDispatchTerminalFailureStopsRetrying(t *testing.T) {
	ch := newScriptChannel(&DeliveryError{Channel: alert.DeliveryInApp, Err: ErrUserNotFound})
	d := newTestDispatcher(ch, &countingLimiter{allow: true})

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if ch.calls != 1 {
		t.Errorf("terminal failure must stop after 1 attempt, got %d", ch.calls)
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	transient := errors.New("provider down")
	ch := newScriptChannel(transient, transient, transient)
	ch.cfg.RetryPolicy.MaxAttempts = 3
	d := newTestDispatcher(ch, &countingLimiter{allow: true})

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !errors.Is(err, transient) {
		t.Errorf("error must wrap the last attempt's failure, got %v", err)
	}
	if ch.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", ch.calls)
	}
}

func TestDispatchBackoffSchedule(t *testing.T) {
	transient := errors.New("provider down")
	ch := newScriptChannel(transient, transient, transient, transient, transient, transient, transient)
	ch.cfg.RetryPolicy = RetryPolicy{
		MaxAttempts:  7,
		Base:         time.Second,
		Factor:       2,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0,
	}

	d := newTestDispatcher(ch, &countingLimiter{allow: true})
	var sleeps []time.Duration
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		sleeps = append(sleeps, delay)
		return nil
	}

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d waits, got %d: %v", len(want), len(sleeps), sleeps)
	}
	for i, delay := range want {
		if sleeps[i] != delay {
			t.Errorf("wait after failure %d: expected %s, got %s", i+1, delay, sleeps[i])
		}
	}
	if sleeps[4] != 30*time.Second {
		t.Errorf("wait after the 5th failure must hit the cap, got %s", sleeps[4])
	}
}

func TestDispatchAttemptTimeoutIsRetryable(t *testing.T) {
	ch := newScriptChannel()
	ch.blockUntilCtxDone = true
	ch.cfg.Timeout = 10 * time.Millisecond
	ch.cfg.RetryPolicy.MaxAttempts = 2
	d := newTestDispatcher(ch, &countingLimiter{allow: true})

	_, err := d.Dispatch(context.Background(), testAlert(t, alert.DeliveryInApp), activeUser())
	if err == nil {
		t.Fatal("expected error")
	}
	if ch.calls != 2 {
		t.Errorf("timed-out attempts must be retried, got %d attempts", ch.calls)
	}
}
