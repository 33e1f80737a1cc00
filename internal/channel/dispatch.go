package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
	"github.com/beaconhq/beacon/internal/ratelimit"
)

// ErrNoChannel means no channel is registered for the alert's delivery type.
var ErrNoChannel = errors.New("no channel registered for delivery type")

// ErrChannelDisabled means the channel exists but is switched off.
var ErrChannelDisabled = errors.New("channel is disabled")

// Dispatcher drives one delivery end to end: validation, rate limiting,
// then the attempt loop with per-attempt timeout and exponential backoff.
// The per-user limiter is owned here, not by the channels, so a single
// window covers every channel a user can be reached on.
type Dispatcher struct {
	registry *Registry
	limiter  ratelimit.Limiter
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires the dispatch engine.
func NewDispatcher(registry *Registry, limiter ratelimit.Limiter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		limiter:  limiter,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Dispatch delivers the alert to one user. Validation failures short-
// circuit before any rate-limit slot or retry attempt is consumed. A
// rate-limited delivery returns ErrRateLimited; the caller skips it and the
// next tick tries again.
func (d *Dispatcher) Dispatch(ctx context.Context, a *alert.Alert, user alert.User) (DeliveryResult, error) {
	ch, ok := d.registry.Get(a.DeliveryType)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoChannel, a.DeliveryType)
		return failedResult(err), err
	}

	cfg := ch.Configuration()
	if !cfg.Enabled {
		err := fmt.Errorf("%w: %s", ErrChannelDisabled, a.DeliveryType)
		return failedResult(err), err
	}

	n := FromAlert(a)

	if report := ch.Validate(n, user); !report.IsValid {
		err := &DeliveryError{
			Channel: ch.Type(),
			Err:     fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(report.Errors, "; ")),
		}
		return failedResult(err), err
	}

	// The channel only reports that it cannot reach the user, not why; the
	// specific reason (inactive, missing address) surfaces from Validate or
	// from the channel's own Deliver errors.
	if !ch.CanDeliver(ctx, user) {
		err := &DeliveryError{Channel: ch.Type(), Err: ErrUserUnreachable}
		return failedResult(err), err
	}

	allowed, err := d.limiter.Allow(ctx, "user:"+user.ID)
	if err != nil {
		// A broken limiter must not silently unbound deliveries.
		return failedResult(err), fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		d.logger.Debug("delivery rate limited",
			zap.String("alert_id", n.AlertID),
			zap.String("user_id", user.ID),
		)
		err := &DeliveryError{Channel: ch.Type(), Err: ErrRateLimited}
		return failedResult(err), err
	}

	return d.attempt(ctx, ch, cfg, n, user)
}

// attempt runs the bounded retry loop. Each attempt gets its own timeout;
// a timed-out attempt counts as a failed, retry-eligible one.
func (d *Dispatcher) attempt(ctx context.Context, ch Channel, cfg Configuration, n Notification, user alert.User) (DeliveryResult, error) {
	policy := cfg.RetryPolicy
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		lastResult DeliveryResult
		lastErr    error
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}

		result, err := ch.Deliver(attemptCtx, n, user)
		cancel()

		if err == nil && result.Success {
			return result, nil
		}

		if err == nil {
			err = fmt.Errorf("delivery reported failure: %s", result.ErrorMessage)
		}
		lastResult, lastErr = result, err

		d.logger.Warn("delivery attempt failed",
			zap.String("channel", string(ch.Type())),
			zap.String("alert_id", n.AlertID),
			zap.String("user_id", user.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !ShouldRetry(err) {
			return lastResult, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		// The wait before attempt N+1 is that attempt's backoff step, so
		// the cap is in force from the wait after the 5th failure on.
		if err := d.sleep(ctx, policy.Delay(attempt+1)); err != nil {
			return lastResult, err
		}
	}

	return lastResult, fmt.Errorf("delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
