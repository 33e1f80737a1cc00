package channel

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/beaconhq/beacon/internal/alert"
)

// Terminal delivery conditions. Attempts failing with one of these are
// never retried; everything else, including timeouts, is retry-eligible.
var (
	ErrValidationFailed = errors.New("delivery validation failed")
	ErrUserInactive     = errors.New("user is inactive")
	ErrUserUnreachable  = errors.New("user is not reachable on this channel")
	ErrInvalidRecipient = errors.New("malformed recipient address")
	ErrUserNotFound     = errors.New("user not found")
)

// ErrRateLimited means the per-user window is full. The delivery is simply
// skipped for this tick and reconsidered on the next one.
var ErrRateLimited = errors.New("delivery rate limit exceeded")

// DeliveryError wraps a channel failure with the channel it came from.
type DeliveryError struct {
	Channel alert.DeliveryType
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ShouldRetry classifies a delivery failure. False only for the fixed set
// of terminal conditions; unknown failures default to retryable.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	for _, terminal := range []error{ErrValidationFailed, ErrUserInactive, ErrUserUnreachable, ErrInvalidRecipient, ErrUserNotFound} {
		if errors.Is(err, terminal) {
			return false
		}
	}
	return true
}

// RetryPolicy configures exponential backoff between delivery attempts.
type RetryPolicy struct {
	MaxAttempts  int
	Base         time.Duration
	Factor       float64
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy mirrors the usual production settings: 1s base,
// doubling, capped at 30s, with up to 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Base:         time.Second,
		Factor:       2,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// BaseDelay returns the backoff for the given 1-based attempt before
// jitter: min(base * factor^(attempt-1), maxDelay).
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// Delay returns the backoff for the given attempt with jitter applied.
// Jitter is uniform in [0, JitterFactor*delay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay(attempt)
	if p.JitterFactor > 0 {
		d += time.Duration(rand.Float64() * p.JitterFactor * float64(d))
	}
	return d
}
