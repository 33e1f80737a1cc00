package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
	"github.com/beaconhq/beacon/internal/circuitbreaker"
)

// Protected wraps a channel with a circuit breaker so a failing provider
// fails fast instead of eating a full retry loop per recipient.
type Protected struct {
	inner   Channel
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProtected wraps the channel with the given breaker.
func NewProtected(inner Channel, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Protected {
	return &Protected{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *Protected) Type() alert.DeliveryType { return p.inner.Type() }

func (p *Protected) Configuration() Configuration { return p.inner.Configuration() }

func (p *Protected) CanDeliver(ctx context.Context, user alert.User) bool {
	return p.inner.CanDeliver(ctx, user)
}

func (p *Protected) Validate(n Notification, user alert.User) ValidationReport {
	return p.inner.Validate(n, user)
}

// Deliver runs the inner delivery through the breaker. Rejections while
// the circuit is open are retryable: the provider may be back next tick.
func (p *Protected) Deliver(ctx context.Context, n Notification, user alert.User) (DeliveryResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("alert_id", n.AlertID),
			zap.String("state", p.breaker.State().String()),
		)
		err := &DeliveryError{
			Channel: p.inner.Type(),
			Err:     fmt.Errorf("%w: %s unavailable", circuitbreaker.ErrOpen, p.breaker.Name()),
		}
		return failedResult(err), err
	}

	result, err := p.inner.Deliver(ctx, n, user)
	if err != nil {
		// Terminal per-recipient problems say nothing about provider
		// health; only count failures the provider itself caused.
		if ShouldRetry(err) {
			p.breaker.RecordFailure()
		}
		return result, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}

// Breaker exposes the underlying breaker for stats endpoints.
func (p *Protected) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
