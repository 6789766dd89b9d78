package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/otplane/settler/internal/domain"
)

var breakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settler_breaker_opens_total",
	Help: "Circuit breaker transitions into the open state",
}, []string{"endpoint"})

// Breaker wraps one provider endpoint. Instances are constructed
// explicitly and passed down; there is no package-level breaker. State is
// process-local and rebuilt closed on restart, which is safe because every
// guarded call is idempotency-key protected downstream.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker opens after `threshold` consecutive failures and allows a
// single trial call once `cooldown` has elapsed.
func NewBreaker(name string, threshold uint32, cooldown time.Duration) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				breakerOpens.WithLabelValues(name).Inc()
			}
			logrus.WithFields(logrus.Fields{
				"endpoint": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("circuit breaker state change")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn through the breaker. A short-circuited call returns
// domain.ErrCircuitOpen without touching the endpoint.
func (b *Breaker) Do(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", b.cb.Name(), domain.ErrCircuitOpen)
		}
		return nil, err
	}
	return out, nil
}

// GuardedPort is a Port with every call routed through a Breaker.
type GuardedPort struct {
	port    Port
	breaker *Breaker
}

func Guard(port Port, breaker *Breaker) *GuardedPort {
	return &GuardedPort{port: port, breaker: breaker}
}

func (g *GuardedPort) Name() string { return g.port.Name() }

func (g *GuardedPort) PurchaseNumber(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	out, err := g.breaker.Do(func() (any, error) {
		return g.port.PurchaseNumber(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Purchase), nil
}

func (g *GuardedPort) CheckMessage(ctx context.Context, activationID string) (*MessageStatus, error) {
	out, err := g.breaker.Do(func() (any, error) {
		return g.port.CheckMessage(ctx, activationID)
	})
	if err != nil {
		return nil, err
	}
	return out.(*MessageStatus), nil
}

func (g *GuardedPort) CancelNumber(ctx context.Context, activationID string) error {
	_, err := g.breaker.Do(func() (any, error) {
		return nil, g.port.CancelNumber(ctx, activationID)
	})
	return err
}

// GuardedGateway is a Gateway behind its own breaker instance, so a
// degraded payment provider does not trip the SMS vendor's circuit.
type GuardedGateway struct {
	gateway Gateway
	breaker *Breaker
}

func GuardGateway(gateway Gateway, breaker *Breaker) *GuardedGateway {
	return &GuardedGateway{gateway: gateway, breaker: breaker}
}

func (g *GuardedGateway) VerifyTransaction(ctx context.Context, reference string) (*PaymentStatus, error) {
	out, err := g.breaker.Do(func() (any, error) {
		return g.gateway.VerifyTransaction(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	return out.(*PaymentStatus), nil
}
