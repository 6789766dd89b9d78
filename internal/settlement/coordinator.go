// Package settlement orchestrates the two-phase purchase: the
// externally-irreversible provider call first, the locally-reversible
// ledger commit second. Failures before the local commit cost nothing;
// failures after the provider call trigger a compensating cancel and are
// left for reconciliation to re-verify.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/ledger"
	"github.com/otplane/settler/internal/provider"
	"github.com/otplane/settler/internal/store"
	"github.com/otplane/settler/internal/verification"
)

var (
	purchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_purchases_total",
		Help: "Purchase attempts by outcome",
	}, []string{"outcome"})

	refundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settler_refunds_total",
		Help: "Refunds issued for non-completed terminal verifications",
	})

	compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_compensating_cancels_total",
		Help: "Compensating provider cancels after a failed local commit",
	}, []string{"outcome"})
)

// Watcher registers a verification for polling. Registration for an id
// already being watched is a no-op.
type Watcher interface {
	Watch(id string)
}

// Pricer supplies the pre-call affordability estimate.
type Pricer interface {
	PriceFor(service string) int64
}

type Coordinator struct {
	store   store.Store
	ledger  *ledger.Ledger
	machine *verification.Machine
	port    provider.Port
	prices  Pricer
	watcher Watcher
}

func NewCoordinator(s store.Store, l *ledger.Ledger, m *verification.Machine, port provider.Port, prices Pricer) *Coordinator {
	return &Coordinator{store: s, ledger: l, machine: m, port: port, prices: prices}
}

// SetWatcher wires the polling scheduler in after construction; the
// scheduler needs the coordinator for terminal settlement, so the two are
// bound in main.
func (c *Coordinator) SetWatcher(w Watcher) {
	c.watcher = w
}

// PurchaseResult reports the verification and whether this call created
// it. Replayed results come from an earlier request with the same key.
type PurchaseResult struct {
	Verification *domain.Verification
	Created      bool
}

// Purchase runs the full two-phase sequence of a number purchase.
func (c *Coordinator) Purchase(ctx context.Context, req verification.CreateRequest, filters map[string]string) (*PurchaseResult, error) {
	if err := req.Validate(); err != nil {
		purchasesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	// Idempotent replay: same (user, key) returns the existing row with
	// no provider call and no debit.
	if existing, err := c.store.GetVerificationByKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
		purchasesTotal.WithLabelValues("replayed").Inc()
		return &PurchaseResult{Verification: existing}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	// Affordability check before any external call. The configured price
	// is an estimate; the provider quote is authoritative at commit.
	estimate := c.prices.PriceFor(req.ServiceName)
	acc, err := c.store.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	useFree := acc.FreeVerifications > 0
	if !useFree && acc.Balance < estimate {
		purchasesTotal.WithLabelValues("insufficient").Inc()
		return nil, fmt.Errorf("%w: balance %d below price %d", domain.ErrInsufficientCredits, acc.Balance, estimate)
	}

	// Phase one: the irreversible provider call. Failure here is safe by
	// construction; nothing local has been written.
	purchase, err := c.port.PurchaseNumber(ctx, provider.PurchaseRequest{
		Service:    req.ServiceName,
		Country:    req.Country,
		Capability: req.Capability,
		Filters:    filters,
	})
	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			purchasesTotal.WithLabelValues("circuit_open").Inc()
			return nil, err
		}
		purchasesTotal.WithLabelValues("provider_error").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrExternalService, err)
	}

	cost := purchase.Cost
	if useFree {
		cost = 0
	}
	v, err := c.machine.Build(req, c.port.Name(), purchase, cost)
	if err != nil {
		// Validation should have failed before the provider call; give
		// the number back.
		c.compensate(ctx, purchase.ActivationID, "build")
		return nil, err
	}

	// Phase two: one local transaction for the row and the debit (or the
	// free-allowance decrement).
	var entry *domain.LedgerEntry
	if cost > 0 {
		entry = ledger.NewEntry(req.UserID, -cost, domain.EntryDebit, req.IdempotencyKey, v.ID)
	}
	committed, created, err := c.store.CreateVerificationWithDebit(ctx, v, entry)
	if err != nil {
		// The provider resource exists but the local commit failed:
		// compensate, then surface for reconciliation follow-up.
		c.compensate(ctx, purchase.ActivationID, "commit")
		purchasesTotal.WithLabelValues("commit_failed").Inc()
		if errors.Is(err, domain.ErrInsufficientCredits) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: purchase commit: %v", domain.ErrPersistence, err)
	}
	if !created {
		// Lost the replay race: a concurrent request with the same key
		// committed first. Give back the number bought here and return
		// the winner's row so both callers observe the same result.
		c.compensate(ctx, purchase.ActivationID, "replay_race")
		purchasesTotal.WithLabelValues("replayed").Inc()
		return &PurchaseResult{Verification: committed}, nil
	}

	if c.watcher != nil {
		c.watcher.Watch(committed.ID)
	}
	purchasesTotal.WithLabelValues("created").Inc()
	log.WithFields(log.Fields{
		"verification_id": committed.ID,
		"user_id":         committed.UserID,
		"service":         committed.ServiceName,
		"cost":            committed.Cost,
	}).Info("verification purchased")
	return &PurchaseResult{Verification: committed, Created: true}, nil
}

// compensate gives a purchased number back after a failed local step. Best
// effort: on failure the orphaned activation is logged for reconciliation.
func (c *Coordinator) compensate(ctx context.Context, activationID, stage string) {
	if err := c.port.CancelNumber(ctx, activationID); err != nil {
		compensations.WithLabelValues("failed").Inc()
		log.WithError(err).WithFields(log.Fields{
			"activation_id": activationID,
			"stage":         stage,
		}).Error("compensating cancel failed, activation may be orphaned")
		return
	}
	compensations.WithLabelValues("ok").Inc()
	log.WithFields(log.Fields{
		"activation_id": activationID,
		"stage":         stage,
	}).Warn("compensating cancel issued")
}

// SettleTerminal issues the refund owed by a non-completed terminal
// verification. Completed verifications never refund; the refund key is
// derived from the verification id, so calling this any number of times
// applies at most one refund.
func (c *Coordinator) SettleTerminal(ctx context.Context, v *domain.Verification) error {
	if !v.Status.Terminal() {
		return fmt.Errorf("%w: settle on non-terminal verification %s", domain.ErrInvalidTransition, v.ID)
	}
	if v.Status == domain.StatusCompleted || v.Cost == 0 {
		return nil
	}
	if _, err := c.ledger.Refund(ctx, v.UserID, v.Cost, domain.RefundKey(v.ID), v.ID); err != nil {
		return err
	}
	refundsTotal.Inc()
	return nil
}

// Cancel ends a pending verification at the user's request: transition,
// best-effort provider cancel, refund.
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) (*domain.Verification, error) {
	v, err := c.store.GetVerification(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := c.machine.Cancel(ctx, id, reason); err != nil {
		return nil, err
	}
	if v.ActivationID != "" {
		if err := c.port.CancelNumber(ctx, v.ActivationID); err != nil {
			log.WithError(err).WithField("verification_id", id).Warn("provider cancel failed")
		}
	}
	v, err = c.store.GetVerification(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.SettleTerminal(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}
