// Package reconcile is the safety net: a periodic sweep that re-attaches
// watchers to orphaned pending verifications, forces stale ones to
// timeout, re-drives refunds that failed after their terminal transition,
// and settles payments whose webhook never arrived. Every action
// it takes reuses the original idempotency keys, so re-driving work that
// already happened is a no-op.
package reconcile

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/ledger"
	"github.com/otplane/settler/internal/provider"
	"github.com/otplane/settler/internal/store"
	"github.com/otplane/settler/internal/verification"
)

var repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settler_reconcile_repairs_total",
	Help: "Reconciliation repairs by kind",
}, []string{"kind"})

// Registry is the watcher view the sweep needs.
type Registry interface {
	Watch(id string)
	Active(id string) bool
}

// Settler finalizes the money side of a terminal verification.
type Settler interface {
	SettleTerminal(ctx context.Context, v *domain.Verification) error
}

type Config struct {
	Period time.Duration
	// Ceiling matches the poller's wall-clock bound; pending rows older
	// than this are forced to timeout even without a watcher.
	Ceiling time.Duration
	// PaymentGrace is how long an uncredited intent may sit before the
	// gateway is asked directly.
	PaymentGrace time.Duration
}

type Reconciler struct {
	store    store.Store
	machine  *verification.Machine
	ledger   *ledger.Ledger
	registry Registry
	settler  Settler
	gateway  provider.Gateway
	cfg      Config
}

func New(s store.Store, m *verification.Machine, l *ledger.Ledger, registry Registry, settler Settler, gateway provider.Gateway, cfg Config) *Reconciler {
	return &Reconciler{
		store:    s,
		machine:  m,
		ledger:   l,
		registry: registry,
		settler:  settler,
		gateway:  gateway,
		cfg:      cfg,
	}
}

// Run sweeps on a fixed period until the context ends. Sweep failures are
// logged and retried next period; they never crash the process.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.WithError(err).Error("reconciliation sweep failed")
			}
		}
	}
}

// Sweep runs every repair once. Also the CLI entry point.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if err := r.sweepVerifications(ctx); err != nil {
		return err
	}
	if err := r.sweepRefunds(ctx); err != nil {
		return err
	}
	return r.sweepPayments(ctx)
}

func (r *Reconciler) sweepVerifications(ctx context.Context) error {
	pending, err := r.store.ListPending(ctx)
	if err != nil {
		return err
	}
	for i := range pending {
		v := &pending[i]
		if time.Since(v.CreatedAt) >= r.cfg.Ceiling {
			r.forceTimeout(ctx, v)
			continue
		}
		if !r.registry.Active(v.ID) {
			repairsTotal.WithLabelValues("watcher_reattached").Inc()
			log.WithField("verification_id", v.ID).Info("re-attaching orphaned verification")
			r.registry.Watch(v.ID)
		}
	}
	return nil
}

func (r *Reconciler) forceTimeout(ctx context.Context, v *domain.Verification) {
	res, err := r.machine.Expire(ctx, v.ID)
	if err != nil {
		log.WithError(err).WithField("verification_id", v.ID).Error("forced timeout failed")
		return
	}
	if res != domain.TransitionTimeout {
		// Lost to a concurrent transition; that path settles.
		return
	}
	repairsTotal.WithLabelValues("forced_timeout").Inc()
	updated, err := r.store.GetVerification(ctx, v.ID)
	if err == nil {
		err = r.settler.SettleTerminal(ctx, updated)
	}
	if err != nil {
		log.WithError(err).WithField("verification_id", v.ID).Error("settlement after forced timeout failed")
	}
}

// sweepRefunds re-drives refunds whose write failed after the terminal
// transition had already landed. The refund key is derived from the
// verification id, so racing a watcher's own settlement applies at most
// one entry.
func (r *Reconciler) sweepRefunds(ctx context.Context) error {
	owed, err := r.store.ListUnrefundedTerminal(ctx)
	if err != nil {
		return err
	}
	for i := range owed {
		v := &owed[i]
		if err := r.settler.SettleTerminal(ctx, v); err != nil {
			log.WithError(err).WithField("verification_id", v.ID).Error("refund recovery failed")
			continue
		}
		repairsTotal.WithLabelValues("refund_recovered").Inc()
		log.WithFields(log.Fields{
			"verification_id": v.ID,
			"amount":          v.Cost,
		}).Info("missed refund recovered")
	}
	return nil
}

func (r *Reconciler) sweepPayments(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.PaymentGrace)
	intents, err := r.store.ListUnsettledIntents(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range intents {
		r.reverify(ctx, &intents[i])
	}
	return nil
}

// reverify asks the gateway for the authoritative charge outcome and
// applies it under the intent's optimistic lock, exactly like the webhook
// path. A concurrent webhook replay and this sweep cannot both credit.
func (r *Reconciler) reverify(ctx context.Context, intent *domain.PaymentIntent) {
	status, err := r.gateway.VerifyTransaction(ctx, intent.Reference)
	if err != nil {
		// Includes breaker-open; next period retries.
		log.WithError(err).WithField("reference", intent.Reference).Warn("payment re-verification failed")
		return
	}

	switch {
	case status.Settled:
		entry := ledger.NewEntry(intent.UserID, intent.Amount, domain.EntryCredit, intent.IdempotencyKey, intent.Reference)
		applied, err := r.store.SettleIntent(ctx, intent, entry)
		if err != nil {
			log.WithError(err).WithField("reference", intent.Reference).Error("intent settlement failed")
			return
		}
		if applied {
			repairsTotal.WithLabelValues("payment_settled").Inc()
			log.WithFields(log.Fields{
				"reference": intent.Reference,
				"amount":    intent.Amount,
			}).Info("missed payment settled by reconciliation")
		}
	case status.Failed:
		if _, err := r.store.FailIntent(ctx, intent); err != nil {
			log.WithError(err).WithField("reference", intent.Reference).Error("intent fail-mark failed")
			return
		}
		repairsTotal.WithLabelValues("payment_failed").Inc()
	default:
		// Still in flight at the gateway; record that and retry next
		// sweep. The mark does not block a later settle or fail.
		if _, err := r.store.MarkIntentProcessing(ctx, intent); err != nil {
			log.WithError(err).WithField("reference", intent.Reference).Warn("intent processing mark failed")
		}
	}
}
