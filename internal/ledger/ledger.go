// Package ledger is the only writer of balance-affecting entries. Every
// mutation is idempotency-keyed; the storage uniqueness constraint, not an
// in-process lock, is what serializes concurrent appliers.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/store"
)

var entriesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settler_ledger_entries_total",
	Help: "Ledger entries applied, labeled by kind and replay outcome",
}, []string{"kind", "outcome"})

type Ledger struct {
	store store.Store
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Debit removes amount (positive, minor units) from the user's balance.
// Replaying the same key is a no-op that returns the prior entry.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, key, reference string) (*domain.LedgerEntry, error) {
	return l.apply(ctx, userID, -amount, domain.EntryDebit, key, reference)
}

// Credit adds amount to the user's balance.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, key, reference string) (*domain.LedgerEntry, error) {
	return l.apply(ctx, userID, amount, domain.EntryCredit, key, reference)
}

// Refund returns amount to the user's balance.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, key, reference string) (*domain.LedgerEntry, error) {
	return l.apply(ctx, userID, amount, domain.EntryRefund, key, reference)
}

// NewEntry builds an unapplied entry for callers that commit it inside a
// larger transaction (purchase, intent settlement).
func NewEntry(userID string, amount int64, kind domain.EntryKind, key, reference string) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		Amount:         amount,
		Kind:           kind,
		IdempotencyKey: key,
		Reference:      reference,
		CreatedAt:      time.Now().UTC(),
	}
}

func (l *Ledger) apply(ctx context.Context, userID string, amount int64, kind domain.EntryKind, key, reference string) (*domain.LedgerEntry, error) {
	entry, applied, err := l.store.ApplyEntry(ctx, NewEntry(userID, amount, kind, key, reference))
	if err != nil {
		return nil, err
	}
	outcome := "applied"
	if !applied {
		outcome = "replayed"
		log.WithFields(log.Fields{
			"user_id":         userID,
			"kind":            kind,
			"idempotency_key": key,
		}).Info("ledger entry replay, no-op")
	}
	entriesApplied.WithLabelValues(string(kind), outcome).Inc()
	return entry, nil
}

// Balance reads the materialized balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}
