// Package store owns all persisted engine state: verifications, ledger
// entries, accounts, and payment intents. The uniqueness constraints on
// idempotency keys and the guard-by-current-status updates here are the
// engine's serialization points; no package above this one takes locks.
package store

import (
	"context"
	"time"

	"github.com/otplane/settler/internal/domain"
)

// TransitionUpdate carries the fields written alongside a status change.
type TransitionUpdate struct {
	SMSCode       string
	SMSText       string
	FailureReason string
	CompletedAt   *time.Time
}

type Store interface {
	// GetAccount returns the account, or a zero-balance account if none
	// exists yet. Accounts materialize on first ledger activity.
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)

	GetVerification(ctx context.Context, id string) (*domain.Verification, error)
	// GetVerificationByKey looks up the (user, idempotency key) pair;
	// domain.ErrNotFound when absent.
	GetVerificationByKey(ctx context.Context, userID, key string) (*domain.Verification, error)
	ListPending(ctx context.Context) ([]domain.Verification, error)
	// ListUnrefundedTerminal returns non-completed terminal verifications
	// with cost > 0 whose refund entry (key `refund:{id}`) has not been
	// applied. A terminal row only appears here while its refund write is
	// outstanding.
	ListUnrefundedTerminal(ctx context.Context) ([]domain.Verification, error)

	// CreateVerificationWithDebit inserts the verification row and applies
	// the purchase debit (or consumes one free verification when entry is
	// nil) in a single transaction. A unique-key conflict returns the
	// existing row with created=false and applies nothing. An
	// unaffordable debit returns domain.ErrInsufficientCredits.
	CreateVerificationWithDebit(ctx context.Context, v *domain.Verification, entry *domain.LedgerEntry) (*domain.Verification, bool, error)

	// TransitionVerification moves a row out of pending. The update is
	// guarded by `status = 'pending'`; the return reports whether this
	// caller's write landed. Zero rows affected is the benign race-loser
	// outcome, not an error.
	TransitionVerification(ctx context.Context, id string, to domain.Status, upd TransitionUpdate) (bool, error)

	// ApplyEntry inserts an idempotency-keyed ledger entry and moves the
	// balance in one transaction. A key that already exists applies
	// nothing and returns the prior entry with applied=false.
	ApplyEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, bool, error)
	EntriesByUser(ctx context.Context, userID string) ([]domain.LedgerEntry, error)
	EntriesByReference(ctx context.Context, reference string) ([]domain.LedgerEntry, error)

	CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error
	GetIntentByReference(ctx context.Context, reference string) (*domain.PaymentIntent, error)
	ListUnsettledIntents(ctx context.Context, olderThan time.Time) ([]domain.PaymentIntent, error)

	// SettleIntent applies the credit and flips credited under the
	// intent's optimistic lock, all in one transaction. false means the
	// compare-and-swap missed: someone else settled or failed it first.
	SettleIntent(ctx context.Context, intent *domain.PaymentIntent, entry *domain.LedgerEntry) (bool, error)
	// FailIntent marks the intent failed with no credit, under the same
	// lock discipline.
	FailIntent(ctx context.Context, intent *domain.PaymentIntent) (bool, error)
	// MarkIntentProcessing records a gateway-reported in-flight charge,
	// pending -> processing, under the same lock discipline. Losing the
	// race to a settle or fail is benign.
	MarkIntentProcessing(ctx context.Context, intent *domain.PaymentIntent) (bool, error)
}
