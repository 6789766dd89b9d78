package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/store"
)

func pendingRow(userID, key string) *domain.Verification {
	return &domain.Verification{
		ID:             uuid.NewString(),
		UserID:         userID,
		ServiceName:    "telegram",
		Country:        "US",
		Capability:     domain.CapabilitySMS,
		Provider:       "fake",
		ActivationID:   "act-1",
		Cost:           250,
		Status:         domain.StatusPending,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
}

func debitFor(v *domain.Verification) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         v.UserID,
		Amount:         -v.Cost,
		Kind:           domain.EntryDebit,
		IdempotencyKey: v.IdempotencyKey,
		Reference:      v.ID,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestCreateVerificationWithDebitConflict(t *testing.T) {
	st := store.NewMem()
	st.SeedAccount("user-1", 1000, 0)
	ctx := context.Background()

	first := pendingRow("user-1", "key-1")
	got, created, err := st.CreateVerificationWithDebit(ctx, first, debitFor(first))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, first.ID, got.ID)

	// Same (user, key): the existing row comes back and no second debit
	// lands, even though the conflicting row carries a different id.
	second := pendingRow("user-1", "key-1")
	got, created, err = st.CreateVerificationWithDebit(ctx, second, debitFor(second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)

	acc, _ := st.GetAccount(ctx, "user-1")
	assert.Equal(t, int64(750), acc.Balance)

	// Same key for a different user is a distinct verification.
	st.SeedAccount("user-2", 1000, 0)
	other := pendingRow("user-2", "key-1")
	_, created, err = st.CreateVerificationWithDebit(ctx, other, debitFor(other))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateVerificationWithDebitInsufficient(t *testing.T) {
	st := store.NewMem()
	st.SeedAccount("user-1", 100, 0)
	ctx := context.Background()

	v := pendingRow("user-1", "key-1")
	_, _, err := st.CreateVerificationWithDebit(ctx, v, debitFor(v))
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	_, err = st.GetVerification(ctx, v.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	acc, _ := st.GetAccount(ctx, "user-1")
	assert.Equal(t, int64(100), acc.Balance)
}

func TestCreateVerificationConsumesFreeAllowance(t *testing.T) {
	st := store.NewMem()
	st.SeedAccount("user-1", 0, 1)
	ctx := context.Background()

	v := pendingRow("user-1", "key-1")
	v.Cost = 0
	_, created, err := st.CreateVerificationWithDebit(ctx, v, nil)
	require.NoError(t, err)
	require.True(t, created)

	acc, _ := st.GetAccount(ctx, "user-1")
	assert.Equal(t, 0, acc.FreeVerifications)
	assert.Zero(t, acc.Balance)

	w := pendingRow("user-1", "key-2")
	w.Cost = 0
	_, _, err = st.CreateVerificationWithDebit(ctx, w, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits, "allowance is spent")
}

func TestTransitionGuardedByPending(t *testing.T) {
	st := store.NewMem()
	st.SeedAccount("user-1", 1000, 0)
	ctx := context.Background()

	v := pendingRow("user-1", "key-1")
	_, _, err := st.CreateVerificationWithDebit(ctx, v, debitFor(v))
	require.NoError(t, err)

	won, err := st.TransitionVerification(ctx, v.ID, domain.StatusCompleted, store.TransitionUpdate{SMSCode: "123456"})
	require.NoError(t, err)
	require.True(t, won)

	// The losing write affects nothing and reports won=false.
	won, err = st.TransitionVerification(ctx, v.ID, domain.StatusTimeout, store.TransitionUpdate{})
	require.NoError(t, err)
	assert.False(t, won)

	got, _ := st.GetVerification(ctx, v.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "123456", got.SMSCode)
}

func TestApplyEntryIdempotent(t *testing.T) {
	st := store.NewMem()
	st.SeedAccount("user-1", 0, 0)
	ctx := context.Background()

	entry := &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		Amount:         500,
		Kind:           domain.EntryCredit,
		IdempotencyKey: "topup-1",
		Reference:      "ref-1",
		CreatedAt:      time.Now().UTC(),
	}
	first, applied, err := st.ApplyEntry(ctx, entry)
	require.NoError(t, err)
	require.True(t, applied)

	dup := *entry
	dup.ID = uuid.NewString()
	second, applied, err := st.ApplyEntry(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.ID, second.ID, "prior entry returned on key conflict")

	acc, _ := st.GetAccount(ctx, "user-1")
	assert.Equal(t, int64(500), acc.Balance)
}

func TestSettleIntentOptimisticLock(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()

	intent := &domain.PaymentIntent{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		Reference:      "topup_1",
		IdempotencyKey: "intent:1",
		Amount:         500,
		State:          domain.IntentPending,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateIntent(ctx, intent))

	entry := &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         intent.UserID,
		Amount:         intent.Amount,
		Kind:           domain.EntryCredit,
		IdempotencyKey: intent.IdempotencyKey,
		Reference:      intent.Reference,
		CreatedAt:      time.Now().UTC(),
	}
	applied, err := st.SettleIntent(ctx, intent, entry)
	require.NoError(t, err)
	require.True(t, applied)

	// The stale snapshot loses the compare-and-swap.
	applied, err = st.SettleIntent(ctx, intent, entry)
	require.NoError(t, err)
	assert.False(t, applied)

	got, _ := st.GetIntentByReference(ctx, intent.Reference)
	assert.True(t, got.Credited)
	assert.Equal(t, domain.IntentSettled, got.State)
	acc, _ := st.GetAccount(ctx, "user-1")
	assert.Equal(t, int64(500), acc.Balance)
}

func TestFailIntentDoesNotCredit(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()

	intent := &domain.PaymentIntent{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		Reference:      "topup_2",
		IdempotencyKey: "intent:2",
		Amount:         500,
		State:          domain.IntentPending,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateIntent(ctx, intent))

	applied, err := st.FailIntent(ctx, intent)
	require.NoError(t, err)
	require.True(t, applied)

	got, _ := st.GetIntentByReference(ctx, intent.Reference)
	assert.Equal(t, domain.IntentFailed, got.State)
	assert.False(t, got.Credited)

	entries, _ := st.EntriesByUser(ctx, "user-1")
	assert.Empty(t, entries)
}

func TestListUnrefundedTerminal(t *testing.T) {
	st := store.NewMem()
	st.SeedAccount("user-1", 1000, 1)
	ctx := context.Background()

	pending := pendingRow("user-1", "key-pending")
	_, _, err := st.CreateVerificationWithDebit(ctx, pending, debitFor(pending))
	require.NoError(t, err)

	completed := pendingRow("user-1", "key-completed")
	_, _, err = st.CreateVerificationWithDebit(ctx, completed, debitFor(completed))
	require.NoError(t, err)
	_, err = st.TransitionVerification(ctx, completed.ID, domain.StatusCompleted, store.TransitionUpdate{SMSCode: "123456"})
	require.NoError(t, err)

	free := pendingRow("user-1", "key-free")
	free.Cost = 0
	_, _, err = st.CreateVerificationWithDebit(ctx, free, nil)
	require.NoError(t, err)
	_, err = st.TransitionVerification(ctx, free.ID, domain.StatusTimeout, store.TransitionUpdate{})
	require.NoError(t, err)

	owed := pendingRow("user-1", "key-owed")
	_, _, err = st.CreateVerificationWithDebit(ctx, owed, debitFor(owed))
	require.NoError(t, err)
	_, err = st.TransitionVerification(ctx, owed.ID, domain.StatusTimeout, store.TransitionUpdate{})
	require.NoError(t, err)

	// Only the costed, non-completed terminal row without a refund shows.
	got, err := st.ListUnrefundedTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, owed.ID, got[0].ID)

	// Applying the refund clears it from the listing.
	_, _, err = st.ApplyEntry(ctx, &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		Amount:         owed.Cost,
		Kind:           domain.EntryRefund,
		IdempotencyKey: domain.RefundKey(owed.ID),
		Reference:      owed.ID,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	got, err = st.ListUnrefundedTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMarkIntentProcessing(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()

	intent := &domain.PaymentIntent{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		Reference:      "topup_3",
		IdempotencyKey: "intent:3",
		Amount:         500,
		State:          domain.IntentPending,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateIntent(ctx, intent))

	marked, err := st.MarkIntentProcessing(ctx, intent)
	require.NoError(t, err)
	require.True(t, marked)

	got, _ := st.GetIntentByReference(ctx, intent.Reference)
	assert.Equal(t, domain.IntentProcessing, got.State)
	assert.Equal(t, intent.LockVersion+1, got.LockVersion)

	// Stale snapshot and non-pending state both miss.
	marked, err = st.MarkIntentProcessing(ctx, intent)
	require.NoError(t, err)
	assert.False(t, marked)

	// Processing intents still settle from a fresh read.
	applied, err := st.SettleIntent(ctx, got, &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         intent.UserID,
		Amount:         intent.Amount,
		Kind:           domain.EntryCredit,
		IdempotencyKey: intent.IdempotencyKey,
		Reference:      intent.Reference,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	marked, err = st.MarkIntentProcessing(ctx, got)
	require.NoError(t, err)
	assert.False(t, marked, "settled intents never move back")
}

func TestListUnsettledIntentsFiltersByAge(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()

	old := &domain.PaymentIntent{
		ID: uuid.NewString(), UserID: "user-1", Reference: "topup_old",
		IdempotencyKey: "intent:old", Amount: 500,
		State: domain.IntentPending, CreatedAt: time.Now().Add(-time.Hour),
	}
	fresh := &domain.PaymentIntent{
		ID: uuid.NewString(), UserID: "user-1", Reference: "topup_fresh",
		IdempotencyKey: "intent:fresh", Amount: 500,
		State: domain.IntentPending, CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateIntent(ctx, old))
	require.NoError(t, st.CreateIntent(ctx, fresh))

	got, err := st.ListUnsettledIntents(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "topup_old", got[0].Reference)
}
