package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/store"
	"github.com/otplane/settler/internal/webhook"
)

const secret = "whsec_test"

func sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func post(h *webhook.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedIntent(t *testing.T, st *store.Mem, amount int64) *domain.PaymentIntent {
	t.Helper()
	intent := &domain.PaymentIntent{
		ID:             "int-1",
		UserID:         "user-1",
		Reference:      "topup_abc",
		IdempotencyKey: "intent:abc",
		Amount:         amount,
		State:          domain.IntentPending,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateIntent(context.Background(), intent))
	return intent
}

func successPayload(reference string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"charge.success","data":{"id":"evt_1","reference":%q,"amount":%d}}`,
		reference, amount))
}

func TestRejectsBadSignature(t *testing.T) {
	st := store.NewMem()
	seedIntent(t, st, 500)
	h := webhook.NewHandler(st, secret)

	body := successPayload("topup_abc", 500)

	rec := post(h, body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// No state mutation on rejection.
	intent, _ := st.GetIntentByReference(context.Background(), "topup_abc")
	assert.False(t, intent.Credited)
	acc, _ := st.GetAccount(context.Background(), "user-1")
	assert.Zero(t, acc.Balance)
}

func TestRejectsMalformedPayload(t *testing.T) {
	st := store.NewMem()
	h := webhook.NewHandler(st, secret)

	body := []byte(`{"event":`)
	rec := post(h, body, sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownReferenceAcknowledged(t *testing.T) {
	st := store.NewMem()
	h := webhook.NewHandler(st, secret)

	body := successPayload("topup_missing", 500)
	rec := post(h, body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	entries, _ := st.EntriesByUser(context.Background(), "user-1")
	assert.Empty(t, entries)
}

func TestChargeSuccessCreditsOnce(t *testing.T) {
	st := store.NewMem()
	intent := seedIntent(t, st, 500)
	h := webhook.NewHandler(st, secret)

	body := successPayload(intent.Reference, intent.Amount)
	rec := post(h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	got, _ := st.GetIntentByReference(context.Background(), intent.Reference)
	assert.True(t, got.Credited)
	assert.Equal(t, domain.IntentSettled, got.State)
	assert.Equal(t, intent.LockVersion+1, got.LockVersion)

	acc, _ := st.GetAccount(context.Background(), "user-1")
	assert.Equal(t, int64(500), acc.Balance)

	entries, _ := st.EntriesByUser(context.Background(), "user-1")
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryCredit, entries[0].Kind)
}

func TestReplayedWebhookIsNoop(t *testing.T) {
	st := store.NewMem()
	intent := seedIntent(t, st, 500)
	h := webhook.NewHandler(st, secret)

	body := successPayload(intent.Reference, intent.Amount)

	// Scenario E: providers retry aggressively; N deliveries, one credit.
	for i := 0; i < 5; i++ {
		rec := post(h, body, sign(body))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	acc, _ := st.GetAccount(context.Background(), "user-1")
	assert.Equal(t, int64(500), acc.Balance)
	entries, _ := st.EntriesByUser(context.Background(), "user-1")
	assert.Len(t, entries, 1)
}

func TestChargeFailedMarksIntent(t *testing.T) {
	st := store.NewMem()
	intent := seedIntent(t, st, 500)
	h := webhook.NewHandler(st, secret)

	body := []byte(fmt.Sprintf(
		`{"event":"charge.failed","data":{"id":"evt_2","reference":%q,"amount":500}}`,
		intent.Reference))
	rec := post(h, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	got, _ := st.GetIntentByReference(context.Background(), intent.Reference)
	assert.Equal(t, domain.IntentFailed, got.State)
	assert.False(t, got.Credited)

	acc, _ := st.GetAccount(context.Background(), "user-1")
	assert.Zero(t, acc.Balance)
}

func TestUnknownEventAcknowledged(t *testing.T) {
	st := store.NewMem()
	intent := seedIntent(t, st, 500)
	h := webhook.NewHandler(st, secret)

	body := []byte(fmt.Sprintf(
		`{"event":"charge.dispute.create","data":{"id":"evt_3","reference":%q,"amount":500}}`,
		intent.Reference))
	rec := post(h, body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	got, _ := st.GetIntentByReference(context.Background(), intent.Reference)
	assert.Equal(t, domain.IntentPending, got.State)
}
