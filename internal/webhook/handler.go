// Package webhook applies provider-reported payment outcomes to the
// ledger. Providers retry aggressively, so everything past signature and
// parse checks acknowledges with 200 — including replays and internal
// errors — and the credit itself is guarded by the intent's idempotency
// key and optimistic lock.
package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/ledger"
	"github.com/otplane/settler/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

var webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settler_payment_webhooks_total",
	Help: "Payment webhooks by outcome",
}, []string{"outcome"})

type event struct {
	Event string `json:"event"`
	Data  struct {
		ID        string `json:"id"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
	} `json:"data"`
}

type Handler struct {
	store  store.Store
	secret []byte
}

func NewHandler(s store.Store, secret string) *Handler {
	return &Handler{store: s, secret: []byte(secret)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		webhooksTotal.WithLabelValues("read_error").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r.Header.Get(SignatureHeader), body) {
		webhooksTotal.WithLabelValues("bad_signature").Inc()
		log.WithField("remote", r.RemoteAddr).Warn("webhook signature mismatch")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil || ev.Data.Reference == "" {
		webhooksTotal.WithLabelValues("bad_payload").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// From here on the answer is always 200: non-2xx would trigger a
	// provider retry storm for conditions a retry cannot fix.
	h.process(r, &ev)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) verifySignature(got string, body []byte) bool {
	if got == "" {
		return false
	}
	mac := hmac.New(sha512.New, h.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

func (h *Handler) process(r *http.Request, ev *event) {
	ctx := r.Context()
	logCtx := log.WithFields(log.Fields{"event": ev.Event, "reference": ev.Data.Reference})

	intent, err := h.store.GetIntentByReference(ctx, ev.Data.Reference)
	if err != nil {
		// Unknown reference: nothing to settle, and the provider must
		// not retry forever.
		webhooksTotal.WithLabelValues("unknown_reference").Inc()
		logCtx.Info("webhook for unknown reference acknowledged")
		return
	}

	if intent.Credited {
		webhooksTotal.WithLabelValues("replayed").Inc()
		logCtx.Info("webhook replay for credited intent, no-op")
		return
	}

	switch ev.Event {
	case "charge.success":
		entry := ledger.NewEntry(intent.UserID, intent.Amount, domain.EntryCredit, intent.IdempotencyKey, intent.Reference)
		applied, err := h.store.SettleIntent(ctx, intent, entry)
		if err != nil {
			webhooksTotal.WithLabelValues("error").Inc()
			logCtx.WithError(err).Error("webhook credit failed, reconciliation will retry")
			return
		}
		if !applied {
			// Optimistic-lock miss: a concurrent replay or the
			// reconciliation sweep won.
			webhooksTotal.WithLabelValues("replayed").Inc()
			return
		}
		webhooksTotal.WithLabelValues("settled").Inc()
		logCtx.WithField("amount", intent.Amount).Info("payment settled via webhook")

	case "charge.failed":
		if _, err := h.store.FailIntent(ctx, intent); err != nil {
			webhooksTotal.WithLabelValues("error").Inc()
			logCtx.WithError(err).Error("webhook fail-mark failed")
			return
		}
		webhooksTotal.WithLabelValues("failed").Inc()
		logCtx.Info("payment marked failed via webhook")

	default:
		webhooksTotal.WithLabelValues("ignored").Inc()
	}
}
