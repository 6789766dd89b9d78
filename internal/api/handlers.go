package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/ledger"
	"github.com/otplane/settler/internal/settlement"
	"github.com/otplane/settler/internal/store"
	"github.com/otplane/settler/internal/verification"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settler_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store       store.Store
	ledger      *ledger.Ledger
	coordinator *settlement.Coordinator
}

func NewHandler(s store.Store, l *ledger.Ledger, c *settlement.Coordinator) *Handler {
	return &Handler{store: s, ledger: l, coordinator: c}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createVerificationRequest struct {
	UserID     string            `json:"user_id"`
	Service    string            `json:"service"`
	Country    string            `json:"country"`
	Capability string            `json:"capability"`
	Filters    map[string]string `json:"filters,omitempty"`
}

func (h *Handler) CreateVerificationHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/verifications"))
	defer timer.ObserveDuration()
	count := func(status string) {
		httpRequestsTotal.WithLabelValues("POST", "/verifications", status).Inc()
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		count("400")
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req createVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		count("400")
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	capability := domain.Capability(req.Capability)
	if req.Capability == "" {
		capability = domain.CapabilitySMS
	}

	result, err := h.coordinator.Purchase(r.Context(), verification.CreateRequest{
		UserID:         req.UserID,
		ServiceName:    req.Service,
		Country:        req.Country,
		Capability:     capability,
		IdempotencyKey: idempotencyKey,
	}, req.Filters)

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			count("422")
			respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, domain.ErrInsufficientCredits):
			count("422")
			respondWithError(w, http.StatusUnprocessableEntity, "Insufficient credits")
		case errors.Is(err, domain.ErrCircuitOpen):
			count("503")
			respondWithError(w, http.StatusServiceUnavailable, "Provider temporarily unavailable")
		case errors.Is(err, domain.ErrExternalService):
			count("502")
			respondWithError(w, http.StatusBadGateway, "Provider call failed")
		default:
			count("500")
			log.WithError(err).Error("purchase failed")
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	if !result.Created {
		count("200")
		respondWithJSON(w, http.StatusOK, result.Verification)
		return
	}

	count("201")
	w.Header().Set("Location", fmt.Sprintf("/api/v1/verifications/%s", result.Verification.ID))
	respondWithJSON(w, http.StatusCreated, result.Verification)
}

func (h *Handler) GetVerificationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := h.store.GetVerification(r.Context(), id)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/verifications/{id}", "404").Inc()
		respondWithError(w, http.StatusNotFound, "Verification not found")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/verifications/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) CancelVerificationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := h.coordinator.Cancel(r.Context(), id, "user requested")
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			httpRequestsTotal.WithLabelValues("POST", "/verifications/{id}/cancel", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Verification not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			httpRequestsTotal.WithLabelValues("POST", "/verifications/{id}/cancel", "409").Inc()
			respondWithError(w, http.StatusConflict, "Verification already resolved")
		default:
			httpRequestsTotal.WithLabelValues("POST", "/verifications/{id}/cancel", "500").Inc()
			log.WithError(err).Error("cancel failed")
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}
	httpRequestsTotal.WithLabelValues("POST", "/verifications/{id}/cancel", "200").Inc()
	respondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	acc, err := h.store.GetAccount(r.Context(), userID)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/accounts/{id}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/accounts/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	entries, err := h.store.EntriesByUser(r.Context(), userID)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/accounts/{id}/entries", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/accounts/{id}/entries", "200").Inc()
	respondWithJSON(w, http.StatusOK, entries)
}

type topupRequest struct {
	Amount int64 `json:"amount"`
}

// CreateTopupHandler opens a PaymentIntent and returns the reference the
// client hands to the payment provider. The credit lands only via webhook
// or reconciliation.
func (h *Handler) CreateTopupHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/accounts/{id}/topups", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Amount <= 0 {
		httpRequestsTotal.WithLabelValues("POST", "/accounts/{id}/topups", "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Positive amount required")
		return
	}

	intent := &domain.PaymentIntent{
		ID:             uuid.NewString(),
		UserID:         userID,
		Reference:      "topup_" + uuid.NewString(),
		IdempotencyKey: "intent:" + uuid.NewString(),
		Amount:         req.Amount,
		State:          domain.IntentPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.CreateIntent(r.Context(), intent); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/accounts/{id}/topups", "500").Inc()
		log.WithError(err).Error("topup intent creation failed")
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/accounts/{id}/topups", "201").Inc()
	respondWithJSON(w, http.StatusCreated, intent)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
