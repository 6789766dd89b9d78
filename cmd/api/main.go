package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/otplane/settler/internal/api"
	"github.com/otplane/settler/internal/config"
	"github.com/otplane/settler/internal/ledger"
	"github.com/otplane/settler/internal/poller"
	"github.com/otplane/settler/internal/provider"
	"github.com/otplane/settler/internal/reconcile"
	"github.com/otplane/settler/internal/settlement"
	"github.com/otplane/settler/internal/store"
	"github.com/otplane/settler/internal/verification"
	"github.com/otplane/settler/internal/webhook"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		log.WithError(err).Fatal("unable to connect to database")
	}
	defer db.Close()

	// One breaker per provider endpoint, constructed here and passed
	// down; a degraded payment gateway never trips the SMS vendor.
	smsBreaker := provider.NewBreaker(cfg.ProviderName, cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout)
	gatewayBreaker := provider.NewBreaker("payment-gateway", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout)

	smsPort := provider.Guard(
		provider.NewHTTPClient(cfg.ProviderName, cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout),
		smsBreaker,
	)
	gateway := provider.GuardGateway(
		provider.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout),
		gatewayBreaker,
	)

	// Initialize Layers
	ledgerSvc := ledger.New(db)
	machine := verification.NewMachine(db)
	coordinator := settlement.NewCoordinator(db, ledgerSvc, machine, smsPort, cfg)
	scheduler := poller.NewScheduler(db, machine, smsPort, coordinator, poller.Config{
		ShortInterval: cfg.PollShortInterval,
		LongInterval:  cfg.PollLongInterval,
		ErrorInterval: cfg.PollErrorInterval,
		ShortAttempts: cfg.PollShortAttempts,
		Ceiling:       cfg.PendingCeiling,
	})
	coordinator.SetWatcher(scheduler)

	reconciler := reconcile.New(db, machine, ledgerSvc, scheduler, coordinator, gateway, reconcile.Config{
		Period:       cfg.ReconcilePeriod,
		Ceiling:      cfg.PendingCeiling,
		PaymentGrace: cfg.PaymentGrace,
	})
	go reconciler.Run(ctx)

	// First sweep re-attaches whatever the previous process left pending.
	if err := reconciler.Sweep(ctx); err != nil {
		log.WithError(err).Warn("startup reconciliation sweep failed")
	}

	handler := api.NewHandler(db, ledgerSvc, coordinator)
	webhookHandler := webhook.NewHandler(db, cfg.WebhookSecret)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler)
	r.Handle("/webhooks/payment", webhookHandler).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/verifications", handler.CreateVerificationHandler).Methods("POST")
	apiV1.HandleFunc("/verifications/{id}", handler.GetVerificationHandler).Methods("GET")
	apiV1.HandleFunc("/verifications/{id}/cancel", handler.CancelVerificationHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", handler.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/entries", handler.GetAccountEntriesHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/topups", handler.CreateTopupHandler).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
	// Watchers stop without draining: pending rows are recovered by the
	// reconciliation sweep on next start.
	scheduler.Stop()
}
