// settlectl is the operational surface of the settlement engine: trigger
// a reconciliation sweep, or inspect a verification and its ledger trail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/otplane/settler/internal/config"
	"github.com/otplane/settler/internal/ledger"
	"github.com/otplane/settler/internal/provider"
	"github.com/otplane/settler/internal/reconcile"
	"github.com/otplane/settler/internal/settlement"
	"github.com/otplane/settler/internal/store"
	"github.com/otplane/settler/internal/verification"
)

func main() {
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the verification settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(reconcileCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*config.Config, *store.Postgres, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return nil, nil, fmt.Errorf("storage unreachable: %w", err)
	}
	return cfg, db, nil
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, db, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			gateway := provider.GuardGateway(
				provider.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout),
				provider.NewBreaker("payment-gateway", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout),
			)
			smsPort := provider.Guard(
				provider.NewHTTPClient(cfg.ProviderName, cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout),
				provider.NewBreaker(cfg.ProviderName, cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout),
			)

			ledgerSvc := ledger.New(db)
			machine := verification.NewMachine(db)
			coordinator := settlement.NewCoordinator(db, ledgerSvc, machine, smsPort, cfg)

			// A one-shot sweep has no live scheduler: stale rows are
			// forced to timeout here, fresh ones are left for the
			// running service to pick up on its next sweep.
			rec := reconcile.New(db, machine, ledgerSvc, noRegistry{}, coordinator, gateway, reconcile.Config{
				Period:       cfg.ReconcilePeriod,
				Ceiling:      cfg.PendingCeiling,
				PaymentGrace: cfg.PaymentGrace,
			})
			if err := rec.Sweep(ctx); err != nil {
				return err
			}
			log.Info("reconciliation sweep complete")
			return nil
		},
	}
}

// noRegistry satisfies the sweep without spawning watchers.
type noRegistry struct{}

func (noRegistry) Watch(string)       {}
func (noRegistry) Active(string) bool { return true }

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <verification-id>",
		Short: "Print a verification and its ledger entries (read-only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := db.GetVerification(ctx, args[0])
			if err != nil {
				return err
			}
			entries, err := db.EntriesByReference(ctx, v.ID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"verification":   v,
				"ledger_entries": entries,
			})
		},
	}
}
