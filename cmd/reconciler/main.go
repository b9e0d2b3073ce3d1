// Command reconciler runs one scheduled pass of the approval routing engine
// and exits. The scheduler invokes it per mode; the HTTP service exposes the
// same runs for on-demand triggering.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-po-approvals/internal/client"
	"github.com/pesio-ai/be-po-approvals/internal/config"
	"github.com/pesio-ai/be-po-approvals/internal/database"
	"github.com/pesio-ai/be-po-approvals/internal/logger"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/service"
)

func main() {
	root := &cobra.Command{
		Use:           "reconciler",
		Short:         "Approval routing reconciliation runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newNotifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var modeFlag string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation pass in the given mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Reject an unknown mode before touching any store.
			mode, err := service.ParseMode(modeFlag)
			if err != nil {
				return err
			}

			return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
				summary, err := eng.reconcile.Run(ctx, mode)
				if err != nil {
					return err
				}
				fmt.Printf("run %s mode=%s keys=%d planned=%d applied=%d failed=%d skipped_rows=%d elapsed=%s\n",
					summary.RunID, summary.Mode, summary.Keys, summary.Planned,
					summary.Applied, summary.Failed, summary.SkippedRows, summary.Elapsed)
				if summary.Failed > 0 {
					return fmt.Errorf("%d mutation(s) failed; next run retries them", summary.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "", "reconciliation mode: APPROVERS, DELEGATES, ACTIVATE_NEW_DELEGATIONS or UNASSIGN_EXPIRED_DELEGATES")
	cmd.MarkFlagRequired("mode")
	return cmd
}

func newNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Publish pending-approval notifications grouped per recipient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng *engine) error {
				summary, err := eng.notify.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("notify orders=%d groups=%d published=%d failed=%d\n",
					summary.Orders, summary.Groups, summary.Published, summary.Failed)
				return nil
			})
		},
	}
}

type engine struct {
	reconcile *service.ReconcileService
	notify    *service.NotifyService
}

// withEngine wires the store and service stack for a single run and tears it
// down afterwards.
func withEngine(ctx context.Context, fn func(context.Context, *engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name + "-reconciler",
		Version:     cfg.Service.Version,
	})

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	var nc *nats.Conn
	nc, err = nats.Connect(cfg.NATS.URL, nats.ReconnectWait(2*time.Second))
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, notifications disabled")
		nc = nil
	} else {
		defer nc.Close()
	}

	configRepo := repository.NewApproverConfigRepository(db)
	delegateRepo := repository.NewDelegateRepository(db)
	orderRepo := repository.NewOrderRepository(db, cfg.Engine.PageSize)
	auditRepo := repository.NewAuditRepository(db)
	publisher := client.NewNotificationPublisher(nc, cfg.NATS.Subject, log.Logger)

	eng := &engine{
		reconcile: service.NewReconcileService(configRepo, delegateRepo, orderRepo, auditRepo, log.Logger, cfg.Engine.MaxWorkers),
		notify:    service.NewNotifyService(orderRepo, publisher, log.Logger),
	}
	return fn(ctx, eng)
}
