package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/internal/logging"
	"github.com/MarkoPoloResearchLab/coinledger/internal/reaper"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errDriftDetected = errors.New("ledger drift detected")

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), cfg, func(ctx context.Context, store *backend, logger *zap.Logger) error {
				if err := store.migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				logger.Info("schema migrated", zap.String("store_driver", cfg.StoreDriver))
				return nil
			})
		},
	}
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare every account with its ledger entries and active holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), cfg, func(ctx context.Context, store *backend, logger *zap.Logger) error {
				service, err := newServices(cfg, store, events.NewNoopPublisher(logger), logger)
				if err != nil {
					return err
				}
				return reconcileAll(ctx, service.Ledger(), logger)
			})
		},
	}
}

func reconcileAll(ctx context.Context, ledgerService *ledger.Service, logger *zap.Logger) error {
	var checked, drifted int
	err := ledgerService.ReconcileAll(ctx, func(reconciliation ledger.Reconciliation) error {
		checked++
		if reconciliation.Consistent() {
			return nil
		}
		drifted++
		logger.Error("account drift",
			zap.String("user_id", reconciliation.UserID.String()),
			zap.Int64("balance", reconciliation.Balance.Int64()),
			zap.Int64("entry_total", reconciliation.EntryTotal.Int64()),
			zap.Int64("held_balance", reconciliation.HeldBalance.Int64()),
			zap.Int64("active_holds", reconciliation.ActiveHolds.Int64()),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.Info("reconciliation finished", zap.Int("accounts", checked), zap.Int("drifted", drifted))
	if drifted > 0 {
		return fmt.Errorf("%w: %d of %d accounts", errDriftDetected, drifted, checked)
	}
	return nil
}

func newReapCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Release abandoned session holds once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), cfg, func(ctx context.Context, store *backend, logger *zap.Logger) error {
				publisher, closePublisher, err := newPublisher(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("event publisher: %w", err)
				}
				defer closePublisher()
				service, err := newServices(cfg, store, publisher, logger)
				if err != nil {
					return err
				}
				scheduler, err := reaper.NewScheduler(service, reaper.Config{
					Schedule:   cfg.ReaperSchedule,
					MaxHoldAge: cfg.ReaperMaxHoldAge,
					BatchSize:  cfg.ReaperBatchSize,
				}, logger)
				if err != nil {
					return err
				}
				released, err := scheduler.RunOnce(ctx)
				if err != nil {
					return err
				}
				logger.Info("reap finished", zap.Int("released", released))
				return nil
			})
		},
	}
}

func withBackend(ctx context.Context, cfg *config.Config, fn func(ctx context.Context, store *backend, logger *zap.Logger) error) error {
	logger, err := logging.New(cfg.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()
	return fn(ctx, store, logger)
}
