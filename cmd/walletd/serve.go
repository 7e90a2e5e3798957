package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/coinledger/internal/api"
	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/MarkoPoloResearchLab/coinledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/coinledger/internal/logging"
	"github.com/MarkoPoloResearchLab/coinledger/internal/reaper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health endpoint and hold reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
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

	if scheme, _ := config.DatabaseScheme(cfg.DatabaseURL); scheme == config.SchemeSQLite {
		if err := store.migrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	publisher, closePublisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	defer closePublisher()

	service, err := newServices(cfg, store, publisher, logger)
	if err != nil {
		return err
	}

	apiServer, err := api.NewServer(api.Config{
		ListenAddr:         cfg.HTTPListenAddr,
		AllowedOrigins:     cfg.AllowedOrigins,
		RequestTimeout:     cfg.RequestTimeout,
		SessionSigningKey:  cfg.SessionSigningKey,
		SessionIssuer:      cfg.SessionIssuer,
		SessionCookieName:  cfg.SessionCookieName,
		AdminJWTSecret:     cfg.AdminJWTSecret,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		PayoutCentsPerCoin: cfg.PayoutCentsPerCoin,
		PayoutCurrency:     cfg.PayoutCurrency,
	}, service, logger.Named("api"))
	if err != nil {
		return fmt.Errorf("api init: %w", err)
	}

	healthServer, err := grpcserver.New(grpcserver.Config{ListenAddr: cfg.GRPCListenAddr}, store.ping, logger.Named("grpc"))
	if err != nil {
		return fmt.Errorf("grpc init: %w", err)
	}

	scheduler, err := reaper.NewScheduler(service, reaper.Config{
		Schedule:   cfg.ReaperSchedule,
		MaxHoldAge: cfg.ReaperMaxHoldAge,
		BatchSize:  cfg.ReaperBatchSize,
	}, logger.Named("reaper"))
	if err != nil {
		return fmt.Errorf("reaper init: %w", err)
	}
	scheduler.Start(ctx)
	defer func() { <-scheduler.Stop().Done() }()

	logger.Info("walletd starting",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("http_listen_addr", cfg.HTTPListenAddr),
		zap.String("grpc_listen_addr", cfg.GRPCListenAddr),
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return apiServer.Run(groupCtx) })
	group.Go(func() error { return healthServer.Run(groupCtx) })
	return group.Wait()
}
