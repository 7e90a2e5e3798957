package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/MarkoPoloResearchLab/coinledger/internal/database"
	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/coinledger/internal/logging"
	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

// backend bundles the store selected by configuration with its lifecycle hooks.
type backend struct {
	repository orchestrator.Repository
	ping       grpcserver.PingFunc
	migrate    func(ctx context.Context) error
	close      func()
}

// utcNow is the one clock shared by the stores and the services.
func utcNow() time.Time {
	return time.Now().UTC()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.StoreDriver == config.StoreDriverPgx {
		pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		return &backend{
			repository: pgstore.New(pool, pgstore.WithClock(utcNow)),
			ping:       pool.Ping,
			migrate:    func(ctx context.Context) error { return pgstore.Migrate(ctx, pool) },
			close:      pool.Close,
		}, nil
	}
	db, cleanup, err := database.OpenGorm(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	return &backend{
		repository: gormstore.New(db, gormstore.WithClock(utcNow)),
		ping:       sqlDB.PingContext,
		migrate:    func(ctx context.Context) error { return gormstore.Migrate(ctx, db) },
		close:      func() { _ = cleanup() },
	}, nil
}

func newServices(cfg *config.Config, store *backend, publisher events.Publisher, logger *zap.Logger) (*orchestrator.Service, error) {
	ledgerService, err := ledger.NewService(store.repository, utcNow, ledger.WithOperationLogger(logging.NewOperationLogger(logger.Named("ledger"))))
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	service, err := orchestrator.NewService(ledgerService, store.repository, utcNow,
		orchestrator.WithPublisher(publisher),
		orchestrator.WithLogger(logger.Named("wallet")),
		orchestrator.WithOveragePolicy(ledger.OveragePolicy(cfg.SessionOverage)),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init: %w", err)
	}
	return service, nil
}

// newPublisher connects the configured brokers. Missing brokers fall back to a no-op publisher;
// unreachable ones fail startup.
func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, func(), error) {
	var (
		publishers []events.Publisher
		closers    []func()
	)
	closeAll := func() {
		for index := len(closers) - 1; index >= 0; index-- {
			closers[index]()
		}
	}
	if cfg.RedisURL != "" {
		client, err := events.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		publisher, err := events.NewRedisPublisher(client, cfg.RedisChannelPrefix, logger.Named("redis"))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		publishers = append(publishers, publisher)
	}
	if cfg.AMQPURL != "" {
		publisher, err := events.DialRabbit(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("amqp"))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = publisher.Close() })
		publishers = append(publishers, publisher)
	}
	if len(publishers) == 0 {
		return events.NewNoopPublisher(logger), closeAll, nil
	}
	return events.NewFanout(publishers...), closeAll, nil
}
