package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

func TestLoadConfigMergesFlagsAndEnvironment(t *testing.T) {
	t.Setenv("WALLETD_SESSION_SIGNING_KEY", "session-secret")
	t.Setenv("WALLETD_ADMIN_JWT_SECRET", "admin-secret")
	t.Setenv("WALLETD_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("WALLETD_REAPER_MAX_HOLD_AGE", "2h")

	root := newRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if err := serve.ParseFlags([]string{"--http-listen-addr", ":9090", "--session-overage", "strict"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := &config.Config{}
	if err := loadConfig(serve, cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HTTPListenAddr != ":9090" {
		t.Fatalf("expected flag listen addr, got %q", cfg.HTTPListenAddr)
	}
	if cfg.SessionOverage != string(ledger.OverageStrict) {
		t.Fatalf("expected strict overage, got %q", cfg.SessionOverage)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.ReaperMaxHoldAge != 2*time.Hour {
		t.Fatalf("expected 2h max hold age, got %s", cfg.ReaperMaxHoldAge)
	}
	if cfg.StoreDriver != config.StoreDriverGorm || cfg.GRPCListenAddr == "" {
		t.Fatalf("expected defaults to be applied, got driver %q grpc %q", cfg.StoreDriver, cfg.GRPCListenAddr)
	}
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("WALLETD_SESSION_SIGNING_KEY", "")
	t.Setenv("WALLETD_ADMIN_JWT_SECRET", "")
	root := newRootCommand()
	migrate, _, err := root.Find([]string{"migrate"})
	if err != nil {
		t.Fatalf("find migrate: %v", err)
	}
	if err := migrate.ParseFlags(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if err := loadConfig(migrate, &config.Config{}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBackendMigratesAndReconcilesSQLite(t *testing.T) {
	cfg := &config.Config{
		DatabaseURL:       "sqlite://" + filepath.Join(t.TempDir(), "walletd.db"),
		SessionSigningKey: "session-secret",
		AdminJWTSecret:    "admin-secret",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	ctx := context.Background()
	store, err := openBackend(ctx, cfg)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer store.close()
	if err := store.migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := store.ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	logger := zap.NewNop()
	service, err := newServices(cfg, store, events.NewNoopPublisher(logger), logger)
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	fan, err := ledger.NewUserID("fan")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	amount, err := ledger.NewPositiveCoins(40)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	if _, err := service.GrantCoins(ctx, orchestrator.GrantRequest{
		UserID:    fan,
		Amount:    amount,
		Type:      ledger.EntryBonus,
		Reference: "welcome",
		Actor:     "test",
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := reconcileAll(ctx, service.Ledger(), logger); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestNewPublisherFallsBackToNoop(t *testing.T) {
	publisher, closePublisher, err := newPublisher(context.Background(), &config.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer closePublisher()
	if _, ok := publisher.(*events.NoopPublisher); !ok {
		t.Fatalf("expected a no-op publisher, got %T", publisher)
	}
}
