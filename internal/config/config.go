// Package config holds the walletd runtime settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/robfig/cron/v3"
)

const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	defaultDatabaseURL        = "sqlite:///tmp/walletd.db"
	defaultHTTPListenAddr     = ":8080"
	defaultGRPCListenAddr     = ":7000"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultSessionIssuer      = "tauth"
	defaultSessionCookie      = "app_session"
	defaultRedisChannelPrefix = "wallet"
	defaultAMQPExchange       = "wallet.events"
	defaultReaperSchedule     = "@every 5m"
	defaultReaperMaxHoldAge   = 6 * time.Hour
	defaultReaperBatchSize    = 100
	defaultRequestTimeout     = 5 * time.Second
	defaultRateLimitPerSecond = 10.0
	defaultRateLimitBurst     = 20
	defaultPayoutCentsPerCoin = 1
	defaultPayoutCurrency     = "USD"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for walletd.
type Config struct {
	DatabaseURL        string
	StoreDriver        string
	HTTPListenAddr     string
	GRPCListenAddr     string
	RequestTimeout     time.Duration
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	AdminJWTSecret     string
	RedisURL           string
	RedisChannelPrefix string
	AMQPURL            string
	AMQPExchange       string
	ReaperSchedule     string
	ReaperMaxHoldAge   time.Duration
	ReaperBatchSize    int
	RateLimitPerSecond float64
	RateLimitBurst     int
	PayoutCentsPerCoin int64
	PayoutCurrency     string
	SessionOverage     string
	Development        bool
}

// Validate fills defaults and rejects settings the server cannot start with.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.RedisChannelPrefix = defaultIfEmpty(cfg.RedisChannelPrefix, defaultRedisChannelPrefix)
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, defaultAMQPExchange)
	cfg.ReaperSchedule = defaultIfEmpty(cfg.ReaperSchedule, defaultReaperSchedule)
	if cfg.ReaperMaxHoldAge <= 0 {
		cfg.ReaperMaxHoldAge = defaultReaperMaxHoldAge
	}
	if cfg.ReaperBatchSize <= 0 {
		cfg.ReaperBatchSize = defaultReaperBatchSize
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = defaultRateLimitPerSecond
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.PayoutCentsPerCoin <= 0 {
		cfg.PayoutCentsPerCoin = defaultPayoutCentsPerCoin
	}
	cfg.PayoutCurrency = strings.ToUpper(defaultIfEmpty(cfg.PayoutCurrency, defaultPayoutCurrency))
	cfg.SessionOverage = defaultIfEmpty(cfg.SessionOverage, string(ledger.OverageWriteOff))

	if _, err := DatabaseScheme(cfg.DatabaseURL); err != nil {
		return err
	}
	switch cfg.StoreDriver {
	case StoreDriverGorm:
	case StoreDriverPgx:
		if scheme, _ := DatabaseScheme(cfg.DatabaseURL); scheme != SchemePostgres {
			return fmt.Errorf("%w: pgx store requires a postgres database url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, cfg.StoreDriver)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: session signing key is required", ErrInvalidConfig)
	}
	if len(cfg.AdminJWTSecret) == 0 {
		return fmt.Errorf("%w: admin jwt secret is required", ErrInvalidConfig)
	}
	if _, err := cron.ParseStandard(cfg.ReaperSchedule); err != nil {
		return fmt.Errorf("%w: reaper schedule: %v", ErrInvalidConfig, err)
	}
	if _, err := ledger.ParseOveragePolicy(cfg.SessionOverage); err != nil {
		return fmt.Errorf("%w: session overage: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Database URL schemes.
const (
	SchemePostgres = "postgres"
	SchemeMySQL    = "mysql"
	SchemeSQLite   = "sqlite"
)

// DatabaseScheme classifies a database url. Bare paths are treated as sqlite files.
func DatabaseScheme(databaseURL string) (string, error) {
	trimmed := strings.TrimSpace(databaseURL)
	switch {
	case trimmed == "":
		return "", fmt.Errorf("%w: database url is required", ErrInvalidConfig)
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return SchemePostgres, nil
	case strings.HasPrefix(trimmed, "mysql://"):
		return SchemeMySQL, nil
	case strings.HasPrefix(trimmed, "sqlite://"), !strings.Contains(trimmed, "://"):
		return SchemeSQLite, nil
	default:
		return "", fmt.Errorf("%w: unsupported database url %q", ErrInvalidConfig, trimmed)
	}
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
