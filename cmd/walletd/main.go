package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store-driver"
	flagHTTPListenAddr     = "http-listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagRequestTimeout     = "request-timeout"
	flagAllowedOrigins     = "allowed-origins"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagAdminJWTSecret     = "admin-jwt-secret"
	flagRedisURL           = "redis-url"
	flagRedisChannelPrefix = "redis-channel-prefix"
	flagAMQPURL            = "amqp-url"
	flagAMQPExchange       = "amqp-exchange"
	flagReaperSchedule     = "reaper-schedule"
	flagReaperMaxHoldAge   = "reaper-max-hold-age"
	flagReaperBatchSize    = "reaper-batch-size"
	flagRateLimit          = "rate-limit"
	flagRateLimitBurst     = "rate-limit-burst"
	flagPayoutCentsPerCoin = "payout-cents-per-coin"
	flagPayoutCurrency     = "payout-currency"
	flagSessionOverage     = "session-overage"
	flagDevelopment        = "development"
	envPrefix              = "WALLETD"
	envFile                = ".env"
)

var configFlags = []string{
	flagDatabaseURL, flagStoreDriver, flagHTTPListenAddr, flagGRPCListenAddr, flagRequestTimeout,
	flagAllowedOrigins, flagSessionSigningKey, flagSessionIssuer, flagSessionCookieName,
	flagAdminJWTSecret, flagRedisURL, flagRedisChannelPrefix, flagAMQPURL, flagAMQPExchange,
	flagReaperSchedule, flagReaperMaxHoldAge, flagReaperBatchSize, flagRateLimit, flagRateLimitBurst,
	flagPayoutCentsPerCoin, flagPayoutCurrency, flagSessionOverage, flagDevelopment,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Coin wallet and ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "", "database url (postgres://, mysql://, sqlite://)")
	flags.String(flagStoreDriver, "", "store implementation: gorm or pgx")
	flags.String(flagHTTPListenAddr, "", "HTTP API listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC health listen address")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout (e.g. 5s)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key")
	flags.String(flagSessionIssuer, "", "expected session issuer")
	flags.String(flagSessionCookieName, "", "session cookie name")
	flags.String(flagAdminJWTSecret, "", "HS256 secret for admin bearer tokens")
	flags.String(flagRedisURL, "", "redis url for realtime broadcast (optional)")
	flags.String(flagRedisChannelPrefix, "", "redis channel prefix")
	flags.String(flagAMQPURL, "", "amqp url for notification dispatch (optional)")
	flags.String(flagAMQPExchange, "", "amqp topic exchange")
	flags.String(flagReaperSchedule, "", "cron schedule for the abandoned-hold reaper")
	flags.Duration(flagReaperMaxHoldAge, 0, "age after which session holds count as abandoned")
	flags.Int(flagReaperBatchSize, 0, "holds released per reaper run")
	flags.Float64(flagRateLimit, 0, "requests per second allowed per user")
	flags.Int(flagRateLimitBurst, 0, "request burst allowed per user")
	flags.Int64(flagPayoutCentsPerCoin, 0, "cash value of one coin in cents")
	flags.String(flagPayoutCurrency, "", "payout currency code")
	flags.String(flagSessionOverage, "", "default session overage policy: forbidden, strict or write_off")
	flags.Bool(flagDevelopment, false, "development logging")

	cmd.AddCommand(
		newServeCommand(cfg),
		newMigrateCommand(cfg),
		newReconcileCommand(cfg),
		newReapCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagSessionIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagSessionCookieName))
	cfg.AdminJWTSecret = v.GetString(flagAdminJWTSecret)
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.RedisChannelPrefix = strings.TrimSpace(v.GetString(flagRedisChannelPrefix))
	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.AMQPExchange = strings.TrimSpace(v.GetString(flagAMQPExchange))
	cfg.ReaperSchedule = strings.TrimSpace(v.GetString(flagReaperSchedule))
	cfg.ReaperMaxHoldAge = v.GetDuration(flagReaperMaxHoldAge)
	cfg.ReaperBatchSize = v.GetInt(flagReaperBatchSize)
	cfg.RateLimitPerSecond = v.GetFloat64(flagRateLimit)
	cfg.RateLimitBurst = v.GetInt(flagRateLimitBurst)
	cfg.PayoutCentsPerCoin = v.GetInt64(flagPayoutCentsPerCoin)
	cfg.PayoutCurrency = strings.TrimSpace(v.GetString(flagPayoutCurrency))
	cfg.SessionOverage = strings.TrimSpace(v.GetString(flagSessionOverage))
	cfg.Development = v.GetBool(flagDevelopment)

	return cfg.Validate()
}
