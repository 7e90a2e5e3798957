// Package reaper periodically releases session holds whose sessions were never ended.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultRunTimeout = time.Minute

// HoldReaper releases abandoned holds older than maxAge, at most limit per call.
type HoldReaper interface {
	ReapAbandonedHolds(ctx context.Context, maxAge time.Duration, limit int) (int, error)
}

// Config controls the schedule and the batch each run processes.
type Config struct {
	Schedule   string
	MaxHoldAge time.Duration
	BatchSize  int
	RunTimeout time.Duration
}

// Scheduler runs the reaper on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	reaper  HoldReaper
	config  Config
	logger  *zap.Logger
	baseCtx context.Context
}

// NewScheduler validates cfg and registers the job. Start must be called to run it.
func NewScheduler(reaper HoldReaper, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if reaper == nil {
		return nil, errors.New("reaper dependency is nil")
	}
	if cfg.MaxHoldAge <= 0 {
		return nil, errors.New("max hold age must be positive")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batch size must be positive")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := zapCronLogger{logger: logger.Named("cron")}
	scheduler := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)), cron.WithLogger(cronLogger)),
		reaper:  reaper,
		config:  cfg,
		logger:  logger,
		baseCtx: context.Background(),
	}
	if _, err := scheduler.cron.AddFunc(cfg.Schedule, scheduler.run); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	return scheduler, nil
}

// Start begins running the job. Runs observe ctx cancellation.
func (scheduler *Scheduler) Start(ctx context.Context) {
	scheduler.baseCtx = ctx
	scheduler.logger.Info("hold reaper scheduled", zap.String("schedule", scheduler.config.Schedule), zap.Duration("max_hold_age", scheduler.config.MaxHoldAge))
	scheduler.cron.Start()
}

// Stop halts scheduling. The returned context is done once a running job finishes.
func (scheduler *Scheduler) Stop() context.Context {
	return scheduler.cron.Stop()
}

// RunOnce reaps a single batch immediately.
func (scheduler *Scheduler) RunOnce(ctx context.Context) (int, error) {
	runContext, cancel := context.WithTimeout(ctx, scheduler.config.RunTimeout)
	defer cancel()
	released, err := scheduler.reaper.ReapAbandonedHolds(runContext, scheduler.config.MaxHoldAge, scheduler.config.BatchSize)
	if err != nil {
		scheduler.logger.Error("hold reaper run failed", zap.Int("released", released), zap.Error(err))
		return released, err
	}
	if released > 0 {
		scheduler.logger.Info("abandoned holds released", zap.Int("released", released))
	}
	return released, nil
}

func (scheduler *Scheduler) run() {
	_, _ = scheduler.RunOnce(scheduler.baseCtx)
}

type zapCronLogger struct {
	logger *zap.Logger
}

func (adapter zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	adapter.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (adapter zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	adapter.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
