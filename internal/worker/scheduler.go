// Package worker runs the periodic chain sync and reconciliation jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agrifinance/internal/metrics"
	"agrifinance/internal/service"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work. The context is cancelled after the job timeout.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. A job that is still running when its next
// tick fires is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
}

func NewScheduler(timeout time.Duration, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
	}
}

// Add registers job under name with a standard cron expression or descriptor such as "@every 1m".
func (s *Scheduler) Add(name, schedule string, job Job) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.run(name, job) }); err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, schedule, err)
	}
	s.logger.Info("job scheduled", zap.String("job", name), zap.String("schedule", schedule))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stopped before running jobs finished")
	}
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := job(ctx)
	if err != nil {
		metrics.ScheduledJobRuns.WithLabelValues(name, metrics.OutcomeFailure).Inc()
		s.logger.Error("job failed", zap.String("job", name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	metrics.ScheduledJobRuns.WithLabelValues(name, metrics.OutcomeSuccess).Inc()
	s.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

// SyncJob verifies pending chain transactions and logs the batch summary.
func SyncJob(svc service.SyncService, logger *zap.Logger) Job {
	return func(ctx context.Context) error {
		report, err := svc.SyncPendingTransactions(ctx)
		if err != nil {
			return err
		}
		if report.Checked > 0 {
			logger.Info("pending transactions synced",
				zap.Int("checked", report.Checked),
				zap.Int("confirmed", report.Confirmed),
				zap.Int("failed", report.Failed),
				zap.Int("still_pending", report.StillPending),
				zap.Int("errors", len(report.Errors)),
			)
		}
		return nil
	}
}

// ReconcileJob compares the database with the chain. An overlapping manual run
// is not an error.
func ReconcileJob(svc service.ReconciliationService, logger *zap.Logger) Job {
	return func(ctx context.Context) error {
		report, err := svc.Run(ctx)
		if errors.Is(err, service.ErrInvalidTransition) {
			logger.Info("reconciliation already running, skipping tick")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("reconciliation finished",
			zap.Int("wallets", report.WalletsChecked),
			zap.Int("nfts", report.NFTsChecked),
			zap.Int("discrepancies", report.Discrepancies),
			zap.Int("auto_synced", report.AutoSynced),
		)
		return nil
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
