// Package jobs contains long-running background workers started from main.go.
// Each job owns a ticker loop and exposes Start/Stop; the loop exits when the
// context is cancelled or Stop is called.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/proxypal/proxypal/internal/db/repositories"
	"github.com/proxypal/proxypal/internal/safego"
	"github.com/proxypal/proxypal/internal/telemetry"
)

// UsageRollup aggregates the previous day's usage_logs into daily_usage rows
// and prunes logs older than the retention window. The upsert is keyed on
// (date, user_id, provider), so re-running a pass for the same day is safe.
type UsageRollup struct {
	usage         *repositories.UsageRepository
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger
	stopChan      chan struct{}
}

// NewUsageRollup creates a rollup job. retentionDays below 1 falls back to 90;
// interval below 1 minute falls back to 24h.
func NewUsageRollup(usage *repositories.UsageRepository, retentionDays int, interval time.Duration, logger *slog.Logger) *UsageRollup {
	if retentionDays < 1 {
		retentionDays = 90
	}
	if interval < time.Minute {
		interval = 24 * time.Hour
	}
	return &UsageRollup{
		usage:         usage,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start launches the rollup loop. It runs one pass immediately so a gateway
// that was down overnight catches up on startup, then repeats on the interval.
func (j *UsageRollup) Start(ctx context.Context) {
	safego.Go(func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.logger.Info("usage rollup started",
			"interval", j.interval,
			"retention_days", j.retentionDays,
		)

		j.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				j.RunOnce(ctx)
			case <-j.stopChan:
				j.logger.Info("usage rollup stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop signals the rollup loop to exit.
func (j *UsageRollup) Stop() {
	close(j.stopChan)
}

// RunOnce performs a single rollup pass: upsert yesterday's sums, then delete
// logs past retention. Exported so the admin API can trigger it on demand.
func (j *UsageRollup) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		telemetry.RollupDuration.Observe(time.Since(start).Seconds())
	}()

	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	rolled, err := j.usage.RollupDay(ctx, yesterday)
	if err != nil {
		telemetry.RollupErrorsTotal.Inc()
		j.logger.Error("usage rollup failed", "date", yesterday, "error", err)
		return
	}

	cutoff := now.AddDate(0, 0, -j.retentionDays)
	pruned, err := j.usage.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		telemetry.RollupErrorsTotal.Inc()
		j.logger.Error("usage log pruning failed", "cutoff", cutoff, "error", err)
		return
	}

	j.logger.Info("usage rollup pass complete",
		"date", yesterday,
		"rows_rolled_up", rolled,
		"logs_pruned", pruned,
	)
}
