package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/store"
)

// pruneSchedule is how often old engine events are deleted.
const pruneSchedule = "@hourly"

// maintainer is the part of the pool the maintenance job drives.
type maintainer interface {
	Maintain(ctx context.Context) pool.MaintenanceReport
}

// startMaintenance schedules engine maintenance and engine event pruning on
// a cron. Runs never overlap; a tick that finds the previous run still going
// is skipped. Stop the returned cron on shutdown.
func startMaintenance(ctx context.Context, cfg config.Config, p maintainer, st store.Store, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	if cfg.MaintenanceSchedule != "" {
		if _, err := c.AddFunc(cfg.MaintenanceSchedule, func() {
			runMaintenance(ctx, p, logger)
		}); err != nil {
			return nil, fmt.Errorf("maintenance schedule %q: %w", cfg.MaintenanceSchedule, err)
		}
	}

	if cfg.EventRetention > 0 {
		if _, err := c.AddFunc(pruneSchedule, func() {
			pruneEvents(ctx, st, cfg.EventRetention, logger)
		}); err != nil {
			return nil, fmt.Errorf("prune schedule: %w", err)
		}
	}

	c.Start()
	logger.Info("maintenance scheduled",
		"schedule", cfg.MaintenanceSchedule,
		"event_retention", cfg.EventRetention.String(),
	)
	return c, nil
}

func runMaintenance(ctx context.Context, p maintainer, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	report := p.Maintain(ctx)
	logger.Info("engine maintenance finished",
		"checked", report.Checked,
		"replaced", report.Replaced,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func pruneEvents(ctx context.Context, st store.Store, retention time.Duration, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	n, err := st.PruneEngineEvents(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		logger.Error("prune engine events", "error", err)
		return
	}
	if n > 0 {
		logger.Info("pruned engine events", "deleted", n, "retention", retention.String())
	}
}
