package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/Felipeflowers17/CA-doc/internal/etl"
)

type ScheduleConfig struct {
	Interval     time.Duration // 0 disables the schedule
	LookbackDays int
	MaxPages     int
}

// StartScheduler triggers a run every Interval covering the last
// LookbackDays days. A tick that finds a run in progress is skipped.
func (m *Manager) StartScheduler(ctx context.Context, cfg ScheduleConfig) {
	if cfg.Interval <= 0 {
		m.logger.Info("run schedule disabled")
		return
	}
	if cfg.LookbackDays < 0 {
		cfg.LookbackDays = 0
	}

	m.logger.Info("run scheduler started", "interval", cfg.Interval, "lookback_days", cfg.LookbackDays)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("run scheduler stopping")
			return
		case t := <-ticker.C:
			m.scheduledRun(ctx, t, cfg)
		}
	}
}

func (m *Manager) scheduledRun(ctx context.Context, now time.Time, cfg ScheduleConfig) {
	params := scheduledParams(now, cfg)

	run, err := m.Start(ctx, params)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			m.logger.Info("scheduled run skipped, a run is in progress")
			return
		}
		m.logger.Error("scheduled run failed to start", "error", err)
		return
	}
	m.logger.Info("scheduled run started", "id", run.ID)
}

func scheduledParams(now time.Time, cfg ScheduleConfig) etl.Params {
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return etl.Params{
		From:     to.AddDate(0, 0, -cfg.LookbackDays),
		To:       to,
		MaxPages: cfg.MaxPages,
	}
}
