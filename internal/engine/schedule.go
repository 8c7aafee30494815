package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/metrics"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleSweeper fires schedule-triggered scenarios. Cron scenarios fire
// when a cron occurrence falls inside the window since the previous sweep;
// calendar scenarios fire once per calendar period. Both dedupe marks live
// in-process only, so a restart may refire a schedule at most once — the
// per-user throttle is the second line of defense.
type ScheduleSweeper struct {
	configs  ConfigStore
	segments SegmentResolver
	runner   *Runner
	clock    Clock
	interval time.Duration
	logger   *zap.Logger

	lastFire   map[string]time.Time
	lastPeriod map[string]string
}

// NewScheduleSweeper creates the sweeper. Interval defaults to one hour.
func NewScheduleSweeper(configs ConfigStore, segments SegmentResolver, runner *Runner, clock Clock, interval time.Duration, logger *zap.Logger) *ScheduleSweeper {
	if interval == 0 {
		interval = time.Hour
	}
	return &ScheduleSweeper{
		configs:    configs,
		segments:   segments,
		runner:     runner,
		clock:      clock,
		interval:   interval,
		logger:     logger,
		lastFire:   make(map[string]time.Time),
		lastPeriod: make(map[string]string),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *ScheduleSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("schedule sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evaluates every enabled schedule scenario once against the current
// tick.
func (s *ScheduleSweeper) Sweep(ctx context.Context) {
	started := s.clock.Now()
	defer func() {
		metrics.RecordSweepDuration("schedule", s.clock.Now().Sub(started))
	}()

	configs, err := s.configs.ListEnabledPublishedConfigs(ctx)
	if err != nil {
		s.logger.Error("failed to list schedule scenarios", zap.Error(err))
		return
	}

	now := s.clock.Now()
	for _, cfg := range configs {
		if cfg.Trigger.Type != scenario.TriggerSchedule {
			continue
		}
		due, err := s.isDue(cfg, now)
		if err != nil {
			s.logger.Error("schedule evaluation failed",
				zap.Error(err),
				zap.String("scenario_key", cfg.Key),
			)
			continue
		}
		if !due {
			continue
		}
		s.fire(ctx, cfg)
	}
}

// isDue decides whether this tick satisfies the scenario's schedule and, when
// it does, records the dedupe mark so the same occurrence never fires twice.
func (s *ScheduleSweeper) isDue(cfg *scenario.Config, now time.Time) (bool, error) {
	if cfg.Trigger.Cron != "" {
		sched, err := cronParser.Parse(cfg.Trigger.Cron)
		if err != nil {
			return false, fmt.Errorf("parse cron %q: %w", cfg.Trigger.Cron, err)
		}

		windowStart := now.Add(-s.interval)
		if last, ok := s.lastFire[cfg.Key]; ok && last.After(windowStart) {
			windowStart = last
		}
		next := sched.Next(windowStart)
		if next.After(now) {
			return false, nil
		}
		s.lastFire[cfg.Key] = now
		return true, nil
	}

	if n := cfg.Trigger.LastDaysOfMonth; n > 0 {
		lastDay := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day()
		if now.Day() <= lastDay-n {
			return false, nil
		}
		period := now.Format("2006-01")
		if s.lastPeriod[cfg.Key] == period {
			return false, nil
		}
		s.lastPeriod[cfg.Key] = period
		return true, nil
	}

	return false, nil
}

func (s *ScheduleSweeper) fire(ctx context.Context, cfg *scenario.Config) {
	segment := cfg.Segment
	if segment == "" {
		segment = "all_users"
	}

	members, err := s.segments.SegmentMembers(ctx, segment)
	if err != nil {
		s.logger.Error("segment resolution failed",
			zap.Error(err),
			zap.String("scenario_key", cfg.Key),
			zap.String("segment", segment),
		)
		return
	}

	sent := 0
	for _, m := range members {
		res := s.runner.Run(ctx, cfg.Key, m.UserID, m.Facts)
		if res.Outcome == db.OutcomeSent {
			sent++
		}
	}

	s.logger.Info("schedule scenario fired",
		zap.String("scenario_key", cfg.Key),
		zap.String("segment", segment),
		zap.Int("members", len(members)),
		zap.Int("sent", sent),
	)
}
