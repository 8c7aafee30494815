package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/metrics"
)

// OfferExpirer is the housekeeping hook the due-step sweep piggybacks on.
type OfferExpirer interface {
	ExpireOffers(ctx context.Context) (int, error)
}

// DueStepSweeper advances users through steps 2..N of multi-step scenarios.
// No fresh external trigger arrives for those steps; this sweep re-runs the
// pipeline for every user who has not yet reached the final step, and the
// sequencer decides whether the next delay has elapsed.
type DueStepSweeper struct {
	configs   ConfigStore
	states    StateStore
	runner    *Runner
	expirer   OfferExpirer
	clock     Clock
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewDueStepSweeper creates the sweeper. Interval defaults to 30 minutes.
func NewDueStepSweeper(configs ConfigStore, states StateStore, runner *Runner, expirer OfferExpirer, clock Clock, interval time.Duration, logger *zap.Logger) *DueStepSweeper {
	if interval == 0 {
		interval = 30 * time.Minute
	}
	return &DueStepSweeper{
		configs:   configs,
		states:    states,
		runner:    runner,
		expirer:   expirer,
		clock:     clock,
		interval:  interval,
		batchSize: 500,
		logger:    logger,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *DueStepSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("due-step sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every multi-step scenario.
func (s *DueStepSweeper) Sweep(ctx context.Context) {
	started := s.clock.Now()
	defer func() {
		metrics.RecordSweepDuration("due_step", s.clock.Now().Sub(started))
	}()

	if s.expirer != nil {
		if n, err := s.expirer.ExpireOffers(ctx); err != nil {
			s.logger.Error("offer expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			metrics.RecordOffersExpired(n)
			s.logger.Info("offers expired", zap.Int("count", n))
		}
	}

	configs, err := s.configs.ListEnabledPublishedConfigs(ctx)
	if err != nil {
		s.logger.Error("failed to list scenarios for due-step sweep", zap.Error(err))
		return
	}

	for _, cfg := range configs {
		if len(cfg.Steps) < 2 {
			continue
		}

		states, err := s.states.ListAdvanceableStates(ctx, cfg.Key, cfg.FinalStepID(), s.batchSize)
		if err != nil {
			s.logger.Error("failed to list advanceable states",
				zap.Error(err),
				zap.String("scenario_key", cfg.Key),
			)
			continue
		}

		advanced := 0
		for _, st := range states {
			res := s.runner.Run(ctx, cfg.Key, st.UserID, nil)
			if res.Outcome == db.OutcomeSent {
				advanced++
			}
		}

		if len(states) > 0 {
			s.logger.Debug("due-step sweep pass",
				zap.String("scenario_key", cfg.Key),
				zap.Int("candidates", len(states)),
				zap.Int("advanced", advanced),
			)
		}
	}
}
