package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

// Throttle rejection reasons, logged as the skip reason.
const (
	ReasonCooldown    = "throttle_cooldown"
	ReasonScenarioCap = "throttle_scenario_cap"
	ReasonGlobalCap   = "throttle_global_cap"
	ReasonStepCap     = "throttle_step_cap"
)

// ThrottleGuard enforces per-user-per-scenario cooldowns and caps plus the
// global cross-scenario promotional cap. The global cap is the only control
// that looks across scenarios; it exists to bound total promotional noise per
// user no matter which scenario fires.
type ThrottleGuard struct {
	log   EventLog
	clock Clock
}

// NewThrottleGuard creates a throttle guard over the event log.
func NewThrottleGuard(log EventLog, clock Clock) *ThrottleGuard {
	return &ThrottleGuard{log: log, clock: clock}
}

// Check evaluates the user-level limits against the persisted send state.
// state may be nil (no prior send). Returns ("", nil) when allowed, or the
// rejection reason.
func (g *ThrottleGuard) Check(ctx context.Context, t *scenario.Throttle, state *db.NotificationState, userID uuid.UUID) (string, error) {
	if t == nil {
		return "", nil
	}

	now := g.clock.Now()

	if t.PerUserPerScenarioHours > 0 && state != nil {
		cooldown := time.Duration(t.PerUserPerScenarioHours) * time.Hour
		if now.Sub(state.LastSentAt) < cooldown {
			return ReasonCooldown, nil
		}
	}

	if t.PerUserPerScenarioCount > 0 && state != nil {
		if state.SendCount >= t.PerUserPerScenarioCount {
			return ReasonScenarioCap, nil
		}
	}

	if t.GlobalPromosPerWindow > 0 && t.GlobalWindowDays > 0 {
		since := now.Add(-time.Duration(t.GlobalWindowDays) * 24 * time.Hour)
		count, err := g.log.CountSentSince(ctx, userID, since)
		if err != nil {
			return "", fmt.Errorf("global throttle count: %w", err)
		}
		if count >= t.GlobalPromosPerWindow {
			return ReasonGlobalCap, nil
		}
	}

	return "", nil
}

// CheckStep enforces the per-step cap. Evaluated after sequencing since it
// needs the step identity.
func (g *ThrottleGuard) CheckStep(ctx context.Context, t *scenario.Throttle, scenarioKey string, userID uuid.UUID, stepID string) (string, error) {
	if t == nil || t.PerStepCap <= 0 {
		return "", nil
	}

	count, err := g.log.CountStepSent(ctx, scenarioKey, userID, stepID)
	if err != nil {
		return "", fmt.Errorf("step throttle count: %w", err)
	}
	if count >= t.PerStepCap {
		return ReasonStepCap, nil
	}
	return "", nil
}
