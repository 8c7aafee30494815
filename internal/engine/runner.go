package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/delivery"
	"github.com/lifecyclehq/pulse/internal/metrics"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

// Result is the outcome of one runner pass for one (scenario, user) pair.
type Result struct {
	Outcome string
	Reason  string
	StepID  string
}

// Runner drives the full dispatch pipeline for one (scenario, user,
// trigger-instance): guards, sequencing, offer minting, rendering, delivery
// and state persistence. Collaborators are injected at construction so the
// pipeline can be exercised without real infrastructure.
type Runner struct {
	configs  ConfigStore
	states   StateStore
	log      EventLog
	users    UserDirectory
	offers   OfferMinter
	renderer Renderer
	sender   delivery.Sender
	throttle *ThrottleGuard
	clock    Clock
	logger   *zap.Logger
}

// NewRunner wires the dispatch pipeline.
func NewRunner(
	configs ConfigStore,
	states StateStore,
	log EventLog,
	users UserDirectory,
	offers OfferMinter,
	renderer Renderer,
	sender delivery.Sender,
	clock Clock,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		configs:  configs,
		states:   states,
		log:      log,
		users:    users,
		offers:   offers,
		renderer: renderer,
		sender:   sender,
		throttle: NewThrottleGuard(log, clock),
		clock:    clock,
		logger:   logger,
	}
}

// Run executes the pipeline for one user. The guard order is fixed:
// conditions, throttle, quiet hours, sequencing — each stage is progressively
// more expensive, so cheap rejections short-circuit first. Every invocation
// produces exactly one event log row.
func (r *Runner) Run(ctx context.Context, scenarioKey string, userID uuid.UUID, facts map[string]any) Result {
	meta, err := r.configs.GetScenario(ctx, scenarioKey)
	if err != nil || !meta.Enabled {
		return r.skip(ctx, scenarioKey, userID, "", "disabled")
	}

	cfg, err := r.configs.GetPublishedConfig(ctx, scenarioKey)
	if err != nil {
		return r.skip(ctx, scenarioKey, userID, "", "no_config")
	}

	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return r.fail(ctx, scenarioKey, userID, "", "user_lookup: "+err.Error())
	}
	if user == nil || user.Recipient == "" {
		// Absence of a deliverable identity is expected, not a fault.
		return r.skip(ctx, scenarioKey, userID, "", "no_recipient")
	}

	if facts == nil {
		facts = map[string]any{}
	}
	if _, ok := facts["balance"]; !ok {
		facts["balance"] = user.Balance
	}

	if !scenario.Evaluate(cfg.Conditions, facts) {
		return r.skip(ctx, scenarioKey, userID, "", "conditions")
	}

	state, err := r.states.GetNotificationState(ctx, scenarioKey, userID)
	if err != nil {
		return r.fail(ctx, scenarioKey, userID, "", "state_lookup: "+err.Error())
	}

	if reason, err := r.throttle.Check(ctx, cfg.Throttle, state, userID); err != nil {
		return r.fail(ctx, scenarioKey, userID, "", "throttle: "+err.Error())
	} else if reason != "" {
		return r.skip(ctx, scenarioKey, userID, "", reason)
	}

	now := r.clock.Now()
	if !scenario.QuietAllowed(cfg.QuietHours, user.Timezone, now) {
		return r.skip(ctx, scenarioKey, userID, "", "quiet_hours")
	}

	var seqState *scenario.StepState
	if state != nil {
		seqState = &scenario.StepState{LastStepID: state.LastStepID, LastStepAt: state.LastStepAt}
	}
	step, seq := scenario.NextStep(cfg.Steps, seqState, now)
	switch seq {
	case scenario.StepNone:
		return r.skip(ctx, scenarioKey, userID, "", "no_step")
	case scenario.StepNotDue:
		return r.skip(ctx, scenarioKey, userID, "", "step_not_due")
	}

	if reason, err := r.throttle.CheckStep(ctx, cfg.Throttle, scenarioKey, userID, step.ID); err != nil {
		return r.fail(ctx, scenarioKey, userID, step.ID, "throttle: "+err.Error())
	} else if reason != "" {
		return r.skip(ctx, scenarioKey, userID, step.ID, reason)
	}

	variant := scenario.PickVariant(cfg.Experiment)
	if variant != "" {
		facts["experiment_variant"] = variant
	}

	tmpl, ok := cfg.Templates[step.TemplateKey]
	if !ok {
		// A step pointing at a missing template is a configuration defect.
		return r.fail(ctx, scenarioKey, userID, step.ID, "missing_template")
	}

	text, buttons, err := r.renderer.Render(tmpl, user.Locale, facts)
	if err != nil {
		return r.fail(ctx, scenarioKey, userID, step.ID, "render: "+err.Error())
	}

	msg := &delivery.Message{
		UserID:    userID,
		Channel:   user.Channel,
		Recipient: user.Recipient,
		Text:      text,
		Buttons:   buttons,
	}
	if err := r.sender.Send(ctx, msg); err != nil {
		// State is untouched so the step is retried on the next sweep.
		return r.fail(ctx, scenarioKey, userID, step.ID, "delivery: "+err.Error())
	}

	if step.OfferKey != "" {
		offerKey, def := r.resolveOffer(cfg, step.OfferKey, variant)
		if _, err := r.offers.Create(ctx, userID, scenarioKey, step.ID, offerKey, def); err != nil {
			// The message is already out; keep the sequence advancing and
			// surface the minting failure to operators.
			r.logger.Error("offer creation failed after delivery",
				zap.Error(err),
				zap.String("scenario_key", scenarioKey),
				zap.String("step_id", step.ID),
			)
		}
	}

	if err := r.states.UpsertNotificationState(ctx, scenarioKey, userID, step.ID, now); err != nil {
		r.logger.Error("failed to persist notification state",
			zap.Error(err),
			zap.String("scenario_key", scenarioKey),
			zap.String("user_id", userID.String()),
		)
	}

	return r.record(ctx, scenarioKey, userID, db.OutcomeSent, step.ID, "")
}

// resolveOffer upgrades the step's offer key to a variant-specific definition
// when the experiment assigned one and the config defines it.
func (r *Runner) resolveOffer(cfg *scenario.Config, offerKey, variant string) (string, scenario.OfferDef) {
	if variant != "" {
		if def, ok := cfg.Offers[offerKey+":"+variant]; ok {
			return offerKey + ":" + variant, def
		}
	}
	return offerKey, cfg.Offers[offerKey]
}

func (r *Runner) skip(ctx context.Context, scenarioKey string, userID uuid.UUID, stepID, reason string) Result {
	return r.record(ctx, scenarioKey, userID, db.OutcomeSkipped, stepID, reason)
}

func (r *Runner) fail(ctx context.Context, scenarioKey string, userID uuid.UUID, stepID, reason string) Result {
	return r.record(ctx, scenarioKey, userID, db.OutcomeError, stepID, reason)
}

func (r *Runner) record(ctx context.Context, scenarioKey string, userID uuid.UUID, outcome, stepID, reason string) Result {
	entry := &db.EventLogEntry{
		ID:          uuid.New(),
		ScenarioKey: scenarioKey,
		UserID:      userID,
		Outcome:     outcome,
		StepID:      stepID,
		Reason:      reason,
	}
	if err := r.log.AppendEventLog(ctx, entry); err != nil {
		r.logger.Error("failed to append event log",
			zap.Error(err),
			zap.String("scenario_key", scenarioKey),
			zap.String("outcome", outcome),
		)
	}

	metrics.RecordDispatch(scenarioKey, outcome)

	if outcome == db.OutcomeError {
		r.logger.Warn("dispatch error",
			zap.String("scenario_key", scenarioKey),
			zap.String("user_id", userID.String()),
			zap.String("reason", reason),
		)
	} else {
		r.logger.Debug("dispatch "+outcome,
			zap.String("scenario_key", scenarioKey),
			zap.String("user_id", userID.String()),
			zap.String("reason", reason),
		)
	}

	// Trim verbose error details out of the machine-readable reason.
	shortReason := reason
	if i := strings.IndexByte(reason, ':'); i > 0 {
		shortReason = reason[:i]
	}
	return Result{Outcome: outcome, Reason: shortReason, StepID: stepID}
}
