package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/metrics"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

// Event is one inbound lifecycle event. Name and UserID are always set; the
// remaining fields depend on the producer (payment webhook, login handler,
// grace machine).
type Event struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"event"`
	UserID      uuid.UUID      `json:"user_id"`
	At          time.Time      `json:"timestamp"`
	Amount      float64        `json:"amount,omitempty"`
	TopUpID     string         `json:"top_up_id,omitempty"`
	ServiceID   uuid.UUID      `json:"service_id,omitempty"`
	ServiceType string         `json:"service_type,omitempty"`
	GraceDay    int            `json:"grace_day,omitempty"`
	PayDayAt    *time.Time     `json:"pay_day_at,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Facts flattens the event into the fact map the condition evaluator reads.
func (e *Event) Facts() map[string]any {
	facts := map[string]any{
		"event": e.Name,
	}
	if e.Amount != 0 {
		facts["amount"] = e.Amount
	}
	if e.ServiceType != "" {
		facts["service_type"] = e.ServiceType
	}
	if e.GraceDay != 0 {
		facts["grace_day"] = e.GraceDay
	}
	for k, v := range e.Payload {
		facts[k] = v
	}
	return facts
}

// Deduper drops replayed events by ID. Implemented by the Redis dedupe store.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// EventDispatcher fans one inbound event out to every enabled scenario whose
// trigger subscribes to the event name, running the full pipeline
// synchronously per match.
type EventDispatcher struct {
	configs ConfigStore
	runner  *Runner
	deduper Deduper
	logger  *zap.Logger
}

// NewEventDispatcher wires the event fan-out.
func NewEventDispatcher(configs ConfigStore, runner *Runner, deduper Deduper, logger *zap.Logger) *EventDispatcher {
	return &EventDispatcher{
		configs: configs,
		runner:  runner,
		deduper: deduper,
		logger:  logger,
	}
}

// Dispatch runs every matching scenario for the event. One scenario's failure
// never aborts the rest; results are returned for callers that report them.
func (d *EventDispatcher) Dispatch(ctx context.Context, evt *Event) ([]Result, error) {
	if d.deduper != nil && evt.ID != "" {
		seen, err := d.deduper.Seen(ctx, evt.ID)
		if err != nil {
			// Dedupe store trouble degrades to at-least-once, which the
			// per-user throttle bounds.
			d.logger.Warn("event dedupe check failed", zap.Error(err), zap.String("event_id", evt.ID))
		} else if seen {
			metrics.RecordEventDeduplicated()
			d.logger.Debug("duplicate event dropped",
				zap.String("event_id", evt.ID),
				zap.String("event", evt.Name),
			)
			return nil, nil
		}
	}

	configs, err := d.configs.ListEnabledPublishedConfigs(ctx)
	if err != nil {
		return nil, err
	}

	metrics.RecordEventIngested(evt.Name)
	facts := evt.Facts()

	var results []Result
	for _, cfg := range configs {
		if !matchesEvent(cfg, evt.Name) {
			continue
		}
		res := d.runner.Run(ctx, cfg.Key, evt.UserID, cloneFacts(facts))
		results = append(results, res)
	}

	d.logger.Debug("event dispatched",
		zap.String("event", evt.Name),
		zap.String("user_id", evt.UserID.String()),
		zap.Int("matched_scenarios", len(results)),
	)
	return results, nil
}

func matchesEvent(cfg *scenario.Config, name string) bool {
	if cfg.Trigger.Type != scenario.TriggerEvent {
		return false
	}
	for _, n := range cfg.Trigger.EventNames {
		if n == name {
			return true
		}
	}
	return false
}

// cloneFacts gives each scenario its own map so one runner pass cannot leak
// facts (like its experiment variant) into the next.
func cloneFacts(facts map[string]any) map[string]any {
	out := make(map[string]any, len(facts))
	for k, v := range facts {
		out[k] = v
	}
	return out
}
