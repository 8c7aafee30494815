package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

type fakeDeduper struct {
	seen map[string]bool
}

func (f *fakeDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if f.seen[eventID] {
		return true, nil
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.seen[eventID] = true
	return false, nil
}

func TestEventDispatcher_MatchesByEventName(t *testing.T) {
	fx := newRunnerFixture(t)

	// A second scenario subscribed to a different event must not fire.
	fx.store.scenarios["login-nudge"] = &db.Scenario{Key: "login-nudge", Enabled: true}
	fx.store.configs["login-nudge"] = &scenario.Config{
		Key:     "login-nudge",
		Trigger: scenario.Trigger{Type: scenario.TriggerEvent, EventNames: []string{"login"}},
		Steps:   []scenario.Step{{ID: "s1", TemplateKey: "t"}},
		Templates: map[string]scenario.Template{
			"t": {Text: map[string]string{"en": "welcome back"}},
		},
	}

	d := NewEventDispatcher(fx.store, fx.runner, nil, zap.NewNop())
	evt := &Event{Name: "deposit.completed", UserID: fx.userID, At: fx.clock.now, Amount: 75}

	results, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("matched %d scenarios, want 1", len(results))
	}
	if results[0].Outcome != db.OutcomeSent {
		t.Errorf("outcome = %s (%s), want sent", results[0].Outcome, results[0].Reason)
	}
}

func TestEventDispatcher_DuplicateEventDropped(t *testing.T) {
	fx := newRunnerFixture(t)
	d := NewEventDispatcher(fx.store, fx.runner, &fakeDeduper{}, zap.NewNop())

	evt := &Event{ID: "evt-1", Name: "deposit.completed", UserID: fx.userID, At: fx.clock.now, Amount: 75}

	if results, _ := d.Dispatch(context.Background(), evt); len(results) != 1 {
		t.Fatalf("first dispatch matched %d scenarios, want 1", len(results))
	}
	results, err := d.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if results != nil {
		t.Errorf("duplicate event should dispatch nothing, got %d results", len(results))
	}
	if len(fx.sender.sent) != 1 {
		t.Errorf("duplicate event caused a second delivery")
	}
}

func TestEventDispatcher_FactsFromPayload(t *testing.T) {
	evt := &Event{
		Name:        "service.grace_start",
		At:          time.Now(),
		ServiceType: "vds",
		GraceDay:    2,
		Payload:     map[string]any{"service_name": "web-01"},
	}
	facts := evt.Facts()

	if facts["event"] != "service.grace_start" {
		t.Errorf("event fact = %v", facts["event"])
	}
	if facts["service_type"] != "vds" || facts["grace_day"] != 2 {
		t.Errorf("service facts missing: %v", facts)
	}
	if facts["service_name"] != "web-01" {
		t.Errorf("payload fact missing: %v", facts)
	}
}
