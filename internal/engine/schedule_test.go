package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

type fakeSegments struct {
	members map[string][]*db.SegmentMember
	calls   int
}

func (f *fakeSegments) SegmentMembers(ctx context.Context, segment string) ([]*db.SegmentMember, error) {
	f.calls++
	return f.members[segment], nil
}

func scheduleFixture(t *testing.T, trigger scenario.Trigger) (*runnerFixture, *fakeSegments, *ScheduleSweeper) {
	t.Helper()
	fx := newRunnerFixture(t)

	fx.store.scenarios["weekly-promo"] = &db.Scenario{Key: "weekly-promo", Enabled: true}
	fx.store.configs["weekly-promo"] = &scenario.Config{
		Key:     "weekly-promo",
		Trigger: trigger,
		Segment: "low_balance",
		Steps:   []scenario.Step{{ID: "s1", TemplateKey: "t"}},
		Templates: map[string]scenario.Template{
			"t": {Text: map[string]string{"en": "top up and save"}},
		},
	}

	segments := &fakeSegments{members: map[string][]*db.SegmentMember{
		"low_balance": {
			{UserID: fx.userID, Facts: map[string]any{"balance": float64(2)}},
		},
	}}

	sweeper := NewScheduleSweeper(fx.store, segments, fx.runner, fx.clock, time.Hour, zap.NewNop())
	return fx, segments, sweeper
}

func TestScheduleSweeper_CronFiresOncePerOccurrence(t *testing.T) {
	// Daily at 12:00; the fixture clock starts at exactly 12:00.
	fx, segments, sweeper := scheduleFixture(t, scenario.Trigger{
		Type: scenario.TriggerSchedule,
		Cron: "0 12 * * *",
	})

	sweeper.Sweep(context.Background())
	if segments.calls != 1 {
		t.Fatalf("segment resolved %d times, want 1", segments.calls)
	}
	if len(fx.sender.sent) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(fx.sender.sent))
	}

	// The next tick is inside the same day: no new cron occurrence.
	fx.clock.now = fx.clock.now.Add(time.Hour)
	sweeper.Sweep(context.Background())
	if segments.calls != 1 {
		t.Errorf("same occurrence fired twice")
	}

	// Next day's occurrence falls inside a later tick window and fires again.
	fx.clock.now = fx.clock.now.Add(23*time.Hour + 30*time.Minute)
	sweeper.Sweep(context.Background())
	if segments.calls != 2 {
		t.Errorf("next occurrence did not fire, calls = %d", segments.calls)
	}
}

func TestScheduleSweeper_CronNotDueOutsideWindow(t *testing.T) {
	_, segments, sweeper := scheduleFixture(t, scenario.Trigger{
		Type: scenario.TriggerSchedule,
		Cron: "0 3 * * *",
	})

	// Clock is 12:00; the 03:00 occurrence is outside the one-hour window.
	sweeper.Sweep(context.Background())
	if segments.calls != 0 {
		t.Errorf("fired outside the tick window")
	}
}

func TestScheduleSweeper_CalendarWindowFiresOncePerMonth(t *testing.T) {
	fx, segments, sweeper := scheduleFixture(t, scenario.Trigger{
		Type:            scenario.TriggerSchedule,
		LastDaysOfMonth: 3,
	})

	// March 10th is not within the last 3 days of March.
	sweeper.Sweep(context.Background())
	if segments.calls != 0 {
		t.Fatalf("fired outside the calendar window")
	}

	fx.clock.now = time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)
	sweeper.Sweep(context.Background())
	if segments.calls != 1 {
		t.Fatalf("did not fire inside the calendar window")
	}

	// Every later tick inside the same month is a no-op.
	fx.clock.now = fx.clock.now.Add(24 * time.Hour)
	sweeper.Sweep(context.Background())
	if segments.calls != 1 {
		t.Errorf("calendar scenario fired twice in one period")
	}

	// The next month's window fires again.
	fx.clock.now = time.Date(2026, 4, 29, 12, 0, 0, 0, time.UTC)
	sweeper.Sweep(context.Background())
	if segments.calls != 2 {
		t.Errorf("next period did not fire, calls = %d", segments.calls)
	}
}

func TestScheduleSweeper_IgnoresEventScenarios(t *testing.T) {
	fx := newRunnerFixture(t)
	segments := &fakeSegments{}
	sweeper := NewScheduleSweeper(fx.store, segments, fx.runner, fx.clock, time.Hour, zap.NewNop())

	sweeper.Sweep(context.Background())
	if segments.calls != 0 || len(fx.sender.sent) != 0 {
		t.Error("event-triggered scenario must not fire from the schedule sweep")
	}
}
