package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/delivery"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type fakeStore struct {
	scenarios map[string]*db.Scenario
	configs   map[string]*scenario.Config
	states    map[string]*db.NotificationState
	upserts   int

	entries   []*db.EventLogEntry
	sentCount int
	stepCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scenarios: map[string]*db.Scenario{},
		configs:   map[string]*scenario.Config{},
		states:    map[string]*db.NotificationState{},
	}
}

func (f *fakeStore) GetScenario(ctx context.Context, key string) (*db.Scenario, error) {
	s, ok := f.scenarios[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetPublishedConfig(ctx context.Context, key string) (*scenario.Config, error) {
	c, ok := f.configs[key]
	if !ok {
		return nil, db.ErrNoPublished
	}
	return c, nil
}

func (f *fakeStore) ListEnabledPublishedConfigs(ctx context.Context) ([]*scenario.Config, error) {
	var out []*scenario.Config
	for key, c := range f.configs {
		if s, ok := f.scenarios[key]; ok && s.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetNotificationState(ctx context.Context, scenarioKey string, userID uuid.UUID) (*db.NotificationState, error) {
	return f.states[scenarioKey+"/"+userID.String()], nil
}

func (f *fakeStore) UpsertNotificationState(ctx context.Context, scenarioKey string, userID uuid.UUID, stepID string, sentAt time.Time) error {
	key := scenarioKey + "/" + userID.String()
	st := f.states[key]
	if st == nil {
		st = &db.NotificationState{ScenarioKey: scenarioKey, UserID: userID}
		f.states[key] = st
	}
	st.LastSentAt = sentAt
	st.SendCount++
	st.LastStepID = stepID
	st.LastStepAt = sentAt
	f.upserts++
	return nil
}

func (f *fakeStore) ListAdvanceableStates(ctx context.Context, scenarioKey, finalStepID string, limit int) ([]*db.NotificationState, error) {
	var out []*db.NotificationState
	for _, st := range f.states {
		if st.ScenarioKey == scenarioKey && st.LastStepID != finalStepID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendEventLog(ctx context.Context, e *db.EventLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) CountSentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	return f.sentCount, nil
}

func (f *fakeStore) CountStepSent(ctx context.Context, scenarioKey string, userID uuid.UUID, stepID string) (int, error) {
	return f.stepCount, nil
}

func (f *fakeStore) lastEntry() *db.EventLogEntry {
	if len(f.entries) == 0 {
		return nil
	}
	return f.entries[len(f.entries)-1]
}

type fakeUsers struct {
	users map[uuid.UUID]*db.User
}

func (f *fakeUsers) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	return f.users[id], nil
}

type fakeOffers struct {
	created []scenario.OfferDef
	err     error
}

func (f *fakeOffers) Create(ctx context.Context, userID uuid.UUID, scenarioKey, stepID, offerKey string, def scenario.OfferDef) (*db.Offer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, def)
	return &db.Offer{ID: uuid.New(), UserID: userID, Type: def.Type, Value: def.Value}, nil
}

type fakeRenderer struct{ err error }

func (f *fakeRenderer) Render(tmpl scenario.Template, locale string, vars map[string]any) (string, []delivery.Button, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	text, ok := tmpl.Text[locale]
	if !ok {
		text = tmpl.Text["en"]
	}
	return text, nil, nil
}

type fakeSender struct {
	sent []*delivery.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg *delivery.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) SupportsChannel(channel string) bool { return true }

type runnerFixture struct {
	store  *fakeStore
	users  *fakeUsers
	offers *fakeOffers
	sender *fakeSender
	clock  *fixedClock
	runner *Runner
	userID uuid.UUID
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	store := newFakeStore()
	userID := uuid.New()
	users := &fakeUsers{users: map[uuid.UUID]*db.User{
		userID: {ID: userID, Balance: 20, Locale: "en", Timezone: "UTC", Channel: delivery.ChannelEmail, Recipient: "u@example.com"},
	}}
	offers := &fakeOffers{}
	sender := &fakeSender{}
	clock := &fixedClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	store.scenarios["deposit-bonus"] = &db.Scenario{Key: "deposit-bonus", Enabled: true}
	store.configs["deposit-bonus"] = &scenario.Config{
		Key:     "deposit-bonus",
		Trigger: scenario.Trigger{Type: scenario.TriggerEvent, EventNames: []string{"deposit.completed"}},
		Conditions: []scenario.Rule{
			{Field: "amount", Operator: scenario.OpGTE, Value: float64(50)},
		},
		Steps: []scenario.Step{
			{ID: "s1", DelayHours: 0, TemplateKey: "offer", OfferKey: "bonus10"},
			{ID: "s2", DelayHours: 24, TemplateKey: "reminder"},
		},
		Offers: map[string]scenario.OfferDef{
			"bonus10": {Type: scenario.OfferBonusPercent, Value: 10, TTLHours: 48},
		},
		Templates: map[string]scenario.Template{
			"offer":    {Text: map[string]string{"en": "Deposit bonus inside"}},
			"reminder": {Text: map[string]string{"en": "Bonus still waiting"}},
		},
		Throttle: &scenario.Throttle{PerUserPerScenarioHours: 24},
	}

	return &runnerFixture{
		store:  store,
		users:  users,
		offers: offers,
		sender: sender,
		clock:  clock,
		runner: NewRunner(store, store, store, users, offers, &fakeRenderer{}, sender, clock, zap.NewNop()),
		userID: userID,
	}
}

func TestRunner_SendsAndMintsOffer(t *testing.T) {
	fx := newRunnerFixture(t)

	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(50)})

	if res.Outcome != db.OutcomeSent {
		t.Fatalf("outcome = %s (%s), want sent", res.Outcome, res.Reason)
	}
	if res.StepID != "s1" {
		t.Errorf("step = %q, want s1", res.StepID)
	}
	if len(fx.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fx.sender.sent))
	}
	if len(fx.offers.created) != 1 || fx.offers.created[0].Value != 10 {
		t.Fatalf("offer not minted: %+v", fx.offers.created)
	}

	st := fx.store.states["deposit-bonus/"+fx.userID.String()]
	if st == nil || st.SendCount != 1 || st.LastStepID != "s1" {
		t.Errorf("state not persisted: %+v", st)
	}
	if entry := fx.store.lastEntry(); entry == nil || entry.Outcome != db.OutcomeSent {
		t.Errorf("missing sent log row: %+v", entry)
	}
}

func TestRunner_CooldownSkipsSecondDeposit(t *testing.T) {
	fx := newRunnerFixture(t)
	facts := map[string]any{"amount": float64(50)}

	if res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, facts); res.Outcome != db.OutcomeSent {
		t.Fatalf("first run = %s (%s), want sent", res.Outcome, res.Reason)
	}

	fx.clock.now = fx.clock.now.Add(time.Hour)
	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(60)})

	if res.Outcome != db.OutcomeSkipped || res.Reason != ReasonCooldown {
		t.Fatalf("second run = %s (%s), want skipped with cooldown reason", res.Outcome, res.Reason)
	}
	if len(fx.sender.sent) != 1 {
		t.Errorf("second deposit delivered a message despite cooldown")
	}
}

func TestRunner_ConditionsSkip(t *testing.T) {
	fx := newRunnerFixture(t)

	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(10)})

	if res.Outcome != db.OutcomeSkipped || res.Reason != "conditions" {
		t.Fatalf("got %s (%s), want skipped/conditions", res.Outcome, res.Reason)
	}
}

func TestRunner_DisabledScenarioSkips(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.store.scenarios["deposit-bonus"].Enabled = false

	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(50)})
	if res.Outcome != db.OutcomeSkipped || res.Reason != "disabled" {
		t.Fatalf("got %s (%s), want skipped/disabled", res.Outcome, res.Reason)
	}
}

func TestRunner_MissingRecipientSkipsNotErrors(t *testing.T) {
	fx := newRunnerFixture(t)

	res := fx.runner.Run(context.Background(), "deposit-bonus", uuid.New(), map[string]any{"amount": float64(50)})
	if res.Outcome != db.OutcomeSkipped || res.Reason != "no_recipient" {
		t.Fatalf("got %s (%s), want skipped/no_recipient", res.Outcome, res.Reason)
	}
}

func TestRunner_QuietHoursDeferWithoutAdvancingState(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.store.configs["deposit-bonus"].QuietHours = &scenario.QuietHours{
		Enabled: true, TimezoneDefault: "UTC", AllowedStart: 9, AllowedEnd: 11,
	}

	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(50)})
	if res.Outcome != db.OutcomeSkipped || res.Reason != "quiet_hours" {
		t.Fatalf("got %s (%s), want skipped/quiet_hours", res.Outcome, res.Reason)
	}
	if fx.store.upserts != 0 {
		t.Error("quiet hours must not mutate notification state")
	}
}

func TestRunner_MissingTemplateIsError(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.store.configs["deposit-bonus"].Steps[0].TemplateKey = "gone"

	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(50)})
	if res.Outcome != db.OutcomeError || res.Reason != "missing_template" {
		t.Fatalf("got %s (%s), want error/missing_template", res.Outcome, res.Reason)
	}
}

func TestRunner_DeliveryFailureDoesNotAdvance(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.sender.err = errors.New("channel down")

	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(50)})

	if res.Outcome != db.OutcomeError {
		t.Fatalf("got %s, want error", res.Outcome)
	}
	if fx.store.upserts != 0 {
		t.Error("failed delivery must not mutate notification state")
	}
	if len(fx.offers.created) != 0 {
		t.Error("failed delivery must not mint an offer")
	}

	// The step retries cleanly once the channel recovers.
	fx.sender.err = nil
	if res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(50)}); res.Outcome != db.OutcomeSent {
		t.Fatalf("retry after recovery = %s (%s), want sent", res.Outcome, res.Reason)
	}
}

func TestRunner_OfferFailureStillRecordsSend(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.offers.err = errors.New("offers table down")

	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(50)})
	if res.Outcome != db.OutcomeSent {
		t.Fatalf("got %s (%s), want sent", res.Outcome, res.Reason)
	}
	if fx.store.upserts != 1 {
		t.Error("send must be recorded even when offer minting fails")
	}
}

func TestRunner_VariantOfferUpgrade(t *testing.T) {
	fx := newRunnerFixture(t)
	cfg := fx.store.configs["deposit-bonus"]
	cfg.Experiment = &scenario.Experiment{
		Enabled:  true,
		Variants: []scenario.Variant{{ID: "b", SplitPercent: 100}},
	}
	cfg.Offers["bonus10:b"] = scenario.OfferDef{Type: scenario.OfferBonusPercent, Value: 15, TTLHours: 48}

	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, map[string]any{"amount": float64(50)})
	if res.Outcome != db.OutcomeSent {
		t.Fatalf("got %s (%s), want sent", res.Outcome, res.Reason)
	}
	if len(fx.offers.created) != 1 || fx.offers.created[0].Value != 15 {
		t.Fatalf("variant offer definition not used: %+v", fx.offers.created)
	}
}

func TestRunner_DripAdvancesOnlyWhenDue(t *testing.T) {
	fx := newRunnerFixture(t)
	fx.store.configs["deposit-bonus"].Throttle = nil
	facts := map[string]any{"amount": float64(50)}

	if res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, facts); res.StepID != "s1" {
		t.Fatalf("first step = %q, want s1", res.StepID)
	}

	fx.clock.now = fx.clock.now.Add(23 * time.Hour)
	if res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, facts); res.Reason != "step_not_due" {
		t.Fatalf("23h later: got %s (%s), want step_not_due", res.Outcome, res.Reason)
	}

	fx.clock.now = fx.clock.now.Add(2 * time.Hour)
	res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, facts)
	if res.Outcome != db.OutcomeSent || res.StepID != "s2" {
		t.Fatalf("25h later: got %s (%s, step %s), want sent s2", res.Outcome, res.Reason, res.StepID)
	}

	// Sequence is terminal after the final step.
	fx.clock.now = fx.clock.now.Add(100 * time.Hour)
	if res := fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, facts); res.Reason != "no_step" {
		t.Fatalf("after final step: got %s (%s), want no_step", res.Outcome, res.Reason)
	}
}

func TestRunner_EveryOutcomeLogsExactlyOneRow(t *testing.T) {
	fx := newRunnerFixture(t)
	facts := map[string]any{"amount": float64(50)}

	fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, facts)
	fx.clock.now = fx.clock.now.Add(time.Hour)
	fx.runner.Run(context.Background(), "deposit-bonus", fx.userID, facts)
	fx.runner.Run(context.Background(), "missing-key", fx.userID, facts)

	if len(fx.store.entries) != 3 {
		t.Fatalf("logged %d rows for 3 invocations, want 3", len(fx.store.entries))
	}
}
