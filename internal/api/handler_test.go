package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/delivery"
	"github.com/lifecyclehq/pulse/internal/engine"
	"github.com/lifecyclehq/pulse/internal/offer"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

type fakeRepo struct {
	scenarios map[string]*db.Scenario
	versions  []*db.ScenarioVersion
	published map[string]*scenario.Config
	entries   []*db.EventLogEntry

	publishedKey     string
	publishedVersion int
	err              error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		scenarios: make(map[string]*db.Scenario),
		published: make(map[string]*scenario.Config),
	}
}

func (f *fakeRepo) CreateScenario(ctx context.Context, s *db.Scenario) error {
	if f.err != nil {
		return f.err
	}
	f.scenarios[s.Key] = s
	return nil
}

func (f *fakeRepo) GetScenario(ctx context.Context, key string) (*db.Scenario, error) {
	s, ok := f.scenarios[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	return s, nil
}

func (f *fakeRepo) ListScenarios(ctx context.Context) ([]*db.Scenario, error) {
	out := make([]*db.Scenario, 0, len(f.scenarios))
	for _, s := range f.scenarios {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeRepo) UpdateScenario(ctx context.Context, s *db.Scenario) error {
	if _, ok := f.scenarios[s.Key]; !ok {
		return db.ErrNotFound
	}
	f.scenarios[s.Key] = s
	return nil
}

func (f *fakeRepo) DeleteScenario(ctx context.Context, key string) error {
	if _, ok := f.scenarios[key]; !ok {
		return db.ErrNotFound
	}
	delete(f.scenarios, key)
	return nil
}

func (f *fakeRepo) CreateVersion(ctx context.Context, v *db.ScenarioVersion) error {
	v.Version = len(f.versions) + 1
	v.Status = db.VersionDraft
	f.versions = append(f.versions, v)
	return nil
}

func (f *fakeRepo) ListVersions(ctx context.Context, key string) ([]*db.ScenarioVersion, error) {
	return f.versions, nil
}

func (f *fakeRepo) PublishVersion(ctx context.Context, key string, version int) error {
	if version > len(f.versions) {
		return db.ErrNotFound
	}
	f.publishedKey = key
	f.publishedVersion = version
	return nil
}

func (f *fakeRepo) GetPublishedConfig(ctx context.Context, key string) (*scenario.Config, error) {
	cfg, ok := f.published[key]
	if !ok {
		return nil, db.ErrNoPublished
	}
	return cfg, nil
}

func (f *fakeRepo) ListEventLog(ctx context.Context, scenarioKey string, from, to *time.Time, limit, offset int) ([]*db.EventLogEntry, error) {
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

type fakeDispatcher struct {
	lastEvent *engine.Event
	results   []engine.Result
	err       error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, evt *engine.Event) ([]engine.Result, error) {
	f.lastEvent = evt
	return f.results, f.err
}

type fakeOfferService struct {
	applied  []uuid.UUID
	claimed  []uuid.UUID
	result   *offer.ApplyResult
	applyErr error
	claimErr error
}

func (f *fakeOfferService) Apply(ctx context.Context, offerID uuid.UUID, baseAmount float64) (*offer.ApplyResult, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied = append(f.applied, offerID)
	return f.result, nil
}

func (f *fakeOfferService) Claim(ctx context.Context, offerID uuid.UUID) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimed = append(f.claimed, offerID)
	return nil
}

type fakeAPIRenderer struct {
	text string
	err  error
}

func (f *fakeAPIRenderer) Render(tmpl scenario.Template, locale string, vars map[string]any) (string, []delivery.Button, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	return f.text, nil, nil
}

type fakeAPISender struct {
	sent []*delivery.Message
	err  error
}

func (f *fakeAPISender) Send(ctx context.Context, msg *delivery.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAPISender) SupportsChannel(channel string) bool { return true }

type apiFixture struct {
	repo       *fakeRepo
	dispatcher *fakeDispatcher
	offers     *fakeOfferService
	renderer   *fakeAPIRenderer
	sender     *fakeAPISender
	handler    *Handler
	router     chi.Router
}

func newAPIFixture() *apiFixture {
	f := &apiFixture{
		repo:       newFakeRepo(),
		dispatcher: &fakeDispatcher{},
		offers:     &fakeOfferService{result: &offer.ApplyResult{Applied: true, BonusAmount: 10}},
		renderer:   &fakeAPIRenderer{text: "hello"},
		sender:     &fakeAPISender{},
	}
	f.handler = NewHandler(zap.NewNop(), f.repo, f.dispatcher, f.offers, f.renderer, f.sender)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/scenarios", f.handler.CreateScenario)
		r.Get("/scenarios", f.handler.ListScenarios)
		r.Get("/scenarios/{key}", f.handler.GetScenario)
		r.Put("/scenarios/{key}", f.handler.UpdateScenario)
		r.Delete("/scenarios/{key}", f.handler.DeleteScenario)
		r.Post("/scenarios/{key}/versions", f.handler.CreateVersion)
		r.Get("/scenarios/{key}/versions", f.handler.ListVersions)
		r.Post("/scenarios/{key}/versions/{version}/publish", f.handler.PublishVersion)
		r.Get("/scenarios/{key}/config", f.handler.GetPublishedConfig)
		r.Post("/scenarios/{key}/test-send", f.handler.TestSend)
		r.Post("/events", f.handler.IngestEvent)
		r.Get("/events/log", f.handler.ListEventLog)
		r.Post("/offers/{id}/apply", f.handler.ApplyOffer)
		r.Post("/offers/{id}/claim", f.handler.ClaimOffer)
	})
	f.router = r
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func testConfig() *scenario.Config {
	return &scenario.Config{
		Key: "deposit-bonus",
		Trigger: scenario.Trigger{
			Type:       scenario.TriggerEvent,
			EventNames: []string{"deposit"},
		},
		Steps: []scenario.Step{
			{ID: "s1", TemplateKey: "welcome"},
		},
		Templates: map[string]scenario.Template{
			"welcome": {Text: map[string]string{"en": "Hi {{.name}}"}},
		},
	}
}

func TestCreateScenario(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/v1/scenarios", ScenarioRequest{
		Key:      "deposit-bonus",
		Category: "promo",
		Enabled:  true,
		Tags:     []string{"deposit"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if _, ok := f.repo.scenarios["deposit-bonus"]; !ok {
		t.Error("scenario not stored")
	}
}

func TestCreateScenario_MissingKey(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/v1/scenarios", ScenarioRequest{Category: "promo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}

	var problem ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if problem.Type != "invalid_request" {
		t.Errorf("type = %q, want invalid_request", problem.Type)
	}
}

func TestGetScenario_NotFound(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/v1/scenarios/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteScenario(t *testing.T) {
	f := newAPIFixture()
	f.repo.scenarios["old"] = &db.Scenario{Key: "old"}

	rec := f.do(t, http.MethodDelete, "/v1/scenarios/old", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, ok := f.repo.scenarios["old"]; ok {
		t.Error("scenario still present after delete")
	}
}

func TestCreateVersion_ValidConfig(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/v1/scenarios/deposit-bonus/versions", testConfig())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if len(f.repo.versions) != 1 {
		t.Fatalf("versions stored = %d, want 1", len(f.repo.versions))
	}
	if f.repo.versions[0].ScenarioKey != "deposit-bonus" {
		t.Errorf("scenario key = %q", f.repo.versions[0].ScenarioKey)
	}
}

func TestCreateVersion_InvalidConfigRejected(t *testing.T) {
	f := newAPIFixture()

	cfg := testConfig()
	cfg.Steps[0].TemplateKey = "nonexistent"

	rec := f.do(t, http.MethodPost, "/v1/scenarios/deposit-bonus/versions", cfg)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	if len(f.repo.versions) != 0 {
		t.Error("invalid config must not be stored")
	}
}

func TestPublishVersion(t *testing.T) {
	f := newAPIFixture()
	f.repo.versions = append(f.repo.versions, &db.ScenarioVersion{Version: 1})

	rec := f.do(t, http.MethodPost, "/v1/scenarios/deposit-bonus/versions/1/publish", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if f.repo.publishedKey != "deposit-bonus" || f.repo.publishedVersion != 1 {
		t.Errorf("published %q v%d", f.repo.publishedKey, f.repo.publishedVersion)
	}
}

func TestPublishVersion_BadVersionParam(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/v1/scenarios/deposit-bonus/versions/abc/publish", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPublishVersion_NotFound(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/v1/scenarios/deposit-bonus/versions/9/publish", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetPublishedConfig(t *testing.T) {
	f := newAPIFixture()
	f.repo.published["deposit-bonus"] = testConfig()

	rec := f.do(t, http.MethodGet, "/v1/scenarios/deposit-bonus/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var cfg scenario.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Key != "deposit-bonus" {
		t.Errorf("key = %q", cfg.Key)
	}
}

func TestGetPublishedConfig_NoPublished(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/v1/scenarios/deposit-bonus/config", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTestSend_RendersWithoutDelivery(t *testing.T) {
	f := newAPIFixture()
	f.repo.published["deposit-bonus"] = testConfig()

	rec := f.do(t, http.MethodPost, "/v1/scenarios/deposit-bonus/test-send", TestSendRequest{
		Variables: map[string]any{"name": "Alice"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(f.sender.sent) != 0 {
		t.Error("nothing should be delivered without deliver=true")
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["text"] != "hello" {
		t.Errorf("text = %v", resp["text"])
	}
	if resp["delivered"] != false {
		t.Errorf("delivered = %v, want false", resp["delivered"])
	}
}

func TestTestSend_DeliversWhenRequested(t *testing.T) {
	f := newAPIFixture()
	f.repo.published["deposit-bonus"] = testConfig()

	rec := f.do(t, http.MethodPost, "/v1/scenarios/deposit-bonus/test-send", TestSendRequest{
		Deliver:   true,
		Channel:   "email",
		Recipient: "qa@example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(f.sender.sent))
	}
	if f.sender.sent[0].Recipient != "qa@example.com" {
		t.Errorf("recipient = %q", f.sender.sent[0].Recipient)
	}
}

func TestIngestEvent(t *testing.T) {
	f := newAPIFixture()
	f.dispatcher.results = []engine.Result{{Outcome: db.OutcomeSent, StepID: "s1"}}

	userID := uuid.New()
	rec := f.do(t, http.MethodPost, "/v1/events", EventRequest{
		ID:      "evt-1",
		Event:   "deposit",
		UserID:  userID.String(),
		Amount:  150,
		Payload: map[string]any{"top_up_id": "t-9"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if f.dispatcher.lastEvent == nil {
		t.Fatal("event not dispatched")
	}
	if f.dispatcher.lastEvent.UserID != userID {
		t.Errorf("user id = %s", f.dispatcher.lastEvent.UserID)
	}
	if f.dispatcher.lastEvent.Amount != 150 {
		t.Errorf("amount = %v", f.dispatcher.lastEvent.Amount)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["matched"] != float64(1) {
		t.Errorf("matched = %v, want 1", resp["matched"])
	}
}

func TestIngestEvent_InvalidUserID(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/v1/events", EventRequest{
		Event:  "deposit",
		UserID: "not-a-uuid",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if f.dispatcher.lastEvent != nil {
		t.Error("invalid event must not be dispatched")
	}
}

func TestIngestEvent_MissingFields(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/v1/events", EventRequest{Event: "deposit"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListEventLog_LimitApplied(t *testing.T) {
	f := newAPIFixture()
	for i := 0; i < 5; i++ {
		f.repo.entries = append(f.repo.entries, &db.EventLogEntry{
			ID:          uuid.New(),
			ScenarioKey: "deposit-bonus",
			Outcome:     db.OutcomeSent,
		})
	}

	rec := f.do(t, http.MethodGet, "/v1/events/log?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestListEventLog_BadTimeFilter(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/v1/events/log?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestApplyOffer(t *testing.T) {
	f := newAPIFixture()

	id := uuid.New()
	rec := f.do(t, http.MethodPost, "/v1/offers/"+id.String()+"/apply", ApplyOfferRequest{BaseAmount: 100})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(f.offers.applied) != 1 || f.offers.applied[0] != id {
		t.Errorf("applied = %v", f.offers.applied)
	}

	var result offer.ApplyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Applied || result.BonusAmount != 10 {
		t.Errorf("result = %+v", result)
	}
}

func TestApplyOffer_InvalidID(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/v1/offers/nope/apply", ApplyOfferRequest{BaseAmount: 100})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestClaimOffer(t *testing.T) {
	f := newAPIFixture()

	id := uuid.New()
	rec := f.do(t, http.MethodPost, "/v1/offers/"+id.String()+"/claim", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(f.offers.claimed) != 1 {
		t.Errorf("claimed = %v", f.offers.claimed)
	}
}

func TestClaimOffer_NotActive(t *testing.T) {
	f := newAPIFixture()
	f.offers.claimErr = db.ErrOfferNotActive

	rec := f.do(t, http.MethodPost, "/v1/offers/"+uuid.New().String()+"/claim", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestDispatchError(t *testing.T) {
	f := newAPIFixture()
	f.dispatcher.err = errors.New("boom")

	rec := f.do(t, http.MethodPost, "/v1/events", EventRequest{
		Event:  "deposit",
		UserID: uuid.New().String(),
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
