package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
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

// ScenarioRepository defines the admin-surface database operations.
type ScenarioRepository interface {
	CreateScenario(ctx context.Context, s *db.Scenario) error
	GetScenario(ctx context.Context, key string) (*db.Scenario, error)
	ListScenarios(ctx context.Context) ([]*db.Scenario, error)
	UpdateScenario(ctx context.Context, s *db.Scenario) error
	DeleteScenario(ctx context.Context, key string) error
	CreateVersion(ctx context.Context, v *db.ScenarioVersion) error
	ListVersions(ctx context.Context, key string) ([]*db.ScenarioVersion, error)
	PublishVersion(ctx context.Context, key string, version int) error
	GetPublishedConfig(ctx context.Context, key string) (*scenario.Config, error)
	ListEventLog(ctx context.Context, scenarioKey string, from, to *time.Time, limit, offset int) ([]*db.EventLogEntry, error)
}

// Dispatcher fans inbound events out to matching scenarios.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt *engine.Event) ([]engine.Result, error)
}

// OfferService applies and claims offer instances.
type OfferService interface {
	Apply(ctx context.Context, offerID uuid.UUID, baseAmount float64) (*offer.ApplyResult, error)
	Claim(ctx context.Context, offerID uuid.UUID) error
}

// Renderer renders templates for the test-send operation.
type Renderer interface {
	Render(tmpl scenario.Template, locale string, vars map[string]any) (string, []delivery.Button, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	repo       ScenarioRepository
	dispatcher Dispatcher
	offers     OfferService
	renderer   Renderer
	sender     delivery.Sender
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, repo ScenarioRepository, dispatcher Dispatcher, offers OfferService, renderer Renderer, sender delivery.Sender) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		dispatcher: dispatcher,
		offers:     offers,
		renderer:   renderer,
		sender:     sender,
	}
}

// ScenarioRequest is the body for creating/updating scenario metadata.
type ScenarioRequest struct {
	Key      string   `json:"key"`
	Category string   `json:"category"`
	Enabled  bool     `json:"enabled"`
	Tags     []string `json:"tags"`
}

// CreateScenario handles POST /v1/scenarios
func (h *Handler) CreateScenario(w http.ResponseWriter, r *http.Request) {
	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Key == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "key is required")
		return
	}

	s := &db.Scenario{
		Key:      req.Key,
		Category: req.Category,
		Enabled:  req.Enabled,
		Tags:     req.Tags,
	}
	if err := h.repo.CreateScenario(r.Context(), s); err != nil {
		h.logger.Error("failed to create scenario", zap.Error(err), zap.String("scenario_key", req.Key))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create scenario", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, s)
}

// GetScenario handles GET /v1/scenarios/{key}
func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	s, err := h.repo.GetScenario(r.Context(), key)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Scenario not found", "")
			return
		}
		h.logger.Error("failed to get scenario", zap.Error(err), zap.String("scenario_key", key))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get scenario", "")
		return
	}

	h.writeJSON(w, http.StatusOK, s)
}

// ListScenarios handles GET /v1/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := h.repo.ListScenarios(r.Context())
	if err != nil {
		h.logger.Error("failed to list scenarios", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list scenarios", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"scenarios": scenarios,
		"count":     len(scenarios),
	})
}

// UpdateScenario handles PUT /v1/scenarios/{key}
func (h *Handler) UpdateScenario(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	s := &db.Scenario{
		Key:      key,
		Category: req.Category,
		Enabled:  req.Enabled,
		Tags:     req.Tags,
	}
	if err := h.repo.UpdateScenario(r.Context(), s); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Scenario not found", "")
			return
		}
		h.logger.Error("failed to update scenario", zap.Error(err), zap.String("scenario_key", key))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update scenario", "")
		return
	}

	h.writeJSON(w, http.StatusOK, s)
}

// DeleteScenario handles DELETE /v1/scenarios/{key}
func (h *Handler) DeleteScenario(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := h.repo.DeleteScenario(r.Context(), key); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Scenario not found", "")
			return
		}
		h.logger.Error("failed to delete scenario", zap.Error(err), zap.String("scenario_key", key))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete scenario", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateVersion handles POST /v1/scenarios/{key}/versions.
// The config is validated before it is stored; an invalid config never
// reaches the runner.
func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var cfg scenario.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	cfg.Key = key
	if err := cfg.Validate(); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "validation_error", "Invalid scenario config", err.Error())
		return
	}

	raw, err := json.Marshal(&cfg)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "encoding_error", "Failed to encode config", "")
		return
	}

	v := &db.ScenarioVersion{
		ID:          uuid.New(),
		ScenarioKey: key,
		Config:      raw,
	}
	if err := h.repo.CreateVersion(r.Context(), v); err != nil {
		h.logger.Error("failed to create version", zap.Error(err), zap.String("scenario_key", key))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create version", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, v)
}

// ListVersions handles GET /v1/scenarios/{key}/versions
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	versions, err := h.repo.ListVersions(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to list versions", zap.Error(err), zap.String("scenario_key", key))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list versions", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

// PublishVersion handles POST /v1/scenarios/{key}/versions/{version}/publish
func (h *Handler) PublishVersion(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid version", "version must be an integer")
		return
	}

	if err := h.repo.PublishVersion(r.Context(), key, version); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Version not found", "")
			return
		}
		h.logger.Error("failed to publish version",
			zap.Error(err),
			zap.String("scenario_key", key),
			zap.Int("version", version),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to publish version", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"scenario_key": key,
		"version":      version,
		"status":       db.VersionPublished,
	})
}

// GetPublishedConfig handles GET /v1/scenarios/{key}/config
func (h *Handler) GetPublishedConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	cfg, err := h.repo.GetPublishedConfig(r.Context(), key)
	if err != nil {
		if errors.Is(err, db.ErrNoPublished) {
			h.writeError(w, http.StatusNotFound, "not_found", "No published version", "")
			return
		}
		h.logger.Error("failed to get published config", zap.Error(err), zap.String("scenario_key", key))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get published config", "")
		return
	}

	h.writeJSON(w, http.StatusOK, cfg)
}

// TestSendRequest is the body for the test-send operation.
type TestSendRequest struct {
	Locale    string         `json:"locale"`
	Variables map[string]any `json:"variables"`
	Deliver   bool           `json:"deliver"`
	Channel   string         `json:"channel,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
}

// TestSend handles POST /v1/scenarios/{key}/test-send. It renders step 0's
// template with caller-supplied variables and optionally delivers it, without
// touching throttle or notification state.
func (h *Handler) TestSend(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req TestSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Locale == "" {
		req.Locale = "en"
	}

	cfg, err := h.repo.GetPublishedConfig(r.Context(), key)
	if err != nil {
		if errors.Is(err, db.ErrNoPublished) {
			h.writeError(w, http.StatusNotFound, "not_found", "No published version", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get published config", "")
		return
	}

	if len(cfg.Steps) == 0 {
		h.writeError(w, http.StatusUnprocessableEntity, "validation_error", "Scenario has no steps", "")
		return
	}

	step := cfg.Steps[0]
	tmpl, ok := cfg.Templates[step.TemplateKey]
	if !ok {
		h.writeError(w, http.StatusUnprocessableEntity, "validation_error", "Step template missing", "")
		return
	}

	text, buttons, err := h.renderer.Render(tmpl, req.Locale, req.Variables)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "render_error", "Template rendering failed", err.Error())
		return
	}

	delivered := false
	if req.Deliver && req.Recipient != "" {
		msg := &delivery.Message{
			Channel:   req.Channel,
			Recipient: req.Recipient,
			Text:      text,
			Buttons:   buttons,
		}
		if err := h.sender.Send(r.Context(), msg); err != nil {
			h.writeError(w, http.StatusBadGateway, "delivery_error", "Test delivery failed", err.Error())
			return
		}
		delivered = true
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"step_id":   step.ID,
		"text":      text,
		"buttons":   buttons,
		"delivered": delivered,
	})
}

// EventRequest is the body for event ingestion.
type EventRequest struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	UserID    string         `json:"user_id"`
	Timestamp *time.Time     `json:"timestamp"`
	Amount    float64        `json:"amount"`
	Payload   map[string]any `json:"payload"`
}

// IngestEvent handles POST /v1/events: the inbound boundary for deposit,
// login and similar lifecycle events produced by external systems.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Event == "" || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "event and user_id are required")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	at := time.Now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	evt := &engine.Event{
		ID:      req.ID,
		Name:    req.Event,
		UserID:  userID,
		At:      at,
		Amount:  req.Amount,
		Payload: req.Payload,
	}
	results, err := h.dispatcher.Dispatch(r.Context(), evt)
	if err != nil {
		h.logger.Error("event dispatch failed", zap.Error(err), zap.String("event", req.Event))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch event", "")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"matched": len(results),
		"results": results,
	})
}

// ListEventLog handles GET /v1/events/log?scenario_key=&from=&to=&limit=&offset=
func (h *Handler) ListEventLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from, to *time.Time
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be RFC3339")
			return
		}
		from = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be RFC3339")
			return
		}
		to = &t
	}

	limit := 50
	offset := 0
	if s := q.Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}
	if s := q.Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}

	entries, err := h.repo.ListEventLog(r.Context(), q.Get("scenario_key"), from, to, limit, offset)
	if err != nil {
		h.logger.Error("failed to list event log", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list event log", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// ApplyOfferRequest is the body for applying an offer.
type ApplyOfferRequest struct {
	BaseAmount float64 `json:"base_amount"`
}

// ApplyOffer handles POST /v1/offers/{id}/apply
func (h *Handler) ApplyOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offer ID", "ID must be a valid UUID")
		return
	}

	var req ApplyOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	result, err := h.offers.Apply(r.Context(), offerID, req.BaseAmount)
	if err != nil {
		h.logger.Error("offer apply failed", zap.Error(err), zap.String("offer_id", offerID.String()))
		h.writeError(w, http.StatusInternalServerError, "apply_error", "Failed to apply offer", "")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ClaimOffer handles POST /v1/offers/{id}/claim
func (h *Handler) ClaimOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offer ID", "ID must be a valid UUID")
		return
	}

	if err := h.offers.Claim(r.Context(), offerID); err != nil {
		if errors.Is(err, db.ErrOfferNotActive) {
			h.writeError(w, http.StatusConflict, "offer_not_active", "Offer is not active", "")
			return
		}
		h.logger.Error("offer claim failed", zap.Error(err), zap.String("offer_id", offerID.String()))
		h.writeError(w, http.StatusInternalServerError, "claim_error", "Failed to claim offer", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     offerID.String(),
		"status": db.OfferClaimed,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
