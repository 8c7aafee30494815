// Package offer manages time-boxed offer instances: minting them for drip
// steps and applying them to monetary transactions at most once.
package offer

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/metrics"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

// Store is the persistence surface the manager needs. Implemented by
// *db.Repository.
type Store interface {
	CreateOffer(ctx context.Context, o *db.Offer) error
	GetOffer(ctx context.Context, id uuid.UUID) (*db.Offer, error)
	GetActiveOffer(ctx context.Context, userID uuid.UUID, scenarioKey, offerKey string) (*db.Offer, error)
	ApplyOffer(ctx context.Context, id uuid.UUID, bonusAmount float64) error
	ClaimOffer(ctx context.Context, id uuid.UUID) error
}

// Clock abstracts time for deterministic expiry tests.
type Clock interface {
	Now() time.Time
}

// ApplyResult reports the outcome of one apply attempt.
type ApplyResult struct {
	Applied     bool    `json:"applied"`
	BonusAmount float64 `json:"bonus_amount"`
}

// Manager is the offer lifecycle manager.
type Manager struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

// NewManager creates an offer manager.
func NewManager(store Store, clock Clock, logger *zap.Logger) *Manager {
	return &Manager{store: store, clock: clock, logger: logger}
}

// Create mints an active offer instance from a definition. Called once per
// successful step send that names an offer key.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, scenarioKey, stepID, offerKey string, def scenario.OfferDef) (*db.Offer, error) {
	o := &db.Offer{
		ID:          uuid.New(),
		UserID:      userID,
		ScenarioKey: scenarioKey,
		StepID:      stepID,
		OfferKey:    offerKey,
		Type:        def.Type,
		Value:       def.Value,
		ExpiresAt:   m.clock.Now().Add(time.Duration(def.TTLHours) * time.Hour),
	}
	if err := m.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}
	metrics.RecordOfferCreated(scenarioKey)
	return o, nil
}

// GetActive returns the most-recently-expiring active offer for the user,
// optionally narrowed by scenario and offer key. (nil, nil) when none.
func (m *Manager) GetActive(ctx context.Context, userID uuid.UUID, scenarioKey, offerKey string) (*db.Offer, error) {
	return m.store.GetActiveOffer(ctx, userID, scenarioKey, offerKey)
}

// Apply credits a percent-typed offer against a base amount and consumes the
// instance. Fails closed: a missing, non-active or expired instance yields
// Applied=false with no balance mutation. The store's conditional update is
// the double-credit guard, so two concurrent applies credit at most once.
func (m *Manager) Apply(ctx context.Context, offerID uuid.UUID, baseAmount float64) (*ApplyResult, error) {
	o, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		if isNotActive(err) {
			return &ApplyResult{}, nil
		}
		return nil, err
	}
	if o.Status != db.OfferActive || !m.clock.Now().Before(o.ExpiresAt) {
		return &ApplyResult{}, nil
	}

	bonus := bonusFor(o, baseAmount)
	if err := m.store.ApplyOffer(ctx, offerID, bonus); err != nil {
		if isNotActive(err) {
			// Lost the race to a concurrent apply.
			return &ApplyResult{}, nil
		}
		return nil, err
	}

	metrics.RecordOfferApplied()
	m.logger.Info("offer applied",
		zap.String("offer_id", offerID.String()),
		zap.String("type", o.Type),
		zap.Float64("base_amount", baseAmount),
		zap.Float64("bonus_amount", bonus),
	)
	return &ApplyResult{Applied: true, BonusAmount: bonus}, nil
}

// Claim records the user pressing an offer's claim button.
func (m *Manager) Claim(ctx context.Context, offerID uuid.UUID) error {
	return m.store.ClaimOffer(ctx, offerID)
}

// bonusFor computes the credited amount. Only percent-typed offers carry a
// monetary bonus; extra-days and free-trial grants are consumed by the
// provisioning side and credit nothing here.
func bonusFor(o *db.Offer, baseAmount float64) float64 {
	switch o.Type {
	case scenario.OfferBonusPercent, scenario.OfferDiscountPercent:
		return math.Round(baseAmount*o.Value) / 100
	default:
		return 0
	}
}

func isNotActive(err error) bool {
	return errors.Is(err, db.ErrOfferNotActive) || errors.Is(err, db.ErrNotFound)
}
