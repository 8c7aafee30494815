package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/delivery"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

// ConfigStore resolves scenario metadata and published configurations.
// Implemented by *db.Repository.
type ConfigStore interface {
	GetScenario(ctx context.Context, key string) (*db.Scenario, error)
	GetPublishedConfig(ctx context.Context, key string) (*scenario.Config, error)
	ListEnabledPublishedConfigs(ctx context.Context) ([]*scenario.Config, error)
}

// StateStore persists per-(scenario, user) send history.
type StateStore interface {
	GetNotificationState(ctx context.Context, scenarioKey string, userID uuid.UUID) (*db.NotificationState, error)
	UpsertNotificationState(ctx context.Context, scenarioKey string, userID uuid.UUID, stepID string, sentAt time.Time) error
	ListAdvanceableStates(ctx context.Context, scenarioKey, finalStepID string, limit int) ([]*db.NotificationState, error)
}

// EventLog is the append-only dispatch outcome log.
type EventLog interface {
	AppendEventLog(ctx context.Context, e *db.EventLogEntry) error
	CountSentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	CountStepSent(ctx context.Context, scenarioKey string, userID uuid.UUID, stepID string) (int, error)
}

// UserDirectory resolves delivery identities. A nil user is an expected
// condition (unreachable recipient), not a fault.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
}

// SegmentResolver computes cohort membership for schedule scenarios.
type SegmentResolver interface {
	SegmentMembers(ctx context.Context, segment string) ([]*db.SegmentMember, error)
}

// OfferMinter creates offer instances for steps that carry an offer key.
// Implemented by *offer.Manager.
type OfferMinter interface {
	Create(ctx context.Context, userID uuid.UUID, scenarioKey, stepID, offerKey string, def scenario.OfferDef) (*db.Offer, error)
}

// Renderer turns a template plus variables into deliverable content.
type Renderer interface {
	Render(tmpl scenario.Template, locale string, vars map[string]any) (string, []delivery.Button, error)
}
