package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Scenario is the admin-managed metadata for one automation key.
type Scenario struct {
	Key       string    `json:"key"`
	Category  string    `json:"category"`
	Enabled   bool      `json:"enabled"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScenarioVersion is one configuration revision. At most one version per
// scenario key carries VersionPublished.
type ScenarioVersion struct {
	ID          uuid.UUID       `json:"id"`
	ScenarioKey string          `json:"scenario_key"`
	Version     int             `json:"version"`
	Status      string          `json:"status"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Version status constants
const (
	VersionDraft     = "draft"
	VersionPublished = "published"
)

// NotificationState tracks the send history of one (scenario, user) pair.
// Created on the first successful send, mutated on every later one.
type NotificationState struct {
	ScenarioKey string    `json:"scenario_key"`
	UserID      uuid.UUID `json:"user_id"`
	LastSentAt  time.Time `json:"last_sent_at"`
	SendCount   int       `json:"send_count"`
	LastStepID  string    `json:"last_step_id"`
	LastStepAt  time.Time `json:"last_step_at"`
}

// Dispatch outcome constants for the automation event log.
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// EventLogEntry is one append-only row of the automation event log. Rows are
// never mutated after insert; the log doubles as the data source for the
// global promotional throttle.
type EventLogEntry struct {
	ID          uuid.UUID `json:"id"`
	ScenarioKey string    `json:"scenario_key"`
	UserID      uuid.UUID `json:"user_id"`
	Outcome     string    `json:"outcome"`
	StepID      string    `json:"step_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Offer status constants
const (
	OfferActive  = "active"
	OfferApplied = "applied"
	OfferExpired = "expired"
	OfferClaimed = "claimed"
)

// Offer is a concrete time-boxed grant minted by a step for one user.
// An offer transitions active -> applied at most once, and only before
// expires_at.
type Offer struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	ScenarioKey string     `json:"scenario_key"`
	StepID      string     `json:"step_id"`
	OfferKey    string     `json:"offer_key"`
	Type        string     `json:"type"`
	Value       float64    `json:"value"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Status      string     `json:"status"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Service is a billable VDS or domain owned by a user. PayDayAt is set only
// while the service is in its grace window.
type Service struct {
	ID                uuid.UUID  `json:"id"`
	UserID            uuid.UUID  `json:"user_id"`
	Kind              string     `json:"kind"`
	ProviderRef       string     `json:"provider_ref"`
	ExpireAt          time.Time  `json:"expire_at"`
	PayDayAt          *time.Time `json:"pay_day_at,omitempty"`
	RenewalPrice      float64    `json:"renewal_price"`
	RenewalPeriodDays int        `json:"renewal_period_days"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Service kind constants
const (
	ServiceVDS    = "vds"
	ServiceDomain = "domain"
)

// User is the delivery identity and balance holder for one end user.
type User struct {
	ID        uuid.UUID `json:"id"`
	Balance   float64   `json:"balance"`
	Locale    string    `json:"locale"`
	Timezone  string    `json:"timezone"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	CreatedAt time.Time `json:"created_at"`
}
