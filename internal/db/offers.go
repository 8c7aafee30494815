package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateOffer inserts a new active offer instance.
func (r *Repository) CreateOffer(ctx context.Context, o *Offer) error {
	query := `
		INSERT INTO offers (id, user_id, scenario_key, step_id, offer_key, type, value, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		o.ID, o.UserID, o.ScenarioKey, o.StepID, o.OfferKey, o.Type, o.Value, o.ExpiresAt, OfferActive,
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	o.Status = OfferActive

	r.logger.Info("offer created",
		zap.String("offer_id", o.ID.String()),
		zap.String("scenario_key", o.ScenarioKey),
		zap.String("offer_key", o.OfferKey),
		zap.Time("expires_at", o.ExpiresAt),
	)
	return nil
}

// GetOffer retrieves an offer by ID.
func (r *Repository) GetOffer(ctx context.Context, id uuid.UUID) (*Offer, error) {
	query := `
		SELECT id, user_id, scenario_key, step_id, offer_key, type, value,
		       expires_at, status, applied_at, claimed_at, created_at
		FROM offers
		WHERE id = $1
	`

	var o Offer
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&o.ID, &o.UserID, &o.ScenarioKey, &o.StepID, &o.OfferKey, &o.Type, &o.Value,
		&o.ExpiresAt, &o.Status, &o.AppliedAt, &o.ClaimedAt, &o.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query offer: %w", err)
	}
	return &o, nil
}

// GetActiveOffer returns the most-recently-expiring unexpired active offer
// for a user, optionally narrowed to a scenario and/or offer key.
// Returns (nil, nil) when nothing matches.
func (r *Repository) GetActiveOffer(ctx context.Context, userID uuid.UUID, scenarioKey, offerKey string) (*Offer, error) {
	query := `
		SELECT id, user_id, scenario_key, step_id, offer_key, type, value,
		       expires_at, status, applied_at, claimed_at, created_at
		FROM offers
		WHERE user_id = $1
		  AND status = $2
		  AND expires_at > NOW()
		  AND ($3 = '' OR scenario_key = $3)
		  AND ($4 = '' OR offer_key = $4)
		ORDER BY expires_at DESC
		LIMIT 1
	`

	var o Offer
	err := r.db.Pool().QueryRow(ctx, query, userID, OfferActive, scenarioKey, offerKey).Scan(
		&o.ID, &o.UserID, &o.ScenarioKey, &o.StepID, &o.OfferKey, &o.Type, &o.Value,
		&o.ExpiresAt, &o.Status, &o.AppliedAt, &o.ClaimedAt, &o.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active offer: %w", err)
	}
	return &o, nil
}

// ApplyOffer flips an active, unexpired offer to applied and credits the
// bonus to the user's balance in one transaction. The conditional UPDATE is
// the double-credit guard: a concurrent second apply matches zero rows and
// returns ErrOfferNotActive without touching the balance.
func (r *Repository) ApplyOffer(ctx context.Context, id uuid.UUID, bonusAmount float64) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE offers
		SET status = $1, applied_at = NOW()
		WHERE id = $2 AND status = $3 AND expires_at > NOW()
		RETURNING user_id
	`, OfferApplied, id, OfferActive).Scan(&userID)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("offer %s: %w", id, ErrOfferNotActive)
	}
	if err != nil {
		return fmt.Errorf("mark offer applied: %w", err)
	}

	if bonusAmount > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE users SET balance = balance + $1 WHERE id = $2
		`, bonusAmount, userID)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("offer applied",
		zap.String("offer_id", id.String()),
		zap.String("user_id", userID.String()),
		zap.Float64("bonus_amount", bonusAmount),
	)
	return nil
}

// ClaimOffer records the user pressing the claim button. Only active offers
// can be claimed; claiming does not consume the offer.
func (r *Repository) ClaimOffer(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE offers
		SET status = $1, claimed_at = NOW()
		WHERE id = $2 AND status = $3 AND expires_at > NOW()
	`, OfferClaimed, id, OfferActive)
	if err != nil {
		return fmt.Errorf("claim offer: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("offer %s: %w", id, ErrOfferNotActive)
	}
	return nil
}

// ExpireOffers marks overdue active offers as expired. Housekeeping; the
// apply path already refuses expired instances on its own.
func (r *Repository) ExpireOffers(ctx context.Context) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE offers SET status = $1
		WHERE status = $2 AND expires_at <= NOW()
	`, OfferExpired, OfferActive)
	if err != nil {
		return 0, fmt.Errorf("expire offers: %w", err)
	}
	return int(result.RowsAffected()), nil
}
