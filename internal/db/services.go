package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GetUser retrieves a user's delivery identity and balance.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, balance, locale, timezone, channel, recipient, created_at
		FROM users
		WHERE id = $1
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Balance, &u.Locale, &u.Timezone, &u.Channel, &u.Recipient, &u.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// DueServices returns services whose nominal expiry has passed, oldest
// first. Both freshly expired and in-grace services match.
func (r *Repository) DueServices(ctx context.Context, now time.Time, limit int) ([]*Service, error) {
	query := `
		SELECT id, user_id, kind, provider_ref, expire_at, pay_day_at,
		       renewal_price, renewal_period_days, created_at
		FROM services
		WHERE expire_at <= $1
		ORDER BY expire_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due services: %w", err)
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		var s Service
		err := rows.Scan(
			&s.ID, &s.UserID, &s.Kind, &s.ProviderRef, &s.ExpireAt, &s.PayDayAt,
			&s.RenewalPrice, &s.RenewalPeriodDays, &s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, &s)
	}
	return services, rows.Err()
}

// RenewService debits the owner's balance and extends the service in one
// transaction. The conditional debit doubles as the balance check: zero rows
// means insufficient funds and nothing is mutated.
func (r *Repository) RenewService(ctx context.Context, svc *Service) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE users SET balance = balance - $1
		WHERE id = $2 AND balance >= $1
	`, svc.RenewalPrice, svc.UserID)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("renew %s: %w", svc.ID, ErrInsufficient)
	}

	err = tx.QueryRow(ctx, `
		UPDATE services
		SET expire_at = expire_at + make_interval(days => renewal_period_days),
		    pay_day_at = NULL
		WHERE id = $1
		RETURNING expire_at
	`, svc.ID).Scan(&svc.ExpireAt)
	if err != nil {
		return fmt.Errorf("extend service: %w", err)
	}
	svc.PayDayAt = nil

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("service renewed",
		zap.String("service_id", svc.ID.String()),
		zap.String("user_id", svc.UserID.String()),
		zap.Float64("price", svc.RenewalPrice),
		zap.Time("new_expire_at", svc.ExpireAt),
	)
	return nil
}

// StartGrace stamps the grace deadline on a service that has none yet. The
// IS NULL guard makes a repeated sweep a no-op.
func (r *Repository) StartGrace(ctx context.Context, serviceID uuid.UUID, payDayAt time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE services SET pay_day_at = $2
		WHERE id = $1 AND pay_day_at IS NULL
	`, serviceID, payDayAt)
	if err != nil {
		return false, fmt.Errorf("start grace: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DeleteService removes the service record.
func (r *Repository) DeleteService(ctx context.Context, serviceID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM services WHERE id = $1`, serviceID)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
	}
	return nil
}

// SegmentMember is one audience member resolved for a schedule-triggered
// scenario, with the per-member facts the runner evaluates conditions over.
type SegmentMember struct {
	UserID uuid.UUID
	Facts  map[string]any
}

// SegmentMembers resolves a named cohort against the user and service
// tables. Unknown segment names are an error so a typo in a config surfaces
// loudly instead of silently selecting nobody.
func (r *Repository) SegmentMembers(ctx context.Context, segment string) ([]*SegmentMember, error) {
	var query string
	switch segment {
	case "all_users":
		query = `
			SELECT u.id, u.balance,
			       EXISTS (SELECT 1 FROM services s WHERE s.user_id = u.id AND s.expire_at > NOW())
			FROM users u
		`
	case "low_balance":
		query = `
			SELECT u.id, u.balance,
			       EXISTS (SELECT 1 FROM services s WHERE s.user_id = u.id AND s.expire_at > NOW())
			FROM users u
			WHERE u.balance < 5
		`
	case "active_services":
		query = `
			SELECT u.id, u.balance, true
			FROM users u
			WHERE EXISTS (SELECT 1 FROM services s WHERE s.user_id = u.id AND s.expire_at > NOW())
		`
	default:
		return nil, fmt.Errorf("unknown segment: %q", segment)
	}

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query segment %s: %w", segment, err)
	}
	defer rows.Close()

	var members []*SegmentMember
	for rows.Next() {
		var id uuid.UUID
		var balance float64
		var hasActive bool
		if err := rows.Scan(&id, &balance, &hasActive); err != nil {
			return nil, fmt.Errorf("scan segment member: %w", err)
		}
		members = append(members, &SegmentMember{
			UserID: id,
			Facts: map[string]any{
				"balance":            balance,
				"has_active_service": hasActive,
			},
		})
	}
	return members, rows.Err()
}
