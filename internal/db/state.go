package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GetNotificationState fetches the send history for one (scenario, user)
// pair. Returns (nil, nil) when no send has happened yet.
func (r *Repository) GetNotificationState(ctx context.Context, scenarioKey string, userID uuid.UUID) (*NotificationState, error) {
	query := `
		SELECT scenario_key, user_id, last_sent_at, send_count, last_step_id, last_step_at
		FROM notification_state
		WHERE scenario_key = $1 AND user_id = $2
	`

	var st NotificationState
	err := r.db.Pool().QueryRow(ctx, query, scenarioKey, userID).Scan(
		&st.ScenarioKey, &st.UserID, &st.LastSentAt, &st.SendCount, &st.LastStepID, &st.LastStepAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query notification state: %w", err)
	}
	return &st, nil
}

// UpsertNotificationState records a successful send: creates the row on the
// first send, otherwise bumps the counter and the step position.
func (r *Repository) UpsertNotificationState(ctx context.Context, scenarioKey string, userID uuid.UUID, stepID string, sentAt time.Time) error {
	query := `
		INSERT INTO notification_state (scenario_key, user_id, last_sent_at, send_count, last_step_id, last_step_at)
		VALUES ($1, $2, $3, 1, $4, $3)
		ON CONFLICT (scenario_key, user_id) DO UPDATE SET
			last_sent_at = EXCLUDED.last_sent_at,
			send_count = notification_state.send_count + 1,
			last_step_id = EXCLUDED.last_step_id,
			last_step_at = EXCLUDED.last_step_at
	`

	if _, err := r.db.Pool().Exec(ctx, query, scenarioKey, userID, sentAt, stepID); err != nil {
		return fmt.Errorf("upsert notification state: %w", err)
	}
	return nil
}

// ListAdvanceableStates returns state rows for a scenario whose users have
// not yet received the final step. Feeds the due-step sweeper.
func (r *Repository) ListAdvanceableStates(ctx context.Context, scenarioKey, finalStepID string, limit int) ([]*NotificationState, error) {
	query := `
		SELECT scenario_key, user_id, last_sent_at, send_count, last_step_id, last_step_at
		FROM notification_state
		WHERE scenario_key = $1 AND last_step_id <> $2
		ORDER BY last_step_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, scenarioKey, finalStepID, limit)
	if err != nil {
		return nil, fmt.Errorf("query advanceable states: %w", err)
	}
	defer rows.Close()

	var states []*NotificationState
	for rows.Next() {
		var st NotificationState
		if err := rows.Scan(&st.ScenarioKey, &st.UserID, &st.LastSentAt, &st.SendCount, &st.LastStepID, &st.LastStepAt); err != nil {
			return nil, fmt.Errorf("scan notification state: %w", err)
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

// AppendEventLog inserts one immutable dispatch-outcome row.
func (r *Repository) AppendEventLog(ctx context.Context, e *EventLogEntry) error {
	query := `
		INSERT INTO automation_event_log (id, scenario_key, user_id, outcome, step_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		e.ID, e.ScenarioKey, e.UserID, e.Outcome, e.StepID, e.Reason,
	).Scan(&e.CreatedAt)
	if err != nil {
		r.logger.Error("failed to append event log",
			zap.Error(err),
			zap.String("scenario_key", e.ScenarioKey),
			zap.String("outcome", e.Outcome),
		)
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// CountSentSince counts sent rows for a user across all scenarios within the
// trailing window. This backs the global promotional cap.
func (r *Repository) CountSentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM automation_event_log
		WHERE user_id = $1 AND outcome = $2 AND created_at >= $3
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, userID, OutcomeSent, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sent events: %w", err)
	}
	return count, nil
}

// CountStepSent counts how many times one step of one scenario has been sent
// to a user. Backs the per-step cap.
func (r *Repository) CountStepSent(ctx context.Context, scenarioKey string, userID uuid.UUID, stepID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM automation_event_log
		WHERE scenario_key = $1 AND user_id = $2 AND step_id = $3 AND outcome = $4
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, scenarioKey, userID, stepID, OutcomeSent).Scan(&count); err != nil {
		return 0, fmt.Errorf("count step sends: %w", err)
	}
	return count, nil
}

// ListEventLog returns log rows filtered by scenario key and/or time range,
// newest first, with pagination.
func (r *Repository) ListEventLog(ctx context.Context, scenarioKey string, from, to *time.Time, limit, offset int) ([]*EventLogEntry, error) {
	query := `
		SELECT id, scenario_key, user_id, outcome, step_id, reason, created_at
		FROM automation_event_log
		WHERE ($1 = '' OR scenario_key = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	rows, err := r.db.Pool().Query(ctx, query, scenarioKey, from, to, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var entries []*EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(&e.ID, &e.ScenarioKey, &e.UserID, &e.Outcome, &e.StepID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
