package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/scenario"
)

// Sentinel errors surfaced to callers that need to branch on them.
var (
	ErrNotFound       = errors.New("not found")
	ErrNoPublished    = errors.New("no published version")
	ErrOfferNotActive = errors.New("offer is not active")
	ErrInsufficient   = errors.New("insufficient balance")
)

// Repository handles database operations for the automation engine.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateScenario inserts scenario metadata.
func (r *Repository) CreateScenario(ctx context.Context, s *Scenario) error {
	query := `
		INSERT INTO scenarios (key, category, enabled, tags)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, s.Key, s.Category, s.Enabled, s.Tags).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert scenario: %w", err)
	}

	r.logger.Info("scenario created",
		zap.String("scenario_key", s.Key),
		zap.String("category", s.Category),
	)
	return nil
}

// GetScenario retrieves scenario metadata by key.
func (r *Repository) GetScenario(ctx context.Context, key string) (*Scenario, error) {
	query := `
		SELECT key, category, enabled, tags, created_at, updated_at
		FROM scenarios
		WHERE key = $1
	`

	var s Scenario
	err := r.db.Pool().QueryRow(ctx, query, key).Scan(
		&s.Key, &s.Category, &s.Enabled, &s.Tags, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("scenario %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query scenario: %w", err)
	}
	return &s, nil
}

// ListScenarios returns all scenario metadata rows.
func (r *Repository) ListScenarios(ctx context.Context) ([]*Scenario, error) {
	query := `
		SELECT key, category, enabled, tags, created_at, updated_at
		FROM scenarios
		ORDER BY key
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []*Scenario
	for rows.Next() {
		var s Scenario
		if err := rows.Scan(&s.Key, &s.Category, &s.Enabled, &s.Tags, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scenario: %w", err)
		}
		scenarios = append(scenarios, &s)
	}
	return scenarios, rows.Err()
}

// UpdateScenario updates metadata (category, enabled flag, tags).
func (r *Repository) UpdateScenario(ctx context.Context, s *Scenario) error {
	query := `
		UPDATE scenarios
		SET category = $2, enabled = $3, tags = $4, updated_at = NOW()
		WHERE key = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, s.Key, s.Category, s.Enabled, s.Tags)
	if err != nil {
		return fmt.Errorf("update scenario: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scenario %s: %w", s.Key, ErrNotFound)
	}
	return nil
}

// DeleteScenario removes a scenario and all of its versions.
func (r *Repository) DeleteScenario(ctx context.Context, key string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM scenarios WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete scenario: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scenario %s: %w", key, ErrNotFound)
	}
	r.logger.Info("scenario deleted", zap.String("scenario_key", key))
	return nil
}

// CreateVersion stores a new draft configuration version for a scenario.
// The version number is assigned monotonically per key.
func (r *Repository) CreateVersion(ctx context.Context, v *ScenarioVersion) error {
	query := `
		INSERT INTO scenario_versions (id, scenario_key, version, status, config)
		VALUES (
			$1, $2,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM scenario_versions WHERE scenario_key = $2),
			$3, $4
		)
		RETURNING version, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, v.ID, v.ScenarioKey, VersionDraft, v.Config).
		Scan(&v.Version, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scenario version: %w", err)
	}
	v.Status = VersionDraft

	r.logger.Info("scenario version created",
		zap.String("scenario_key", v.ScenarioKey),
		zap.Int("version", v.Version),
	)
	return nil
}

// ListVersions returns all versions for a scenario key, newest first.
func (r *Repository) ListVersions(ctx context.Context, key string) ([]*ScenarioVersion, error) {
	query := `
		SELECT id, scenario_key, version, status, config, created_at
		FROM scenario_versions
		WHERE scenario_key = $1
		ORDER BY version DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []*ScenarioVersion
	for rows.Next() {
		var v ScenarioVersion
		if err := rows.Scan(&v.ID, &v.ScenarioKey, &v.Version, &v.Status, &v.Config, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// PublishVersion promotes one version to published, demoting any previously
// published version for the same key to draft. Both moves happen in a single
// transaction so a reader never observes zero or two published versions.
func (r *Repository) PublishVersion(ctx context.Context, key string, version int) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE scenario_versions SET status = $1
		WHERE scenario_key = $2 AND status = $3
	`, VersionDraft, key, VersionPublished)
	if err != nil {
		return fmt.Errorf("demote published version: %w", err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE scenario_versions SET status = $1
		WHERE scenario_key = $2 AND version = $3
	`, VersionPublished, key, version)
	if err != nil {
		return fmt.Errorf("promote version: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("version %d of %s: %w", version, key, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("scenario version published",
		zap.String("scenario_key", key),
		zap.Int("version", version),
	)
	return nil
}

// GetPublishedConfig returns the decoded published configuration for a key.
// Disabled scenarios still resolve; the runner decides what to do with them.
func (r *Repository) GetPublishedConfig(ctx context.Context, key string) (*scenario.Config, error) {
	query := `
		SELECT config
		FROM scenario_versions
		WHERE scenario_key = $1 AND status = $2
	`

	var raw []byte
	err := r.db.Pool().QueryRow(ctx, query, key, VersionPublished).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("scenario %s: %w", key, ErrNoPublished)
	}
	if err != nil {
		return nil, fmt.Errorf("query published config: %w", err)
	}

	var cfg scenario.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config for %s: %w", key, err)
	}
	return &cfg, nil
}

// ListEnabledPublishedConfigs returns the decoded published configs of all
// enabled scenarios. Configs that fail to decode are skipped with a warning
// rather than failing the whole dispatch pass.
func (r *Repository) ListEnabledPublishedConfigs(ctx context.Context) ([]*scenario.Config, error) {
	query := `
		SELECT v.config
		FROM scenario_versions v
		JOIN scenarios s ON s.key = v.scenario_key
		WHERE v.status = $1 AND s.enabled = true
		ORDER BY v.scenario_key
	`

	rows, err := r.db.Pool().Query(ctx, query, VersionPublished)
	if err != nil {
		return nil, fmt.Errorf("query published configs: %w", err)
	}
	defer rows.Close()

	var configs []*scenario.Config
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		var cfg scenario.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			r.logger.Warn("skipping undecodable published config", zap.Error(err))
			continue
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}
