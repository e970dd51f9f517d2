package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ConfigRepository handles CRUD for approval_configurations. A partial unique
// index guarantees at most one active configuration per action kind.
type ConfigRepository struct {
	db *database.DB
}

// NewConfigRepository creates a new ConfigRepository.
func NewConfigRepository(db *database.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

const configColumns = `
	id, action_kind, strategy, min_approvers, default_deadline_hours,
	escalation_enabled, is_active, created_at, updated_at`

// Create inserts a configuration.
func (r *ConfigRepository) Create(ctx context.Context, cfg *ApprovalConfiguration) error {
	query := `
		INSERT INTO approval_configurations
		    (id, action_kind, strategy, min_approvers, default_deadline_hours,
		     escalation_enabled, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		cfg.ID,
		cfg.ActionKind,
		cfg.Strategy,
		cfg.MinApprovers,
		cfg.DefaultDeadlineHours,
		cfg.EscalationEnabled,
		cfg.IsActive,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
}

// GetActiveByActionKind returns the active configuration gating an action
// kind, or a not-found error when none exists.
func (r *ConfigRepository) GetActiveByActionKind(ctx context.Context, actionKind string) (*ApprovalConfiguration, error) {
	query := `
		SELECT` + configColumns + `
		FROM approval_configurations
		WHERE action_kind = $1
		  AND is_active = TRUE
	`

	cfg, err := r.scanConfig(r.db.QueryRow(ctx, query, actionKind))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_configuration", actionKind)
	}
	return cfg, err
}

// List returns all configurations.
func (r *ConfigRepository) List(ctx context.Context, activeOnly bool) ([]*ApprovalConfiguration, error) {
	query := `SELECT` + configColumns + ` FROM approval_configurations`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY action_kind ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval configurations")
	}
	defer rows.Close()

	var configs []*ApprovalConfiguration
	for rows.Next() {
		cfg, err := r.scanConfig(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval configuration")
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Update persists changes to an existing configuration.
func (r *ConfigRepository) Update(ctx context.Context, cfg *ApprovalConfiguration) error {
	query := `
		UPDATE approval_configurations
		SET strategy               = $2,
		    min_approvers          = $3,
		    default_deadline_hours = $4,
		    escalation_enabled     = $5,
		    is_active              = $6,
		    updated_at             = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		cfg.ID,
		cfg.Strategy,
		cfg.MinApprovers,
		cfg.DefaultDeadlineHours,
		cfg.EscalationEnabled,
		cfg.IsActive,
	).Scan(&cfg.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_configuration", cfg.ID)
	}
	return err
}

// ── scan helper ──────────────────────────────────────────────────────────────

type configScanner interface {
	Scan(dest ...any) error
}

func (r *ConfigRepository) scanConfig(row configScanner) (*ApprovalConfiguration, error) {
	cfg := &ApprovalConfiguration{}
	err := row.Scan(
		&cfg.ID,
		&cfg.ActionKind,
		&cfg.Strategy,
		&cfg.MinApprovers,
		&cfg.DefaultDeadlineHours,
		&cfg.EscalationEnabled,
		&cfg.IsActive,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
