package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/strategy"
)

// ConfigService manages the per-action-kind approval policies that gate
// request creation.
type ConfigService struct {
	configs ConfigStore
	log     *logger.Logger
}

// NewConfigService creates a new ConfigService.
func NewConfigService(configs ConfigStore, log *logger.Logger) *ConfigService {
	return &ConfigService{configs: configs, log: log}
}

// CreateConfiguration validates and inserts a configuration. At most one
// active configuration may exist per action kind; the store enforces this.
func (s *ConfigService) CreateConfiguration(ctx context.Context, cfg *repository.ApprovalConfiguration) error {
	if err := validateConfiguration(cfg); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	if cfg.IsActive {
		if _, err := s.configs.GetActiveByActionKind(ctx, cfg.ActionKind); err == nil {
			return errors.Conflict("an active configuration already exists for action kind " + cfg.ActionKind)
		} else if !errors.Is(err, errors.ErrCodeNotFound) {
			return err
		}
	}

	if err := s.configs.Create(ctx, cfg); err != nil {
		return err
	}

	s.log.Info().
		Str("config_id", cfg.ID).
		Str("action_kind", cfg.ActionKind).
		Str("strategy", cfg.Strategy).
		Msg("Approval configuration created")
	return nil
}

// UpdateConfiguration validates and persists changes to a configuration.
func (s *ConfigService) UpdateConfiguration(ctx context.Context, cfg *repository.ApprovalConfiguration) error {
	if cfg.ID == "" {
		return errors.InvalidInput("id", "configuration id is required")
	}
	if err := validateConfiguration(cfg); err != nil {
		return err
	}

	if err := s.configs.Update(ctx, cfg); err != nil {
		return err
	}

	s.log.Info().
		Str("config_id", cfg.ID).
		Str("action_kind", cfg.ActionKind).
		Bool("active", cfg.IsActive).
		Msg("Approval configuration updated")
	return nil
}

// ListConfigurations returns configurations, optionally only active ones.
func (s *ConfigService) ListConfigurations(ctx context.Context, activeOnly bool) ([]*repository.ApprovalConfiguration, error) {
	return s.configs.List(ctx, activeOnly)
}

// GetActiveConfiguration resolves the policy gating an action kind.
func (s *ConfigService) GetActiveConfiguration(ctx context.Context, actionKind string) (*repository.ApprovalConfiguration, error) {
	return s.configs.GetActiveByActionKind(ctx, actionKind)
}

func validateConfiguration(cfg *repository.ApprovalConfiguration) error {
	if cfg.ActionKind == "" {
		return errors.InvalidInput("action_kind", "action kind is required")
	}
	if cfg.Strategy == "" {
		return errors.InvalidInput("strategy", "strategy is required")
	}
	if !strategy.Known(cfg.Strategy) {
		return errors.InvalidInput("strategy", "unknown strategy: "+cfg.Strategy)
	}
	if cfg.MinApprovers < 1 {
		return errors.InvalidInput("min_approvers", "at least one approver is required")
	}
	if cfg.DefaultDeadlineHours < 1 {
		return errors.InvalidInput("default_deadline_hours", "deadline must be at least one hour")
	}
	return nil
}
