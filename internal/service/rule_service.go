package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/strategy"
)

// RuleService validates and persists escalation rules and answers metrics
// queries over the history ledger.
type RuleService struct {
	rules   RuleStore
	history HistoryStore
	log     *logger.Logger
}

// NewRuleService creates a new RuleService.
func NewRuleService(rules RuleStore, history HistoryStore, log *logger.Logger) *RuleService {
	return &RuleService{rules: rules, history: history, log: log}
}

// ConfigureRule validates and upserts a rule.
func (s *RuleService) ConfigureRule(ctx context.Context, rule *repository.EscalationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	if err := s.rules.Save(ctx, rule); err != nil {
		return err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("name", rule.Name).
		Int("priority", rule.Priority).
		Bool("active", rule.IsActive).
		Msg("Escalation rule configured")
	return nil
}

func validateRule(rule *repository.EscalationRule) error {
	if rule.ID == "" {
		return errors.InvalidInput("id", "rule id is required")
	}
	if rule.Name == "" {
		return errors.InvalidInput("name", "rule name is required")
	}
	if rule.Escalation.Strategy == "" {
		return errors.InvalidInput("escalation.strategy", "strategy is required")
	}
	if !strategy.Known(rule.Escalation.Strategy) {
		return errors.InvalidInput("escalation.strategy", "unknown strategy: "+rule.Escalation.Strategy)
	}
	if rule.Escalation.WaitHours < 0 {
		return errors.InvalidInput("escalation.wait_hours", "wait hours must not be negative")
	}
	if rule.Conditions.WaitHours != nil && *rule.Conditions.WaitHours < 0 {
		return errors.InvalidInput("conditions.wait_hours", "wait hours must not be negative")
	}
	if rule.Escalation.MaxLevel < 1 {
		return errors.InvalidInput("escalation.max_level", "max level must be at least 1")
	}
	if rule.Conditions.MinValue != nil && rule.Conditions.MaxValue != nil &&
		*rule.Conditions.MinValue > *rule.Conditions.MaxValue {
		return errors.InvalidInput("conditions", "min value exceeds max value")
	}
	return nil
}

// ListRules returns rules, optionally filtered by action kind and active flag.
func (s *RuleService) ListRules(ctx context.Context, actionKind *string, active *bool) ([]*repository.EscalationRule, error) {
	activeOnly := active != nil && *active
	rules, err := s.rules.List(ctx, actionKind, activeOnly)
	if err != nil {
		return nil, err
	}

	if active != nil && !*active {
		inactive := rules[:0]
		for _, r := range rules {
			if !r.IsActive {
				inactive = append(inactive, r)
			}
		}
		rules = inactive
	}
	return rules, nil
}

// DeleteRule removes a rule by id.
func (s *RuleService) DeleteRule(ctx context.Context, id string) error {
	return s.rules.Delete(ctx, id)
}

// Metrics aggregates escalation activity over the trailing period.
func (s *RuleService) Metrics(ctx context.Context, period time.Duration) (*repository.EscalationMetrics, error) {
	if period <= 0 {
		return nil, errors.InvalidInput("period", "period must be positive")
	}
	now := time.Now()
	return s.history.MetricsForPeriod(ctx, now.Add(-period), now)
}
