package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// RuleRepository handles CRUD and matching for escalation_rules. Conditions
// and escalation parameters live in JSONB columns.
type RuleRepository struct {
	db *database.DB
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(db *database.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Save upserts a rule by id.
func (r *RuleRepository) Save(ctx context.Context, rule *EscalationRule) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule conditions")
	}
	escalationJSON, err := json.Marshal(rule.Escalation)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule escalation")
	}

	query := `
		INSERT INTO escalation_rules
		    (id, name, priority, is_active, conditions, escalation)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name       = EXCLUDED.name,
		    priority   = EXCLUDED.priority,
		    is_active  = EXCLUDED.is_active,
		    conditions = EXCLUDED.conditions,
		    escalation = EXCLUDED.escalation,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.Priority,
		rule.IsActive,
		conditionsJSON,
		escalationJSON,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
}

// GetByID retrieves a rule by primary key.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*EscalationRule, error) {
	query := `
		SELECT id, name, priority, is_active, conditions, escalation, created_at, updated_at
		FROM escalation_rules
		WHERE id = $1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("escalation_rule", id)
	}
	return rule, err
}

// List returns rules ordered by priority descending (highest priority first),
// optionally filtered to active rules and/or to rules constrained to an
// action kind.
func (r *RuleRepository) List(ctx context.Context, actionKind *string, activeOnly bool) ([]*EscalationRule, error) {
	query := `
		SELECT id, name, priority, is_active, conditions, escalation, created_at, updated_at
		FROM escalation_rules
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY priority DESC, name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list escalation rules")
	}
	defer rows.Close()

	var rules []*EscalationRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan escalation rule")
		}
		if actionKind != nil && len(rule.Conditions.ActionKinds) > 0 && !contains(rule.Conditions.ActionKinds, *actionKind) {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Delete removes a rule.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM escalation_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete escalation rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("escalation_rule", id)
	}
	return nil
}

// FindMatching evaluates active rules in priority order and returns the first
// whose every condition holds for the request attributes. Returns nil (no
// error) when no rule matches.
func (r *RuleRepository) FindMatching(ctx context.Context, actionKind string, valueAtRisk *int64, waitedHours float64) (*EscalationRule, error) {
	rules, err := r.List(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	return FirstMatch(rules, actionKind, valueAtRisk, waitedHours), nil
}

// FirstMatch walks a priority-ordered rule slice and returns the first rule
// whose conditions all hold, or nil when none match.
func FirstMatch(rules []*EscalationRule, actionKind string, valueAtRisk *int64, waitedHours float64) *EscalationRule {
	for _, rule := range rules {
		if RuleMatches(rule, actionKind, valueAtRisk, waitedHours) {
			return rule
		}
	}
	return nil
}

// RuleMatches reports whether every condition on the rule holds for the given
// request attributes. Unset conditions do not constrain the match; value
// bounds apply only when the request carries a value.
func RuleMatches(rule *EscalationRule, actionKind string, valueAtRisk *int64, waitedHours float64) bool {
	c := rule.Conditions

	if len(c.ActionKinds) > 0 && !contains(c.ActionKinds, actionKind) {
		return false
	}

	if valueAtRisk != nil {
		if c.MinValue != nil && *valueAtRisk < *c.MinValue {
			return false
		}
		if c.MaxValue != nil && *valueAtRisk > *c.MaxValue {
			return false
		}
	}

	if c.WaitHours != nil && waitedHours < *c.WaitHours {
		return false
	}

	return true
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// ── scan helper ──────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *RuleRepository) scanRule(row ruleScanner) (*EscalationRule, error) {
	rule := &EscalationRule{}
	var conditionsJSON, escalationJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Priority,
		&rule.IsActive,
		&conditionsJSON,
		&escalationJSON,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule conditions")
	}
	if err := json.Unmarshal(escalationJSON, &rule.Escalation); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule escalation")
	}
	return rule, nil
}
