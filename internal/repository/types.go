package repository

import (
	"encoding/json"
	"time"
)

// ── Domain types for the approval/escalation engine ──────────────────────────

// Request statuses. A request holds exactly one status; approved, executed,
// rejected, cancelled and expired are terminal except approved → executed.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusExecuted  = "executed"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Vote decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// History ledger actions.
const (
	HistoryCreated   = "CREATED"
	HistoryApproved  = "APPROVED"
	HistoryRejected  = "REJECTED"
	HistoryEscalated = "ESCALATED"
	HistoryCancelled = "CANCELLED"
	HistoryExpired   = "EXPIRED"
	HistoryExecuted  = "EXECUTED"
)

// Approver kinds.
const (
	ApproverKindIndividual = "individual"
	ApproverKindRole       = "role"
	ApproverKindOrgUnit    = "org_unit"
	ApproverKindHierarchy  = "hierarchy"
)

// CriticalAction is immutable reference data identifying an action kind that
// is gated behind approvals.
type CriticalAction struct {
	ID         string
	ActionType string
	Name       string
	RiskTier   string // low | medium | high | critical
	CreatedAt  time.Time
}

// ApprovalConfiguration is the per-action-kind approval policy. Exactly one
// active configuration exists per action kind.
type ApprovalConfiguration struct {
	ID                   string    `json:"id"`
	ActionKind           string    `json:"action_kind"`
	Strategy             string    `json:"strategy"`
	MinApprovers         int       `json:"min_approvers"`
	DefaultDeadlineHours int       `json:"default_deadline_hours"`
	EscalationEnabled    bool      `json:"escalation_enabled"`
	IsActive             bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at,omitempty"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

// Approver is a participant eligible to decide approval requests.
type Approver struct {
	ID            string
	Kind          string // individual | role | org_unit | hierarchy
	DisplayName   string
	Weight        int     // used by the weighted strategy; 1 when unset
	SequenceOrder *int    // used by the hierarchical strategy
	SuperiorID    *string // next hierarchy position, if any
	Department    *string
	RoleName      *string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ApprovalRequest is one workflow instance gating a critical action.
// The current escalation level is never stored here; it is derived from the
// history ledger (count of ESCALATED entries).
type ApprovalRequest struct {
	ID                string
	ActionKind        string
	ConfigID          *string
	RequestedBy       string
	Status            string
	Strategy          string // current aggregation strategy; replaced on escalation
	RequiredApprovals int
	Deadline          time.Time
	ValueAtRisk       *int64 // cents; nil = no monetary value
	Metadata          RequestMetadata
	Version           int64 // optimistic concurrency token
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RequestApprover is one approver assignment on a request, including the
// recorded vote once the approver has acted.
type RequestApprover struct {
	RequestID     string
	ApproverID    string
	SequenceOrder *int
	Decision      *string // approved | rejected; nil = not yet decided
	Justification *string
	DecidedAt     *time.Time
	AssignedAt    time.Time
}

// HistoryEntry is one immutable record in the approval history ledger.
// The table has a delete-prevention trigger so Append is the only mutation.
type HistoryEntry struct {
	ID            string
	RequestID     string
	ApproverID    *string // nil for system actions
	Action        string  // CREATED | APPROVED | REJECTED | ESCALATED | CANCELLED | EXPIRED | EXECUTED
	Justification *string
	Metadata      map[string]interface{}
	PerformedAt   time.Time
}

// EscalationMetrics aggregates escalation activity over a period.
type EscalationMetrics struct {
	TotalEscalations           int            `json:"total_escalations"`
	ByActionKind               map[string]int `json:"by_action_kind"`
	ByLevel                    map[int]int    `json:"by_level"`
	AverageEscalationWaitHours float64        `json:"average_escalation_wait_hours"`
}

// ── Escalation rules ─────────────────────────────────────────────────────────

// RuleConditions gates whether a rule applies to a stalled request. Unset
// fields do not constrain the match.
type RuleConditions struct {
	ActionKinds []string `json:"action_kinds,omitempty"`
	MinValue    *int64   `json:"min_value,omitempty"` // cents
	MaxValue    *int64   `json:"max_value,omitempty"` // cents
	WaitHours   *float64 `json:"wait_hours,omitempty"`
	Departments []string `json:"departments,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// RuleNotifications configures deadline-warning lead times and channels.
type RuleNotifications struct {
	LeadHours []float64 `json:"lead_hours,omitempty"`
	Channels  []string  `json:"channels,omitempty"`
}

// RuleEscalation holds the escalation parameters applied when a rule matches.
type RuleEscalation struct {
	Strategy      string            `json:"strategy"`
	ApproverIDs   []string          `json:"approver_ids,omitempty"` // explicit list overrides selection policy
	WaitHours     float64           `json:"wait_hours"`
	MaxLevel      int               `json:"max_level"`
	Notifications RuleNotifications `json:"notifications"`
}

// EscalationRule is a prioritized, conditional escalation policy.
type EscalationRule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Priority   int            `json:"priority"` // higher = evaluated first
	IsActive   bool           `json:"active"`
	Conditions RuleConditions `json:"conditions"`
	Escalation RuleEscalation `json:"escalation"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
}

// ── Request metadata ─────────────────────────────────────────────────────────

// RequestMetadata carries the metadata fields the engine reads and writes,
// plus an extension map preserving unrecognized keys across round-trips.
type RequestMetadata struct {
	WaitTimeHours        float64
	NotificationAttempts int
	ValueAtRisk          *int64
	ActionKind           string
	Extra                map[string]interface{}
}

const (
	metaKeyWaitTime             = "wait_time_hours"
	metaKeyNotificationAttempts = "notification_attempts"
	metaKeyValueAtRisk          = "value_at_risk"
	metaKeyActionKind           = "action_kind"
)

// MarshalJSON flattens the known fields and the extension map into one object.
func (m RequestMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.WaitTimeHours != 0 {
		out[metaKeyWaitTime] = m.WaitTimeHours
	}
	if m.NotificationAttempts != 0 {
		out[metaKeyNotificationAttempts] = m.NotificationAttempts
	}
	if m.ValueAtRisk != nil {
		out[metaKeyValueAtRisk] = *m.ValueAtRisk
	}
	if m.ActionKind != "" {
		out[metaKeyActionKind] = m.ActionKind
	}
	return json.Marshal(out)
}

// UnmarshalJSON extracts the known fields and keeps everything else in Extra.
func (m *RequestMetadata) UnmarshalJSON(data []byte) error {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw[metaKeyWaitTime].(float64); ok {
		m.WaitTimeHours = v
	}
	if v, ok := raw[metaKeyNotificationAttempts].(float64); ok {
		m.NotificationAttempts = int(v)
	}
	if v, ok := raw[metaKeyValueAtRisk].(float64); ok {
		cents := int64(v)
		m.ValueAtRisk = &cents
	}
	if v, ok := raw[metaKeyActionKind].(string); ok {
		m.ActionKind = v
	}

	delete(raw, metaKeyWaitTime)
	delete(raw, metaKeyNotificationAttempts)
	delete(raw, metaKeyValueAtRisk)
	delete(raw, metaKeyActionKind)
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// IsTerminal reports whether a status admits no further mutation other than
// approved → executed.
func IsTerminal(status string) bool {
	switch status {
	case StatusRejected, StatusCancelled, StatusExpired, StatusExecuted:
		return true
	}
	return false
}
