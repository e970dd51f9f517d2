package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Narrow store interfaces consumed by the services. The pgx repositories are
// the production implementations; tests supply in-memory fakes.

// RequestStore persists approval requests and their version-guarded mutations.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest, assignments []*repository.RequestApprover) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ListPendingDueWithin(ctx context.Context, within time.Duration) ([]*repository.ApprovalRequest, error)
	ListPendingOverdueSince(ctx context.Context, grace time.Duration) ([]*repository.ApprovalRequest, error)
	ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error)
	UpdateStatusVersioned(ctx context.Context, id, fromStatus, toStatus string, version int64) error
	CommitEscalation(ctx context.Context, id string, version int64, strategyName string, requiredApprovals int, deadline time.Time, metadata repository.RequestMetadata) error
	UpdateMetadata(ctx context.Context, id string, metadata repository.RequestMetadata) error
}

// ApproverStore persists approvers, assignments and recorded votes.
type ApproverStore interface {
	GetByID(ctx context.Context, id string) (*repository.Approver, error)
	GetSuperior(ctx context.Context, approverID string) (*repository.Approver, error)
	ListUnassigned(ctx context.Context, requestID string, limit int) ([]*repository.Approver, error)
	GetApproversForRequest(ctx context.Context, requestID string) ([]*repository.Approver, error)
	GetAssignments(ctx context.Context, requestID string) ([]*repository.RequestApprover, error)
	AssignApprovers(ctx context.Context, requestID string, approverIDs []string) error
	RecordDecision(ctx context.Context, requestID, approverID, decision string, justification *string) error
}

// ConfigStore persists the per-action-kind approval policies.
type ConfigStore interface {
	Create(ctx context.Context, cfg *repository.ApprovalConfiguration) error
	GetActiveByActionKind(ctx context.Context, actionKind string) (*repository.ApprovalConfiguration, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalConfiguration, error)
	Update(ctx context.Context, cfg *repository.ApprovalConfiguration) error
}

// RuleStore persists and matches escalation rules.
type RuleStore interface {
	Save(ctx context.Context, rule *repository.EscalationRule) error
	GetByID(ctx context.Context, id string) (*repository.EscalationRule, error)
	List(ctx context.Context, actionKind *string, activeOnly bool) ([]*repository.EscalationRule, error)
	Delete(ctx context.Context, id string) error
	FindMatching(ctx context.Context, actionKind string, valueAtRisk *int64, waitedHours float64) (*repository.EscalationRule, error)
}

// HistoryStore is the append-only ledger and the source of derived state.
type HistoryStore interface {
	Append(ctx context.Context, entry *repository.HistoryEntry) error
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error)
	CountEscalations(ctx context.Context, requestID string) (int, error)
	LastEscalationAt(ctx context.Context, requestID string) (*time.Time, error)
	MetricsForPeriod(ctx context.Context, from, to time.Time) (*repository.EscalationMetrics, error)
}

// Notifier is the outbound notification port. Implementations are best-effort
// and must never block or fail the calling operation.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType, requestID, actorID string, recipients []string, urgent bool, payload map[string]interface{})
}

// Notification event types.
const (
	EventApprovalRequired = "approval_required"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestCancelled = "request_cancelled"
	EventRequestEscalated = "request_escalated"
	EventRequestExpired   = "request_expired"
	EventRequestExecuted  = "request_executed"
	EventDeadlineWarning  = "deadline_warning"
	EventMaxEscalation    = "max_escalation"
)

// SystemActor marks engine-initiated mutations in history and events.
const SystemActor = "system"
