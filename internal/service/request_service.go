package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/strategy"
)

// RequestService owns the approval-request state machine: create, record a
// vote, escalate, cancel, execute. All mutations from a non-terminal status
// go through version-checked store operations.
type RequestService struct {
	requests  RequestStore
	approvers ApproverStore
	configs   ConfigStore
	history   HistoryStore
	notifier  Notifier
	log       *logger.Logger
}

// NewRequestService creates a new RequestService.
func NewRequestService(
	requests RequestStore,
	approvers ApproverStore,
	configs ConfigStore,
	history HistoryStore,
	notifier Notifier,
	log *logger.Logger,
) *RequestService {
	return &RequestService{
		requests:  requests,
		approvers: approvers,
		configs:   configs,
		history:   history,
		notifier:  notifier,
		log:       log,
	}
}

// CreateRequestInput carries everything needed to open an approval request.
type CreateRequestInput struct {
	ActionKind    string
	RequestedBy   string
	ApproverIDs   []string
	ValueAtRisk   *int64 // cents
	DeadlineHours *int   // overrides the configured default when set
	Metadata      map[string]interface{}
}

// CreateRequest opens a PENDING request against the active configuration for
// the action kind.
func (s *RequestService) CreateRequest(ctx context.Context, input *CreateRequestInput) (*repository.ApprovalRequest, error) {
	if input.ActionKind == "" {
		return nil, errors.InvalidInput("action_kind", "action kind is required")
	}
	if input.RequestedBy == "" {
		return nil, errors.InvalidInput("requested_by", "requester is required")
	}

	cfg, err := s.configs.GetActiveByActionKind(ctx, input.ActionKind)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, errors.InvalidInput("action_kind",
				fmt.Sprintf("no active approval configuration for action kind %q", input.ActionKind))
		}
		return nil, err
	}

	if len(input.ApproverIDs) < cfg.MinApprovers {
		return nil, errors.InvalidInput("approver_ids",
			fmt.Sprintf("configuration requires at least %d approvers", cfg.MinApprovers))
	}
	for _, id := range input.ApproverIDs {
		if _, err := s.approvers.GetByID(ctx, id); err != nil {
			return nil, err
		}
	}

	deadlineHours := cfg.DefaultDeadlineHours
	if input.DeadlineHours != nil {
		deadlineHours = *input.DeadlineHours
	}
	if deadlineHours <= 0 {
		return nil, errors.InvalidInput("deadline_hours", "deadline must be positive")
	}

	req := &repository.ApprovalRequest{
		ID:                uuid.NewString(),
		ActionKind:        input.ActionKind,
		ConfigID:          &cfg.ID,
		RequestedBy:       input.RequestedBy,
		Status:            repository.StatusPending,
		Strategy:          cfg.Strategy,
		RequiredApprovals: cfg.MinApprovers,
		Deadline:          time.Now().Add(time.Duration(deadlineHours) * time.Hour),
		ValueAtRisk:       input.ValueAtRisk,
		Metadata: repository.RequestMetadata{
			ActionKind:  input.ActionKind,
			ValueAtRisk: input.ValueAtRisk,
			Extra:       input.Metadata,
		},
	}

	assignments := make([]*repository.RequestApprover, 0, len(input.ApproverIDs))
	for i, approverID := range input.ApproverIDs {
		seq := i + 1
		assignments = append(assignments, &repository.RequestApprover{
			ApproverID:    approverID,
			SequenceOrder: &seq,
		})
	}

	if err := s.requests.Create(ctx, req, assignments); err != nil {
		return nil, err
	}

	s.appendHistory(ctx, &repository.HistoryEntry{
		RequestID: req.ID,
		Action:    repository.HistoryCreated,
		Metadata: map[string]interface{}{
			"action_kind": req.ActionKind,
			"strategy":    req.Strategy,
			"actor_id":    input.RequestedBy,
		},
	})

	s.notifier.PublishApprovalEvent(ctx, EventApprovalRequired, req.ID, input.RequestedBy,
		input.ApproverIDs, false, map[string]interface{}{
			"action_kind": req.ActionKind,
			"deadline":    req.Deadline,
		})

	s.log.Info().
		Str("request_id", req.ID).
		Str("action_kind", req.ActionKind).
		Str("strategy", req.Strategy).
		Int("approvers", len(assignments)).
		Msg("Approval request created")

	return req, nil
}

// RecordVote stores one approver's decision and, when the strategy reaches an
// aggregate outcome, transitions the request.
func (s *RequestService) RecordVote(ctx context.Context, requestID, approverID, decision string, justification *string) (*repository.ApprovalRequest, error) {
	if decision != repository.DecisionApproved && decision != repository.DecisionRejected {
		return nil, errors.InvalidInput("decision", "must be approved or rejected")
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if _, err := s.approvers.GetByID(ctx, approverID); err != nil {
		return nil, err
	}
	if req.Status != repository.StatusPending {
		return nil, errors.Conflict(fmt.Sprintf("request is not pending (status: %s)", req.Status))
	}

	assignments, err := s.approvers.GetAssignments(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !isAssigned(assignments, approverID) {
		return nil, errors.Conflict("approver is not authorized for this request")
	}

	if _, err := strategy.ForName(req.Strategy); err != nil {
		return nil, err
	}

	participants, err := s.participantsFor(ctx, requestID, assignments)
	if err != nil {
		return nil, err
	}

	// Hierarchical approvals proceed strictly in sequence order.
	if req.Strategy == strategy.Hierarchical {
		next, ok := strategy.NextPending(participants, votesFrom(assignments))
		if ok && next.ID != approverID {
			return nil, errors.Conflict("it is not this approver's turn to decide")
		}
	}

	if err := s.approvers.RecordDecision(ctx, requestID, approverID, decision, justification); err != nil {
		return nil, err
	}

	historyAction := repository.HistoryApproved
	if decision == repository.DecisionRejected {
		historyAction = repository.HistoryRejected
	}
	s.appendHistory(ctx, &repository.HistoryEntry{
		RequestID:     requestID,
		ApproverID:    &approverID,
		Action:        historyAction,
		Justification: justification,
	})

	outcome, err := s.resolveOutcome(ctx, requestID, approverID)
	if err != nil {
		if !errors.Is(err, errors.ErrCodeConflict) {
			return nil, err
		}
		// A concurrent escalation bumped the version between evaluation and
		// commit. The vote is recorded; re-evaluate once against the fresh
		// row so a decisive vote is never silently dropped.
		outcome, err = s.resolveOutcome(ctx, requestID, approverID)
		if err != nil {
			return nil, err
		}
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("approver_id", approverID).
		Str("decision", decision).
		Str("outcome", outcome.String()).
		Msg("Vote recorded")

	return s.requests.GetByID(ctx, requestID)
}

// resolveOutcome re-reads the request, evaluates the recorded votes under its
// current strategy and commits the terminal transition when one is reached.
// Reading the row fresh means the version guard works against the state the
// evaluation actually saw.
func (s *RequestService) resolveOutcome(ctx context.Context, requestID, actorID string) (strategy.Outcome, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return strategy.OutcomePending, err
	}
	if req.Status != repository.StatusPending {
		return strategy.OutcomePending, nil
	}
	strat, err := strategy.ForName(req.Strategy)
	if err != nil {
		return strategy.OutcomePending, err
	}
	assignments, err := s.approvers.GetAssignments(ctx, requestID)
	if err != nil {
		return strategy.OutcomePending, err
	}
	participants, err := s.participantsFor(ctx, requestID, assignments)
	if err != nil {
		return strategy.OutcomePending, err
	}

	outcome := strat.Evaluate(participants, votesFrom(assignments))
	switch outcome {
	case strategy.OutcomeApproved:
		if err := s.requests.UpdateStatusVersioned(ctx, requestID, repository.StatusPending, repository.StatusApproved, req.Version); err != nil {
			return outcome, err
		}
		s.notifyParticipants(ctx, EventRequestApproved, req, assignments, actorID, false)
	case strategy.OutcomeRejected:
		if err := s.requests.UpdateStatusVersioned(ctx, requestID, repository.StatusPending, repository.StatusRejected, req.Version); err != nil {
			return outcome, err
		}
		s.notifyParticipants(ctx, EventRequestRejected, req, assignments, actorID, false)
	}
	return outcome, nil
}

// Escalate raises the request one level: new approvers are assigned, the
// required-approver count is mutated per the strategy, the deadline is
// extended when already lapsed and an ESCALATED ledger entry is appended.
// The commit is version-checked; a concurrent status change surfaces as a
// conflict and nothing is mutated.
func (s *RequestService) Escalate(ctx context.Context, requestID string, newApproverIDs []string, strategyName, reason, actorID string) (*repository.HistoryEntry, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.StatusPending {
		return nil, errors.Conflict(fmt.Sprintf("request is not pending (status: %s)", req.Status))
	}

	strat, err := strategy.ForName(strategyName)
	if err != nil {
		return nil, err
	}

	level, err := s.history.CountEscalations(ctx, requestID)
	if err != nil {
		return nil, err
	}
	waited, err := s.waitedHours(ctx, req)
	if err != nil {
		return nil, err
	}

	// Automatic escalation records a system approval instead of assigning
	// anyone new.
	if strat.AutoApproves() {
		if err := s.requests.UpdateStatusVersioned(ctx, requestID, repository.StatusPending, repository.StatusApproved, req.Version); err != nil {
			return nil, err
		}
		entry := &repository.HistoryEntry{
			RequestID:     requestID,
			Action:        repository.HistoryApproved,
			Justification: &reason,
			Metadata: map[string]interface{}{
				"actor_id":  actorID,
				"strategy":  strategyName,
				"automatic": true,
			},
		}
		s.appendHistory(ctx, entry)
		s.notifier.PublishApprovalEvent(ctx, EventRequestApproved, requestID, actorID, []string{req.RequestedBy}, false,
			map[string]interface{}{"automatic": true})
		s.log.Info().Str("request_id", requestID).Msg("Request auto-approved by escalation")
		return entry, nil
	}

	if len(newApproverIDs) == 0 {
		return nil, errors.InvalidInput("approver_ids", "escalation requires at least one new approver")
	}

	required := strat.ApplyEscalation(req.RequiredApprovals, len(newApproverIDs))

	// The deadline only ever moves forward, and only when already lapsed.
	deadline := req.Deadline
	if deadline.Before(time.Now()) {
		deadline = time.Now().Add(strat.DeadlineExtension())
	}

	metadata := req.Metadata
	metadata.WaitTimeHours = waited
	metadata.NotificationAttempts = 0 // new approvers get a fresh warning budget

	// Claim the request under its version before touching assignments, so a
	// racing cancel cannot interleave with a half-applied escalation.
	if err := s.requests.CommitEscalation(ctx, requestID, req.Version, strategyName, required, deadline, metadata); err != nil {
		return nil, err
	}

	if err := s.approvers.AssignApprovers(ctx, requestID, newApproverIDs); err != nil {
		return nil, err
	}

	entry := &repository.HistoryEntry{
		RequestID:     requestID,
		Action:        repository.HistoryEscalated,
		Justification: &reason,
		Metadata: map[string]interface{}{
			"level":         level + 1,
			"waited_hours":  waited,
			"strategy":      strategyName,
			"new_approvers": newApproverIDs,
			"actor_id":      actorID,
		},
	}
	if err := s.history.Append(ctx, s.stampEntry(entry)); err != nil {
		return nil, err
	}

	s.notifier.PublishApprovalEvent(ctx, EventRequestEscalated, requestID, actorID, newApproverIDs, true,
		map[string]interface{}{
			"level":       level + 1,
			"action_kind": req.ActionKind,
			"deadline":    deadline,
			"reason":      reason,
		})

	s.log.Info().
		Str("request_id", requestID).
		Int("level", level+1).
		Str("strategy", strategyName).
		Int("new_approvers", len(newApproverIDs)).
		Msg("Request escalated")

	return entry, nil
}

// Cancel terminates a request from any non-terminal status.
func (s *RequestService) Cancel(ctx context.Context, requestID, reason, actorID string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if repository.IsTerminal(req.Status) {
		return nil, errors.Conflict(fmt.Sprintf("request is already terminal (status: %s)", req.Status))
	}

	if err := s.requests.UpdateStatusVersioned(ctx, requestID, req.Status, repository.StatusCancelled, req.Version); err != nil {
		return nil, err
	}

	s.appendHistory(ctx, &repository.HistoryEntry{
		RequestID:     requestID,
		Action:        repository.HistoryCancelled,
		Justification: &reason,
		Metadata:      map[string]interface{}{"actor_id": actorID},
	})

	assignments, _ := s.approvers.GetAssignments(ctx, requestID)
	s.notifyParticipants(ctx, EventRequestCancelled, req, assignments, actorID, false)

	s.log.Info().Str("request_id", requestID).Str("actor_id", actorID).Msg("Request cancelled")

	return s.requests.GetByID(ctx, requestID)
}

// MarkExecuted completes the approved → executed leg of the lifecycle.
func (s *RequestService) MarkExecuted(ctx context.Context, requestID, actorID string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.StatusApproved {
		return nil, errors.Conflict(fmt.Sprintf("request is not approved (status: %s)", req.Status))
	}

	if err := s.requests.UpdateStatusVersioned(ctx, requestID, repository.StatusApproved, repository.StatusExecuted, req.Version); err != nil {
		return nil, err
	}

	s.appendHistory(ctx, &repository.HistoryEntry{
		RequestID: requestID,
		Action:    repository.HistoryExecuted,
		Metadata:  map[string]interface{}{"actor_id": actorID},
	})

	s.notifier.PublishApprovalEvent(ctx, EventRequestExecuted, requestID, actorID, []string{req.RequestedBy}, false,
		map[string]interface{}{"action_kind": req.ActionKind})

	return s.requests.GetByID(ctx, requestID)
}

// Expire transitions a lapsed pending request to EXPIRED. Used by the
// deadline scan.
func (s *RequestService) Expire(ctx context.Context, req *repository.ApprovalRequest) error {
	if err := s.requests.UpdateStatusVersioned(ctx, req.ID, repository.StatusPending, repository.StatusExpired, req.Version); err != nil {
		return err
	}

	s.appendHistory(ctx, &repository.HistoryEntry{
		RequestID: req.ID,
		Action:    repository.HistoryExpired,
		Metadata:  map[string]interface{}{"deadline": req.Deadline},
	})

	s.notifier.PublishApprovalEvent(ctx, EventRequestExpired, req.ID, SystemActor, []string{req.RequestedBy}, false,
		map[string]interface{}{"deadline": req.Deadline})

	s.log.Info().Str("request_id", req.ID).Time("deadline", req.Deadline).Msg("Request expired")
	return nil
}

// GetRequest returns a request by id.
func (s *RequestService) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, requestID)
}

// PendingForApprover returns requests awaiting the given approver's decision.
func (s *RequestService) PendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListPendingForApprover(ctx, approverID)
}

// History returns the ledger for a request, newest-first.
func (s *RequestService) History(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	return s.history.GetByRequestID(ctx, requestID)
}

// CurrentLevel derives the request's escalation level from the ledger.
func (s *RequestService) CurrentLevel(ctx context.Context, requestID string) (int, error) {
	return s.history.CountEscalations(ctx, requestID)
}

// ── internal helpers ─────────────────────────────────────────────────────────

// waitedHours is the time since the last escalation, or since creation when
// the request has never escalated.
func (s *RequestService) waitedHours(ctx context.Context, req *repository.ApprovalRequest) (float64, error) {
	last, err := s.history.LastEscalationAt(ctx, req.ID)
	if err != nil {
		return 0, err
	}
	since := req.CreatedAt
	if last != nil {
		since = *last
	}
	return time.Since(since).Hours(), nil
}

func (s *RequestService) participantsFor(ctx context.Context, requestID string, assignments []*repository.RequestApprover) ([]strategy.Participant, error) {
	approvers, err := s.approvers.GetApproversForRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*repository.Approver, len(approvers))
	for _, a := range approvers {
		byID[a.ID] = a
	}

	participants := make([]strategy.Participant, 0, len(assignments))
	for _, a := range assignments {
		p := strategy.Participant{ID: a.ApproverID, Weight: 1}
		if a.SequenceOrder != nil {
			p.Sequence = *a.SequenceOrder
		}
		if approver, ok := byID[a.ApproverID]; ok {
			if approver.Weight > 0 {
				p.Weight = approver.Weight
			}
			if p.Sequence == 0 && approver.SequenceOrder != nil {
				p.Sequence = *approver.SequenceOrder
			}
		}
		participants = append(participants, p)
	}
	return participants, nil
}

// votesFrom extracts recorded decisions ordered oldest-first, which the
// first-decision-wins strategies rely on.
func votesFrom(assignments []*repository.RequestApprover) []strategy.Vote {
	decided := make([]*repository.RequestApprover, 0, len(assignments))
	for _, a := range assignments {
		if a.Decision != nil && a.DecidedAt != nil {
			decided = append(decided, a)
		}
	}
	sort.SliceStable(decided, func(i, j int) bool {
		return decided[i].DecidedAt.Before(*decided[j].DecidedAt)
	})

	votes := make([]strategy.Vote, 0, len(decided))
	for _, a := range decided {
		votes = append(votes, strategy.Vote{
			ApproverID: a.ApproverID,
			Approved:   *a.Decision == repository.DecisionApproved,
		})
	}
	return votes
}

func isAssigned(assignments []*repository.RequestApprover, approverID string) bool {
	for _, a := range assignments {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

func (s *RequestService) notifyParticipants(ctx context.Context, eventType string, req *repository.ApprovalRequest, assignments []*repository.RequestApprover, actorID string, urgent bool) {
	recipients := make([]string, 0, len(assignments)+1)
	recipients = append(recipients, req.RequestedBy)
	for _, a := range assignments {
		if a.ApproverID != req.RequestedBy {
			recipients = append(recipients, a.ApproverID)
		}
	}
	s.notifier.PublishApprovalEvent(ctx, eventType, req.ID, actorID, recipients, urgent,
		map[string]interface{}{"action_kind": req.ActionKind})
}

// appendHistory writes a ledger entry and logs a warning on failure (never
// returns an error to the caller).
func (s *RequestService) appendHistory(ctx context.Context, entry *repository.HistoryEntry) {
	if err := s.history.Append(ctx, s.stampEntry(entry)); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to append history entry")
	}
}

func (s *RequestService) stampEntry(entry *repository.HistoryEntry) *repository.HistoryEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return entry
}
