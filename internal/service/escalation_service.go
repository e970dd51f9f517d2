package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/strategy"
)

const (
	// escalationLookahead bounds the escalation scan to requests due soon.
	escalationLookahead = 24 * time.Hour

	// antiThrashWindow is the minimum gap between two escalations of the
	// same request.
	antiThrashWindow = 2 * time.Hour

	// warningUrgentWindow marks deadline warnings as urgent.
	warningUrgentWindow = 2 * time.Hour

	// expiryGrace is how long past its deadline an unmatched pending request
	// survives before expiring.
	expiryGrace = 24 * time.Hour

	// maxWarningAttempts caps repeated deadline warnings per escalation
	// cycle; the counter resets whenever the request escalates.
	maxWarningAttempts = 3

	committeeSize = 3
)

// EscalationEngine runs the two periodic scans. It owns no timers; the
// scheduler invokes RunEscalationScan and RunDeadlineWarningScan.
type EscalationEngine struct {
	requests   RequestStore
	approvers  ApproverStore
	configs    ConfigStore
	rules      RuleStore
	history    HistoryStore
	requestSvc *RequestService
	notifier   Notifier
	log        *logger.Logger

	maxConcurrency  int
	requestTimeout  time.Duration
	adminRecipients []string
}

// EngineOptions tunes scan behavior.
type EngineOptions struct {
	MaxConcurrency  int
	RequestTimeout  time.Duration
	AdminRecipients []string
}

// NewEscalationEngine creates a new EscalationEngine.
func NewEscalationEngine(
	requests RequestStore,
	approvers ApproverStore,
	configs ConfigStore,
	rules RuleStore,
	history HistoryStore,
	requestSvc *RequestService,
	notifier Notifier,
	log *logger.Logger,
	opts EngineOptions,
) *EscalationEngine {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if len(opts.AdminRecipients) == 0 {
		opts.AdminRecipients = []string{"administrators"}
	}
	return &EscalationEngine{
		requests:        requests,
		approvers:       approvers,
		configs:         configs,
		rules:           rules,
		history:         history,
		requestSvc:      requestSvc,
		notifier:        notifier,
		log:             log,
		maxConcurrency:  opts.MaxConcurrency,
		requestTimeout:  opts.RequestTimeout,
		adminRecipients: opts.AdminRecipients,
	}
}

// RunEscalationScan escalates pending requests that are due within the
// lookahead window and match an active rule. Requests are processed with
// bounded concurrency; a failure on one request never aborts the batch.
func (e *EscalationEngine) RunEscalationScan(ctx context.Context) error {
	due, err := e.requests.ListPendingDueWithin(ctx, escalationLookahead)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "escalation scan: failed to load due requests")
	}
	if len(due) == 0 {
		e.log.Debug().Msg("Escalation scan: nothing due")
		return nil
	}

	var escalated, failed int64
	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)

	for _, req := range due {
		req := req
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
			defer cancel()

			did, err := e.processEscalation(reqCtx, req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				e.log.Error().Err(err).
					Str("request_id", req.ID).
					Str("action_kind", req.ActionKind).
					Msg("Escalation scan: request failed")
				return nil
			}
			if did {
				atomic.AddInt64(&escalated, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.log.Info().
		Int("due", len(due)).
		Int64("escalated", escalated).
		Int64("failed", failed).
		Msg("Escalation scan complete")
	return nil
}

// processEscalation applies the guards and, when they all pass, escalates one
// request. Returns true when an escalation was committed.
func (e *EscalationEngine) processEscalation(ctx context.Context, req *repository.ApprovalRequest) (bool, error) {
	cfg, err := e.configs.GetActiveByActionKind(ctx, req.ActionKind)
	if err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		return false, err
	}
	if cfg != nil && !cfg.EscalationEnabled {
		e.log.Debug().
			Str("request_id", req.ID).
			Str("action_kind", req.ActionKind).
			Msg("Skipping: escalation disabled for action kind")
		return false, nil
	}

	last, err := e.history.LastEscalationAt(ctx, req.ID)
	if err != nil {
		return false, err
	}
	if last != nil && time.Since(*last) < antiThrashWindow {
		e.log.Debug().Str("request_id", req.ID).Msg("Skipping: escalated within anti-thrash window")
		return false, nil
	}

	waited := time.Since(req.CreatedAt).Hours()
	if last != nil {
		waited = time.Since(*last).Hours()
	}

	rule, err := e.rules.FindMatching(ctx, req.ActionKind, req.ValueAtRisk, waited)
	if err != nil {
		return false, err
	}
	if rule == nil {
		return false, nil
	}
	if waited < rule.Escalation.WaitHours {
		return false, nil
	}

	level, err := e.history.CountEscalations(ctx, req.ID)
	if err != nil {
		return false, err
	}
	if level >= rule.Escalation.MaxLevel {
		// Terminal warning path: no further escalation, administrators are
		// told, the request stays pending.
		e.notifier.PublishApprovalEvent(ctx, EventMaxEscalation, req.ID, SystemActor, e.adminRecipients, true,
			map[string]interface{}{
				"level":       level,
				"max_level":   rule.Escalation.MaxLevel,
				"rule_id":     rule.ID,
				"action_kind": req.ActionKind,
			})
		e.log.Warn().
			Str("request_id", req.ID).
			Int("level", level).
			Str("rule_id", rule.ID).
			Msg("Max escalation level reached")
		return false, nil
	}

	newApproverIDs, err := e.selectApprovers(ctx, req, rule)
	if err != nil {
		return false, err
	}

	_, err = e.requestSvc.Escalate(ctx, req.ID, newApproverIDs, rule.Escalation.Strategy,
		fmt.Sprintf("rule %s matched after %.1fh wait", rule.Name, waited), SystemActor)
	if err != nil {
		// The request was decided or cancelled between loading and
		// committing. Nothing was mutated; move on.
		if errors.Is(err, errors.ErrCodeConflict) {
			e.log.Info().Str("request_id", req.ID).Msg("Skipping: request changed concurrently")
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// selectApprovers resolves the new approver set for a rule, honoring an
// explicit list when configured and falling back to the strategy's selection
// policy.
func (e *EscalationEngine) selectApprovers(ctx context.Context, req *repository.ApprovalRequest, rule *repository.EscalationRule) ([]string, error) {
	strat, err := strategy.ForName(rule.Escalation.Strategy)
	if err != nil {
		return nil, err
	}
	if strat.AutoApproves() {
		return nil, nil
	}

	if len(rule.Escalation.ApproverIDs) > 0 {
		assignments, err := e.approvers.GetAssignments(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		var fresh []string
		for _, id := range rule.Escalation.ApproverIDs {
			if !isAssigned(assignments, id) {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) > 0 {
			return fresh, nil
		}
		// Everyone on the explicit list is already assigned; fall through to
		// the selection policy.
	}

	switch rule.Escalation.Strategy {
	case strategy.Hierarchical:
		if superior, err := e.superiorOfLastAssigned(ctx, req.ID); err != nil {
			return nil, err
		} else if superior != "" {
			return []string{superior}, nil
		}
		return e.pickUnassigned(ctx, req.ID, 1)

	case strategy.Committee, strategy.Unanimous:
		members, err := e.pickUnassigned(ctx, req.ID, committeeSize)
		if err != nil {
			return nil, err
		}
		if len(members) < committeeSize {
			return nil, errors.Newf(errors.ErrCodeValidation,
				"committee escalation needs %d available approvers, found %d", committeeSize, len(members))
		}
		return members, nil

	default:
		return e.pickUnassigned(ctx, req.ID, strat.SelectCount())
	}
}

// superiorOfLastAssigned walks up one hierarchy position from the
// highest-sequence approver currently on the request.
func (e *EscalationEngine) superiorOfLastAssigned(ctx context.Context, requestID string) (string, error) {
	assignments, err := e.approvers.GetAssignments(ctx, requestID)
	if err != nil {
		return "", err
	}
	if len(assignments) == 0 {
		return "", nil
	}

	top := assignments[0]
	for _, a := range assignments[1:] {
		if seqOf(a) > seqOf(top) {
			top = a
		}
	}

	superior, err := e.approvers.GetSuperior(ctx, top.ApproverID)
	if err != nil || superior == nil {
		return "", err
	}
	return superior.ID, nil
}

func seqOf(a *repository.RequestApprover) int {
	if a.SequenceOrder == nil {
		return 0
	}
	return *a.SequenceOrder
}

func (e *EscalationEngine) pickUnassigned(ctx context.Context, requestID string, n int) ([]string, error) {
	candidates, err := e.approvers.ListUnassigned(ctx, requestID, n)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "no eligible approvers available for escalation")
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// RunDeadlineWarningScan notifies still-pending approvers of requests whose
// deadline falls within the warning windows, and expires requests that lapsed
// past the grace window with no rule left to escalate them. It never mutates
// workflow state other than the expiry transition.
func (e *EscalationEngine) RunDeadlineWarningScan(ctx context.Context) error {
	due, err := e.requests.ListPendingDueWithin(ctx, escalationLookahead)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "warning scan: failed to load due requests")
	}

	var warned int64
	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)

	for _, req := range due {
		req := req
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
			defer cancel()

			did, err := e.processWarning(reqCtx, req)
			if err != nil {
				e.log.Error().Err(err).
					Str("request_id", req.ID).
					Msg("Warning scan: request failed")
				return nil
			}
			if did {
				atomic.AddInt64(&warned, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	expired, err := e.expireLapsed(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("Warning scan: expiry pass failed")
	}

	e.log.Info().
		Int("due", len(due)).
		Int64("warned", warned).
		Int("expired", expired).
		Msg("Deadline warning scan complete")
	return nil
}

func (e *EscalationEngine) processWarning(ctx context.Context, req *repository.ApprovalRequest) (bool, error) {
	if req.Metadata.NotificationAttempts >= maxWarningAttempts {
		return false, nil
	}

	assignments, err := e.approvers.GetAssignments(ctx, req.ID)
	if err != nil {
		return false, err
	}

	var pending []string
	for _, a := range assignments {
		if a.Decision == nil {
			pending = append(pending, a.ApproverID)
		}
	}
	if len(pending) == 0 {
		return false, nil
	}

	urgent := time.Until(req.Deadline) <= warningUrgentWindow
	e.notifier.PublishApprovalEvent(ctx, EventDeadlineWarning, req.ID, SystemActor, pending, urgent,
		map[string]interface{}{
			"deadline":    req.Deadline,
			"action_kind": req.ActionKind,
		})

	metadata := req.Metadata
	metadata.NotificationAttempts++
	if err := e.requests.UpdateMetadata(ctx, req.ID, metadata); err != nil {
		return true, err
	}
	return true, nil
}

// expireLapsed transitions pending requests whose deadline lapsed past the
// grace window and which no rule would still escalate.
func (e *EscalationEngine) expireLapsed(ctx context.Context) (int, error) {
	overdue, err := e.requests.ListPendingOverdueSince(ctx, expiryGrace)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range overdue {
		waited := time.Since(req.CreatedAt).Hours()
		rule, err := e.rules.FindMatching(ctx, req.ActionKind, req.ValueAtRisk, waited)
		if err != nil {
			e.log.Error().Err(err).Str("request_id", req.ID).Msg("Expiry: rule lookup failed")
			continue
		}
		if rule != nil {
			// Still escalatable; leave it to the escalation scan.
			continue
		}
		if err := e.requestSvc.Expire(ctx, req); err != nil {
			if !errors.Is(err, errors.ErrCodeConflict) {
				e.log.Error().Err(err).Str("request_id", req.ID).Msg("Expiry: transition failed")
			}
			continue
		}
		expired++
	}
	return expired, nil
}
