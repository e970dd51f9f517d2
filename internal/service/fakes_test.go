package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// memStore is an in-memory implementation of every store interface, with the
// same conflict and not-found semantics as the pgx repositories.
type memStore struct {
	mu          sync.Mutex
	requests    map[string]*repository.ApprovalRequest
	assignments map[string][]*repository.RequestApprover
	approvers   map[string]*repository.Approver
	configs     map[string]*repository.ApprovalConfiguration // keyed by id
	rules       map[string]*repository.EscalationRule
	history     map[string][]*repository.HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{
		requests:    map[string]*repository.ApprovalRequest{},
		assignments: map[string][]*repository.RequestApprover{},
		approvers:   map[string]*repository.Approver{},
		configs:     map[string]*repository.ApprovalConfiguration{},
		rules:       map[string]*repository.EscalationRule{},
		history:     map[string][]*repository.HistoryEntry{},
	}
}

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.Nop()}
}

// ── RequestStore ─────────────────────────────────────────────────────────────

func (m *memStore) Create(_ context.Context, req *repository.ApprovalRequest, assignments []*repository.RequestApprover) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Version == 0 {
		req.Version = 1
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.UpdatedAt = req.CreatedAt

	stored := *req
	m.requests[req.ID] = &stored
	for _, a := range assignments {
		a.RequestID = req.ID
		a.AssignedAt = time.Now()
		copied := *a
		m.assignments[req.ID] = append(m.assignments[req.ID], &copied)
	}
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	copied := *req
	return &copied, nil
}

func (m *memStore) ListPendingDueWithin(_ context.Context, within time.Duration) ([]*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.ApprovalRequest
	cutoff := time.Now().Add(within)
	for _, req := range m.requests {
		if req.Status == repository.StatusPending && req.Deadline.Before(cutoff) {
			copied := *req
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListPendingOverdueSince(_ context.Context, grace time.Duration) ([]*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.ApprovalRequest
	cutoff := time.Now().Add(-grace)
	for _, req := range m.requests {
		if req.Status == repository.StatusPending && req.Deadline.Before(cutoff) {
			copied := *req
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListPendingForApprover(_ context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.ApprovalRequest
	for id, req := range m.requests {
		if req.Status != repository.StatusPending {
			continue
		}
		for _, a := range m.assignments[id] {
			if a.ApproverID == approverID && a.Decision == nil {
				copied := *req
				out = append(out, &copied)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateStatusVersioned(_ context.Context, id, fromStatus, toStatus string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok || req.Status != fromStatus || req.Version != version {
		return errors.Conflict("request was modified concurrently")
	}
	req.Status = toStatus
	req.Version++
	req.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) CommitEscalation(_ context.Context, id string, version int64, strategyName string, requiredApprovals int, deadline time.Time, metadata repository.RequestMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok || req.Status != repository.StatusPending || req.Version != version {
		return errors.Conflict("request was modified concurrently")
	}
	req.Strategy = strategyName
	req.RequiredApprovals = requiredApprovals
	req.Deadline = deadline
	req.Metadata = metadata
	req.Version++
	req.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) UpdateMetadata(_ context.Context, id string, metadata repository.RequestMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	req.Metadata = metadata
	req.UpdatedAt = time.Now()
	return nil
}

// ── ApproverStore ────────────────────────────────────────────────────────────

func (m *memStore) GetApproverByID(_ context.Context, id string) (*repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approverLocked(id)
}

func (m *memStore) approverLocked(id string) (*repository.Approver, error) {
	a, ok := m.approvers[id]
	if !ok {
		return nil, errors.NotFound("approver", id)
	}
	copied := *a
	return &copied, nil
}

func (m *memStore) GetSuperior(_ context.Context, approverID string) (*repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.approverLocked(approverID)
	if err != nil {
		return nil, err
	}
	if a.SuperiorID == nil {
		return nil, nil
	}
	return m.approverLocked(*a.SuperiorID)
}

func (m *memStore) ListUnassigned(_ context.Context, requestID string, limit int) ([]*repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assigned := map[string]bool{}
	for _, a := range m.assignments[requestID] {
		assigned[a.ApproverID] = true
	}

	var out []*repository.Approver
	for _, a := range m.approvers {
		if a.IsActive && !assigned[a.ID] {
			copied := *a
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := seqOrMax(out[i]), seqOrMax(out[j])
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func seqOrMax(a *repository.Approver) int {
	if a.SequenceOrder == nil {
		return int(^uint(0) >> 1)
	}
	return *a.SequenceOrder
}

func (m *memStore) GetApproversForRequest(_ context.Context, requestID string) ([]*repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.Approver
	for _, a := range m.assignments[requestID] {
		if approver, ok := m.approvers[a.ApproverID]; ok {
			copied := *approver
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) GetAssignments(_ context.Context, requestID string) ([]*repository.RequestApprover, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*repository.RequestApprover, 0, len(m.assignments[requestID]))
	for _, a := range m.assignments[requestID] {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memStore) AssignApprovers(_ context.Context, requestID string, approverIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	assigned := map[string]bool{}
	maxSeq := 0
	for _, a := range m.assignments[requestID] {
		assigned[a.ApproverID] = true
		if a.SequenceOrder != nil && *a.SequenceOrder > maxSeq {
			maxSeq = *a.SequenceOrder
		}
	}

	for i, id := range approverIDs {
		if assigned[id] {
			continue
		}
		seq := maxSeq + i + 1
		m.assignments[requestID] = append(m.assignments[requestID], &repository.RequestApprover{
			RequestID:     requestID,
			ApproverID:    id,
			SequenceOrder: &seq,
			AssignedAt:    time.Now(),
		})
	}
	return nil
}

func (m *memStore) RecordDecision(_ context.Context, requestID, approverID, decision string, justification *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.assignments[requestID] {
		if a.ApproverID != approverID {
			continue
		}
		if a.Decision != nil {
			return errors.Conflict("approver has already decided")
		}
		now := time.Now()
		a.Decision = &decision
		a.Justification = justification
		a.DecidedAt = &now
		return nil
	}
	return errors.Conflict("approver is not assigned to this request")
}

// ── ConfigStore ──────────────────────────────────────────────────────────────

func (m *memStore) CreateConfig(_ context.Context, cfg *repository.ApprovalConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg.CreatedAt = time.Now()
	cfg.UpdatedAt = cfg.CreatedAt
	copied := *cfg
	m.configs[cfg.ID] = &copied
	return nil
}

func (m *memStore) GetActiveByActionKind(_ context.Context, actionKind string) (*repository.ApprovalConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range m.configs {
		if cfg.ActionKind == actionKind && cfg.IsActive {
			copied := *cfg
			return &copied, nil
		}
	}
	return nil, errors.NotFound("approval_configuration", actionKind)
}

func (m *memStore) ListConfigs(_ context.Context, activeOnly bool) ([]*repository.ApprovalConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.ApprovalConfiguration
	for _, cfg := range m.configs {
		if activeOnly && !cfg.IsActive {
			continue
		}
		copied := *cfg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionKind < out[j].ActionKind })
	return out, nil
}

func (m *memStore) UpdateConfig(_ context.Context, cfg *repository.ApprovalConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[cfg.ID]; !ok {
		return errors.NotFound("approval_configuration", cfg.ID)
	}
	cfg.UpdatedAt = time.Now()
	copied := *cfg
	m.configs[cfg.ID] = &copied
	return nil
}

// ── RuleStore ────────────────────────────────────────────────────────────────

func (m *memStore) Save(_ context.Context, rule *repository.EscalationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *rule
	m.rules[rule.ID] = &copied
	return nil
}

func (m *memStore) GetRuleByID(_ context.Context, id string) (*repository.EscalationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, errors.NotFound("escalation_rule", id)
	}
	copied := *rule
	return &copied, nil
}

func (m *memStore) List(_ context.Context, actionKind *string, activeOnly bool) ([]*repository.EscalationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.EscalationRule
	for _, rule := range m.rules {
		if activeOnly && !rule.IsActive {
			continue
		}
		if actionKind != nil && len(rule.Conditions.ActionKinds) > 0 && !containsString(rule.Conditions.ActionKinds, *actionKind) {
			continue
		}
		copied := *rule
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return errors.NotFound("escalation_rule", id)
	}
	delete(m.rules, id)
	return nil
}

func (m *memStore) FindMatching(ctx context.Context, actionKind string, valueAtRisk *int64, waitedHours float64) (*repository.EscalationRule, error) {
	rules, err := m.List(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	return repository.FirstMatch(rules, actionKind, valueAtRisk, waitedHours), nil
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// ── HistoryStore ─────────────────────────────────────────────────────────────

func (m *memStore) Append(_ context.Context, entry *repository.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now()
	}
	copied := *entry
	m.history[entry.RequestID] = append(m.history[entry.RequestID], &copied)
	return nil
}

func (m *memStore) GetByRequestID(_ context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history[requestID]
	out := make([]*repository.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		copied := *e
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PerformedAt.After(out[j].PerformedAt) })
	return out, nil
}

func (m *memStore) CountEscalations(_ context.Context, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range m.history[requestID] {
		if e.Action == repository.HistoryEscalated {
			count++
		}
	}
	return count, nil
}

func (m *memStore) LastEscalationAt(_ context.Context, requestID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *time.Time
	for _, e := range m.history[requestID] {
		if e.Action != repository.HistoryEscalated {
			continue
		}
		if last == nil || e.PerformedAt.After(*last) {
			t := e.PerformedAt
			last = &t
		}
	}
	return last, nil
}

func (m *memStore) MetricsForPeriod(_ context.Context, from, to time.Time) (*repository.EscalationMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := &repository.EscalationMetrics{
		ByActionKind: map[string]int{},
		ByLevel:      map[int]int{},
	}
	totalWait := 0.0
	for requestID, entries := range m.history {
		for _, e := range entries {
			if e.Action != repository.HistoryEscalated || e.PerformedAt.Before(from) || e.PerformedAt.After(to) {
				continue
			}
			metrics.TotalEscalations++
			if req, ok := m.requests[requestID]; ok {
				metrics.ByActionKind[req.ActionKind]++
			}
			if lvl, ok := e.Metadata["level"].(int); ok {
				metrics.ByLevel[lvl]++
			}
			if waited, ok := e.Metadata["waited_hours"].(float64); ok {
				totalWait += waited
			}
		}
	}
	if metrics.TotalEscalations > 0 {
		metrics.AverageEscalationWaitHours = totalWait / float64(metrics.TotalEscalations)
	}
	return metrics, nil
}

// ── interface adapters ───────────────────────────────────────────────────────

// The ApproverStore and RuleStore both declare GetByID, so memStore exposes
// them under distinct names and these thin views bind the right one.

type approverView struct{ *memStore }

func (v approverView) GetByID(ctx context.Context, id string) (*repository.Approver, error) {
	return v.GetApproverByID(ctx, id)
}

type ruleView struct{ *memStore }

func (v ruleView) GetByID(ctx context.Context, id string) (*repository.EscalationRule, error) {
	return v.GetRuleByID(ctx, id)
}

type configView struct{ *memStore }

func (v configView) Create(ctx context.Context, cfg *repository.ApprovalConfiguration) error {
	return v.CreateConfig(ctx, cfg)
}

func (v configView) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalConfiguration, error) {
	return v.ListConfigs(ctx, activeOnly)
}

func (v configView) Update(ctx context.Context, cfg *repository.ApprovalConfiguration) error {
	return v.UpdateConfig(ctx, cfg)
}

// ── Notifier ─────────────────────────────────────────────────────────────────

type publishedEvent struct {
	EventType  string
	RequestID  string
	ActorID    string
	Recipients []string
	Urgent     bool
	Payload    map[string]interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (n *fakeNotifier) PublishApprovalEvent(_ context.Context, eventType, requestID, actorID string, recipients []string, urgent bool, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, publishedEvent{
		EventType:  eventType,
		RequestID:  requestID,
		ActorID:    actorID,
		Recipients: recipients,
		Urgent:     urgent,
		Payload:    payload,
	})
}

func (n *fakeNotifier) eventsOfType(eventType string) []publishedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []publishedEvent
	for _, e := range n.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ── fixture helpers ──────────────────────────────────────────────────────────

type fixture struct {
	store    *memStore
	notifier *fakeNotifier
	requests *RequestService
	engine   *EscalationEngine
}

func newFixture() *fixture {
	store := newMemStore()
	notifier := &fakeNotifier{}
	log := testLogger()

	requests := NewRequestService(store, approverView{store}, configView{store}, store, notifier, log)
	engine := NewEscalationEngine(store, approverView{store}, configView{store}, ruleView{store}, store, requests, notifier, log, EngineOptions{
		MaxConcurrency: 4,
		RequestTimeout: 5 * time.Second,
	})

	return &fixture{store: store, notifier: notifier, requests: requests, engine: engine}
}

func (f *fixture) addConfig(actionKind, strategyName string, minApprovers, deadlineHours int) {
	f.store.configs["cfg-"+actionKind] = &repository.ApprovalConfiguration{
		ID:                   "cfg-" + actionKind,
		ActionKind:           actionKind,
		Strategy:             strategyName,
		MinApprovers:         minApprovers,
		DefaultDeadlineHours: deadlineHours,
		EscalationEnabled:    true,
		IsActive:             true,
	}
}

func (f *fixture) addApprover(id string, opts ...func(*repository.Approver)) {
	a := &repository.Approver{
		ID:          id,
		Kind:        repository.ApproverKindIndividual,
		DisplayName: id,
		Weight:      1,
		IsActive:    true,
	}
	for _, opt := range opts {
		opt(a)
	}
	f.store.approvers[id] = a
}

func withWeight(w int) func(*repository.Approver) {
	return func(a *repository.Approver) { a.Weight = w }
}

func withSuperior(id string) func(*repository.Approver) {
	return func(a *repository.Approver) { a.SuperiorID = &id }
}

func withSequence(seq int) func(*repository.Approver) {
	return func(a *repository.Approver) { a.SequenceOrder = &seq }
}

// seedRequest plants a pending request directly in the store, bypassing
// CreateRequest, so tests control CreatedAt and Deadline.
func (f *fixture) seedRequest(req *repository.ApprovalRequest, approverIDs ...string) *repository.ApprovalRequest {
	if req.Status == "" {
		req.Status = repository.StatusPending
	}
	if req.Version == 0 {
		req.Version = 1
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.UpdatedAt = req.CreatedAt

	stored := *req
	f.store.requests[req.ID] = &stored
	for i, id := range approverIDs {
		seq := i + 1
		f.store.assignments[req.ID] = append(f.store.assignments[req.ID], &repository.RequestApprover{
			RequestID:     req.ID,
			ApproverID:    id,
			SequenceOrder: &seq,
			AssignedAt:    req.CreatedAt,
		})
	}
	return req
}
