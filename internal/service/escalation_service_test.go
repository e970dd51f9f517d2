package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/strategy"
)

func cents(v int64) *int64     { return &v }
func hours(v float64) *float64 { return &v }

func (f *fixture) addRule(rule *repository.EscalationRule) {
	rule.IsActive = true
	f.store.rules[rule.ID] = rule
}

func TestEscalationScanHierarchical(t *testing.T) {
	f := newFixture()
	f.addApprover("manager", withSequence(1), withSuperior("director"))
	f.addApprover("director", withSequence(2))

	f.addRule(&repository.EscalationRule{
		ID:   "rule-high-value",
		Name: "high value payouts",
		Conditions: repository.RuleConditions{
			ActionKinds: []string{"payout"},
			MinValue:    cents(50_000_00),
			WaitHours:   hours(4),
		},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Hierarchical,
			WaitHours: 4,
			MaxLevel:  3,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:                "req-1",
		ActionKind:        "payout",
		RequestedBy:       "r",
		Strategy:          strategy.AnyOne,
		RequiredApprovals: 1,
		ValueAtRisk:       cents(60_000_00),
		Deadline:          time.Now().Add(2 * time.Hour),
		CreatedAt:         time.Now().Add(-5 * time.Hour),
	}, "manager")

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))

	after, err := f.requests.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, strategy.Hierarchical, after.Strategy)
	assert.Equal(t, 1, after.RequiredApprovals)

	// The manager's superior is the one escalated to.
	assignments, _ := f.store.GetAssignments(context.Background(), req.ID)
	require.Len(t, assignments, 2)
	assert.Equal(t, "director", assignments[1].ApproverID)

	level, _ := f.requests.CurrentLevel(context.Background(), req.ID)
	assert.Equal(t, 1, level)

	events := f.notifier.eventsOfType(EventRequestEscalated)
	require.Len(t, events, 1)
	assert.Equal(t, SystemActor, events[0].ActorID)
	assert.True(t, events[0].Urgent)
}

func TestEscalationScanCommittee(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	for _, id := range []string{"m1", "m2", "m3"} {
		f.addApprover(id)
	}

	f.addRule(&repository.EscalationRule{
		ID:   "rule-committee",
		Name: "stale requests go to committee",
		Conditions: repository.RuleConditions{
			WaitHours: hours(8),
		},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Committee,
			WaitHours: 8,
			MaxLevel:  2,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:                "req-1",
		ActionKind:        "data_purge",
		RequestedBy:       "r",
		Strategy:          strategy.AnyOne,
		RequiredApprovals: 1,
		Deadline:          time.Now().Add(time.Hour),
		CreatedAt:         time.Now().Add(-9 * time.Hour),
	}, "alice")

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))

	after, _ := f.requests.GetRequest(context.Background(), req.ID)
	assert.Equal(t, strategy.Committee, after.Strategy)
	// Committee replaces the required count with the new member set size.
	assert.Equal(t, 3, after.RequiredApprovals)

	assignments, _ := f.store.GetAssignments(context.Background(), req.ID)
	assert.Len(t, assignments, 4)
}

func TestEscalationScanCommitteeNeedsThreeMembers(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("m1") // only one candidate free

	f.addRule(&repository.EscalationRule{
		ID:         "rule-committee",
		Name:       "committee",
		Conditions: repository.RuleConditions{WaitHours: hours(1)},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Committee,
			WaitHours: 1,
			MaxLevel:  2,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-1",
		ActionKind:  "data_purge",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now().Add(-2 * time.Hour),
	}, "alice")

	// The scan completes; the failing request is logged and skipped.
	require.NoError(t, f.engine.RunEscalationScan(context.Background()))

	level, _ := f.requests.CurrentLevel(context.Background(), req.ID)
	assert.Equal(t, 0, level)
}

func TestEscalationScanExplicitApproverList(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("risk-officer")

	f.addRule(&repository.EscalationRule{
		ID:         "rule-explicit",
		Name:       "route to risk officer",
		Conditions: repository.RuleConditions{WaitHours: hours(2)},
		Escalation: repository.RuleEscalation{
			Strategy:    strategy.Majority,
			ApproverIDs: []string{"alice", "risk-officer"},
			WaitHours:   2,
			MaxLevel:    3,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:                "req-1",
		ActionKind:        "payout",
		RequestedBy:       "r",
		Strategy:          strategy.AnyOne,
		RequiredApprovals: 1,
		Deadline:          time.Now().Add(time.Hour),
		CreatedAt:         time.Now().Add(-3 * time.Hour),
	}, "alice")

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))

	// Alice is already assigned; only the risk officer is added.
	assignments, _ := f.store.GetAssignments(context.Background(), req.ID)
	require.Len(t, assignments, 2)
	assert.Equal(t, "risk-officer", assignments[1].ApproverID)
}

func TestEscalationScanAntiThrash(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("bob")
	f.addApprover("carol")

	f.addRule(&repository.EscalationRule{
		ID:         "rule-fast",
		Name:       "fast escalation",
		Conditions: repository.RuleConditions{},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Majority,
			WaitHours: 0,
			MaxLevel:  5,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-1",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now().Add(-time.Hour),
	}, "alice")

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))
	level, _ := f.requests.CurrentLevel(context.Background(), req.ID)
	require.Equal(t, 1, level)

	// A second scan straight after does nothing: the request escalated
	// within the anti-thrash window.
	require.NoError(t, f.engine.RunEscalationScan(context.Background()))
	level, _ = f.requests.CurrentLevel(context.Background(), req.ID)
	assert.Equal(t, 1, level)
}

func TestEscalationScanMaxLevel(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("bob")

	f.addRule(&repository.EscalationRule{
		ID:         "rule-capped",
		Name:       "capped",
		Conditions: repository.RuleConditions{},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Majority,
			WaitHours: 0,
			MaxLevel:  2,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-1",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.Majority,
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now().Add(-48 * time.Hour),
	}, "alice")

	// Two prior escalations put the request at the cap.
	for i := 0; i < 2; i++ {
		performed := time.Now().Add(-time.Duration(10-i) * time.Hour)
		f.store.history[req.ID] = append(f.store.history[req.ID], &repository.HistoryEntry{
			ID:          "h-" + string(rune('a'+i)),
			RequestID:   req.ID,
			Action:      repository.HistoryEscalated,
			PerformedAt: performed,
		})
	}

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))

	// No new ledger entry, the request stays pending, administrators are told.
	level, _ := f.requests.CurrentLevel(context.Background(), req.ID)
	assert.Equal(t, 2, level)

	after, _ := f.requests.GetRequest(context.Background(), req.ID)
	assert.Equal(t, repository.StatusPending, after.Status)

	events := f.notifier.eventsOfType(EventMaxEscalation)
	require.Len(t, events, 1)
	assert.True(t, events[0].Urgent)
	assert.Equal(t, []string{"administrators"}, events[0].Recipients)
	assert.Empty(t, f.notifier.eventsOfType(EventRequestEscalated))
}

func TestEscalationScanRespectsRuleWaitHours(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("bob")

	f.addRule(&repository.EscalationRule{
		ID:         "rule-patient",
		Name:       "patient",
		Conditions: repository.RuleConditions{},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Majority,
			WaitHours: 12,
			MaxLevel:  3,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-1",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now().Add(-3 * time.Hour),
	}, "alice")

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))

	level, _ := f.requests.CurrentLevel(context.Background(), req.ID)
	assert.Equal(t, 0, level)
}

func TestEscalationScanHonorsDisabledConfiguration(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("bob")
	f.addConfig("payout", strategy.AnyOne, 1, 72)
	f.store.configs["cfg-payout"].EscalationEnabled = false

	f.addRule(&repository.EscalationRule{
		ID:         "rule-payout",
		Name:       "payout escalation",
		Conditions: repository.RuleConditions{ActionKinds: []string{"payout"}, WaitHours: hours(1)},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Majority,
			WaitHours: 1,
			MaxLevel:  3,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:                "req-1",
		ActionKind:        "payout",
		RequestedBy:       "r",
		Strategy:          strategy.AnyOne,
		RequiredApprovals: 1,
		Deadline:          time.Now().Add(2 * time.Hour),
		CreatedAt:         time.Now().Add(-6 * time.Hour),
	}, "alice")

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))

	// The active configuration turned escalation off for this action kind,
	// so the matching rule never fires.
	level, err := f.requests.CurrentLevel(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, level)

	after, _ := f.requests.GetRequest(context.Background(), req.ID)
	assert.Equal(t, repository.StatusPending, after.Status)
	assert.Equal(t, strategy.AnyOne, after.Strategy)
	assert.Empty(t, f.notifier.eventsOfType(EventRequestEscalated))
}

func TestEscalationScanPrefersHigherPriorityRule(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("risk-officer")
	f.addApprover("backup-officer")

	// Both rules match the request; the scan must take the higher-priority
	// one first.
	f.addRule(&repository.EscalationRule{
		ID:         "rule-catch-all",
		Name:       "catch all",
		Priority:   1,
		Conditions: repository.RuleConditions{WaitHours: hours(1)},
		Escalation: repository.RuleEscalation{
			Strategy:    strategy.Majority,
			ApproverIDs: []string{"backup-officer"},
			WaitHours:   1,
			MaxLevel:    3,
		},
	})
	f.addRule(&repository.EscalationRule{
		ID:         "rule-payouts",
		Name:       "payout review",
		Priority:   10,
		Conditions: repository.RuleConditions{ActionKinds: []string{"payout"}, WaitHours: hours(1)},
		Escalation: repository.RuleEscalation{
			Strategy:    strategy.AnyOne,
			ApproverIDs: []string{"risk-officer"},
			WaitHours:   1,
			MaxLevel:    3,
		},
	})

	req := f.seedRequest(&repository.ApprovalRequest{
		ID:                "req-1",
		ActionKind:        "payout",
		RequestedBy:       "r",
		Strategy:          strategy.AnyOne,
		RequiredApprovals: 1,
		Deadline:          time.Now().Add(2 * time.Hour),
		CreatedAt:         time.Now().Add(-6 * time.Hour),
	}, "alice")

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))

	assignments, _ := f.store.GetAssignments(context.Background(), req.ID)
	require.Len(t, assignments, 2)
	assert.Equal(t, "risk-officer", assignments[1].ApproverID)

	after, _ := f.requests.GetRequest(context.Background(), req.ID)
	assert.Equal(t, strategy.AnyOne, after.Strategy)
}

func TestEscalationScanSkipsConcurrentlyCancelled(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("bob")
	f.addApprover("carol")
	f.addApprover("dave")

	f.addRule(&repository.EscalationRule{
		ID:         "rule-fast",
		Name:       "fast",
		Conditions: repository.RuleConditions{},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Majority,
			WaitHours: 0,
			MaxLevel:  5,
		},
	})

	// Engine wired against a store that simulates a cancel landing between
	// the scan's read and the escalation commit.
	store := f.store
	racing := &raceyRequests{memStore: store}
	requests := NewRequestService(racing, approverView{store}, configView{store}, store, f.notifier, testLogger())
	engine := NewEscalationEngine(racing, approverView{store}, configView{store}, ruleView{store}, store, requests, f.notifier, testLogger(), EngineOptions{})

	f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-racy",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now().Add(-3 * time.Hour),
	}, "alice")
	healthy := f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-sound",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now().Add(-3 * time.Hour),
	}, "bob")

	racing.conflictOn = "req-racy"
	require.NoError(t, engine.RunEscalationScan(context.Background()))

	// The conflicted request is untouched; the rest of the batch proceeds.
	level, _ := requests.CurrentLevel(context.Background(), "req-racy")
	assert.Equal(t, 0, level)
	level, _ = requests.CurrentLevel(context.Background(), healthy.ID)
	assert.Equal(t, 1, level)
}

// raceyRequests fails CommitEscalation for one request id with a conflict,
// standing in for a concurrent status change.
type raceyRequests struct {
	*memStore
	conflictOn string
}

func (r *raceyRequests) CommitEscalation(ctx context.Context, id string, version int64, strategyName string, requiredApprovals int, deadline time.Time, metadata repository.RequestMetadata) error {
	if id == r.conflictOn {
		return errors.Conflict("request was modified concurrently")
	}
	return r.memStore.CommitEscalation(ctx, id, version, strategyName, requiredApprovals, deadline, metadata)
}

func TestDeadlineWarningScan(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")
	f.addApprover("bob")

	// Within the urgent window.
	urgent := f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-urgent",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.Majority,
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now().Add(-10 * time.Hour),
	}, "alice", "bob")

	// Due later today.
	f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-later",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(12 * time.Hour),
		CreatedAt:   time.Now().Add(-10 * time.Hour),
	}, "alice")

	// Alice already decided on the urgent one; only bob is still pending.
	_, err := f.requests.RecordVote(context.Background(), urgent.ID, "alice", repository.DecisionApproved, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.RunDeadlineWarningScan(context.Background()))

	warnings := f.notifier.eventsOfType(EventDeadlineWarning)
	require.Len(t, warnings, 2)

	byRequest := map[string]publishedEvent{}
	for _, w := range warnings {
		byRequest[w.RequestID] = w
	}
	assert.True(t, byRequest["req-urgent"].Urgent)
	assert.Equal(t, []string{"bob"}, byRequest["req-urgent"].Recipients)
	assert.False(t, byRequest["req-later"].Urgent)

	// The attempt counter advanced.
	after, _ := f.requests.GetRequest(context.Background(), "req-urgent")
	assert.Equal(t, 1, after.Metadata.NotificationAttempts)
}

func TestDeadlineWarningScanCapsAttempts(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")

	f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-1",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now().Add(-10 * time.Hour),
		Metadata:    repository.RequestMetadata{NotificationAttempts: 3},
	}, "alice")

	require.NoError(t, f.engine.RunDeadlineWarningScan(context.Background()))

	assert.Empty(t, f.notifier.eventsOfType(EventDeadlineWarning))
}

func TestWarningScanExpiresLapsedRequests(t *testing.T) {
	f := newFixture()
	f.addApprover("alice")

	// Past the grace window with no matching rule: expires.
	stale := f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-stale",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(-30 * time.Hour),
		CreatedAt:   time.Now().Add(-80 * time.Hour),
		Metadata:    repository.RequestMetadata{NotificationAttempts: 3},
	}, "alice")

	// Also lapsed, but a rule still matches it: left for the escalation scan.
	covered := f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-covered",
		ActionKind:  "wire_transfer",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(-30 * time.Hour),
		CreatedAt:   time.Now().Add(-80 * time.Hour),
		Metadata:    repository.RequestMetadata{NotificationAttempts: 3},
	}, "alice")

	f.addRule(&repository.EscalationRule{
		ID:         "rule-wires",
		Name:       "wires",
		Conditions: repository.RuleConditions{ActionKinds: []string{"wire_transfer"}},
		Escalation: repository.RuleEscalation{
			Strategy:  strategy.Majority,
			WaitHours: 1,
			MaxLevel:  3,
		},
	})

	require.NoError(t, f.engine.RunDeadlineWarningScan(context.Background()))

	after, _ := f.requests.GetRequest(context.Background(), stale.ID)
	assert.Equal(t, repository.StatusExpired, after.Status)

	after, _ = f.requests.GetRequest(context.Background(), covered.ID)
	assert.Equal(t, repository.StatusPending, after.Status)

	expired := f.notifier.eventsOfType(EventRequestExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].RequestID)

	entries, _ := f.requests.History(context.Background(), stale.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, repository.HistoryExpired, entries[0].Action)
}

func TestEscalationScanNothingDue(t *testing.T) {
	f := newFixture()

	// Pending but far from its deadline: outside the scan window.
	f.seedRequest(&repository.ApprovalRequest{
		ID:          "req-1",
		ActionKind:  "payout",
		RequestedBy: "r",
		Strategy:    strategy.AnyOne,
		Deadline:    time.Now().Add(7 * 24 * time.Hour),
	})

	require.NoError(t, f.engine.RunEscalationScan(context.Background()))
	assert.Empty(t, f.notifier.events)
}
