package strategy

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// Strategy names as persisted on configurations, requests and rules.
const (
	AnyOne       = "any_one"
	Majority     = "majority"
	Weighted     = "weighted"
	Unanimous    = "unanimous"
	Hierarchical = "hierarchical"
	Committee    = "committee"
	Automatic    = "automatic"
)

// Outcome is the aggregate result of evaluating recorded votes.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeApproved
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	}
	return "pending"
}

// Participant is one assigned approver as the evaluator sees it.
type Participant struct {
	ID       string
	Weight   int // 1 when unset
	Sequence int // position for the hierarchical strategy
}

// Vote is one recorded decision. Callers pass votes ordered oldest-first.
type Vote struct {
	ApproverID string
	Approved   bool
}

// Strategy aggregates votes into an outcome and defines how an escalation
// mutates the request's required-approver count.
type Strategy interface {
	Name() string

	// Evaluate is pure: it inspects the configured participants and the
	// recorded votes and returns the aggregate outcome.
	Evaluate(participants []Participant, votes []Vote) Outcome

	// ApplyEscalation returns the required-approver count after newCount
	// approvers have been added by an escalation.
	ApplyEscalation(currentRequired, newCount int) int

	// SelectCount is how many new approvers an automatic escalation assigns.
	SelectCount() int

	// DeadlineExtension is added to an already-lapsed deadline on escalation.
	DeadlineExtension() time.Duration

	// AutoApproves reports whether escalating under this strategy records a
	// system approval instead of assigning approvers.
	AutoApproves() bool
}

// ForName resolves a strategy by its persisted name.
func ForName(name string) (Strategy, error) {
	switch name {
	case AnyOne:
		return anyOne{}, nil
	case Majority:
		return majority{}, nil
	case Weighted:
		return weighted{}, nil
	case Unanimous:
		return unanimous{name: Unanimous}, nil
	case Committee:
		return unanimous{name: Committee}, nil
	case Hierarchical:
		return hierarchical{}, nil
	case Automatic:
		return automatic{}, nil
	}
	return nil, errors.InvalidInput("strategy", "unknown strategy: "+name)
}

// Known reports whether name is a valid strategy name.
func Known(name string) bool {
	_, err := ForName(name)
	return err == nil
}

func weightOf(p Participant) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

func votesByApprover(votes []Vote) map[string]Vote {
	m := make(map[string]Vote, len(votes))
	for _, v := range votes {
		if _, seen := m[v.ApproverID]; !seen {
			m[v.ApproverID] = v
		}
	}
	return m
}
