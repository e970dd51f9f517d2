package strategy

import (
	"sort"
	"time"
)

// ── AnyOne ───────────────────────────────────────────────────────────────────

// anyOne resolves on the first recorded decision.
type anyOne struct{}

func (anyOne) Name() string { return AnyOne }

func (anyOne) Evaluate(_ []Participant, votes []Vote) Outcome {
	if len(votes) == 0 {
		return OutcomePending
	}
	if votes[0].Approved {
		return OutcomeApproved
	}
	return OutcomeRejected
}

func (anyOne) ApplyEscalation(currentRequired, newCount int) int {
	return currentRequired + newCount
}

func (anyOne) SelectCount() int                 { return 1 }
func (anyOne) DeadlineExtension() time.Duration { return 12 * time.Hour }
func (anyOne) AutoApproves() bool               { return false }

// ── Majority ─────────────────────────────────────────────────────────────────

// majority approves on a strict count majority. A rejection never vetoes; the
// outcome turns rejected only once a majority is arithmetically unreachable.
type majority struct{}

func (majority) Name() string { return Majority }

func (majority) Evaluate(participants []Participant, votes []Vote) Outcome {
	total := len(participants)
	if total == 0 {
		return OutcomePending
	}

	byApprover := votesByApprover(votes)
	approvals, rejections := 0, 0
	for _, p := range participants {
		v, ok := byApprover[p.ID]
		if !ok {
			continue
		}
		if v.Approved {
			approvals++
		} else {
			rejections++
		}
	}

	if 2*approvals > total {
		return OutcomeApproved
	}
	// Even if every undecided participant approves, a majority is out of reach.
	if 2*(total-rejections) <= total {
		return OutcomeRejected
	}
	return OutcomePending
}

func (majority) ApplyEscalation(currentRequired, newCount int) int {
	return currentRequired + newCount
}

func (majority) SelectCount() int                 { return 1 }
func (majority) DeadlineExtension() time.Duration { return 12 * time.Hour }
func (majority) AutoApproves() bool               { return false }

// ── Weighted ─────────────────────────────────────────────────────────────────

// weighted approves when approving weight strictly exceeds half the total
// weight. The comparison is strict (> 50%), matching the executed behavior of
// the original policy rather than its documented-but-unused higher threshold.
type weighted struct{}

func (weighted) Name() string { return Weighted }

func (weighted) Evaluate(participants []Participant, votes []Vote) Outcome {
	total := 0
	for _, p := range participants {
		total += weightOf(p)
	}
	if total == 0 {
		return OutcomePending
	}

	byApprover := votesByApprover(votes)
	approvedWeight, rejectedWeight := 0, 0
	for _, p := range participants {
		v, ok := byApprover[p.ID]
		if !ok {
			continue
		}
		if v.Approved {
			approvedWeight += weightOf(p)
		} else {
			rejectedWeight += weightOf(p)
		}
	}

	if 2*approvedWeight > total {
		return OutcomeApproved
	}
	if 2*(total-rejectedWeight) <= total {
		return OutcomeRejected
	}
	return OutcomePending
}

func (weighted) ApplyEscalation(currentRequired, newCount int) int {
	return currentRequired + newCount
}

func (weighted) SelectCount() int                 { return 1 }
func (weighted) DeadlineExtension() time.Duration { return 12 * time.Hour }
func (weighted) AutoApproves() bool               { return false }

// ── Unanimous / Committee ────────────────────────────────────────────────────

// unanimous approves only when every participant has approved; any single
// rejection is terminal. Committee shares the evaluation but resets the
// required-approver count to the new set size on escalation and receives a
// 48h deadline extension.
type unanimous struct {
	name string
}

func (u unanimous) Name() string { return u.name }

func (u unanimous) Evaluate(participants []Participant, votes []Vote) Outcome {
	if len(participants) == 0 {
		return OutcomePending
	}

	byApprover := votesByApprover(votes)
	for _, p := range participants {
		v, ok := byApprover[p.ID]
		if ok && !v.Approved {
			return OutcomeRejected
		}
	}
	for _, p := range participants {
		if _, ok := byApprover[p.ID]; !ok {
			return OutcomePending
		}
	}
	return OutcomeApproved
}

func (u unanimous) ApplyEscalation(_, newCount int) int {
	return newCount
}

func (u unanimous) SelectCount() int                 { return 3 }
func (u unanimous) DeadlineExtension() time.Duration { return 48 * time.Hour }
func (u unanimous) AutoApproves() bool               { return false }

// ── Hierarchical ─────────────────────────────────────────────────────────────

// hierarchical walks participants in sequence order; only the next pending
// position may vote, a rejection at any position terminates, and approval of
// the last position approves the request.
type hierarchical struct{}

func (hierarchical) Name() string { return Hierarchical }

func (hierarchical) Evaluate(participants []Participant, votes []Vote) Outcome {
	ordered := orderBySequence(participants)
	if len(ordered) == 0 {
		return OutcomePending
	}

	byApprover := votesByApprover(votes)
	for _, p := range ordered {
		v, ok := byApprover[p.ID]
		if !ok {
			return OutcomePending
		}
		if !v.Approved {
			return OutcomeRejected
		}
	}
	return OutcomeApproved
}

func (hierarchical) ApplyEscalation(_, newCount int) int {
	return newCount
}

func (hierarchical) SelectCount() int                 { return 1 }
func (hierarchical) DeadlineExtension() time.Duration { return 24 * time.Hour }
func (hierarchical) AutoApproves() bool               { return false }

// NextPending returns the participant whose turn it is to vote under the
// hierarchical strategy, or false when every position has decided.
func NextPending(participants []Participant, votes []Vote) (Participant, bool) {
	byApprover := votesByApprover(votes)
	for _, p := range orderBySequence(participants) {
		if _, ok := byApprover[p.ID]; !ok {
			return p, true
		}
	}
	return Participant{}, false
}

func orderBySequence(participants []Participant) []Participant {
	ordered := make([]Participant, len(participants))
	copy(ordered, participants)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})
	return ordered
}

// ── Automatic ────────────────────────────────────────────────────────────────

// automatic records a system approval on escalation; it never waits on votes.
type automatic struct{}

func (automatic) Name() string { return Automatic }

func (automatic) Evaluate(_ []Participant, votes []Vote) Outcome {
	if len(votes) == 0 {
		return OutcomePending
	}
	if votes[0].Approved {
		return OutcomeApproved
	}
	return OutcomeRejected
}

func (automatic) ApplyEscalation(currentRequired, _ int) int {
	return currentRequired
}

func (automatic) SelectCount() int                 { return 0 }
func (automatic) DeadlineExtension() time.Duration { return time.Hour }
func (automatic) AutoApproves() bool               { return true }
