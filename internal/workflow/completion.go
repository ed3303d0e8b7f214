package workflow

import "github.com/pitabwire/quorum/model"

// Tally is the decision count of one step. Rejected counts every decline
// the completion rules read: REJECTED and RETURNED decisions and escalations
// that were not handed to a replacement. Returned is the RETURNED share of
// Rejected.
type Tally struct {
	Total    int
	Approved int
	Rejected int
	Returned int
	Pending  int
}

// TallyOf counts the step instances of one step. Cancelled instances stay in
// the total as neither approving nor declining. An escalated instance that
// was replaced by a new assignment is left out of the tally entirely.
func TallyOf(steps []model.StepInstance) Tally {
	var t Tally
	for _, s := range steps {
		switch s.Status {
		case model.StepStatusPending:
			t.Pending++
		case model.StepStatusApproved:
			t.Approved++
		case model.StepStatusRejected:
			t.Rejected++
		case model.StepStatusReturned:
			t.Rejected++
			t.Returned++
		case model.StepStatusEscalated:
			if s.EscalatedTo != "" {
				continue
			}
			t.Rejected++
		}
		t.Total++
	}
	return t
}

// EvaluateCompletion applies a completion rule to a tally. It reports
// whether the step is decided and, if so, the outcome.
//
//	ALL   approves when every agent approved; rejects on the first decline.
//	ANY   approves on the first approval; rejects when every agent declined.
//	MIN_N approves when approvals reach min; rejects when the agents that
//	      have not declined can no longer reach min.
func EvaluateCompletion(rule string, minApprovals int, t Tally) (bool, string) {
	if t.Total == 0 {
		return false, ""
	}
	switch rule {
	case model.CompletionAny:
		if t.Approved > 0 {
			return true, model.OutcomeApproved
		}
		if t.Rejected == t.Total {
			return true, model.OutcomeRejected
		}
	case model.CompletionMinN:
		if minApprovals < 1 {
			minApprovals = 1
		}
		if t.Approved >= minApprovals {
			return true, model.OutcomeApproved
		}
		if t.Total-t.Rejected < minApprovals {
			return true, model.OutcomeRejected
		}
	default:
		if t.Rejected > 0 {
			return true, model.OutcomeRejected
		}
		if t.Approved == t.Total {
			return true, model.OutcomeApproved
		}
	}
	return false, ""
}

// shortCircuits reports whether an approval under rule can leave agents
// undecided.
func shortCircuits(rule string) bool {
	return rule == model.CompletionAny || rule == model.CompletionMinN
}
