package continuity

import "conclave/pkg/proto"

// InstanceDecision is the outcome of the fresh-instance rule for one
// concierge execution.
type InstanceDecision struct {
	// Fresh means the provider session must be (re)started.
	Fresh bool
	// TurnNumber is the 1-based turn counter within the current provider
	// session instance.
	TurnNumber int
	// CarryHandoff means the pending handoff payload should be folded into
	// the first prompt of the new instance.
	CarryHandoff bool
}

// DecideInstance applies the fresh-instance rule: a fresh provider session is
// required if the concierge phase never ran for this session, the resolved
// provider differs from the last-used one, or the prior turn asked to commit
// its handoff. A fresh instance resets the turn counter to 1.
func DecideInstance(state *proto.ConciergeState, providerID string) InstanceDecision {
	fresh := !state.HasRun || state.LastProvider != providerID || state.CommitPending
	decision := InstanceDecision{Fresh: fresh}
	if fresh {
		decision.TurnNumber = 1
		decision.CarryHandoff = state.CommitPending && state.PendingHandoff != nil
	} else {
		decision.TurnNumber = state.TurnCount + 1
	}
	return decision
}

// ApplyExecution folds a successful concierge execution into the state
// record. Called inside the accessor's atomic read-modify-write. A response
// that volunteers no handoff leaves the prior pending payload in place so
// later follow-up prompts can still echo it; the commit flag always reflects
// the new response, so a consumed commit does not force fresh instances
// forever.
func ApplyExecution(state *proto.ConciergeState, providerID, turnID string, decision InstanceDecision, handoff map[string]any, commit bool) {
	state.HasRun = true
	state.LastProvider = providerID
	state.LastProcessedTurnID = turnID
	state.TurnCount = decision.TurnNumber
	if handoff != nil {
		state.PendingHandoff = handoff
	}
	state.CommitPending = commit
}
