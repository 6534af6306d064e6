package orchestrator

import (
	"context"
	"fmt"

	"conclave/pkg/artifact"
	"conclave/pkg/continuity"
	"conclave/pkg/prompts"
	"conclave/pkg/proto"
)

// conciergeInput parameterizes one concierge execution.
type conciergeInput struct {
	// requested overrides provider resolution. nil resolves from history and
	// config; a pointer to the empty string disables the phase.
	requested   *string
	userMessage string
	// frozenType/frozenSeed replay a prior prompt decision during recompute
	// and continuation.
	frozenType string
	frozenSeed string
	// allowReprocess bypasses the last-processed-turn idempotency check.
	// Continuations and singularity recomputes re-enter deliberately.
	allowReprocess bool
}

// runConcierge drives the synthesis phase for one turn: provider resolution,
// the idempotency check, the fresh-instance decision, tiered prompt
// construction, execution, handoff extraction, and the atomic state update.
// Returns the user-visible synthesis text.
func (o *Orchestrator) runConcierge(ctx context.Context, session *proto.Session, turn *proto.Turn, in conciergeInput) (string, error) {
	providerID := o.resolveConciergeProvider(session, in.requested)
	if providerID == "" {
		o.logger.Debug("concierge disabled for session %s", session.ID)
		return "", nil
	}

	if !in.allowReprocess && session.Concierge.LastProcessedTurnID == turn.ID {
		o.logger.Info("concierge already processed turn %s, skipping", turn.ID)
		o.metrics.ConciergeSkips.Inc()
		return "", nil
	}

	decision := continuity.DecideInstance(&session.Concierge, providerID)
	o.logger.Debug("concierge instance for session %s: fresh=%v turn=%d carry=%v",
		session.ID, decision.Fresh, decision.TurnNumber, decision.CarryHandoff)

	prompt := o.buildConciergePrompt(session, turn, in, decision)

	var continuation map[string]any
	if !decision.Fresh {
		continuation = o.conciergeContinuation(ctx, session, providerID)
	}

	result, response := o.executeStage(ctx, session, turn, proto.ResponseSingularity,
		providerID, prompt, continuation, o.nextResponseIndex(ctx, turn.ID), o.providerTimeout)
	if !result.OK {
		if result.Err != nil {
			return "", fmt.Errorf("concierge call to %s failed: %w", providerID, result.Err)
		}
		return "", fmt.Errorf("concierge call to %s failed", providerID)
	}

	visible, handoff := artifact.ExtractHandoff(result.Text)
	if handoff != nil {
		response.Text = visible
		response.Meta[proto.MetaHandoff] = handoff.Payload
		response.Meta[proto.MetaHandoffCommit] = handoff.Commit
		if err := o.acc.SaveResponse(ctx, response); err != nil {
			o.logger.Error("failed to persist handoff for turn %s: %v", turn.ID, err)
		}
	}
	o.deltas.ForceFinal(session.ID, string(proto.ResponseSingularity), providerID, visible)

	// The response is durable first; a failed state write is logged and never
	// rolls it back.
	var payload map[string]any
	var commit bool
	if handoff != nil {
		payload = handoff.Payload
		commit = handoff.Commit
	}
	err := o.acc.UpdateConcierge(ctx, session.ID, func(state *proto.ConciergeState) {
		continuity.ApplyExecution(state, providerID, turn.ID, decision, payload, commit)
	})
	if err != nil {
		o.logger.Error("concierge state update for session %s failed: %v", session.ID, err)
	} else {
		continuity.ApplyExecution(&session.Concierge, providerID, turn.ID, decision, payload, commit)
	}

	return visible, nil
}

// resolveConciergeProvider applies the precedence: explicit request, then the
// last provider used in this session, then the configured default. An
// explicit empty string disables the phase.
func (o *Orchestrator) resolveConciergeProvider(session *proto.Session, requested *string) string {
	if requested != nil {
		return *requested
	}
	if session.Concierge.LastProvider != "" {
		return session.Concierge.LastProvider
	}
	return o.defaultConcierge
}

// buildConciergePrompt selects the tier by turn number: full on turn 1,
// optimized on turn 2, dynamic from turn 3. Any tier failure falls back to a
// degraded full build, and finally to the bare user message.
func (o *Orchestrator) buildConciergePrompt(session *proto.Session, turn *proto.Turn, in conciergeInput, decision continuity.InstanceDecision) prompts.Prompt {
	input := &prompts.Input{
		UserMessage: in.userMessage,
		Analysis:    turn.Analysis,
		Artifact:    turn.Artifact,
		TurnNumber:  decision.TurnNumber,
		FrozenType:  in.frozenType,
		FrozenSeed:  in.frozenSeed,
	}
	switch {
	case decision.TurnNumber <= 1:
		if decision.CarryHandoff {
			input.Handoff = session.Concierge.PendingHandoff
		}
	case decision.TurnNumber >= 3:
		input.Handoff = session.Concierge.PendingHandoff
	}

	var prompt prompts.Prompt
	var err error
	switch {
	case decision.TurnNumber <= 1:
		prompt, err = o.builder.BuildFull(input)
	case decision.TurnNumber == 2:
		prompt, err = o.builder.BuildOptimized(input)
	default:
		prompt, err = o.builder.BuildDynamic(input)
	}
	if err == nil {
		return prompt
	}

	o.logger.Warn("prompt tier failed for session %s turn %d, degrading: %v",
		session.ID, decision.TurnNumber, err)
	degraded := &prompts.Input{
		UserMessage: in.userMessage,
		Handoff:     input.Handoff,
		TurnNumber:  decision.TurnNumber,
		FrozenType:  in.frozenType,
		FrozenSeed:  in.frozenSeed,
		Degraded:    true,
	}
	prompt, err = o.builder.BuildFull(degraded)
	if err != nil {
		o.logger.Error("degraded prompt build failed for session %s: %v", session.ID, err)
		return prompts.Prompt{Text: in.userMessage, Type: prompts.TypeDegraded}
	}
	return prompt
}

// conciergeContinuation recovers the provider-session continuation metadata
// from the latest singularity response of the last processed turn.
func (o *Orchestrator) conciergeContinuation(ctx context.Context, session *proto.Session, providerID string) map[string]any {
	lastTurnID := session.Concierge.LastProcessedTurnID
	if lastTurnID == "" {
		return nil
	}
	responses, err := o.acc.Responses(ctx, lastTurnID)
	if err != nil {
		o.logger.Warn("failed to load prior concierge responses for session %s: %v", session.ID, err)
		return nil
	}
	prior := continuity.Latest(responses, providerID, proto.ResponseSingularity)
	if prior == nil {
		return nil
	}
	return prior.Meta
}
