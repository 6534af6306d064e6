package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"conclave/pkg/artifact"
	"conclave/pkg/continuity"
	"conclave/pkg/proto"
)

// HandleContinueRequest re-enters a finished or gated turn: traversal
// continuations resume a paused pipeline with the user's resolved choices,
// plain continuations drive another concierge round on the same turn.
// Duplicate requests for the same (session, turn, provider) are dropped
// silently while one is in flight.
func (o *Orchestrator) HandleContinueRequest(ctx context.Context, req *proto.ContinueRequest) (*TurnResult, error) {
	key := req.SessionID + "|" + req.AITurnID + "|" + req.ProviderID
	if !o.guard.TryAcquire(key) {
		o.logger.Info("continuation for %s already in flight, dropping duplicate", key)
		return &TurnResult{Skipped: true}, nil
	}
	defer o.guard.Release(key)

	turn, err := o.acc.Turn(ctx, req.AITurnID)
	if err != nil {
		return nil, err
	}
	if turn.SessionID != req.SessionID {
		return nil, fmt.Errorf("turn %s does not belong to session %s: %w",
			req.AITurnID, req.SessionID, proto.ErrInvalidRequest)
	}
	session, err := o.acc.Session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if req.IsTraversalContinuation && turn.PipelineStatus != proto.PipelineAwaitingTraversal {
		return nil, fmt.Errorf("turn %s is not awaiting traversal: %w", turn.ID, proto.ErrInvalidRequest)
	}

	art, err := o.recoverArtifact(ctx, turn, req.Artifact)
	if err != nil {
		return nil, err
	}

	message, err := o.continuationMessage(ctx, turn, req, art)
	if err != nil {
		return nil, err
	}

	frozenType, frozenSeed := o.frozenPromptDecision(ctx, turn)

	var requested *string
	if req.ProviderID != "" {
		requested = &req.ProviderID
	}
	return o.gateOrSynthesize(ctx, session, turn, art, conciergeInput{
		requested:      requested,
		userMessage:    message,
		frozenType:     frozenType,
		frozenSeed:     frozenSeed,
		allowReprocess: true,
	}, true)
}

// recoverArtifact applies the artifact recovery chain: request payload, the
// turn's stored artifact, then a re-parse of the latest mapping response.
func (o *Orchestrator) recoverArtifact(ctx context.Context, turn *proto.Turn, supplied *proto.DecisionArtifact) (*proto.DecisionArtifact, error) {
	if supplied != nil {
		return supplied, nil
	}
	if turn.Artifact != nil {
		return turn.Artifact, nil
	}

	responses, err := o.acc.Responses(ctx, turn.ID)
	if err != nil {
		return nil, err
	}
	byProvider := continuity.LatestByProvider(responses, proto.ResponseMapping)
	var latest *proto.ProviderResponse
	for _, r := range byProvider {
		if latest == nil || r.UpdatedAt.After(latest.UpdatedAt) {
			latest = r
		}
	}
	if latest == nil || latest.Text == "" {
		return nil, fmt.Errorf("no artifact recoverable for turn %s: %w", turn.ID, proto.ErrMissingData)
	}
	art, err := artifact.Parse(latest.Text)
	if err != nil {
		return nil, fmt.Errorf("artifact recovery for turn %s: %w", turn.ID, err)
	}
	return art, nil
}

// continuationMessage picks the message driving the concierge round: the
// synthesized traversal summary, the explicit follow-up, or the originating
// user turn's text.
func (o *Orchestrator) continuationMessage(ctx context.Context, turn *proto.Turn, req *proto.ContinueRequest, art *proto.DecisionArtifact) (string, error) {
	if req.IsTraversalContinuation {
		return traversalMessage(art, req.TraversalState), nil
	}
	if req.UserMessage != "" {
		return req.UserMessage, nil
	}
	if turn.UserTurnID == "" {
		return "", fmt.Errorf("turn %s has no originating user turn: %w", turn.ID, proto.ErrMissingData)
	}
	userTurn, err := o.acc.Turn(ctx, turn.UserTurnID)
	if err != nil {
		return "", err
	}
	return userTurn.Text, nil
}

// traversalMessage folds the user's forcing point choices into a synthesis
// instruction, in deterministic forcing point order.
func traversalMessage(art *proto.DecisionArtifact, state map[string]string) string {
	var sb strings.Builder
	sb.WriteString("The user walked the decision map and resolved the open choices:\n")

	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	labels := make(map[string]string)
	if art != nil {
		for _, fp := range art.ForcingPoints {
			labels[fp.ID] = fp.Question
		}
	}
	for _, id := range ids {
		if q := labels[id]; q != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", q, state[id])
		} else {
			fmt.Fprintf(&sb, "- %s: %s\n", id, state[id])
		}
	}
	sb.WriteString("Synthesize the final recommendation under these choices.")
	return sb.String()
}

// frozenPromptDecision recovers the prompt type and seed frozen by the prior
// singularity response, so a continuation replays the same prompt decision.
func (o *Orchestrator) frozenPromptDecision(ctx context.Context, turn *proto.Turn) (string, string) {
	responses, err := o.acc.Responses(ctx, turn.ID)
	if err != nil {
		return "", ""
	}
	byProvider := continuity.LatestByProvider(responses, proto.ResponseSingularity)
	var latest *proto.ProviderResponse
	for _, r := range byProvider {
		if latest == nil || r.UpdatedAt.After(latest.UpdatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return "", ""
	}
	typ, _ := latest.Meta[proto.MetaPromptType].(string)
	seed, _ := latest.Meta[proto.MetaPromptSeed].(string)
	return typ, seed
}
