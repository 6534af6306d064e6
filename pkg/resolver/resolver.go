// Package resolver turns a request primitive into an immutable
// ResolvedContext: exactly which provider continuation state, frozen prior
// outputs, and prior analysis the next stage needs, with no further store
// lookups required.
package resolver

import (
	"context"
	"fmt"

	"conclave/pkg/artifact"
	"conclave/pkg/continuity"
	"conclave/pkg/logx"
	"conclave/pkg/proto"
)

// ResolvedContext is never mutated after construction.
type ResolvedContext struct {
	// ProviderContexts maps each requested provider to its continuation
	// state. A nil entry means the provider joins as a brand-new
	// participant.
	ProviderContexts map[string]map[string]any
	// FrozenBatch holds, per provider, the latest batch response snapshot
	// for a non-batch recompute. Nil otherwise.
	FrozenBatch map[string]*proto.ProviderResponse
	Analysis    *proto.StructuralAnalysis
	SourceTurn  *proto.Turn
	Type        proto.RequestType
	UserMessage string
	// MappingText / MappingProvider carry the most recent valid mapping
	// output for a non-batch recompute.
	MappingText     string
	MappingProvider string
	// FrozenPromptType / FrozenPromptSeed carry singularity prompt metadata
	// recorded on a prior response, for deterministic re-execution.
	FrozenPromptType string
	FrozenPromptSeed string
	Providers       []string
}

type Resolver struct {
	acc    *continuity.Accessor
	logger *logx.Logger
}

func New(acc *continuity.Accessor) *Resolver {
	return &Resolver{acc: acc, logger: logx.NewLogger("resolver")}
}

// Resolve dispatches on request type. Fails with proto.ErrInvalidRequest for
// an absent or unrecognized type.
func (r *Resolver) Resolve(ctx context.Context, req *proto.Request) (*ResolvedContext, error) {
	switch req.Type {
	case proto.RequestInitialize:
		return r.resolveInitialize(req), nil
	case proto.RequestExtend:
		return r.resolveExtend(ctx, req)
	case proto.RequestRecompute:
		return r.resolveRecompute(ctx, req)
	default:
		return nil, fmt.Errorf("unrecognized request type %q: %w", req.Type, proto.ErrInvalidRequest)
	}
}

// resolveInitialize is trivial: the requested provider set unchanged, every
// provider a new participant. No store access.
func (r *Resolver) resolveInitialize(req *proto.Request) *ResolvedContext {
	contexts := make(map[string]map[string]any, len(req.Providers))
	for _, p := range req.Providers {
		contexts[p] = nil
	}
	return &ResolvedContext{
		Type:             proto.RequestInitialize,
		Providers:        append([]string(nil), req.Providers...),
		ProviderContexts: contexts,
		UserMessage:      req.UserMessage,
	}
}

func (r *Resolver) resolveExtend(ctx context.Context, req *proto.Request) (*ResolvedContext, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("extend requires a session id: %w", proto.ErrInvalidRequest)
	}
	session, err := r.acc.Session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	lastTurn, err := r.acc.LastTurn(ctx, session)
	if err != nil {
		return nil, err
	}

	stored := continuity.NormalizeContexts(lastTurn.ProviderContexts)
	forced := make(map[string]bool, len(req.ForcedContextReset))
	for _, p := range req.ForcedContextReset {
		forced[p] = true
	}

	// Permissive fallback: every requested provider resolves to some usable
	// context. Forced reset wins, then role-scoped state, then legacy flat
	// state, then new joiner.
	contexts := make(map[string]map[string]any, len(req.Providers))
	for _, p := range req.Providers {
		if forced[p] {
			contexts[p] = nil
			continue
		}
		contexts[p] = continuity.ContextFor(stored, p, proto.ResponseBatch)
	}

	analysis := r.resolveAnalysis(ctx, session, lastTurn)

	return &ResolvedContext{
		Type:             proto.RequestExtend,
		Providers:        append([]string(nil), req.Providers...),
		ProviderContexts: contexts,
		Analysis:         analysis,
		SourceTurn:       lastTurn,
		UserMessage:      req.UserMessage,
	}, nil
}

// resolveAnalysis walks, in order: the last turn's stored analysis, the
// session's last structural turn's stored analysis, recomputed analysis from
// the last turn's artifact, recomputed from the structural turn's artifact,
// and (only when no structural turn is recorded) a reverse scan of all AI
// turns. Nil, never an error, when nothing yields a usable analysis.
func (r *Resolver) resolveAnalysis(ctx context.Context, session *proto.Session, lastTurn *proto.Turn) *proto.StructuralAnalysis {
	if lastTurn.Analysis != nil {
		return lastTurn.Analysis
	}

	var structural *proto.Turn
	if session.LastStructuralTurnID != "" && session.LastStructuralTurnID != lastTurn.ID {
		if t, err := r.acc.Turn(ctx, session.LastStructuralTurnID); err == nil {
			structural = t
		} else {
			r.logger.Debug("structural turn %s unavailable: %v", session.LastStructuralTurnID, err)
		}
	}
	if structural != nil && structural.Analysis != nil {
		return structural.Analysis
	}
	if a := artifact.BaseAnalysis(lastTurn.Artifact); a != nil {
		return a
	}
	if structural != nil {
		if a := artifact.BaseAnalysis(structural.Artifact); a != nil {
			return a
		}
	}
	if session.LastStructuralTurnID != "" {
		return nil
	}

	turns, err := r.acc.SessionTurns(ctx, session.ID)
	if err != nil {
		r.logger.Debug("reverse scan unavailable for session %s: %v", session.ID, err)
		return nil
	}
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Kind != proto.TurnAI {
			continue
		}
		if t.Analysis != nil {
			return t.Analysis
		}
		if a := artifact.BaseAnalysis(t.Artifact); a != nil {
			return a
		}
	}
	return nil
}

func (r *Resolver) resolveRecompute(ctx context.Context, req *proto.Request) (*ResolvedContext, error) {
	if req.SessionID == "" || req.SourceTurnID == "" {
		return nil, fmt.Errorf("recompute requires session and source turn ids: %w", proto.ErrInvalidRequest)
	}
	sourceTurn, err := r.acc.Turn(ctx, req.SourceTurnID)
	if err != nil {
		return nil, err
	}

	if req.StepType == proto.StepBatch {
		return r.resolveBatchRecompute(ctx, req, sourceTurn)
	}
	return r.resolveReplayRecompute(ctx, req, sourceTurn)
}

// resolveBatchRecompute prepares a single-provider retry/branch: target
// provider context only, override or original user message, and no frozen
// prior outputs. A batch retry is a fresh call, not a replay.
func (r *Resolver) resolveBatchRecompute(ctx context.Context, req *proto.Request, sourceTurn *proto.Turn) (*ResolvedContext, error) {
	stored := continuity.NormalizeContexts(sourceTurn.ProviderContexts)
	providerCtx := continuity.ContextFor(stored, req.TargetProvider, proto.ResponseBatch)

	userMessage := req.UserMessage
	if userMessage == "" {
		userMessage = r.originalUserMessage(ctx, sourceTurn)
	}

	return &ResolvedContext{
		Type:             proto.RequestRecompute,
		Providers:        []string{req.TargetProvider},
		ProviderContexts: map[string]map[string]any{req.TargetProvider: providerCtx},
		SourceTurn:       sourceTurn,
		UserMessage:      userMessage,
	}, nil
}

// resolveReplayRecompute prepares a mapping/singularity replay: one frozen
// batch snapshot per provider, the most recent valid mapping output, and any
// frozen singularity prompt metadata.
func (r *Resolver) resolveReplayRecompute(ctx context.Context, req *proto.Request, sourceTurn *proto.Turn) (*ResolvedContext, error) {
	responses, err := r.acc.Responses(ctx, sourceTurn.ID)
	if err != nil {
		return nil, err
	}

	frozen := continuity.LatestByProvider(responses, proto.ResponseBatch)
	if len(frozen) == 0 {
		return nil, fmt.Errorf("no batch outputs recorded for turn %s: %w", sourceTurn.ID, proto.ErrMissingData)
	}

	mappingText, mappingProvider := r.selectMapping(responses, req.PreferredMappingProvider)

	rc := &ResolvedContext{
		Type:            proto.RequestRecompute,
		SourceTurn:      sourceTurn,
		FrozenBatch:     frozen,
		MappingText:     mappingText,
		MappingProvider: mappingProvider,
		UserMessage:     req.UserMessage,
	}
	if rc.UserMessage == "" {
		rc.UserMessage = r.originalUserMessage(ctx, sourceTurn)
	}

	// Carry forward frozen singularity prompt type/seed for deterministic
	// re-execution.
	if prior := latestAny(responses, proto.ResponseSingularity); prior != nil && prior.Meta != nil {
		if v, ok := prior.Meta[proto.MetaPromptType].(string); ok {
			rc.FrozenPromptType = v
		}
		if v, ok := prior.Meta[proto.MetaPromptSeed].(string); ok {
			rc.FrozenPromptSeed = v
		}
	}
	return rc, nil
}

// selectMapping locates the most recent non-empty mapping output, honoring a
// preferred-provider hint when that provider has one.
func (r *Resolver) selectMapping(responses []*proto.ProviderResponse, preferred string) (text, providerID string) {
	byProvider := continuity.LatestByProvider(responses, proto.ResponseMapping)
	if preferred != "" {
		if resp, ok := byProvider[preferred]; ok && resp.Text != "" {
			return resp.Text, preferred
		}
	}
	var best *proto.ProviderResponse
	for _, resp := range byProvider {
		if resp.Text == "" {
			continue
		}
		if best == nil || resp.UpdatedAt.After(best.UpdatedAt) {
			best = resp
		}
	}
	if best == nil {
		return "", ""
	}
	return best.Text, best.ProviderID
}

func latestAny(responses []*proto.ProviderResponse, typ proto.ResponseType) *proto.ProviderResponse {
	byProvider := continuity.LatestByProvider(responses, typ)
	var best *proto.ProviderResponse
	for _, resp := range byProvider {
		if best == nil || resp.UpdatedAt.After(best.UpdatedAt) {
			best = resp
		}
	}
	return best
}

func (r *Resolver) originalUserMessage(ctx context.Context, aiTurn *proto.Turn) string {
	if aiTurn.UserTurnID == "" {
		return ""
	}
	userTurn, err := r.acc.Turn(ctx, aiTurn.UserTurnID)
	if err != nil {
		r.logger.Debug("originating user turn %s unavailable: %v", aiTurn.UserTurnID, err)
		return ""
	}
	return userTurn.Text
}
