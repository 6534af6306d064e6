// Package orchestrator drives the multi-stage pipeline: batch fan-out,
// mapping, traversal gating, and the concierge synthesis phase with its
// cross-session continuity protocol.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conclave/pkg/artifact"
	"conclave/pkg/continuity"
	"conclave/pkg/logx"
	"conclave/pkg/metrics"
	"conclave/pkg/prompts"
	"conclave/pkg/proto"
	"conclave/pkg/provider"
	"conclave/pkg/resolver"
	"conclave/pkg/stream"
)

// Config wires the orchestrator's collaborators. Executor is required; all
// other fields have working defaults.
type Config struct {
	Executor                 Executor
	Builder                  prompts.Builder
	Observer                 Observer
	Metrics                  *metrics.Metrics
	DefaultConciergeProvider string
	ProviderTimeout          time.Duration
	AuxiliaryTimeout         time.Duration
}

// Orchestrator owns the pipeline state machine, the delta engine, and the
// in-flight guard for its lifetime.
type Orchestrator struct {
	acc              *continuity.Accessor
	resolver         *resolver.Resolver
	executor         Executor
	builder          prompts.Builder
	deltas           *stream.Engine
	guard            *Guard
	observer         Observer
	metrics          *metrics.Metrics
	logger           *logx.Logger
	defaultConcierge string
	providerTimeout  time.Duration
	auxTimeout       time.Duration
}

func New(store continuity.Store, cfg Config) *Orchestrator {
	if cfg.Builder == nil {
		cfg.Builder = prompts.NoopBuilder{}
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 120 * time.Second
	}
	if cfg.AuxiliaryTimeout <= 0 {
		cfg.AuxiliaryTimeout = 60 * time.Second
	}

	acc := continuity.NewAccessor(store)
	return &Orchestrator{
		acc:              acc,
		resolver:         resolver.New(acc),
		executor:         cfg.Executor,
		builder:          cfg.Builder,
		deltas:           stream.NewEngine(),
		guard:            NewGuard(),
		observer:         cfg.Observer,
		metrics:          cfg.Metrics,
		logger:           logx.NewLogger("orchestrator"),
		defaultConcierge: cfg.DefaultConciergeProvider,
		providerTimeout:  cfg.ProviderTimeout,
		auxTimeout:       cfg.AuxiliaryTimeout,
	}
}

// Deltas exposes the delta engine so the transport layer can attach watch
// channels.
func (o *Orchestrator) Deltas() *stream.Engine { return o.deltas }

// TurnResult is the caller-visible outcome of a pipeline request.
type TurnResult struct {
	Session       *proto.Session
	Turn          *proto.Turn
	ConciergeText string
	// Paused means the turn is awaiting traversal input.
	Paused bool
	// Skipped means a duplicate request was dropped by a guard.
	Skipped bool
}

// ExecuteTurn runs a full step plan for an initialize, extend, or recompute
// request.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, req *proto.Request) (*TurnResult, error) {
	rc, err := o.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	switch rc.Type {
	case proto.RequestInitialize:
		session := o.newSession()
		if err := o.acc.SaveSession(ctx, session); err != nil {
			return nil, err
		}
		return o.runStepPlan(ctx, session, rc, req)
	case proto.RequestExtend:
		session, err := o.acc.Session(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		return o.runStepPlan(ctx, session, rc, req)
	case proto.RequestRecompute:
		session, err := o.acc.Session(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		return o.runRecompute(ctx, session, rc, req)
	default:
		return nil, fmt.Errorf("unhandled request type %q: %w", rc.Type, proto.ErrInvalidRequest)
	}
}

func (o *Orchestrator) newSession() *proto.Session {
	now := time.Now().UTC()
	return &proto.Session{ID: proto.NewID(), CreatedAt: now, UpdatedAt: now}
}

// runStepPlan executes the full pipeline for a new turn: batch fan-out,
// mapping, gating, concierge, finalization.
func (o *Orchestrator) runStepPlan(ctx context.Context, session *proto.Session, rc *resolver.ResolvedContext, req *proto.Request) (*TurnResult, error) {
	aiTurn, err := o.createTurns(ctx, session, rc.UserMessage)
	if err != nil {
		return nil, err
	}

	outputs := o.runBatchStage(ctx, session, aiTurn, rc)
	if err := o.acc.SaveTurn(ctx, aiTurn); err != nil {
		return nil, err
	}

	art := o.runMappingStage(ctx, session, aiTurn, rc.UserMessage, outputs, req.PreferredMappingProvider)
	return o.gateOrSynthesize(ctx, session, aiTurn, art, conciergeInput{
		requested:   req.ConciergeProvider,
		userMessage: rc.UserMessage,
	}, false)
}

// runRecompute re-runs a single stage of a prior turn, writing new responses
// onto the source turn.
func (o *Orchestrator) runRecompute(ctx context.Context, session *proto.Session, rc *resolver.ResolvedContext, req *proto.Request) (*TurnResult, error) {
	turn := rc.SourceTurn

	if req.StepType == proto.StepBatch {
		// A batch retry is a fresh call, not a replay.
		result, _ := o.executeStage(ctx, session, turn, proto.ResponseBatch, req.TargetProvider,
			prompts.Prompt{Text: rc.UserMessage}, rc.ProviderContexts[req.TargetProvider],
			o.nextResponseIndex(ctx, turn.ID), o.providerTimeout)
		if !result.OK {
			return nil, fmt.Errorf("batch recompute for %s failed: %w", req.TargetProvider, result.Err)
		}
		return &TurnResult{Session: session, Turn: turn}, nil
	}

	frozen := make(map[string]string, len(rc.FrozenBatch))
	for providerID, resp := range rc.FrozenBatch {
		frozen[providerID] = resp.Text
	}

	if req.StepType == proto.StepSingularity {
		// Re-execute the concierge step only, against the frozen mapping.
		art := turn.Artifact
		if art == nil && rc.MappingText != "" {
			if parsed, err := artifact.Parse(rc.MappingText); err == nil {
				art = parsed
			}
		}
		if art == nil {
			return nil, fmt.Errorf("no artifact recoverable for singularity recompute: %w", proto.ErrMissingData)
		}
		turn.Artifact = art
		return o.gateOrSynthesize(ctx, session, turn, art, conciergeInput{
			requested:      req.ConciergeProvider,
			userMessage:    rc.UserMessage,
			frozenType:     rc.FrozenPromptType,
			frozenSeed:     rc.FrozenPromptSeed,
			allowReprocess: true,
		}, true)
	}

	// A mapping recompute re-derives an existing artifact. With neither a
	// stored artifact nor a prior mapping output there is nothing to
	// recompute.
	if turn.Artifact == nil && rc.MappingText == "" {
		return nil, fmt.Errorf("no prior mapping recorded for turn %s: %w", turn.ID, proto.ErrMissingData)
	}

	preferred := req.PreferredMappingProvider
	if preferred == "" {
		preferred = rc.MappingProvider
	}
	art := o.runMappingStage(ctx, session, turn, rc.UserMessage, frozen, preferred)
	return o.gateOrSynthesize(ctx, session, turn, art, conciergeInput{
		requested:      req.ConciergeProvider,
		userMessage:    rc.UserMessage,
		frozenType:     rc.FrozenPromptType,
		frozenSeed:     rc.FrozenPromptSeed,
		allowReprocess: true,
	}, false)
}

// createTurns persists the user turn and the AI turn at step-plan start, and
// points the session at the new turn. Returns the AI turn the pipeline
// writes to.
func (o *Orchestrator) createTurns(ctx context.Context, session *proto.Session, userMessage string) (*proto.Turn, error) {
	now := time.Now().UTC()
	userTurn := &proto.Turn{
		ID:        proto.NewID(),
		SessionID: session.ID,
		Kind:      proto.TurnUser,
		Text:      userMessage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.acc.SaveTurn(ctx, userTurn); err != nil {
		return nil, err
	}

	aiTurn := &proto.Turn{
		ID:               proto.NewID(),
		SessionID:        session.ID,
		Kind:             proto.TurnAI,
		UserTurnID:       userTurn.ID,
		ProviderContexts: make(map[string]map[string]any),
		CreatedAt:        now.Add(time.Millisecond),
		UpdatedAt:        now,
	}
	if err := o.acc.SaveTurn(ctx, aiTurn); err != nil {
		return nil, err
	}

	session.LastTurnID = aiTurn.ID
	if err := o.acc.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return aiTurn, nil
}

// runBatchStage fans the user message out to every resolved provider
// concurrently and returns the successful outputs by provider. Continuation
// metadata is stored verbatim on the turn under the role-scoped key.
func (o *Orchestrator) runBatchStage(ctx context.Context, session *proto.Session, turn *proto.Turn, rc *resolver.ResolvedContext) map[string]string {
	type batchOutcome struct {
		result     provider.Result
		providerID string
	}

	// Indexes are allocated up front; the goroutines must not race for them.
	base := o.nextResponseIndex(ctx, turn.ID)
	results := make(chan batchOutcome, len(rc.Providers))
	for i, providerID := range rc.Providers {
		go func(pid string, index int) {
			result, _ := o.executeStage(ctx, session, turn, proto.ResponseBatch, pid,
				prompts.Prompt{Text: rc.UserMessage}, rc.ProviderContexts[pid], index, o.providerTimeout)
			results <- batchOutcome{providerID: pid, result: result}
		}(providerID, base+i)
	}

	outputs := make(map[string]string, len(rc.Providers))
	for range rc.Providers {
		outcome := <-results
		if outcome.result.OK {
			outputs[outcome.providerID] = outcome.result.Text
			turn.ProviderContexts[outcome.providerID+":"+string(proto.ResponseBatch)] = outcome.result.Meta
		}
	}
	return outputs
}

// runMappingStage asks one provider to fold the batch outputs into a
// decision artifact. Failure is fatal to the stage, not the turn: the caller
// proceeds without an artifact.
func (o *Orchestrator) runMappingStage(ctx context.Context, session *proto.Session, turn *proto.Turn, userMessage string, outputs map[string]string, preferred string) *proto.DecisionArtifact {
	if len(outputs) == 0 {
		o.logger.Warn("mapping skipped for turn %s: no batch outputs", turn.ID)
		return nil
	}

	providerID := preferred
	if _, ok := outputs[providerID]; !ok {
		ids := make([]string, 0, len(outputs))
		for id := range outputs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		providerID = ids[0]
	}

	result, _ := o.executeStage(ctx, session, turn, proto.ResponseMapping, providerID,
		prompts.Prompt{Text: mappingInput(userMessage, outputs)}, nil,
		o.nextResponseIndex(ctx, turn.ID), o.auxTimeout)
	if !result.OK {
		return nil
	}

	art, err := artifact.Parse(result.Text)
	if err != nil {
		o.logger.Warn("mapping output for turn %s yielded no artifact: %v", turn.ID, err)
		return nil
	}
	return art
}

// mappingInput assembles the mapping stage input from the batch outputs in
// deterministic provider order.
func mappingInput(userMessage string, outputs map[string]string) string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", userMessage)
	for i, id := range ids {
		fmt.Fprintf(&sb, "Answer %d (%s):\n%s\n\n", i+1, id, outputs[id])
	}
	return sb.String()
}

// gateOrSynthesize applies the traversal gate and, when the turn is not
// paused, drives the concierge phase and finalizes the turn.
func (o *Orchestrator) gateOrSynthesize(ctx context.Context, session *proto.Session, turn *proto.Turn, art *proto.DecisionArtifact, in conciergeInput, traversalContinuation bool) (*TurnResult, error) {
	if art != nil {
		turn.Artifact = art
		batch, err := o.acc.Responses(ctx, turn.ID)
		if err == nil {
			turn.Analysis = artifact.FullAnalysis(art, continuity.LatestByProvider(batch, proto.ResponseBatch))
		} else {
			turn.Analysis = artifact.BaseAnalysis(art)
		}
		session.LastStructuralTurnID = turn.ID
		if err := o.acc.SaveSession(ctx, session); err != nil {
			return nil, err
		}
	}

	// Entered only when the artifact can gate and this request is not
	// itself a traversal continuation.
	if art.RequiresTraversal() && !traversalContinuation {
		turn.PipelineStatus = proto.PipelineAwaitingTraversal
		if err := o.acc.SaveTurn(ctx, turn); err != nil {
			return nil, err
		}
		o.metrics.TurnsGated.Inc()
		o.observer.OnArtifactReady(ArtifactReady{
			SessionID:      session.ID,
			TurnID:         turn.ID,
			Artifact:       art,
			PipelineStatus: proto.PipelineAwaitingTraversal,
		})
		return &TurnResult{Session: session, Turn: turn, Paused: true}, nil
	}

	conciergeText, err := o.runConcierge(ctx, session, turn, in)
	if err != nil {
		// Stage failure was already captured and reported; the turn still
		// completes with whatever was produced.
		o.logger.Error("concierge phase failed for turn %s: %v", turn.ID, err)
	}

	turn.PipelineStatus = proto.PipelineComplete
	if err := o.acc.SaveTurn(ctx, turn); err != nil {
		return nil, err
	}

	o.observer.OnArtifactReady(ArtifactReady{
		SessionID:      session.ID,
		TurnID:         turn.ID,
		Artifact:       art,
		ConciergeText:  conciergeText,
		PipelineStatus: proto.PipelineComplete,
	})
	o.emitTurnFinalized(ctx, session, turn)

	return &TurnResult{Session: session, Turn: turn, ConciergeText: conciergeText}, nil
}

// executeStage runs one provider call: persists the pending response, feeds
// snapshots through the delta engine, and persists the terminal state with
// the frozen prompt. Failures are captured into the response, never thrown.
func (o *Orchestrator) executeStage(ctx context.Context, session *proto.Session, turn *proto.Turn, stage proto.ResponseType, providerID string, prompt prompts.Prompt, continuation map[string]any, index int, timeout time.Duration) (provider.Result, *proto.ProviderResponse) {
	now := time.Now().UTC()
	response := &proto.ProviderResponse{
		ID:            proto.NewID(),
		TurnID:        turn.ID,
		ProviderID:    providerID,
		Type:          stage,
		ResponseIndex: index,
		Status:        proto.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Meta: map[string]any{
			proto.MetaPromptText: prompt.Text,
			proto.MetaPromptType: prompt.Type,
			proto.MetaPromptSeed: prompt.Seed,
		},
	}
	if err := o.acc.SaveResponse(ctx, response); err != nil {
		o.logger.Error("failed to persist pending response for %s/%s: %v", turn.ID, providerID, err)
	}

	started := time.Now()
	result := o.executor.Execute(ctx, &StepSpec{
		SessionID:    session.ID,
		TurnID:       turn.ID,
		Stage:        stage,
		ProviderID:   providerID,
		Prompt:       prompt,
		Continuation: continuation,
		Timeout:      timeout,
	}, func(fullText string) {
		response.Status = proto.StatusStreaming
		if _, emitted := o.deltas.ComputeDelta(session.ID, string(stage), providerID, fullText); emitted {
			o.metrics.DeltasEmitted.Inc()
		}
	})
	o.metrics.ProviderLatency.WithLabelValues(providerID, session.ID).Observe(time.Since(started).Seconds())

	if result.OK {
		response.Status = proto.StatusCompleted
		response.Text = result.Text
		for k, v := range result.Meta {
			response.Meta[k] = v
		}
		o.deltas.ForceFinal(session.ID, string(stage), providerID, result.Text)
		o.metrics.ProviderCalls.WithLabelValues(providerID, "ok", session.ID).Inc()
	} else {
		response.Status = proto.StatusError
		if result.Err != nil {
			response.Meta["error"] = result.Err.Error()
			response.Meta["error_type"] = result.Err.Type.String()
		}
		o.metrics.ProviderCalls.WithLabelValues(providerID, "error", session.ID).Inc()
	}

	if err := o.acc.SaveResponse(ctx, response); err != nil {
		o.logger.Error("failed to persist response for %s/%s: %v", turn.ID, providerID, err)
	}

	update := StepUpdate{
		SessionID:  session.ID,
		TurnID:     turn.ID,
		Stage:      stage,
		ProviderID: providerID,
		Status:     StepCompleted,
		Result:     response,
	}
	if !result.OK {
		update.Status = StepFailed
		if result.Err != nil {
			update.Error = result.Err.Error()
		}
	}
	o.observer.OnStepUpdate(update)
	o.metrics.StageOutcomes.WithLabelValues(string(stage), string(update.Status)).Inc()

	return result, response
}

func (o *Orchestrator) nextResponseIndex(ctx context.Context, turnID string) int {
	responses, err := o.acc.Responses(ctx, turnID)
	if err != nil {
		return 0
	}
	next := 0
	for _, r := range responses {
		if r.ResponseIndex >= next {
			next = r.ResponseIndex + 1
		}
	}
	return next
}

// emitTurnFinalized reconstructs the full turn view from persisted responses
// bucketed by stage type and provider, sorted by response index.
func (o *Orchestrator) emitTurnFinalized(ctx context.Context, session *proto.Session, turn *proto.Turn) {
	responses, err := o.acc.Responses(ctx, turn.ID)
	if err != nil {
		o.logger.Error("failed to reconstruct turn %s: %v", turn.ID, err)
		return
	}

	buckets := make(map[proto.ResponseType]map[string][]*proto.ProviderResponse)
	for _, r := range responses {
		byProvider, ok := buckets[r.Type]
		if !ok {
			byProvider = make(map[string][]*proto.ProviderResponse)
			buckets[r.Type] = byProvider
		}
		byProvider[r.ProviderID] = append(byProvider[r.ProviderID], r)
	}
	for _, byProvider := range buckets {
		for _, list := range byProvider {
			sort.Slice(list, func(i, j int) bool { return list[i].ResponseIndex < list[j].ResponseIndex })
		}
	}

	o.observer.OnTurnFinalized(TurnFinalized{
		SessionID: session.ID,
		Turn:      turn,
		Responses: buckets,
	})
}
