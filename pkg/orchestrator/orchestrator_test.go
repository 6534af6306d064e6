package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/persistence"
	"conclave/pkg/prompts"
	"conclave/pkg/proto"
	"conclave/pkg/provider"
)

// newTestBuilder returns the real tiered builder so prompt-content
// assertions see structured output.
func newTestBuilder() (prompts.Builder, error) {
	return prompts.NewTieredBuilder(0)
}

const (
	plainArtifact = `{"claims":[{"id":"c1","text":"use sqlite"}]}`
	gatedArtifact = `{
		"claims": [{"id": "c1", "text": "depends on scale"}],
		"traversal": {"tiers": [{"claim_ids": ["c1"]}]},
		"forcing_points": [{"id": "fp1", "claim_id": "c1", "question": "How much scale?",
			"options": [{"label": "small"}, {"label": "large"}]}]
	}`
)

// fakeExecutor scripts provider results per stage and records every call.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []*StepSpec
	fn    func(step *StepSpec) provider.Result
}

func (f *fakeExecutor) Execute(_ context.Context, step *StepSpec, onSnapshot func(string)) provider.Result {
	f.mu.Lock()
	f.calls = append(f.calls, step)
	f.mu.Unlock()

	result := f.fn(step)
	if result.OK && onSnapshot != nil {
		onSnapshot(result.Text)
	}
	return result
}

func (f *fakeExecutor) stageCalls(stage proto.ResponseType) []*StepSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*StepSpec
	for _, c := range f.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// defaultScript answers every stage: batch echoes the provider, mapping
// yields the given artifact, singularity synthesizes.
func defaultScript(mappingArtifact string) func(step *StepSpec) provider.Result {
	return func(step *StepSpec) provider.Result {
		switch step.Stage {
		case proto.ResponseBatch:
			return provider.Result{
				ProviderID: step.ProviderID,
				OK:         true,
				Text:       "answer from " + step.ProviderID,
				Meta:       map[string]any{"message_id": "m-" + step.ProviderID},
			}
		case proto.ResponseMapping:
			return provider.Result{ProviderID: step.ProviderID, OK: true, Text: mappingArtifact}
		default:
			return provider.Result{
				ProviderID: step.ProviderID,
				OK:         true,
				Text:       "the synthesis",
				Meta:       map[string]any{"message_id": "synth-" + step.ProviderID},
			}
		}
	}
}

func newTestOrchestrator(t *testing.T, fn func(step *StepSpec) provider.Result) (*Orchestrator, *fakeExecutor) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	executor := &fakeExecutor{fn: fn}
	orch := New(db, Config{
		Executor:                 executor,
		DefaultConciergeProvider: "p1",
	})
	return orch, executor
}

func initRequest(providers ...string) *proto.Request {
	return &proto.Request{
		Type:        proto.RequestInitialize,
		Providers:   providers,
		UserMessage: "which database should I use?",
	}
}

func TestInitializeRunsFullPipeline(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(plainArtifact))

	result, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)
	assert.False(t, result.Paused)
	assert.Equal(t, "the synthesis", result.ConciergeText)
	assert.Equal(t, proto.PipelineComplete, result.Turn.PipelineStatus)

	assert.Len(t, executor.stageCalls(proto.ResponseBatch), 2)
	assert.Len(t, executor.stageCalls(proto.ResponseMapping), 1)
	assert.Len(t, executor.stageCalls(proto.ResponseSingularity), 1)

	// Every stage's response is durable on the AI turn.
	responses, err := orch.acc.Responses(ctx, result.Turn.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 4)

	// The artifact and analysis landed on the turn, and the session tracks
	// the structural turn.
	turn, err := orch.acc.Turn(ctx, result.Turn.ID)
	require.NoError(t, err)
	require.NotNil(t, turn.Artifact)
	require.NotNil(t, turn.Analysis)
	assert.True(t, turn.Analysis.Full)

	session, err := orch.acc.Session(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Turn.ID, session.LastTurnID)
	assert.Equal(t, result.Turn.ID, session.LastStructuralTurnID)
	assert.True(t, session.Concierge.HasRun)
	assert.Equal(t, "p1", session.Concierge.LastProvider)
	assert.Equal(t, result.Turn.ID, session.Concierge.LastProcessedTurnID)
	assert.Equal(t, 1, session.Concierge.TurnCount)
}

func TestBatchContinuationStoredRoleScoped(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, defaultScript(plainArtifact))

	result, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)

	turn, err := orch.acc.Turn(ctx, result.Turn.ID)
	require.NoError(t, err)
	require.Contains(t, turn.ProviderContexts, "p1:batch")
	assert.Equal(t, "m-p1", turn.ProviderContexts["p1:batch"]["message_id"])
}

func TestBatchFailureDoesNotAbortTurn(t *testing.T) {
	ctx := context.Background()
	script := defaultScript(plainArtifact)
	orch, executor := newTestOrchestrator(t, func(step *StepSpec) provider.Result {
		if step.Stage == proto.ResponseBatch && step.ProviderID == "p2" {
			return provider.Result{
				ProviderID: step.ProviderID,
				Err:        provider.NewError(provider.ErrorTypeRateLimit, "429 slow down"),
			}
		}
		return script(step)
	})

	result, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)
	assert.Equal(t, "the synthesis", result.ConciergeText)

	// The failed provider's response is recorded with error status; the
	// mapping stage ran on the surviving output.
	responses, err := orch.acc.Responses(ctx, result.Turn.ID)
	require.NoError(t, err)
	var failed *proto.ProviderResponse
	for _, r := range responses {
		if r.ProviderID == "p2" && r.Type == proto.ResponseBatch {
			failed = r
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, proto.StatusError, failed.Status)

	mapping := executor.stageCalls(proto.ResponseMapping)
	require.Len(t, mapping, 1)
	assert.Equal(t, "p1", mapping[0].ProviderID)
}

func TestAllBatchesFailSkipsMappingAndCompletes(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, func(step *StepSpec) provider.Result {
		if step.Stage == proto.ResponseBatch {
			return provider.Result{
				ProviderID: step.ProviderID,
				Err:        provider.NewError(provider.ErrorTypeNetwork, "connection refused"),
			}
		}
		return defaultScript(plainArtifact)(step)
	})

	result, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)
	assert.Equal(t, proto.PipelineComplete, result.Turn.PipelineStatus)
	assert.Empty(t, executor.stageCalls(proto.ResponseMapping))
	assert.Nil(t, result.Turn.Artifact)
}

func TestGatingPausesBeforeConcierge(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(gatedArtifact))

	result, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)
	assert.True(t, result.Paused)
	assert.Empty(t, result.ConciergeText)
	assert.Equal(t, proto.PipelineAwaitingTraversal, result.Turn.PipelineStatus)

	// The concierge must not run while the turn is gated.
	assert.Empty(t, executor.stageCalls(proto.ResponseSingularity))

	turn, err := orch.acc.Turn(ctx, result.Turn.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PipelineAwaitingTraversal, turn.PipelineStatus)
	assert.True(t, turn.Artifact.RequiresTraversal())
}

func TestTraversalContinuationCompletesTurn(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(gatedArtifact))

	gated, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)
	require.True(t, gated.Paused)

	result, err := orch.HandleContinueRequest(ctx, &proto.ContinueRequest{
		SessionID:               gated.Session.ID,
		AITurnID:                gated.Turn.ID,
		TraversalState:          map[string]string{"fp1": "large"},
		IsTraversalContinuation: true,
	})
	require.NoError(t, err)
	assert.False(t, result.Paused)
	assert.Equal(t, "the synthesis", result.ConciergeText)
	assert.Equal(t, proto.PipelineComplete, result.Turn.PipelineStatus)

	// The synthesis prompt carries the resolved choices.
	singularity := executor.stageCalls(proto.ResponseSingularity)
	require.Len(t, singularity, 1)
	assert.Contains(t, singularity[0].Prompt.Text, "How much scale?")
	assert.Contains(t, singularity[0].Prompt.Text, "large")

	turn, err := orch.acc.Turn(ctx, result.Turn.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.PipelineComplete, turn.PipelineStatus)
}

func TestTraversalContinuationRequiresGatedTurn(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, defaultScript(plainArtifact))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)
	require.False(t, done.Paused)

	_, err = orch.HandleContinueRequest(ctx, &proto.ContinueRequest{
		SessionID:               done.Session.ID,
		AITurnID:                done.Turn.ID,
		IsTraversalContinuation: true,
	})
	assert.ErrorIs(t, err, proto.ErrInvalidRequest)
}

func TestContinuationRejectsForeignSession(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, defaultScript(plainArtifact))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)

	_, err = orch.HandleContinueRequest(ctx, &proto.ContinueRequest{
		SessionID: "someone-else",
		AITurnID:  done.Turn.ID,
	})
	assert.ErrorIs(t, err, proto.ErrInvalidRequest)
}

func TestDuplicateContinuationDroppedSilently(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, defaultScript(gatedArtifact))

	gated, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)
	require.True(t, gated.Paused)

	// Simulate an identical request already in flight.
	key := gated.Session.ID + "|" + gated.Turn.ID + "|"
	require.True(t, orch.guard.TryAcquire(key))
	defer orch.guard.Release(key)

	result, err := orch.HandleContinueRequest(ctx, &proto.ContinueRequest{
		SessionID:               gated.Session.ID,
		AITurnID:                gated.Turn.ID,
		IsTraversalContinuation: true,
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestGuardReleasedAfterContinuation(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, defaultScript(gatedArtifact))

	gated, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)

	_, err = orch.HandleContinueRequest(ctx, &proto.ContinueRequest{
		SessionID:               gated.Session.ID,
		AITurnID:                gated.Turn.ID,
		TraversalState:          map[string]string{"fp1": "small"},
		IsTraversalContinuation: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, orch.guard.Len())
}

func TestConciergeIdempotencySkipsProcessedTurn(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(plainArtifact))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)
	require.Len(t, executor.stageCalls(proto.ResponseSingularity), 1)

	// A crash-retry of the same turn must be a silent no-op.
	session, err := orch.acc.Session(ctx, done.Session.ID)
	require.NoError(t, err)
	turn, err := orch.acc.Turn(ctx, done.Turn.ID)
	require.NoError(t, err)

	text, err := orch.runConcierge(ctx, session, turn, conciergeInput{userMessage: "retry"})
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Len(t, executor.stageCalls(proto.ResponseSingularity), 1)
}

func TestConciergeDisabledByExplicitEmptyProvider(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(plainArtifact))

	disabled := ""
	req := initRequest("p1")
	req.ConciergeProvider = &disabled

	result, err := orch.ExecuteTurn(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, result.ConciergeText)
	assert.Equal(t, proto.PipelineComplete, result.Turn.PipelineStatus)
	assert.Empty(t, executor.stageCalls(proto.ResponseSingularity))
}

func TestConciergeTurnCounterAdvancesWithinInstance(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(plainArtifact))

	first, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)

	second, err := orch.ExecuteTurn(ctx, &proto.Request{
		Type:        proto.RequestExtend,
		SessionID:   first.Session.ID,
		Providers:   []string{"p1"},
		UserMessage: "and what about cost?",
	})
	require.NoError(t, err)

	session, err := orch.acc.Session(ctx, second.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, session.Concierge.TurnCount)

	// The second call continued the provider session: it carried the prior
	// singularity continuation metadata.
	singularity := executor.stageCalls(proto.ResponseSingularity)
	require.Len(t, singularity, 2)
	assert.Nil(t, singularity[0].Continuation)
	require.NotNil(t, singularity[1].Continuation)
	assert.Equal(t, "synth-p1", singularity[1].Continuation["message_id"])
}

func TestConciergeProviderSwitchStartsFreshInstance(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(plainArtifact))

	first, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)

	other := "p2"
	_, err = orch.ExecuteTurn(ctx, &proto.Request{
		Type:              proto.RequestExtend,
		SessionID:         first.Session.ID,
		Providers:         []string{"p1", "p2"},
		UserMessage:       "follow up",
		ConciergeProvider: &other,
	})
	require.NoError(t, err)

	session, err := orch.acc.Session(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "p2", session.Concierge.LastProvider)
	assert.Equal(t, 1, session.Concierge.TurnCount)

	// Fresh instance: no continuation handed to the new provider.
	singularity := executor.stageCalls(proto.ResponseSingularity)
	require.Len(t, singularity, 2)
	assert.Nil(t, singularity[1].Continuation)
}

func TestCommittedHandoffCarriedIntoFreshInstance(t *testing.T) {
	ctx := context.Background()
	script := defaultScript(plainArtifact)
	orch, executor := newTestOrchestrator(t, func(step *StepSpec) provider.Result {
		result := script(step)
		if step.Stage == proto.ResponseSingularity {
			result.Text = `all set <handoff>{"summary": "user prefers sqlite", "commit": true}</handoff>`
		}
		return result
	})
	builder, err := newTestBuilder()
	require.NoError(t, err)
	orch.builder = builder

	first, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)
	assert.Equal(t, "all set", first.ConciergeText)

	session, err := orch.acc.Session(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.True(t, session.Concierge.CommitPending)
	require.NotNil(t, session.Concierge.PendingHandoff)
	assert.Equal(t, "user prefers sqlite", session.Concierge.PendingHandoff["summary"])

	// Commit forces the next invocation into a fresh instance that folds the
	// handoff into its first prompt.
	_, err = orch.ExecuteTurn(ctx, &proto.Request{
		Type:        proto.RequestExtend,
		SessionID:   first.Session.ID,
		Providers:   []string{"p1"},
		UserMessage: "continue where we left off",
	})
	require.NoError(t, err)

	singularity := executor.stageCalls(proto.ResponseSingularity)
	require.Len(t, singularity, 2)
	assert.Nil(t, singularity[1].Continuation)
	assert.Contains(t, singularity[1].Prompt.Text, "user prefers sqlite")

	session, err = orch.acc.Session(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.Concierge.TurnCount)
}

func TestUncommittedHandoffEchoedOnLaterFollowUps(t *testing.T) {
	ctx := context.Background()
	script := defaultScript(plainArtifact)
	var synthCalls int
	orch, executor := newTestOrchestrator(t, func(step *StepSpec) provider.Result {
		result := script(step)
		if step.Stage == proto.ResponseSingularity {
			synthCalls++
			if synthCalls == 1 {
				result.Text = `noted <handoff>{"summary": "prefers sqlite"}</handoff>`
			}
		}
		return result
	})
	builder, err := newTestBuilder()
	require.NoError(t, err)
	orch.builder = builder

	first, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)

	// Turn two volunteers no handoff: the payload from turn one must not be
	// wiped by it.
	for _, msg := range []string{"second question", "third question"} {
		_, err = orch.ExecuteTurn(ctx, &proto.Request{
			Type:        proto.RequestExtend,
			SessionID:   first.Session.ID,
			Providers:   []string{"p1"},
			UserMessage: msg,
		})
		require.NoError(t, err)
	}

	session, err := orch.acc.Session(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, session.Concierge.TurnCount)
	require.NotNil(t, session.Concierge.PendingHandoff)
	assert.Equal(t, "prefers sqlite", session.Concierge.PendingHandoff["summary"])

	// The third turn's dynamic follow-up still echoes the turn-one payload.
	singularity := executor.stageCalls(proto.ResponseSingularity)
	require.Len(t, singularity, 3)
	assert.Contains(t, singularity[2].Prompt.Text, "prefers sqlite")
	assert.Contains(t, singularity[2].Prompt.Text, "third question")
}

func TestHandoffStrippedFromStoredResponse(t *testing.T) {
	ctx := context.Background()
	script := defaultScript(plainArtifact)
	orch, _ := newTestOrchestrator(t, func(step *StepSpec) provider.Result {
		result := script(step)
		if step.Stage == proto.ResponseSingularity {
			result.Text = `visible part <handoff>{"k": "v"}</handoff>`
		}
		return result
	})

	done, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)
	assert.Equal(t, "visible part", done.ConciergeText)

	responses, err := orch.acc.Responses(ctx, done.Turn.ID)
	require.NoError(t, err)
	var synth *proto.ProviderResponse
	for _, r := range responses {
		if r.Type == proto.ResponseSingularity {
			synth = r
		}
	}
	require.NotNil(t, synth)
	assert.Equal(t, "visible part", synth.Text)
	assert.Equal(t, map[string]any{"k": "v"}, synth.Meta[proto.MetaHandoff])
	assert.Equal(t, false, synth.Meta[proto.MetaHandoffCommit])
}

func TestRecomputeMappingReplaysFrozenBatch(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(plainArtifact))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)

	batchBefore := len(executor.stageCalls(proto.ResponseBatch))
	result, err := orch.ExecuteTurn(ctx, &proto.Request{
		Type:         proto.RequestRecompute,
		SessionID:    done.Session.ID,
		SourceTurnID: done.Turn.ID,
		StepType:     proto.StepMapping,
	})
	require.NoError(t, err)
	assert.Equal(t, done.Turn.ID, result.Turn.ID)

	// No fresh batch calls: the mapping replays the frozen snapshot.
	assert.Len(t, executor.stageCalls(proto.ResponseBatch), batchBefore)
	mapping := executor.stageCalls(proto.ResponseMapping)
	require.Len(t, mapping, 2)
	assert.Contains(t, mapping[1].Prompt.Text, "answer from p1")
	assert.Contains(t, mapping[1].Prompt.Text, "answer from p2")
}

func TestRecomputeMappingWithoutPriorMappingFails(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(plainArtifact))

	// A turn that only ever produced batch outputs: no mapping response, no
	// artifact.
	session := orch.newSession()
	require.NoError(t, orch.acc.SaveSession(ctx, session))
	turn := &proto.Turn{
		ID:        proto.NewID(),
		SessionID: session.ID,
		Kind:      proto.TurnAI,
	}
	require.NoError(t, orch.acc.SaveTurn(ctx, turn))
	for i, pid := range []string{"p1", "p2"} {
		require.NoError(t, orch.acc.SaveResponse(ctx, &proto.ProviderResponse{
			ID:            proto.NewID(),
			TurnID:        turn.ID,
			ProviderID:    pid,
			Type:          proto.ResponseBatch,
			ResponseIndex: i,
			Status:        proto.StatusCompleted,
			Text:          "answer from " + pid,
		}))
	}

	_, err := orch.ExecuteTurn(ctx, &proto.Request{
		Type:         proto.RequestRecompute,
		SessionID:    session.ID,
		SourceTurnID: turn.ID,
		StepType:     proto.StepMapping,
	})
	assert.ErrorIs(t, err, proto.ErrMissingData)
	assert.Empty(t, executor.calls)
}

func TestRecomputeBatchIsSingleFreshCall(t *testing.T) {
	ctx := context.Background()
	orch, executor := newTestOrchestrator(t, defaultScript(plainArtifact))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)

	before := len(executor.calls)
	_, err = orch.ExecuteTurn(ctx, &proto.Request{
		Type:           proto.RequestRecompute,
		SessionID:      done.Session.ID,
		SourceTurnID:   done.Turn.ID,
		StepType:       proto.StepBatch,
		TargetProvider: "p2",
	})
	require.NoError(t, err)

	// Exactly one new call, on the target provider, carrying its stored
	// continuation state.
	require.Len(t, executor.calls, before+1)
	call := executor.calls[before]
	assert.Equal(t, proto.ResponseBatch, call.Stage)
	assert.Equal(t, "p2", call.ProviderID)
	require.NotNil(t, call.Continuation)
	assert.Equal(t, "m-p2", call.Continuation["message_id"])

	// The retry appended a new response to the source turn.
	responses, err := orch.acc.Responses(ctx, done.Turn.ID)
	require.NoError(t, err)
	var batchForP2 int
	for _, r := range responses {
		if r.Type == proto.ResponseBatch && r.ProviderID == "p2" {
			batchForP2++
		}
	}
	assert.Equal(t, 2, batchForP2)
}

func TestResponseIndexesAreMonotonic(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, defaultScript(plainArtifact))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1", "p2"))
	require.NoError(t, err)

	responses, err := orch.acc.Responses(ctx, done.Turn.ID)
	require.NoError(t, err)
	seen := make(map[int]bool)
	for _, r := range responses {
		assert.False(t, seen[r.ResponseIndex], "duplicate response index %d", r.ResponseIndex)
		seen[r.ResponseIndex] = true
	}
}

func TestContinuationWithoutArtifactFails(t *testing.T) {
	ctx := context.Background()
	// Mapping never yields an artifact.
	orch, _ := newTestOrchestrator(t, defaultScript("no json here"))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)
	require.Nil(t, done.Turn.Artifact)

	_, err = orch.HandleContinueRequest(ctx, &proto.ContinueRequest{
		SessionID:   done.Session.ID,
		AITurnID:    done.Turn.ID,
		UserMessage: "go on",
	})
	assert.ErrorIs(t, err, proto.ErrMissingData)
}

func TestContinuationRecoversArtifactFromMappingResponse(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, defaultScript(plainArtifact))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)

	// Blank the stored artifact to force recovery from the mapping response.
	turn, err := orch.acc.Turn(ctx, done.Turn.ID)
	require.NoError(t, err)
	turn.Artifact = nil
	turn.Analysis = nil
	require.NoError(t, orch.acc.SaveTurn(ctx, turn))

	result, err := orch.HandleContinueRequest(ctx, &proto.ContinueRequest{
		SessionID:   done.Session.ID,
		AITurnID:    done.Turn.ID,
		UserMessage: "tell me more",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Turn.Artifact)
	assert.Equal(t, "c1", result.Turn.Artifact.Claims[0].ID)
}

func TestStepEventsReachObserver(t *testing.T) {
	ctx := context.Background()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	observer := NewChannelObserver(64)
	orch := New(db, Config{
		Executor:                 &fakeExecutor{fn: defaultScript(plainArtifact)},
		Observer:                 observer,
		DefaultConciergeProvider: "p1",
	})

	_, err = orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)

	var steps, artifacts, finals int
	for {
		select {
		case ev := <-observer.Events():
			switch {
			case ev.StepUpdate != nil:
				steps++
			case ev.ArtifactReady != nil:
				artifacts++
			case ev.TurnFinalized != nil:
				finals++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 3, steps) // batch, mapping, singularity
	assert.Equal(t, 1, artifacts)
	assert.Equal(t, 1, finals)
}

func TestDeltasFlowDuringBatch(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, defaultScript(plainArtifact))

	done, err := orch.ExecuteTurn(ctx, initRequest("p1"))
	require.NoError(t, err)

	// After completion the buffer holds the final text: re-sending it is a
	// no-op, proving the snapshot flowed through the engine.
	_, ok := orch.deltas.ComputeDelta(done.Session.ID, string(proto.ResponseBatch), "p1", "answer from p1")
	assert.False(t, ok)
}

func TestMappingInputIsDeterministic(t *testing.T) {
	outputs := map[string]string{"zeta": "z answer", "alpha": "a answer"}
	text := mappingInput("the question", outputs)

	assert.True(t, strings.Index(text, "alpha") < strings.Index(text, "zeta"))
	assert.Contains(t, text, "Question: the question")
	assert.Contains(t, text, "Answer 1 (alpha):")
	assert.Contains(t, text, "Answer 2 (zeta):")
}
