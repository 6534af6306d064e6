// Package prompts constructs the concierge-phase prompts. The Builder
// interface is an explicitly injected dependency with a no-op default, so a
// missing builder is a visible configuration choice rather than a runtime
// probe. Wording lives in the templates; this package only assembles and
// budgets them.
package prompts

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"conclave/pkg/proto"
)

// Prompt is a frozen prompt: the text plus the type/seed recorded for
// deterministic recompute.
type Prompt struct {
	Text string
	Type string
	Seed string
}

// Input carries everything a builder tier may use.
type Input struct {
	Analysis    *proto.StructuralAnalysis
	Artifact    *proto.DecisionArtifact
	Handoff     map[string]any
	UserMessage string
	// FrozenType/FrozenSeed replay a prior prompt decision when set.
	FrozenType string
	FrozenSeed string
	TurnNumber int
	// Degraded marks the fallback path after a builder tier failed.
	Degraded bool
}

// Prompt type names recorded in response metadata.
const (
	TypeFull      = "full"
	TypeOptimized = "optimized"
	TypeDynamic   = "dynamic"
	TypeDegraded  = "degraded"
)

// Builder produces the three prompt tiers. Any tier may fail; callers fall
// back to BuildFull with Input.Degraded set.
type Builder interface {
	// BuildFull is the turn-1 prompt, carrying any pending handoff payload
	// as prior context.
	BuildFull(in *Input) (Prompt, error)
	// BuildOptimized is the turn-2 follow-up with no re-derived analysis.
	BuildOptimized(in *Input) (Prompt, error)
	// BuildDynamic is the turn-3+ follow-up that echoes the last handoff.
	BuildDynamic(in *Input) (Prompt, error)
}

// NoopBuilder is the default implementation: passes the user message through
// untouched. It never fails.
type NoopBuilder struct{}

func (NoopBuilder) BuildFull(in *Input) (Prompt, error) {
	return Prompt{Text: in.UserMessage, Type: TypeFull}, nil
}

func (NoopBuilder) BuildOptimized(in *Input) (Prompt, error) {
	return Prompt{Text: in.UserMessage, Type: TypeOptimized}, nil
}

func (NoopBuilder) BuildDynamic(in *Input) (Prompt, error) {
	return Prompt{Text: in.UserMessage, Type: TypeDynamic}, nil
}

// TieredBuilder assembles structured prompts and trims them to a token
// budget.
type TieredBuilder struct {
	counter *TokenCounter
	budget  int
}

func NewTieredBuilder(budget int) (*TieredBuilder, error) {
	counter, err := NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("create token counter: %w", err)
	}
	if budget <= 0 {
		budget = 8000
	}
	return &TieredBuilder{counter: counter, budget: budget}, nil
}

func (b *TieredBuilder) BuildFull(in *Input) (Prompt, error) {
	var sb strings.Builder
	if in.Handoff != nil {
		prior, err := json.Marshal(in.Handoff)
		if err != nil {
			return Prompt{}, fmt.Errorf("encode handoff payload: %w", err)
		}
		fmt.Fprintf(&sb, "Prior session state:\n%s\n\n", prior)
	}
	if in.Analysis != nil {
		writeAnalysis(&sb, in.Analysis)
	}
	sb.WriteString(in.UserMessage)

	typ := TypeFull
	if in.Degraded {
		typ = TypeDegraded
	}
	return b.freeze(in, sb.String(), typ), nil
}

func (b *TieredBuilder) BuildOptimized(in *Input) (Prompt, error) {
	// Turn 2: the provider session already carries the analysis from turn 1.
	return b.freeze(in, in.UserMessage, TypeOptimized), nil
}

func (b *TieredBuilder) BuildDynamic(in *Input) (Prompt, error) {
	var sb strings.Builder
	if in.Handoff != nil {
		echo, err := json.Marshal(in.Handoff)
		if err != nil {
			return Prompt{}, fmt.Errorf("encode handoff echo: %w", err)
		}
		fmt.Fprintf(&sb, "Carried state:\n%s\n\n", echo)
	}
	sb.WriteString(in.UserMessage)
	return b.freeze(in, sb.String(), TypeDynamic), nil
}

func (b *TieredBuilder) freeze(in *Input, text, typ string) Prompt {
	if in.FrozenType != "" {
		typ = in.FrozenType
	}
	seed := in.FrozenSeed
	if seed == "" {
		seed = fmt.Sprintf("%08x", rand.Uint32()) //nolint:gosec // seed is a replay tag, not a secret
	}
	return Prompt{
		Text: b.counter.TruncateToTokenLimit(text, b.budget),
		Type: typ,
		Seed: seed,
	}
}

func writeAnalysis(sb *strings.Builder, a *proto.StructuralAnalysis) {
	fmt.Fprintf(sb, "Decision map: %d claims, %d edges, %d tiers.\n", a.ClaimCount, a.EdgeCount, a.TierCount)
	if len(a.ForcingPointIDs) > 0 {
		fmt.Fprintf(sb, "Open choices: %s.\n", strings.Join(a.ForcingPointIDs, ", "))
	}
	if len(a.CitationOrder) > 0 {
		fmt.Fprintf(sb, "Citation order covers %d providers.\n", len(a.CitationOrder))
	}
	sb.WriteString("\n")
}
