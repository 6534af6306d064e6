package proto

// RequestType selects how the Context Resolver builds a ResolvedContext.
type RequestType string

const (
	// RequestInitialize starts a brand-new session with the given providers.
	RequestInitialize RequestType = "initialize"
	// RequestExtend continues an existing session with continuation state.
	RequestExtend RequestType = "extend"
	// RequestRecompute re-runs a single stage of a prior turn.
	RequestRecompute RequestType = "recompute"
)

// StepType selects the recompute sub-mode.
type StepType string

const (
	StepBatch       StepType = "batch"
	StepMapping     StepType = "mapping"
	StepSingularity StepType = "singularity"
)

// Request is a pipeline request primitive. Fields are interpreted per Type:
// initialize uses Providers only; extend adds SessionID and
// ForcedContextReset; recompute adds SourceTurnID, StepType and the optional
// overrides.
type Request struct {
	Type                     RequestType `json:"type"`
	Providers                []string    `json:"providers,omitempty"`
	SessionID                string      `json:"session_id,omitempty"`
	ForcedContextReset       []string    `json:"forced_context_reset,omitempty"`
	SourceTurnID             string      `json:"source_turn_id,omitempty"`
	StepType                 StepType    `json:"step_type,omitempty"`
	TargetProvider           string      `json:"target_provider,omitempty"`
	UserMessage              string      `json:"user_message,omitempty"`
	PreferredMappingProvider string      `json:"preferred_mapping_provider,omitempty"`

	// ConciergeProvider selects the synthesis-phase provider. nil means
	// "resolve from session history, then default"; a pointer to the empty
	// string disables the concierge phase for this turn entirely.
	ConciergeProvider *string `json:"concierge_provider,omitempty"`
}

// ContinueRequest re-enters a paused or completed turn: it supplies resolved
// traversal choices, or retries the concierge step.
type ContinueRequest struct {
	TraversalState          map[string]string `json:"traversal_state,omitempty"`
	Artifact                *DecisionArtifact `json:"artifact,omitempty"`
	SessionID               string            `json:"session_id"`
	AITurnID                string            `json:"ai_turn_id"`
	ProviderID              string            `json:"provider_id,omitempty"`
	UserMessage             string            `json:"user_message,omitempty"`
	IsTraversalContinuation bool              `json:"is_traversal_continuation,omitempty"`
}
