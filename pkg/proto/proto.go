// Package proto defines the core data model shared across the orchestrator:
// sessions, turns, provider responses, decision artifacts, and the request
// primitives accepted by the pipeline.
package proto

import (
	"time"

	"github.com/google/uuid"
)

// TurnKind distinguishes user turns from AI turns.
type TurnKind string

const (
	TurnUser TurnKind = "user"
	TurnAI   TurnKind = "ai"
)

// PipelineStatus tracks where an AI turn sits in the pipeline state machine.
// Running is implicit: a turn with no status is still being processed.
type PipelineStatus string

const (
	PipelineRunning           PipelineStatus = ""
	PipelineAwaitingTraversal PipelineStatus = "awaiting_traversal"
	PipelineComplete          PipelineStatus = "complete"
)

// ResponseType identifies which pipeline stage produced a provider response.
type ResponseType string

const (
	ResponseBatch       ResponseType = "batch"
	ResponseMapping     ResponseType = "mapping"
	ResponseSingularity ResponseType = "singularity"
	ResponseSynthesis   ResponseType = "synthesis"
	ResponseHidden      ResponseType = "hidden"
)

// ResponseStatus tracks the lifecycle of a single provider attempt.
type ResponseStatus string

const (
	StatusPending   ResponseStatus = "pending"
	StatusStreaming ResponseStatus = "streaming"
	StatusCompleted ResponseStatus = "completed"
	StatusError     ResponseStatus = "error"
	StatusCancelled ResponseStatus = "cancelled"
)

// Session is one continuing conversation. Created on the first user message,
// mutated by every concierge-phase execution, never deleted here.
type Session struct {
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	ID                   string         `json:"id"`
	LastTurnID           string         `json:"last_turn_id,omitempty"`
	LastStructuralTurnID string         `json:"last_structural_turn_id,omitempty"`
	Concierge            ConciergeState `json:"concierge"`
}

// ConciergeState is the per-session continuity record for the synthesis phase.
// Single-writer: the orchestrator performs a whole-record read-modify-write
// after each successful concierge execution. No partial-field updates.
type ConciergeState struct {
	PendingHandoff      map[string]any `json:"pending_handoff,omitempty"`
	LastProvider        string         `json:"last_provider,omitempty"`
	LastProcessedTurnID string         `json:"last_processed_turn_id,omitempty"`
	TurnCount           int            `json:"turn_count"`
	HasRun              bool           `json:"has_run"`
	CommitPending       bool           `json:"commit_pending"`
}

// Turn is either a user turn (Text set) or an AI turn (everything else).
// ProviderContexts holds per-provider continuation metadata keyed by
// providerId or "providerId:role"; an entry may be stored flat or nested
// under a "meta" key, both shapes are accepted downstream.
type Turn struct {
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	ProviderContexts map[string]map[string]any `json:"provider_contexts,omitempty"`
	Artifact         *DecisionArtifact         `json:"artifact,omitempty"`
	Analysis         *StructuralAnalysis       `json:"analysis,omitempty"`
	ID               string                    `json:"id"`
	SessionID        string                    `json:"session_id"`
	UserTurnID       string                    `json:"user_turn_id,omitempty"`
	Text             string                    `json:"text,omitempty"`
	Kind             TurnKind                  `json:"kind"`
	PipelineStatus   PipelineStatus            `json:"pipeline_status,omitempty"`
}

// ProviderResponse is one attempt by one provider for one (turn, type) pair.
// Append-only; only status/text transition in place during streaming.
type ProviderResponse struct {
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Meta          map[string]any `json:"meta,omitempty"`
	ID            string         `json:"id"`
	TurnID        string         `json:"turn_id"`
	ProviderID    string         `json:"provider_id"`
	Text          string         `json:"text,omitempty"`
	Type          ResponseType   `json:"type"`
	Status        ResponseStatus `json:"status"`
	ResponseIndex int            `json:"response_index"`
}

// Meta keys recorded on provider responses for deterministic recompute and
// handoff bookkeeping.
const (
	MetaPromptText    = "prompt_text"
	MetaPromptType    = "prompt_type"
	MetaPromptSeed    = "prompt_seed"
	MetaCitationOrder = "citation_order"
	MetaHandoff       = "handoff"
	MetaHandoffCommit = "handoff_commit"
)

// StructuralAnalysis summarizes a decision artifact for prompt construction.
// CitationOrder is the canonical provider -> citation index map; stored maps
// may be keyed either direction and are normalized at the boundary.
type StructuralAnalysis struct {
	CitationOrder   map[string]int `json:"citation_order,omitempty"`
	ForcingPointIDs []string       `json:"forcing_point_ids,omitempty"`
	ClaimCount      int            `json:"claim_count"`
	EdgeCount       int            `json:"edge_count"`
	TierCount       int            `json:"tier_count"`
	Full            bool           `json:"full"`
}

// NewID returns a fresh identifier for sessions, turns, and responses.
func NewID() string {
	return uuid.New().String()
}
