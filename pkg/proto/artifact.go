package proto

// EdgeType classifies a relation between two claims.
type EdgeType string

const (
	EdgeSupports     EdgeType = "supports"
	EdgeConflicts    EdgeType = "conflicts"
	EdgeTradeoff     EdgeType = "tradeoff"
	EdgePrerequisite EdgeType = "prerequisite"
)

// Claim is one assertion extracted from the mapping stage. Supporters holds
// batch-provider indices (citation order) backing the claim.
type Claim struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Epistemic  string `json:"epistemic,omitempty"`
	Supporters []int  `json:"supporters,omitempty"`
}

// Edge is a typed relation between two claims.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// TraversalTier groups claims that unlock together. Gate names the condition
// guarding the tier, if any.
type TraversalTier struct {
	Gate     string   `json:"gate,omitempty"`
	ClaimIDs []string `json:"claim_ids"`
}

// TraversalGraph partitions claims into dependency tiers.
type TraversalGraph struct {
	Tiers []TraversalTier `json:"tiers"`
}

// ForcingOption is one labeled consequence the user may choose.
type ForcingOption struct {
	Label       string `json:"label"`
	Consequence string `json:"consequence,omitempty"`
}

// ForcingPoint is a claim requiring an explicit user choice before dependent
// tiers unlock.
type ForcingPoint struct {
	ID       string          `json:"id"`
	ClaimID  string          `json:"claim_id,omitempty"`
	Question string          `json:"question,omitempty"`
	Options  []ForcingOption `json:"options,omitempty"`
}

// DecisionArtifact is the structured output of the mapping stage.
type DecisionArtifact struct {
	Traversal     *TraversalGraph `json:"traversal,omitempty"`
	Claims        []Claim         `json:"claims"`
	Edges         []Edge          `json:"edges,omitempty"`
	ForcingPoints []ForcingPoint  `json:"forcing_points,omitempty"`
}

// RequiresTraversal reports whether the artifact can gate the pipeline: it
// must carry both a traversal graph and at least one forcing point.
func (a *DecisionArtifact) RequiresTraversal() bool {
	return a != nil && a.Traversal != nil && len(a.ForcingPoints) > 0
}
