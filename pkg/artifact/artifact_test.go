package artifact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/proto"
)

const minimalArtifact = `{"claims":[{"id":"c1","text":"use sqlite"}]}`

func TestParseBareObject(t *testing.T) {
	a, err := Parse(minimalArtifact)
	require.NoError(t, err)
	require.Len(t, a.Claims, 1)
	assert.Equal(t, "c1", a.Claims[0].ID)
}

func TestParseFencedBlock(t *testing.T) {
	text := "Here is the decision map you asked for:\n\n```json\n" + minimalArtifact + "\n```\n\nLet me know."
	a, err := Parse(text)
	require.NoError(t, err)
	assert.Len(t, a.Claims, 1)
}

func TestParseEmbeddedObject(t *testing.T) {
	text := `The analysis yields {"claims":[{"id":"c1","text":"it {depends}"}],"edges":[]} as discussed.`
	a, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, a.Claims, 1)
	assert.Equal(t, "it {depends}", a.Claims[0].Text)
}

func TestParseRejectsEmptyAndClaimless(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, proto.ErrMissingData)

	_, err = Parse("no structure here at all")
	assert.ErrorIs(t, err, proto.ErrMissingData)

	// Valid JSON but no claims is not an artifact.
	_, err = Parse(`{"claims":[]}`)
	assert.ErrorIs(t, err, proto.ErrMissingData)
}

func TestParseFullArtifact(t *testing.T) {
	text := `{
		"claims": [
			{"id": "c1", "text": "postgres scales", "epistemic": "consensus", "supporters": [1, 2]},
			{"id": "c2", "text": "sqlite is simpler", "supporters": [3]}
		],
		"edges": [{"from": "c1", "to": "c2", "type": "tradeoff"}],
		"traversal": {"tiers": [{"claim_ids": ["c1"]}, {"gate": "fp1", "claim_ids": ["c2"]}]},
		"forcing_points": [{"id": "fp1", "claim_id": "c1", "question": "How much scale?", "options": [{"label": "small"}, {"label": "large"}]}]
	}`
	a, err := Parse(text)
	require.NoError(t, err)
	assert.Len(t, a.Claims, 2)
	assert.Len(t, a.Edges, 1)
	assert.True(t, a.RequiresTraversal())
}

func TestRequiresTraversalNeedsBothParts(t *testing.T) {
	var nilArtifact *proto.DecisionArtifact
	assert.False(t, nilArtifact.RequiresTraversal())

	graphOnly := &proto.DecisionArtifact{Traversal: &proto.TraversalGraph{}}
	assert.False(t, graphOnly.RequiresTraversal())

	pointsOnly := &proto.DecisionArtifact{ForcingPoints: []proto.ForcingPoint{{ID: "fp1"}}}
	assert.False(t, pointsOnly.RequiresTraversal())

	both := &proto.DecisionArtifact{
		Traversal:     &proto.TraversalGraph{},
		ForcingPoints: []proto.ForcingPoint{{ID: "fp1"}},
	}
	assert.True(t, both.RequiresTraversal())
}

func TestBaseAnalysisCounts(t *testing.T) {
	assert.Nil(t, BaseAnalysis(nil))

	a := &proto.DecisionArtifact{
		Claims:        []proto.Claim{{ID: "c1"}, {ID: "c2"}},
		Edges:         []proto.Edge{{From: "c1", To: "c2"}},
		Traversal:     &proto.TraversalGraph{Tiers: []proto.TraversalTier{{}, {}, {}}},
		ForcingPoints: []proto.ForcingPoint{{ID: "fp1"}, {ID: "fp2"}},
	}
	got := BaseAnalysis(a)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.ClaimCount)
	assert.Equal(t, 1, got.EdgeCount)
	assert.Equal(t, 3, got.TierCount)
	assert.Equal(t, []string{"fp1", "fp2"}, got.ForcingPointIDs)
	assert.False(t, got.Full)
}

func TestFullAnalysisUsesRecordedCitationOrder(t *testing.T) {
	a := &proto.DecisionArtifact{Claims: []proto.Claim{{ID: "c1"}}}
	batch := map[string]*proto.ProviderResponse{
		"p1": {
			ProviderID: "p1",
			Meta:       map[string]any{proto.MetaCitationOrder: map[string]any{"p1": 2, "p2": 1}},
			UpdatedAt:  time.Now(),
		},
		"p2": {ProviderID: "p2"},
	}

	got := FullAnalysis(a, batch)
	require.NotNil(t, got)
	assert.True(t, got.Full)
	assert.Equal(t, map[string]int{"p1": 2, "p2": 1}, got.CitationOrder)
}

func TestFullAnalysisFallsBackToSortedProviders(t *testing.T) {
	a := &proto.DecisionArtifact{Claims: []proto.Claim{{ID: "c1"}}}
	batch := map[string]*proto.ProviderResponse{
		"zeta":  {ProviderID: "zeta"},
		"alpha": {ProviderID: "alpha"},
	}

	got := FullAnalysis(a, batch)
	assert.Equal(t, map[string]int{"alpha": 1, "zeta": 2}, got.CitationOrder)
}

func TestNormalizeCitationOrderBothDirections(t *testing.T) {
	// provider -> index
	got := NormalizeCitationOrder(map[string]any{"p1": float64(1), "p2": float64(2)})
	assert.Equal(t, map[string]int{"p1": 1, "p2": 2}, got)

	// index -> provider
	got = NormalizeCitationOrder(map[string]any{"1": "p1", "2": "p2"})
	assert.Equal(t, map[string]int{"p1": 1, "p2": 2}, got)

	// Unrecognized shape is empty, not an error.
	assert.Empty(t, NormalizeCitationOrder("garbage"))
	assert.Empty(t, NormalizeCitationOrder(nil))
}

func TestExtractHandoffSplitsVisibleText(t *testing.T) {
	text := "Here is my recommendation.\n<handoff>{\"summary\": \"chose sqlite\", \"commit\": true}</handoff>\nThanks!"

	visible, h := ExtractHandoff(text)
	require.NotNil(t, h)
	assert.True(t, h.Commit)
	assert.Equal(t, "chose sqlite", h.Payload["summary"])
	assert.Equal(t, "Here is my recommendation.\n\nThanks!", visible)
}

func TestExtractHandoffWithoutCommitMarker(t *testing.T) {
	text := `answer <handoff>{"state": "partial"}</handoff>`

	visible, h := ExtractHandoff(text)
	require.NotNil(t, h)
	assert.False(t, h.Commit)
	assert.Equal(t, "answer", visible)
}

func TestExtractHandoffLeavesPlainTextAlone(t *testing.T) {
	visible, h := ExtractHandoff("no block here")
	assert.Nil(t, h)
	assert.Equal(t, "no block here", visible)

	// Unparseable payload stays in place as plain text.
	broken := "answer <handoff>not json</handoff>"
	visible, h = ExtractHandoff(broken)
	assert.Nil(t, h)
	assert.Equal(t, broken, visible)

	// Unterminated block is plain text too.
	open := "answer <handoff>{\"a\": 1}"
	visible, h = ExtractHandoff(open)
	assert.Nil(t, h)
	assert.Equal(t, open, visible)
}
