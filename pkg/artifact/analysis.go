package artifact

import (
	"encoding/json"
	"sort"
	"strconv"

	"conclave/pkg/proto"
)

// BaseAnalysis derives structural analysis from the artifact alone, without
// batch-stage outputs.
func BaseAnalysis(a *proto.DecisionArtifact) *proto.StructuralAnalysis {
	if a == nil {
		return nil
	}
	analysis := &proto.StructuralAnalysis{
		ClaimCount: len(a.Claims),
		EdgeCount:  len(a.Edges),
	}
	if a.Traversal != nil {
		analysis.TierCount = len(a.Traversal.Tiers)
	}
	for _, fp := range a.ForcingPoints {
		analysis.ForcingPointIDs = append(analysis.ForcingPointIDs, fp.ID)
	}
	return analysis
}

// FullAnalysis derives citation-ordered analysis from the artifact plus the
// latest batch outputs per provider. Citation order comes from response
// metadata when recorded, else from sorted provider ids.
func FullAnalysis(a *proto.DecisionArtifact, batch map[string]*proto.ProviderResponse) *proto.StructuralAnalysis {
	analysis := BaseAnalysis(a)
	if analysis == nil {
		analysis = &proto.StructuralAnalysis{}
	}
	analysis.Full = true

	order := make(map[string]int)
	for _, response := range batch {
		if response == nil || response.Meta == nil {
			continue
		}
		if raw, ok := response.Meta[proto.MetaCitationOrder]; ok {
			for p, idx := range NormalizeCitationOrder(raw) {
				order[p] = idx
			}
		}
	}
	if len(order) == 0 {
		ids := make([]string, 0, len(batch))
		for providerID := range batch {
			ids = append(ids, providerID)
		}
		sort.Strings(ids)
		for i, id := range ids {
			order[id] = i + 1
		}
	}
	analysis.CitationOrder = order
	return analysis
}

// NormalizeCitationOrder accepts a citation-order map stored in either
// direction (provider -> index, or index -> provider) and returns the
// canonical provider -> index form. Unrecognized shapes yield an empty map.
func NormalizeCitationOrder(raw any) map[string]int {
	out := make(map[string]int)
	m, ok := asMap(raw)
	if !ok {
		return out
	}
	for key, value := range m {
		if idx, ok := asInt(value); ok {
			// provider -> index
			out[key] = idx
			continue
		}
		if providerID, ok := value.(string); ok {
			// index -> provider
			if idx, err := strconv.Atoi(key); err == nil {
				out[providerID] = idx
			}
		}
	}
	return out
}

func asMap(raw any) (map[string]any, bool) {
	switch m := raw.(type) {
	case map[string]any:
		return m, true
	case map[string]int:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
