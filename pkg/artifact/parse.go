// Package artifact locates and parses structured model output: the decision
// artifact embedded in raw mapping text, the structural analysis derived from
// it, and the handoff block a concierge response may volunteer.
package artifact

import (
	"encoding/json"
	"fmt"
	"strings"

	"conclave/pkg/proto"
)

// Parse recovers a decision artifact from raw mapping text. The artifact may
// be the whole text, a fenced ```json block, or the first balanced JSON
// object in the text. Returns proto.ErrMissingData (wrapped) when nothing
// parseable is found.
func Parse(text string) (*proto.DecisionArtifact, error) {
	candidate := strings.TrimSpace(text)
	if candidate == "" {
		return nil, fmt.Errorf("empty mapping text: %w", proto.ErrMissingData)
	}

	for _, raw := range candidates(candidate) {
		var a proto.DecisionArtifact
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		if len(a.Claims) == 0 {
			continue
		}
		return &a, nil
	}
	return nil, fmt.Errorf("no decision artifact in mapping text: %w", proto.ErrMissingData)
}

// candidates yields JSON snippets to try, most specific first.
func candidates(text string) []string {
	var out []string
	if fenced := fencedBlock(text); fenced != "" {
		out = append(out, fenced)
	}
	if strings.HasPrefix(text, "{") {
		out = append(out, text)
	}
	if balanced := firstObject(text); balanced != "" {
		out = append(out, balanced)
	}
	return out
}

func fencedBlock(text string) string {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(text, fence)
		if start == -1 {
			continue
		}
		body := text[start+len(fence):]
		end := strings.Index(body, "```")
		if end == -1 {
			continue
		}
		return strings.TrimSpace(body[:end])
	}
	return ""
}

// firstObject extracts the first brace-balanced object, ignoring braces
// inside JSON strings.
func firstObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
