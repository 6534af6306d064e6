package artifact

import (
	"encoding/json"
	"strings"
)

const (
	handoffOpen  = "<handoff>"
	handoffClose = "</handoff>"
)

// Handoff is the opaque structured payload a concierge response volunteers
// for the next provider-session instance.
type Handoff struct {
	Payload map[string]any
	// Commit means the response asked the next invocation to start a fresh
	// instance carrying this payload forward.
	Commit bool
}

// ExtractHandoff splits a concierge response into its user-visible text and
// an optional embedded handoff block. The block is a <handoff>...</handoff>
// JSON object; a "commit": true member inside it sets the commit marker.
// Unparseable blocks are treated as plain text and left in place.
func ExtractHandoff(text string) (visible string, handoff *Handoff) {
	start := strings.Index(text, handoffOpen)
	if start == -1 {
		return text, nil
	}
	rest := text[start+len(handoffOpen):]
	end := strings.Index(rest, handoffClose)
	if end == -1 {
		return text, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &payload); err != nil {
		return text, nil
	}

	commit := false
	if v, ok := payload["commit"].(bool); ok {
		commit = v
	}

	visible = strings.TrimSpace(text[:start] + rest[end+len(handoffClose):])
	return visible, &Handoff{Payload: payload, Commit: commit}
}
