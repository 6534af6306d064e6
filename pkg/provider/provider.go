// Package provider defines the uniform capability contract every backend
// client implements, plus adapters for the supported backends. The
// orchestrator stores each result's Meta verbatim and returns it unmodified
// as the continuation context on the next call; its shape is
// provider-specific and opaque above this package.
package provider

import (
	"context"
)

// Capabilities reports what a backend supports. The orchestrator honors
// these rather than assuming them.
type Capabilities struct {
	Streaming    bool
	Continuation bool
	Thinking     bool
}

// Result is one provider answer. OK false with a classified failure in Err
// is a captured failure, not a thrown one.
type Result struct {
	Meta       map[string]any
	Err        *Error
	ProviderID string
	Text       string
	OK         bool
}

// Provider is the uniform backend contract. Continuation is the Meta of a
// prior Result for this provider, or nil for a fresh participant.
// Cancellation rides on ctx; callers apply their own timeouts.
type Provider interface {
	ID() string
	Capabilities() Capabilities
	Ask(ctx context.Context, prompt string, continuation map[string]any) Result
}

// historyFrom recovers a prior conversation transcript from continuation
// metadata. Adapters that emulate continuation by transcript replay share
// this shape: a "history" list of {"role", "text"} entries.
func historyFrom(continuation map[string]any) []historyEntry {
	if continuation == nil {
		return nil
	}
	raw, ok := continuation["history"].([]any)
	if !ok {
		return nil
	}
	out := make([]historyEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		text, _ := m["text"].(string)
		if role == "" || text == "" {
			continue
		}
		out = append(out, historyEntry{Role: role, Text: text})
	}
	return out
}

type historyEntry struct {
	Role string
	Text string
}

func appendHistory(history []historyEntry, prompt, answer string) []any {
	entries := make([]any, 0, len(history)+2)
	for _, h := range history {
		entries = append(entries, map[string]any{"role": h.Role, "text": h.Text})
	}
	entries = append(entries,
		map[string]any{"role": "user", "text": prompt},
		map[string]any{"role": "assistant", "text": answer},
	)
	return entries
}

func failure(providerID string, err *Error) Result {
	return Result{ProviderID: providerID, OK: false, Err: err}
}
