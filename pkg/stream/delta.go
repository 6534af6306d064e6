// Package stream turns repeated full-text snapshots from a provider into
// minimal append/replace deltas for a live viewer. Buffers are pure in-memory
// state keyed by (session, step, provider); a single writer per key keeps
// emission order.
package stream

import (
	"strings"
	"sync"
	"time"

	"conclave/pkg/logx"
)

// Delta is one emission to the live viewer. IsReplace means the viewer must
// rewind to its longest common prefix with the new text before applying;
// otherwise Text is a pure append.
type Delta struct {
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	IsReplace bool   `json:"is_replace"`
}

const (
	// appendPrefixRatio is the common-prefix share of the previous buffer
	// above which a longer snapshot counts as an incremental append.
	appendPrefixRatio = 0.7
	// benignShrinkChars and benignShrinkRatio bound a regression that is
	// absorbed silently (trailing whitespace trims, cursor artifacts).
	benignShrinkChars = 200
	benignShrinkRatio = 0.05
	// Regression warnings are capped per key per window.
	warnWindow   = 5 * time.Second
	warnPerKey   = 2
	watchBacklog = 64
)

// Engine computes deltas per key. Construct one per orchestrator; never an
// ambient global.
type Engine struct {
	logger   *logx.Logger
	buffers  map[string]string
	watchers map[string]chan Delta
	warns    map[string][]time.Time
	mu       sync.Mutex
}

func NewEngine() *Engine {
	return &Engine{
		logger:   logx.NewLogger("stream"),
		buffers:  make(map[string]string),
		watchers: make(map[string]chan Delta),
		warns:    make(map[string][]time.Time),
	}
}

func key(session, step, provider string) string {
	return session + "|" + step + "|" + provider
}

// Watch returns the delta channel for a key, creating it on first use. The
// transport layer drains it; writes never block (a full channel drops the
// oldest pending delta so the latest state wins).
func (e *Engine) Watch(session, step, provider string) <-chan Delta {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watcherLocked(key(session, step, provider))
}

func (e *Engine) watcherLocked(k string) chan Delta {
	ch, ok := e.watchers[k]
	if !ok {
		ch = make(chan Delta, watchBacklog)
		e.watchers[k] = ch
	}
	return ch
}

func (e *Engine) emitLocked(k string, d Delta) {
	ch, ok := e.watchers[k]
	if !ok {
		return
	}
	for {
		select {
		case ch <- d:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// ComputeDelta diffs a new full-text snapshot against the key's buffer and
// returns the delta to emit. ok is false when nothing should be emitted
// (no-op snapshot or absorbed regression); the buffer is still updated.
func (e *Engine) ComputeDelta(session, step, provider, full string) (Delta, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := key(session, step, provider)
	prev := e.buffers[k]

	switch {
	case full == prev:
		return Delta{}, false

	case prev == "":
		e.buffers[k] = full
		d := Delta{Text: full}
		e.emitLocked(k, d)
		return d, true

	case len(full) >= len(prev):
		e.buffers[k] = full
		k0 := commonPrefixLen(prev, full)
		if len(full) > len(prev) && float64(k0) >= appendPrefixRatio*float64(len(prev)) {
			d := Delta{Text: full[len(prev):]}
			e.emitLocked(k, d)
			return d, true
		}
		// Divergence: the provider replaced its answer mid-stream. An
		// equal-length rewrite lands here too; absorbing it would hide the
		// replacement from the viewer until the stage completes.
		d := Delta{Text: full[k0:], IsReplace: true}
		e.emitLocked(k, d)
		return d, true

	default:
		// Regression: shrinking text cannot be represented as an append.
		shrink := len(prev) - len(full)
		e.buffers[k] = full
		if shrink > benignShrinkChars && float64(shrink) > benignShrinkRatio*float64(len(prev)) {
			e.warnLocked(k, shrink, len(prev))
		}
		return Delta{}, false
	}
}

// ForceFinal emits the full text as a replace regardless of buffer state and
// overwrites the buffer. Used when a stage completes.
func (e *Engine) ForceFinal(session, step, provider, full string) Delta {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := key(session, step, provider)
	e.buffers[k] = full
	d := Delta{Text: full, IsFinal: true, IsReplace: true}
	e.emitLocked(k, d)
	return d
}

// Clear evicts every buffered key and watcher for a session.
func (e *Engine) Clear(session string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prefix := session + "|"
	for k := range e.buffers {
		if strings.HasPrefix(k, prefix) {
			delete(e.buffers, k)
		}
	}
	for k, ch := range e.watchers {
		if strings.HasPrefix(k, prefix) {
			close(ch)
			delete(e.watchers, k)
		}
	}
	for k := range e.warns {
		if strings.HasPrefix(k, prefix) {
			delete(e.warns, k)
		}
	}
}

func (e *Engine) warnLocked(k string, shrink, prevLen int) {
	now := time.Now()
	recent := e.warns[k][:0]
	for _, t := range e.warns[k] {
		if now.Sub(t) < warnWindow {
			recent = append(recent, t)
		}
	}
	if len(recent) < warnPerKey {
		e.logger.Warn("text regression on %s: shrank %d of %d chars", k, shrink, prevLen)
		recent = append(recent, now)
	}
	e.warns[k] = recent
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
