package orchestrator

import (
	"conclave/pkg/proto"
	"conclave/pkg/stream"
)

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepUpdate reports one step's completion or failure.
type StepUpdate struct {
	Result     *proto.ProviderResponse
	SessionID  string
	TurnID     string
	Stage      proto.ResponseType
	ProviderID string
	Error      string
	Status     StepStatus
}

// ArtifactReady carries the decision artifact, any concierge output, and the
// pipeline status at the time of emission. Sent whether or not gating
// occurred.
type ArtifactReady struct {
	Artifact       *proto.DecisionArtifact
	SessionID      string
	TurnID         string
	ConciergeText  string
	PipelineStatus proto.PipelineStatus
}

// TurnFinalized carries the fully reconstructed turn: every persisted
// response bucketed by stage type and provider, sorted by response index.
type TurnFinalized struct {
	Responses map[proto.ResponseType]map[string][]*proto.ProviderResponse
	Turn      *proto.Turn
	SessionID string
}

// Partial is one live streaming emission for a (session, step, provider)
// key, as produced by the delta engine.
type Partial struct {
	SessionID  string
	Stage      proto.ResponseType
	ProviderID string
	Delta      stream.Delta
}

// Observer receives discrete pipeline events. Implementations must not
// block; the orchestrator calls them inline.
type Observer interface {
	OnStepUpdate(update StepUpdate)
	OnArtifactReady(ready ArtifactReady)
	OnTurnFinalized(finalized TurnFinalized)
}

// NopObserver discards all events. The default when no presentation layer is
// attached.
type NopObserver struct{}

func (NopObserver) OnStepUpdate(StepUpdate)       {}
func (NopObserver) OnArtifactReady(ArtifactReady) {}
func (NopObserver) OnTurnFinalized(TurnFinalized) {}

// Event is the union delivered by ChannelObserver; exactly one field is set.
type Event struct {
	StepUpdate    *StepUpdate
	ArtifactReady *ArtifactReady
	TurnFinalized *TurnFinalized
}

// ChannelObserver forwards events to a channel the transport layer drains.
// A full channel drops the event rather than stalling the pipeline.
type ChannelObserver struct {
	ch chan Event
}

func NewChannelObserver(backlog int) *ChannelObserver {
	if backlog <= 0 {
		backlog = 256
	}
	return &ChannelObserver{ch: make(chan Event, backlog)}
}

func (c *ChannelObserver) Events() <-chan Event { return c.ch }

func (c *ChannelObserver) OnStepUpdate(update StepUpdate) {
	c.send(Event{StepUpdate: &update})
}

func (c *ChannelObserver) OnArtifactReady(ready ArtifactReady) {
	c.send(Event{ArtifactReady: &ready})
}

func (c *ChannelObserver) OnTurnFinalized(finalized TurnFinalized) {
	c.send(Event{TurnFinalized: &finalized})
}

func (c *ChannelObserver) send(ev Event) {
	select {
	case c.ch <- ev:
	default:
	}
}
