package orchestrator

import (
	"context"
	"time"

	"conclave/pkg/prompts"
	"conclave/pkg/proto"
	"conclave/pkg/provider"
)

// StepSpec describes one provider call within a step plan.
type StepSpec struct {
	Continuation map[string]any
	SessionID    string
	TurnID       string
	ProviderID   string
	Stage        proto.ResponseType
	Prompt       prompts.Prompt
	Timeout      time.Duration
}

// Executor is the external executor contract the orchestrator drives
// provider execution through. onSnapshot receives full-text snapshots as
// they become available; it is called at least once with the final text of a
// successful call.
type Executor interface {
	Execute(ctx context.Context, step *StepSpec, onSnapshot func(fullText string)) provider.Result
}

// ProviderExecutor executes steps against the registered backend adapters,
// applying the step timeout.
type ProviderExecutor struct {
	providers map[string]provider.Provider
}

func NewProviderExecutor(providers map[string]provider.Provider) *ProviderExecutor {
	return &ProviderExecutor{providers: providers}
}

func (e *ProviderExecutor) Execute(ctx context.Context, step *StepSpec, onSnapshot func(fullText string)) provider.Result {
	p, ok := e.providers[step.ProviderID]
	if !ok {
		return provider.Result{
			ProviderID: step.ProviderID,
			Err:        provider.NewError(provider.ErrorTypeUnknown, "provider not registered"),
		}
	}

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	// Continuation is honored only when the backend reports the capability.
	continuation := step.Continuation
	if !p.Capabilities().Continuation {
		continuation = nil
	}

	result := p.Ask(ctx, step.Prompt.Text, continuation)
	if result.OK && onSnapshot != nil {
		onSnapshot(result.Text)
	}
	return result
}
