package provider

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIProvider adapts the OpenAI Responses API. The API carries native
// continuation: Meta stores the previous response id and it is passed back
// verbatim on the next call.
type OpenAIProvider struct {
	client openai.Client
	id     string
	model  string
}

func NewOpenAIProvider(id, apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		id:     id,
		model:  model,
	}
}

func (p *OpenAIProvider) ID() string { return p.id }

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Continuation: true, Thinking: true}
}

func (p *OpenAIProvider) Ask(ctx context.Context, prompt string, continuation map[string]any) Result {
	params := responses.ResponseNewParams{
		Model: p.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	}
	if continuation != nil {
		if prev, ok := continuation["previous_response_id"].(string); ok && prev != "" {
			params.PreviousResponseID = openai.String(prev)
		}
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return failure(p.id, Classify(err))
	}
	if resp == nil {
		return failure(p.id, NewError(ErrorTypeUnknown, "empty response"))
	}

	return Result{
		ProviderID: p.id,
		OK:         true,
		Text:       resp.OutputText(),
		Meta: map[string]any{
			"previous_response_id": resp.ID,
			"model":                resp.Model,
		},
	}
}
