package provider

import (
	"context"

	"google.golang.org/genai"
)

// GeminiProvider adapts the Google GenAI API. Client creation needs a
// context, so it is deferred to the first Ask. Continuation is emulated by
// transcript replay carried in Meta.
type GeminiProvider struct {
	client *genai.Client
	id     string
	apiKey string
	model  string
}

func NewGeminiProvider(id, apiKey, model string) *GeminiProvider {
	return &GeminiProvider{id: id, apiKey: apiKey, model: model}
}

func (p *GeminiProvider) ID() string { return p.id }

func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Continuation: true, Thinking: false}
}

func (p *GeminiProvider) Ask(ctx context.Context, prompt string, continuation map[string]any) Result {
	if p.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return failure(p.id, Classify(err))
		}
		p.client = client
	}

	history := historyFrom(continuation)
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, h := range history {
		role := genai.Role(genai.RoleUser)
		if h.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(h.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return failure(p.id, Classify(err))
	}
	if result == nil || len(result.Candidates) == 0 {
		return failure(p.id, NewError(ErrorTypeUnknown, "empty response"))
	}

	text := result.Text()
	return Result{
		ProviderID: p.id,
		OK:         true,
		Text:       text,
		Meta: map[string]any{
			"history": appendHistory(history, prompt, text),
			"model":   p.model,
		},
	}
}
