package provider

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaProvider adapts a local/self-hosted Ollama backend. Continuation is
// emulated by transcript replay carried in Meta.
type OllamaProvider struct {
	client *api.Client
	id     string
	model  string
}

func NewOllamaProvider(id, hostURL, model string) *OllamaProvider {
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaProvider{
		client: api.NewClient(parsedURL, http.DefaultClient),
		id:     id,
		model:  model,
	}
}

func (p *OllamaProvider) ID() string { return p.id }

func (p *OllamaProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Continuation: true, Thinking: false}
}

func (p *OllamaProvider) Ask(ctx context.Context, prompt string, continuation map[string]any) Result {
	history := historyFrom(continuation)
	messages := make([]api.Message, 0, len(history)+1)
	for _, h := range history {
		messages = append(messages, api.Message{Role: h.Role, Content: h.Text})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
	}

	var response api.ChatResponse
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return failure(p.id, Classify(err))
	}

	text := response.Message.Content
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
