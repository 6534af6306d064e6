package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// contract. Continuation is emulated by transcript replay carried in Meta.
type AnthropicProvider struct {
	client anthropic.Client
	id     string
	model  anthropic.Model
}

func NewAnthropicProvider(id, apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		id:     id,
		model:  anthropic.Model(model),
	}
}

func (p *AnthropicProvider) ID() string { return p.id }

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Continuation: true, Thinking: true}
}

func (p *AnthropicProvider) Ask(ctx context.Context, prompt string, continuation map[string]any) Result {
	history := historyFrom(continuation)

	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, h := range history {
		block := anthropic.NewTextBlock(h.Text)
		if h.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: 4096,
	})
	if err != nil {
		return failure(p.id, Classify(err))
	}
	if resp == nil || len(resp.Content) == 0 {
		return failure(p.id, NewError(ErrorTypeUnknown, "empty response"))
	}

	var text string
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text += resp.Content[i].AsText().Text
		}
	}

	return Result{
		ProviderID: p.id,
		OK:         true,
		Text:       text,
		Meta: map[string]any{
			"history":    appendHistory(history, prompt, text),
			"message_id": resp.ID,
			"model":      string(resp.Model),
		},
	}
}
