package dispatch

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicDispatcher executes task payloads on Claude-backed workers.
type AnthropicDispatcher struct {
	client anthropic.Client
}

// NewAnthropicDispatcher creates an Anthropic-backed dispatcher.
func NewAnthropicDispatcher(apiKey string) (*AnthropicDispatcher, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	client := anthropic.NewClient()
	return &AnthropicDispatcher{client: client}, nil
}

// Name returns the backend identifier.
func (d *AnthropicDispatcher) Name() string {
	return "anthropic"
}

// Dispatch sends the payload to Claude and returns the raw response.
func (d *AnthropicDispatcher) Dispatch(ctx context.Context, model string, payload string) (string, error) {
	resp, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(payload)),
		},
	})
	if err != nil {
		return "", &DispatchError{Err: fmt.Errorf("anthropic API error: %w", err)}
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return content, nil
}
