package dispatch

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// OpenAIDispatcher executes task payloads on OpenAI-backed workers.
type OpenAIDispatcher struct {
	client openai.Client
}

// NewOpenAIDispatcher creates an OpenAI-backed dispatcher.
func NewOpenAIDispatcher(apiKey string) (*OpenAIDispatcher, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	client := openai.NewClient()
	return &OpenAIDispatcher{client: client}, nil
}

// Name returns the backend identifier.
func (d *OpenAIDispatcher) Name() string {
	return "openai"
}

// Dispatch sends the payload to OpenAI and returns the raw response.
func (d *OpenAIDispatcher) Dispatch(ctx context.Context, model string, payload string) (string, error) {
	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(payload),
		},
		MaxCompletionTokens: openai.Int(4096),
	})
	if err != nil {
		return "", &DispatchError{Err: fmt.Errorf("openai API error: %w", err)}
	}

	if len(resp.Choices) == 0 {
		return "", &DispatchError{Err: fmt.Errorf("openai returned no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}
