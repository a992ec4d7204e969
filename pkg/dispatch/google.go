package dispatch

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GoogleDispatcher executes task payloads on Gemini-backed workers.
type GoogleDispatcher struct {
	client *genai.Client
}

// NewGoogleDispatcher creates a Gemini-backed dispatcher.
func NewGoogleDispatcher(apiKey string) (*GoogleDispatcher, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleDispatcher{client: client}, nil
}

// Name returns the backend identifier.
func (d *GoogleDispatcher) Name() string {
	return "google"
}

// Dispatch sends the payload to Gemini and returns the raw response.
func (d *GoogleDispatcher) Dispatch(ctx context.Context, model string, payload string) (string, error) {
	resp, err := d.client.Models.GenerateContent(ctx, model, genai.Text(payload), nil)
	if err != nil {
		return "", &DispatchError{Err: fmt.Errorf("google API error: %w", err)}
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return "", &DispatchError{Err: fmt.Errorf("google returned no candidates")}
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}
	return content, nil
}
