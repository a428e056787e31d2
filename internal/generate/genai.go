package generate

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// genAIProvider generates content through the Gemini API.
type genAIProvider struct {
	client *genai.Client
	model  string
}

func newGenAIProvider(ctx context.Context, apiKey, model string) (*genAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("generation API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &genAIProvider{client: client, model: model}, nil
}

func (p *genAIProvider) Name() string { return "genai/" + p.model }

func (p *genAIProvider) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx,
		p.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		},
	)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}
