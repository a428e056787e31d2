// Package generate resolves template tokens to content: strings for text
// tokens, bullet lists for list tokens, and series-grounded chart specs for
// chart tokens. Generation is resolved per token, never atomically for the
// whole template.
package generate

import (
	"context"
	"errors"
	"fmt"
)

// Uncertain is the explicit marker emitted when evidence is insufficient or
// generation for a token degrades. It is part of the output contract: the
// generator never fabricates content in its place.
const Uncertain = "[unverified]"

var (
	// ErrNoContent marks an empty provider response; treated as transient.
	ErrNoContent = errors.New("provider returned no content")
	// ErrAllTokensFailed is returned when generation failed for every
	// text/list token; the job fails rather than emitting an all-marker deck.
	ErrAllTokensFailed = errors.New("content generation failed for every token")
)

// Provider is a generative text backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Generate returns the model text for a prompt; JSON output is requested
	// by the prompt contract.
	Generate(ctx context.Context, prompt string) (string, error)
	// Name identifies the backend in logs and usage events.
	Name() string
}

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	Provider string // "genai" or "mock"
	APIKey   string
	Model    string
}

// NewProvider builds the configured backend.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "genai", "":
		return newGenAIProvider(ctx, cfg.APIKey, cfg.Model)
	case "mock":
		return NewMockProvider(nil), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
