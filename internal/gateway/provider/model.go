package provider

import "context"

// ModelProvider is the capability interface over one LLM backend.
type ModelProvider interface {
	ID() string
	Enabled() bool
	Call(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
