package router

import (
	"context"
	"fmt"
)

// OpenAIProvider describes a hosted OpenAI model. Execute does not reach the
// network: it returns a canned response so that cloud routing can be wired and
// exercised end to end without credentials.
type OpenAIProvider struct {
	Model string
}

// NewOpenAIProvider returns the mock adapter for model, e.g. "gpt-4o".
func NewOpenAIProvider(model string) *OpenAIProvider {
	return &OpenAIProvider{Model: model}
}

// Info implements Provider.
func (o *OpenAIProvider) Info() ProviderInfo {
	return ProviderInfo{
		ID:   "openai-" + o.Model,
		Name: fmt.Sprintf("OpenAI (%s)", o.Model),
		Capabilities: []Capability{
			{Name: "text-generation", Score: 95, CostPer1kTokens: 0.01},
			{Name: "code-editing", Score: 90, CostPer1kTokens: 0.01},
			{Name: "complex-reasoning", Score: 98, CostPer1kTokens: 0.03},
		},
		LatencyMS:    1000,
		PrivacyLevel: Cloud,
	}
}

// Execute implements Provider.
func (o *OpenAIProvider) Execute(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]any{
		"response": "OpenAI mock response",
		"model":    o.Model,
	}, nil
}
