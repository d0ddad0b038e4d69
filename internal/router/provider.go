package router

import (
	"context"
	"fmt"
	"strings"
)

// PrivacyLevel classifies where a provider executes.
type PrivacyLevel string

const (
	Local    PrivacyLevel = "Local"    // on-device
	Shielded PrivacyLevel = "Shielded" // remote, behind the shield boundary
	Cloud    PrivacyLevel = "Cloud"    // third-party hosted
)

// ParsePrivacyLevel accepts the level names case-insensitively.
func ParsePrivacyLevel(s string) (PrivacyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return Local, nil
	case "shielded":
		return Shielded, nil
	case "cloud":
		return Cloud, nil
	}
	return "", fmt.Errorf("unknown privacy level %q", s)
}

// Capability is a named skill a provider offers, scored 0-100.
type Capability struct {
	Name            string  `json:"name" yaml:"name" mapstructure:"name"`
	Score           uint8   `json:"score" yaml:"score" mapstructure:"score"`
	CostPer1kTokens float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens" mapstructure:"cost_per_1k_tokens"`
}

// ProviderInfo describes a provider to the router.
type ProviderInfo struct {
	ID           string       `json:"id" yaml:"id" mapstructure:"id"`
	Name         string       `json:"name" yaml:"name" mapstructure:"name"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities" mapstructure:"capabilities"`
	LatencyMS    uint32       `json:"latency_ms" yaml:"latency_ms" mapstructure:"latency_ms"`
	PrivacyLevel PrivacyLevel `json:"privacy_level" yaml:"privacy_level" mapstructure:"privacy_level"`
}

// capability returns the provider's capability called name.
func (p ProviderInfo) capability(name string) (Capability, bool) {
	for _, c := range p.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// Provider is a model backend the router can select and call.
type Provider interface {
	Info() ProviderInfo
	Execute(ctx context.Context, task string, params map[string]any) (map[string]any, error)
}

// StaticProvider is a Provider that returns a fixed response. It stands in
// for backends whose adapters live outside this module, and is handy in
// tests and dry runs.
type StaticProvider struct {
	ProviderInfo
	Response map[string]any
}

// Info implements Provider.
func (s *StaticProvider) Info() ProviderInfo { return s.ProviderInfo }

// Execute implements Provider.
func (s *StaticProvider) Execute(_ context.Context, task string, _ map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Response)+2)
	for k, v := range s.Response {
		out[k] = v
	}
	out["provider"] = s.ID
	out["task"] = task
	return out, nil
}
