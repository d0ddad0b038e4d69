package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider calls a local Ollama server's /api/generate endpoint.
type OllamaProvider struct {
	Model   string
	BaseURL string // e.g. http://127.0.0.1:11434

	http *http.Client
}

// NewOllamaProvider returns a provider for model served at baseURL. The
// timeout bounds each generate call.
func NewOllamaProvider(model, baseURL string, timeout time.Duration) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Info implements Provider.
func (o *OllamaProvider) Info() ProviderInfo {
	return ProviderInfo{
		ID:   "ollama-" + o.Model,
		Name: fmt.Sprintf("Ollama (%s)", o.Model),
		Capabilities: []Capability{
			{Name: "text-generation", Score: 70},
			{Name: "code-editing", Score: 60},
			{Name: "local-privacy", Score: 100},
		},
		LatencyMS:    100,
		PrivacyLevel: Local,
	}
}

// HealthEndpoint returns the URL probed by the provider health checker.
func (o *OllamaProvider) HealthEndpoint() string {
	return o.BaseURL + "/api/tags"
}

// Execute implements Provider. task is sent as the prompt; params are
// ignored. The decoded response body is returned as-is.
func (o *OllamaProvider) Execute(ctx context.Context, task string, _ map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"model":  o.Model,
		"prompt": task,
		"stream": false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := o.http
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	return out, nil
}
