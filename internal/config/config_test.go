package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/axial/internal/config"
	"github.com/jmerrifield20/axial/internal/router"
	"github.com/jmerrifield20/axial/internal/shield"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "axial.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_defaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, ".axial/ledger.db", cfg.Ledger.Path)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.Equal(t, float64(10), cfg.Router.RateLimitRPS)
	assert.Equal(t, 10, cfg.Router.RateLimitBurst)
	assert.Equal(t, "privacy_first", cfg.Router.DefaultStrategy)
	assert.Equal(t, "127.0.0.1:8899", cfg.Proxy.Listen)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.Listen)
	assert.Equal(t, 20, cfg.API.RateLimitRPS)
	assert.Equal(t, time.Hour, cfg.API.TokenTTL)

	pol, err := cfg.ShieldPolicy()
	require.NoError(t, err)
	assert.Equal(t, shield.DefaultConfig(), pol)
}

func TestLoad_fileAndEnv(t *testing.T) {
	path := writeConfig(t, `
ledger:
  path: /var/lib/axial/ledger.db
router:
  rate_limit_rps: 2.5
  default_strategy: performance
  providers:
    - id: local-llm
      privacy_level: local
      latency_ms: 80
      capabilities:
        - name: code-editing
          score: 70
          cost_per_1k_tokens: 0
    - kind: ollama
      model: llama3
      timeout: 30s
    - kind: openai
      model: gpt-4o
shield:
  allowed_domains: [api.anthropic.com]
api:
  token_ttl: 15m
`)
	t.Setenv("AXIAL_API_LISTEN", "0.0.0.0:9000")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/var/lib/axial/ledger.db", cfg.Ledger.Path)
	assert.Equal(t, 2.5, cfg.Router.RateLimitRPS)
	assert.Equal(t, "performance", cfg.Router.DefaultStrategy)
	assert.Equal(t, []string{"api.anthropic.com"}, cfg.Shield.AllowedDomains)
	assert.Equal(t, 15*time.Minute, cfg.API.TokenTTL)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Listen)

	require.Len(t, cfg.Router.Providers, 3)

	p, err := cfg.Router.Providers[0].BuildProvider()
	require.NoError(t, err)
	info := p.Info()
	assert.Equal(t, "local-llm", info.ID)
	assert.Equal(t, "local-llm", info.Name)
	assert.Equal(t, router.Local, info.PrivacyLevel)
	require.Len(t, info.Capabilities, 1)
	assert.Equal(t, uint8(70), info.Capabilities[0].Score)

	o, err := cfg.Router.Providers[1].BuildProvider()
	require.NoError(t, err)
	assert.Equal(t, "ollama-llama3", o.Info().ID)

	c, err := cfg.Router.Providers[2].BuildProvider()
	require.NoError(t, err)
	assert.Equal(t, "openai-gpt-4o", c.Info().ID)
	assert.Equal(t, router.Cloud, c.Info().PrivacyLevel)
}

func TestLoad_explicitMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_validation(t *testing.T) {
	cases := map[string]string{
		"postgres without url": "ledger:\n  backend: postgres\n",
		"unknown backend":      "ledger:\n  backend: mongo\n",
		"zero burst":           "router:\n  rate_limit_burst: 0\n",
		"provider without id":  "router:\n  providers:\n    - privacy_level: cloud\n",
		"openai without model": "router:\n  providers:\n    - kind: openai\n",
		"ollama without model": "router:\n  providers:\n    - kind: ollama\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestShieldPolicy_fromPolicyFile(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "shield.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("allowed_domains: [example.internal]\n"), 0o644))

	cfg, err := config.Load(writeConfig(t, "shield:\n  policy_file: "+policy+"\n"))
	require.NoError(t, err)

	pol, err := cfg.ShieldPolicy()
	require.NoError(t, err)
	assert.Equal(t, []string{"example.internal"}, pol.AllowedDomains)
}

func TestBuildProvider_unknownKind(t *testing.T) {
	_, err := config.ProviderConfig{ID: "x", Kind: "carrier-pigeon"}.BuildProvider()
	assert.Error(t, err)

	_, err = config.ProviderConfig{ID: "x", PrivacyLevel: "orbit"}.BuildProvider()
	assert.Error(t, err)
}
