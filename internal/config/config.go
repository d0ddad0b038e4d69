// Package config loads axial settings from axial.yaml and AXIAL_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/axial/internal/router"
	"github.com/jmerrifield20/axial/internal/shield"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Ledger LedgerConfig `mapstructure:"ledger"`
	Router RouterConfig `mapstructure:"router"`
	Shield ShieldConfig `mapstructure:"shield"`
	Proxy  ProxyConfig  `mapstructure:"proxy"`
	API    APIConfig    `mapstructure:"api"`

	// File is the config file that was read, or "" when none was found.
	File string `mapstructure:"-"`
}

type LedgerConfig struct {
	Path        string `mapstructure:"path"`
	Backend     string `mapstructure:"backend"` // "sqlite" or "postgres"
	DatabaseURL string `mapstructure:"database_url"`
	Provenance  string `mapstructure:"provenance"`
}

type RouterConfig struct {
	RateLimitRPS    float64          `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int              `mapstructure:"rate_limit_burst"`
	DefaultStrategy string           `mapstructure:"default_strategy"`
	HealthInterval  time.Duration    `mapstructure:"health_interval"` // 0 disables probing
	Providers       []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig declares a provider to register at startup. Kind "ollama"
// talks to an Ollama server; kind "openai" is the offline OpenAI adapter;
// kind "static" returns a canned response. Adapter kinds derive their id from
// the model.
type ProviderConfig struct {
	Kind         string              `mapstructure:"kind"`
	ID           string              `mapstructure:"id"`
	Name         string              `mapstructure:"name"`
	Model        string              `mapstructure:"model"`
	BaseURL      string              `mapstructure:"base_url"`
	Timeout      time.Duration       `mapstructure:"timeout"`
	LatencyMS    uint32              `mapstructure:"latency_ms"`
	PrivacyLevel string              `mapstructure:"privacy_level"`
	Capabilities []router.Capability `mapstructure:"capabilities"`
}

type ShieldConfig struct {
	AllowedDomains      []string `mapstructure:"allowed_domains"`
	PIIPatterns         []string `mapstructure:"pii_patterns"`
	RedactedPlaceholder string   `mapstructure:"redacted_placeholder"`
	PolicyFile          string   `mapstructure:"policy_file"`
}

type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Listen       string        `mapstructure:"listen"`
	RateLimitRPS int           `mapstructure:"rate_limit_rps"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	AdminSecret  string        `mapstructure:"admin_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// Load reads configuration. When path is empty, axial.yaml is searched for
// in ./configs and the working directory; not finding it is not an error.
// An explicit path must exist. Environment variables such as
// AXIAL_API_LISTEN override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("axial")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("axial")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var file string
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		file = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := shield.DefaultConfig()

	v.SetDefault("ledger.path", ".axial/ledger.db")
	v.SetDefault("ledger.backend", "sqlite")
	v.SetDefault("ledger.database_url", "")
	v.SetDefault("ledger.provenance", "AXIAL Evidence Bundle")

	v.SetDefault("router.rate_limit_rps", router.DefaultRPS)
	v.SetDefault("router.rate_limit_burst", router.DefaultBurst)
	v.SetDefault("router.default_strategy", string(router.PrivacyFirst))
	v.SetDefault("router.health_interval", "1m")

	v.SetDefault("shield.allowed_domains", def.AllowedDomains)
	v.SetDefault("shield.pii_patterns", def.PIIPatterns)
	v.SetDefault("shield.redacted_placeholder", def.RedactedPlaceholder)
	v.SetDefault("shield.policy_file", "")

	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.listen", shield.DefaultProxyAddr)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("api.rate_limit_rps", 20)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.admin_secret", "")
	v.SetDefault("api.token_ttl", "1h")
}

func (c *Config) validate() error {
	switch c.Ledger.Backend {
	case "sqlite":
	case "postgres":
		if c.Ledger.DatabaseURL == "" {
			return fmt.Errorf("config: ledger.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown ledger.backend %q", c.Ledger.Backend)
	}
	if c.Router.RateLimitRPS <= 0 || c.Router.RateLimitBurst <= 0 {
		return fmt.Errorf("config: router rate limit must be positive")
	}
	for i, p := range c.Router.Providers {
		switch p.Kind {
		case "ollama", "openai":
			if p.Model == "" {
				return fmt.Errorf("config: router.providers[%d].model is required for kind %s", i, p.Kind)
			}
		default:
			if p.ID == "" {
				return fmt.Errorf("config: router.providers[%d].id is required", i)
			}
		}
	}
	return nil
}

// ShieldPolicy returns the shield configuration, taking it from
// shield.policy_file when one is set.
func (c *Config) ShieldPolicy() (shield.Config, error) {
	if c.Shield.PolicyFile != "" {
		return shield.LoadPolicy(c.Shield.PolicyFile)
	}
	return shield.Config{
		AllowedDomains:      c.Shield.AllowedDomains,
		PIIPatterns:         c.Shield.PIIPatterns,
		RedactedPlaceholder: c.Shield.RedactedPlaceholder,
	}, nil
}

// BuildProvider turns a provider declaration into a router.Provider.
func (p ProviderConfig) BuildProvider() (router.Provider, error) {
	switch p.Kind {
	case "ollama":
		timeout := p.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		base := p.BaseURL
		if base == "" {
			base = "http://127.0.0.1:11434"
		}
		return router.NewOllamaProvider(p.Model, base, timeout), nil
	case "openai":
		return router.NewOpenAIProvider(p.Model), nil
	case "static", "":
		lvl, err := router.ParsePrivacyLevel(p.PrivacyLevel)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		name := p.Name
		if name == "" {
			name = p.ID
		}
		return &router.StaticProvider{ProviderInfo: router.ProviderInfo{
			ID:           p.ID,
			Name:         name,
			Capabilities: p.Capabilities,
			LatencyMS:    p.LatencyMS,
			PrivacyLevel: lvl,
		}}, nil
	}
	return nil, fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
}
