package shield

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPolicy reads a YAML shield policy. A missing file yields
// DefaultConfig. Keys absent from the file keep their default values.
func LoadPolicy(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read shield policy: %w", err)
	}

	var file struct {
		AllowedDomains      *[]string `yaml:"allowed_domains"`
		PIIPatterns         *[]string `yaml:"pii_patterns"`
		RedactedPlaceholder *string   `yaml:"redacted_placeholder"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parse shield policy %s: %w", path, err)
	}

	if file.AllowedDomains != nil {
		cfg.AllowedDomains = *file.AllowedDomains
	}
	if file.PIIPatterns != nil {
		cfg.PIIPatterns = *file.PIIPatterns
	}
	if file.RedactedPlaceholder != nil {
		cfg.RedactedPlaceholder = *file.RedactedPlaceholder
	}
	return cfg, nil
}
