// Package config provides configuration loading and validation, and the
// encrypted session-token store. Configuration is settings only; session and
// turn state belongs in the database, never here.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderKind selects the backend adapter for a configured provider.
type ProviderKind string

const (
	KindAnthropic ProviderKind = "anthropic"
	KindOpenAI    ProviderKind = "openai"
	KindGemini    ProviderKind = "gemini"
	KindOllama    ProviderKind = "ollama"
)

// ProviderConfig describes one configured backend.
type ProviderConfig struct {
	ID    string       `yaml:"id"`
	Kind  ProviderKind `yaml:"kind"`
	Model string       `yaml:"model"`
	Host  string       `yaml:"host,omitempty"` // ollama only
}

// Config is the full orchestrator configuration.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Store     struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Concierge struct {
		DefaultProvider string `yaml:"default_provider"`
	} `yaml:"concierge"`
	Timeouts struct {
		ProviderSeconds  int `yaml:"provider_seconds"`
		AuxiliarySeconds int `yaml:"auxiliary_seconds"`
	} `yaml:"timeouts"`
	Metrics struct {
		Listen string `yaml:"listen"`
		// PrometheusURL points at a Prometheus server scraping this process;
		// it enables per-session usage aggregation.
		PrometheusURL string `yaml:"prometheus_url"`
	} `yaml:"metrics"`
	PromptBudgetTokens int    `yaml:"prompt_budget_tokens"`
	SecretsPath        string `yaml:"secrets_path"`
}

// Load reads and validates the config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "conclave.db"
	}
	if c.Timeouts.ProviderSeconds == 0 {
		c.Timeouts.ProviderSeconds = 120
	}
	if c.Timeouts.AuxiliarySeconds == 0 {
		c.Timeouts.AuxiliarySeconds = 60
	}
	if c.PromptBudgetTokens == 0 {
		c.PromptBudgetTokens = 8000
	}
	if c.SecretsPath == "" {
		c.SecretsPath = "secrets.json.enc"
	}
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("provider %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case KindAnthropic, KindOpenAI, KindGemini, KindOllama:
		default:
			return fmt.Errorf("provider %q has unsupported kind %q", p.ID, p.Kind)
		}
	}
	if c.Concierge.DefaultProvider != "" && !seen[c.Concierge.DefaultProvider] {
		return fmt.Errorf("concierge default provider %q is not configured", c.Concierge.DefaultProvider)
	}
	return nil
}
