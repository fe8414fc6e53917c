package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"studygate/internal/workflow"
)

// Config models studygate.yml. The workflow table itself is static; config
// carries the operational pieces: extra declaration requirements per trigger,
// notification webhooks, and the builder endpoint.
type Config struct {
	Lab struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"lab"`
	// Declarations adds required payload fields per trigger on top of the
	// documented table. Documented requirements cannot be removed.
	Declarations map[string][]string `yaml:"declarations"`
	Webhooks     []WebhookConfig     `yaml:"webhooks"`
	Builder      BuilderConfig       `yaml:"builder"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Triggers       []string `yaml:"triggers"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type BuilderConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Lab.ID == "" {
		return fmt.Errorf("config.lab.id is required")
	}
	def := workflow.Default()
	known := map[string]bool{}
	for _, tr := range def.Transitions() {
		known[string(tr.Trigger)] = true
	}
	for trigger, fields := range c.Declarations {
		if !known[trigger] {
			return fmt.Errorf("config.declarations references unknown trigger %s", trigger)
		}
		for _, f := range fields {
			if f == "" {
				return fmt.Errorf("trigger %s has empty declaration field", trigger)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, t := range hook.Triggers {
			if !known[t] {
				return fmt.Errorf("webhook %d references unknown trigger %s", i, t)
			}
		}
	}
	return nil
}

// Workflow returns the static table with this config's declaration overrides
// merged in.
func (c *Config) Workflow() workflow.Definition {
	return workflow.Default().WithDeclarations(c.Declarations)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "studygate.yml")
}

// Default returns the default Config struct for a lab.
func Default(labID string) *Config {
	var cfg Config
	cfg.Lab.ID = labID
	cfg.Lab.Name = labID
	cfg.Declarations = map[string][]string{}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the workspace config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}
