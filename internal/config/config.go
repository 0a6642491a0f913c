package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models visaline.yml.
type Config struct {
	Marketplace struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"marketplace"`
	Catalog struct {
		ServiceTypes map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"service_types"`
		BudgetRanges    []string `yaml:"budget_ranges"`
		TimelineBuckets []string `yaml:"timeline_buckets"`
	} `yaml:"catalog"`
	Case struct {
		Milestones []string `yaml:"milestones"`
	} `yaml:"case"`
	Polling struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"polling"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with vl marketplace config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	if c.Marketplace.Kind != "immigration-marketplace" {
		return fmt.Errorf("config.marketplace.kind must be 'immigration-marketplace'")
	}
	if len(c.Catalog.ServiceTypes) == 0 {
		return fmt.Errorf("config.catalog.service_types is required")
	}
	if len(c.Catalog.BudgetRanges) == 0 {
		return fmt.Errorf("config.catalog.budget_ranges is required")
	}
	for _, r := range c.Catalog.BudgetRanges {
		if r == "" {
			return fmt.Errorf("config.catalog.budget_ranges contains empty bucket")
		}
	}
	if len(c.Catalog.TimelineBuckets) == 0 {
		return fmt.Errorf("config.catalog.timeline_buckets is required")
	}
	hasUnspecified := false
	for _, b := range c.Catalog.TimelineBuckets {
		if b == "" {
			return fmt.Errorf("config.catalog.timeline_buckets contains empty bucket")
		}
		if b == "unspecified" {
			hasUnspecified = true
		}
	}
	if !hasUnspecified {
		return fmt.Errorf("config.catalog.timeline_buckets must include 'unspecified'")
	}
	for _, m := range c.Case.Milestones {
		if m == "" {
			return fmt.Errorf("config.case.milestones contains empty name")
		}
	}
	if c.Polling.IntervalSeconds < 0 {
		return fmt.Errorf("config.polling.interval_seconds must not be negative")
	}
	return nil
}

// HasServiceType reports whether the catalog declares the service type.
func (c *Config) HasServiceType(kind string) bool {
	_, ok := c.Catalog.ServiceTypes[kind]
	return ok
}

// HasBudgetRange reports whether the bucket is declared.
func (c *Config) HasBudgetRange(bucket string) bool {
	for _, r := range c.Catalog.BudgetRanges {
		if r == bucket {
			return true
		}
	}
	return false
}

// HasTimelineBucket reports whether the bucket is declared.
func (c *Config) HasTimelineBucket(bucket string) bool {
	for _, b := range c.Catalog.TimelineBuckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "visaline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketplaceID string) string {
	return fmt.Sprintf(defaultTemplate, marketplaceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a marketplace.
func Default(marketplaceID string) *Config {
	var cfg Config
	cfg.Marketplace.ID = marketplaceID
	cfg.Marketplace.Kind = "immigration-marketplace"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, marketplaceID))).Decode(&cfg)
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

const defaultTemplate = `marketplace:
  id: %s
  kind: immigration-marketplace

catalog:
  service_types:
    work-visa:
      description: "Work permits and employment-based visas"
    study-visa:
      description: "Student visas and study permits"
    business-visa:
      description: "Business travel and investor visas"
    family-reunification:
      description: "Spouse, partner, and dependent sponsorship"
    permanent-residency:
      description: "Permanent residency applications"
    citizenship:
      description: "Naturalization and citizenship applications"
    appeal:
      description: "Refusal appeals and reconsideration requests"

  budget_ranges:
    - under-500
    - 500-1500
    - 1500-3000
    - 3000-5000
    - over-5000

  timeline_buckets:
    - urgent
    - within-1-month
    - within-3-months
    - within-6-months
    - flexible
    - unspecified

case:
  milestones:
    - "Document collection"
    - "Application preparation"
    - "Submission"
    - "Decision"

polling:
  interval_seconds: 30
`
