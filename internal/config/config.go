package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"followline/internal/domain"
)

// Config models followline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Workers struct {
		SchedulerInterval string `yaml:"scheduler_interval"`
		ExecutorInterval  string `yaml:"executor_interval"`
		DetectorInterval  string `yaml:"detector_interval"`
		BatchSize         int    `yaml:"batch_size"`
		PoolSize          int    `yaml:"pool_size"`
		ApprovalMaxAge    string `yaml:"approval_max_age"`
	} `yaml:"workers"`
	Delivery struct {
		Channel     string `yaml:"channel"` // log or smtp
		MaxRetries  int    `yaml:"max_retries"`
		BackoffBase string `yaml:"backoff_base"`
		SMTP        struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
			From string `yaml:"from"`
		} `yaml:"smtp"`
	} `yaml:"delivery"`
	Risk struct {
		Invoice struct {
			MaxAmount      float64 `yaml:"max_amount"`
			MaxDaysOverdue int     `yaml:"max_days_overdue"`
		} `yaml:"invoice"`
		Lead struct {
			MaxValue   float64  `yaml:"max_value"`
			HoldStages []string `yaml:"hold_stages"`
		} `yaml:"lead"`
	} `yaml:"risk"`
	Defaults struct {
		Mode     map[string]string `yaml:"mode"`
		Priority string            `yaml:"priority"`
	} `yaml:"defaults"`
	Sources struct {
		InvoiceLedger string `yaml:"invoice_ledger"`
		LeadBook      string `yaml:"lead_book"`
	} `yaml:"sources"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Auth     struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
	Secret  string   `yaml:"secret"`
}

// Interval accessors fall back to the documented defaults when unset.

func (c *Config) SchedulerInterval() time.Duration {
	return durationOr(c.Workers.SchedulerInterval, 2*time.Minute)
}

func (c *Config) ExecutorInterval() time.Duration {
	return durationOr(c.Workers.ExecutorInterval, time.Minute)
}

func (c *Config) DetectorInterval() time.Duration {
	return durationOr(c.Workers.DetectorInterval, 5*time.Minute)
}

func (c *Config) ApprovalMaxAge() time.Duration {
	return durationOr(c.Workers.ApprovalMaxAge, 72*time.Hour)
}

func (c *Config) BackoffBase() time.Duration {
	return durationOr(c.Delivery.BackoffBase, 2*time.Second)
}

func (c *Config) BatchSize() int {
	if c.Workers.BatchSize > 0 {
		return c.Workers.BatchSize
	}
	return 100
}

func (c *Config) PoolSize() int {
	if c.Workers.PoolSize > 0 {
		return c.Workers.PoolSize
	}
	return 4
}

func (c *Config) MaxRetries() int {
	if c.Delivery.MaxRetries > 0 {
		return c.Delivery.MaxRetries
	}
	return 3
}

// ModeFor returns the autonomy mode detectors assign to a task type.
func (c *Config) ModeFor(taskType string) domain.Mode {
	if m, ok := c.Defaults.Mode[taskType]; ok {
		return domain.Mode(m)
	}
	return domain.ModeSuggestion
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, raw := range []string{c.Workers.SchedulerInterval, c.Workers.ExecutorInterval, c.Workers.DetectorInterval, c.Workers.ApprovalMaxAge, c.Delivery.BackoffBase} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
	}
	switch c.Delivery.Channel {
	case "", "log":
	case "smtp":
		if c.Delivery.SMTP.Host == "" || c.Delivery.SMTP.From == "" {
			return fmt.Errorf("delivery.smtp requires host and from")
		}
	default:
		return fmt.Errorf("delivery.channel must be 'log' or 'smtp'")
	}
	for taskType, mode := range c.Defaults.Mode {
		switch domain.Mode(mode) {
		case domain.ModeSuggestion, domain.ModeAssisted, domain.ModeAutonomous:
		default:
			return fmt.Errorf("defaults.mode.%s must be suggestion, assisted or autonomous", taskType)
		}
	}
	if p := c.Defaults.Priority; p != "" {
		switch domain.Priority(p) {
		case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical:
		default:
			return fmt.Errorf("defaults.priority %q unknown", p)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "followline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

workers:
  scheduler_interval: 2m
  executor_interval: 1m
  detector_interval: 5m
  batch_size: 100
  pool_size: 4
  approval_max_age: 72h

delivery:
  channel: log
  max_retries: 3
  backoff_base: 2s
  smtp:
    host: ""
    port: 587
    from: ""

risk:
  invoice:
    max_amount: 5000
    max_days_overdue: 30
  lead:
    max_value: 30000
    hold_stages: ["proposal sent"]

defaults:
  priority: medium
  mode:
    invoice-follow-up: assisted
    lead-follow-up: suggestion

sources:
  invoice_ledger: ""
  lead_book: ""

webhooks: []

auth:
  allow_legacy_actor_header: false
`
