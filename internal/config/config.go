package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"duewatch/internal/domain"
)

// Config models duewatch.yml.
type Config struct {
	Sweep struct {
		Schedule string        `yaml:"schedule"`
		Timeout  time.Duration `yaml:"timeout"`
		Workers  int           `yaml:"workers"`
	} `yaml:"sweep"`
	Policy struct {
		DayCounting string `yaml:"day_counting"`
		Timezone    string `yaml:"timezone"`
	} `yaml:"policy"`
	Delivery struct {
		MaxAttempts    int           `yaml:"max_attempts"`
		BaseBackoff    time.Duration `yaml:"base_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
		Workers        int           `yaml:"workers"`
	} `yaml:"delivery"`
	ActionURLBase string           `yaml:"action_url_base"`
	Transports    TransportsConfig `yaml:"transports"`
	Redis         struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string   `yaml:"jwt_secret"`
		Admins    []string `yaml:"admin_roles"`
		// DevLogin mounts POST /auth/dev/login, which signs tokens for any
		// actor without credentials. Local development only.
		DevLogin bool `yaml:"dev_login"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// TransportsConfig configures the external channels. A channel left empty
// falls back to the logging transport.
type TransportsConfig struct {
	Slack HookConfig `yaml:"slack"`
	Teams HookConfig `yaml:"teams"`
	Email struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"email"`
}

type HookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig forwards engine events to operator endpoints.
type WebhookConfig struct {
	// ID names the hook's delivery cursor. It defaults to the URL.
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Key identifies the hook across restarts.
func (w WebhookConfig) Key() string {
	if id := strings.TrimSpace(w.ID); id != "" {
		return id
	}
	return strings.TrimSpace(w.URL)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Sweep.Schedule) == "" {
		return fmt.Errorf("config.sweep.schedule is required")
	}
	if c.Sweep.Timeout < 0 {
		return fmt.Errorf("config.sweep.timeout must be >= 0")
	}
	if c.Sweep.Workers < 0 {
		return fmt.Errorf("config.sweep.workers must be >= 0")
	}
	switch c.Policy.DayCounting {
	case "", "calendar", "elapsed":
	default:
		return fmt.Errorf("config.policy.day_counting must be calendar or elapsed, got %q", c.Policy.DayCounting)
	}
	if c.Policy.Timezone != "" {
		if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
			return fmt.Errorf("config.policy.timezone: %w", err)
		}
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("config.delivery.max_attempts must be >= 1")
	}
	if c.Delivery.BaseBackoff < 0 || c.Delivery.MaxBackoff < 0 || c.Delivery.AttemptTimeout < 0 {
		return fmt.Errorf("config.delivery durations must be >= 0")
	}
	if c.Delivery.MaxBackoff > 0 && c.Delivery.BaseBackoff > c.Delivery.MaxBackoff {
		return fmt.Errorf("config.delivery.base_backoff exceeds max_backoff")
	}
	if c.Delivery.Workers < 0 {
		return fmt.Errorf("config.delivery.workers must be >= 0")
	}
	if c.Transports.Email.Host != "" && c.Transports.Email.From == "" {
		return fmt.Errorf("config.transports.email.from is required when host is set")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	hookKeys := make(map[string]int, len(c.Webhooks))
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if prev, ok := hookKeys[hook.Key()]; ok {
			return fmt.Errorf("config.webhooks[%d] shares id %q with webhooks[%d]; set a distinct id", i, hook.Key(), prev)
		}
		hookKeys[hook.Key()] = i
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "duewatch.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// RulesFile is the import format for reminder rules.
type RulesFile struct {
	Rules []domain.ReminderRule `yaml:"rules"`
}

// LoadRules reads a rules import file. Each rule is validated; the first
// invalid rule aborts the load.
func LoadRules(path string) ([]domain.ReminderRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid rules yaml: %w", err)
	}
	for i, r := range f.Rules {
		if err := domain.ValidateRule(r); err != nil {
			return nil, fmt.Errorf("rules[%d] %s: %w", i, r.ID, err)
		}
	}
	return f.Rules, nil
}

// LoadDataset reads an entity import file.
func LoadDataset(path string) (domain.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Dataset{}, err
	}
	return ParseDataset(data)
}

// ParseDataset decodes a dataset from YAML or JSON.
func ParseDataset(data []byte) (domain.Dataset, error) {
	var ds domain.Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return domain.Dataset{}, fmt.Errorf("invalid dataset yaml: %w", err)
	}
	return ds, nil
}

const defaultTemplate = `sweep:
  schedule: "@every 5m"
  timeout: 2m
  workers: 4

policy:
  day_counting: calendar
  timezone: UTC

delivery:
  max_attempts: 4
  base_backoff: 1s
  max_backoff: 30s
  attempt_timeout: 10s
  workers: 8

action_url_base: ""

transports:
  slack:
    url: ""
  teams:
    url: ""
  email:
    host: ""
    port: 587
    from: ""

redis:
  addr: ""

auth:
  jwt_secret: ""
  admin_roles: [admin, pmo]
  dev_login: false

logging:
  level: info
  format: text
`
