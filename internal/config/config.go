package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models matterline.yml.
type Config struct {
	Inference InferenceConfig `yaml:"inference"`
	Stages    struct {
		Directives map[string]string `yaml:"directives"`
	} `yaml:"stages"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type InferenceConfig struct {
	BaseURLs             []string    `yaml:"base_urls"`
	Model                string      `yaml:"model"`
	APIKey               string      `yaml:"api_key"`
	APIKeyEnv            string      `yaml:"api_key_env"`
	TimeoutSeconds       int         `yaml:"timeout_seconds"`
	MaxValidationRetries int         `yaml:"max_validation_retries"`
	UpstreamRetries      int         `yaml:"upstream_retries"`
	BackoffInitialMS     int         `yaml:"backoff_initial_ms"`
	BackoffMaxMS         int         `yaml:"backoff_max_ms"`
	Temperature          float32     `yaml:"temperature"`
	Guard                GuardConfig `yaml:"guard"`
}

type GuardConfig struct {
	MaxFailures     int `yaml:"max_failures"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Timeout bounds a single inference call.
func (c InferenceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c InferenceConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMS) * time.Millisecond
}

func (c InferenceConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// ResolvedAPIKey prefers the environment variable named by api_key_env.
func (c InferenceConfig) ResolvedAPIKey() string {
	if c.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.APIKeyEnv)); v != "" {
			return v
		}
	}
	return c.APIKey
}

func (g GuardConfig) Cooldown() time.Duration {
	return time.Duration(g.CooldownSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	inf := c.Inference
	if inf.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.inference.timeout_seconds must be positive")
	}
	if inf.MaxValidationRetries < 0 {
		return fmt.Errorf("config.inference.max_validation_retries must not be negative")
	}
	if inf.UpstreamRetries < 0 {
		return fmt.Errorf("config.inference.upstream_retries must not be negative")
	}
	if inf.BackoffInitialMS < 0 || inf.BackoffMaxMS < 0 {
		return fmt.Errorf("config.inference backoff values must not be negative")
	}
	if inf.BackoffMaxMS > 0 && inf.BackoffInitialMS > inf.BackoffMaxMS {
		return fmt.Errorf("config.inference.backoff_initial_ms exceeds backoff_max_ms")
	}
	if inf.Temperature < 0 || inf.Temperature > 2 {
		return fmt.Errorf("config.inference.temperature must be within [0,2]")
	}
	if inf.Guard.MaxFailures < 0 || inf.Guard.CooldownSeconds < 0 {
		return fmt.Errorf("config.inference.guard values must not be negative")
	}
	for i, u := range inf.BaseURLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("config.inference.base_urls[%d] is empty", i)
		}
	}
	for stage, directive := range c.Stages.Directives {
		if !knownStage(stage) {
			return fmt.Errorf("config.stages.directives has unknown stage %s", stage)
		}
		if strings.TrimSpace(directive) == "" {
			return fmt.Errorf("config.stages.directives.%s is empty", stage)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Stage names mirror the pipeline in internal/transition; config only needs the names.
var stageNames = []string{"facts", "contexts", "obligations", "missing_elements", "risks", "actions", "handoff"}

func knownStage(name string) bool {
	for _, s := range stageNames {
		if s == name {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace directory.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "matterline.yml")
}

// Load reads and validates config from the workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with matterline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("invalid default yaml: %w", err)
	}
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

const defaultTemplate = `inference:
  base_urls: ["http://localhost:1234/v1"]
  model: ""
  api_key_env: MATTERLINE_INFERENCE_API_KEY
  timeout_seconds: 30
  max_validation_retries: 2
  upstream_retries: 2
  backoff_initial_ms: 250
  backoff_max_ms: 4000
  temperature: 0.1
  guard:
    max_failures: 5
    cooldown_seconds: 30

stages:
  directives: {}

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret_env: MATTERLINE_JWT_SECRET

webhooks: []
`
