package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models marketline.yml.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv  string `yaml:"jwt_secret_env"`
		AllowDevLogin bool   `yaml:"allow_dev_login"`
		KeyCacheSize  int    `yaml:"key_cache_size"`
	} `yaml:"auth"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Blobs     struct {
		Dir string `yaml:"dir"`
	} `yaml:"blobs"`
}

type LedgerConfig struct {
	// Driver is "local" (books in the service database) or "http".
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	EscrowAccount  string        `yaml:"escrow_account"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     uint          `yaml:"max_retries"`
	InitialBalance int64         `yaml:"initial_balance"`
}

// EvaluatorConfig selects the completion judge. An empty URL pays max_price.
type EvaluatorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SweeperConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Schedule    string `yaml:"schedule"`
	Concurrency int    `yaml:"concurrency"`
}

type TasksConfig struct {
	DefaultMatchExpiration      time.Duration `yaml:"default_match_expiration"`
	DefaultCompletionExpiration time.Duration `yaml:"default_completion_expiration"`
	MaxTextBytes                int           `yaml:"max_text_bytes"`
	MaxImageBytes               int           `yaml:"max_image_bytes"`
	ListLimit                   int           `yaml:"list_limit"`
	MaxListLimit                int           `yaml:"max_list_limit"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ml config init", path)
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

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Ledger.Driver {
	case "local":
		if c.Ledger.InitialBalance < 0 {
			return fmt.Errorf("config.ledger.initial_balance must be >= 0")
		}
	case "http":
		if c.Ledger.URL == "" {
			return fmt.Errorf("config.ledger.url is required for the http driver")
		}
	default:
		return fmt.Errorf("config.ledger.driver must be local or http")
	}
	if c.Ledger.EscrowAccount == "" {
		return fmt.Errorf("config.ledger.escrow_account is required")
	}
	if c.Sweeper.Enabled && c.Sweeper.Schedule == "" {
		return fmt.Errorf("config.sweeper.schedule is required when the sweeper is enabled")
	}
	if c.Sweeper.Concurrency < 1 {
		return fmt.Errorf("config.sweeper.concurrency must be >= 1")
	}
	t := c.Tasks
	if t.DefaultMatchExpiration < 0 || t.DefaultCompletionExpiration < 0 {
		return fmt.Errorf("config.tasks default expirations must be >= 0")
	}
	if t.MaxTextBytes <= 0 || t.MaxImageBytes <= 0 {
		return fmt.Errorf("config.tasks.max_text_bytes and max_image_bytes must be > 0")
	}
	if t.ListLimit <= 0 || t.MaxListLimit < t.ListLimit {
		return fmt.Errorf("config.tasks.list_limit must be > 0 and <= max_list_limit")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "marketline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes over the defaults, then validates.
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

const defaultTemplate = `log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  jwt_secret_env: MARKETLINE_JWT_SECRET
  allow_dev_login: false
  key_cache_size: 1024

ledger:
  driver: local
  escrow_account: escrow
  timeout: 10s
  max_retries: 3
  initial_balance: 0

evaluator:
  url: ""
  timeout: 30s

sweeper:
  enabled: true
  schedule: "@every 1m"
  concurrency: 4

tasks:
  default_match_expiration: 0s
  default_completion_expiration: 24h
  max_text_bytes: 16384
  max_image_bytes: 1048576
  list_limit: 100
  max_list_limit: 500

blobs:
  dir: .marketline/blobs
`
