package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stateline/internal/db"
	"stateline/internal/engine/auth"
)

// Config models stateline.yml.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		BasePath        string        `yaml:"base_path"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		Driver          string        `yaml:"driver"`
		Path            string        `yaml:"path"`
		URL             string        `yaml:"url"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Workflow struct {
		TransitionDefault string  `yaml:"transition_default"`
		SequenceSeed      float64 `yaml:"sequence_seed"`
		SequenceStep      float64 `yaml:"sequence_step"`
	} `yaml:"workflow"`
	Policy struct {
		Overrides map[string]string `yaml:"overrides"`
	} `yaml:"policy"`
}

const FileName = "stateline.yml"

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("config.server timeouts must be >= 0")
	}
	if err := c.DB().Validate(); err != nil {
		return fmt.Errorf("config.database: %w", err)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Workflow.TransitionDefault {
	case "allow", "deny":
	default:
		return fmt.Errorf("config.workflow.transition_default must be allow or deny")
	}
	if c.Workflow.SequenceStep <= 0 {
		return fmt.Errorf("config.workflow.sequence_step must be positive")
	}
	if c.Workflow.SequenceSeed <= 0 {
		return fmt.Errorf("config.workflow.sequence_seed must be positive")
	}
	if _, err := c.PolicyTable(); err != nil {
		return fmt.Errorf("config.policy: %w", err)
	}
	return nil
}

// DB returns the database settings in the form db.Open expects.
func (c *Config) DB() db.Config {
	return db.Config{
		Driver:          db.Driver(c.Database.Driver),
		Path:            c.Database.Path,
		URL:             c.Database.URL,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// PolicyTable returns the default policy with configured overrides applied.
func (c *Config) PolicyTable() (auth.Policy, error) {
	return auth.DefaultPolicy().WithOverrides(c.Policy.Overrides)
}

// TransitionDefaultAllow reports the outcome for pairs with no stored rule.
func (c *Config) TransitionDefaultAllow() bool {
	return c.Workflow.TransitionDefault != "deny"
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
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

const defaultTemplate = `server:
  addr: "127.0.0.1:8080"
  base_path: "/api"
  read_timeout: 15s
  write_timeout: 30s
  shutdown_timeout: 10s

database:
  driver: sqlite
  path: .stateline/stateline.db
  max_idle_conns: 2

auth:
  jwt_secret: ""
  allow_legacy_actor_header: false

log:
  level: info

workflow:
  # allow: pairs without a stored transition row are unconstrained.
  transition_default: allow
  sequence_seed: 65535
  sequence_step: 15000

policy:
  overrides: {}
`
