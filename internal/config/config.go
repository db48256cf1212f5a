package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LogConfig                  `yaml:"log"`
	Store        StoreConfig                `yaml:"store"`
	Memory       MemoryConfig               `yaml:"memory"`
	Orchestrator OrchestratorConfig         `yaml:"orchestrator"`
	NATS         NATSConfig                 `yaml:"nats"`
	Scheduler    SchedulerConfig            `yaml:"scheduler"`
	Vault        VaultConfig                `yaml:"vault"`
	Agents       map[string]AgentDefinition `yaml:"agents"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text, json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type MemoryConfig struct {
	Dir string `yaml:"dir"`
}

type OrchestratorConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// StoreResults writes every step result into the agent's memory.
	StoreResults bool `yaml:"store_results"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	// EventRetention bounds how long published events stay replayable.
	EventRetention time.Duration `yaml:"event_retention"`
	// MaxStore caps the event store on disk in bytes; 0 leaves it to
	// the server.
	MaxStore int64 `yaml:"max_store"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// AgentDefinition describes one agent instance to create at startup.
type AgentDefinition struct {
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Enabled     *bool          `yaml:"enabled"`
	Config      map[string]any `yaml:"config"`
}

// IsEnabled reports whether the definition is enabled. Definitions are
// enabled unless explicitly turned off.
func (d AgentDefinition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Store: StoreConfig{
			Path: "data/arable.db",
		},
		Memory: MemoryConfig{
			Dir: "data/memory",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent: 3,
			StoreResults:  true,
		},
		NATS: NATSConfig{
			Enabled:        true,
			Port:           4222,
			DataDir:        "data/nats",
			EventRetention: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Agents: map[string]AgentDefinition{},
	}
}

// Load reads the configuration from ARABLE_CONFIG (or config/arable.yaml)
// and applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("ARABLE_CONFIG")
	if path == "" {
		path = "config/arable.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads the configuration from path. A missing file is not an
// error; defaults and environment overrides are used instead.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("orchestrator.max_concurrent must be at least 1, got %d", c.Orchestrator.MaxConcurrent)
	}
	for id, def := range c.Agents {
		if def.Type == "" {
			return fmt.Errorf("agent %q: type is required", id)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ARABLE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ARABLE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ARABLE_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("ARABLE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ARABLE_MEMORY_DIR"); v != "" {
		cfg.Memory.Dir = v
	}
	if v := os.Getenv("ARABLE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConcurrent = n
		}
	}
	if v := os.Getenv("ARABLE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("ARABLE_NATS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NATS.Enabled = b
		}
	}
	if v := os.Getenv("ARABLE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
