package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFacilitatorPort = 47777
	DefaultAgentTTLSec     = 60
	DefaultMaxAgents       = 9

	DefaultRequestTimeoutSec = 5
	DefaultRetryIntervalMs   = 250
	DefaultNatTimeoutSec     = 4
	DefaultKeepaliveSec      = 20
	DefaultPlatform          = "desktop"
)

// Config holds facilitator, agent and logging settings. A process normally
// enables one of the two sections; running both in one process is supported
// for local testing.
type Config struct {
	Facilitator *FacilitatorConfig `yaml:"facilitator,omitempty"`
	Agent       *AgentConfig       `yaml:"agent,omitempty"`
	Log         LogConfig          `yaml:"log,omitempty"`
}

// FacilitatorConfig is used by the rendezvous service process.
type FacilitatorConfig struct {
	Port        int    `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	AgentTTLSec int    `yaml:"agent_ttl_sec"`
}

// AgentConfig is used by a session agent process.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Platform    string `yaml:"platform"`
	Facilitator string `yaml:"facilitator"` // host:port
	Port        int    `yaml:"port"`        // 0 = ephemeral

	ForceRelay  bool     `yaml:"force_relay"`
	MaxAgents   int      `yaml:"max_agents"`
	STUNServers []string `yaml:"stun_servers,omitempty"`

	RequestTimeoutSec int `yaml:"request_timeout_sec"`
	RetryIntervalMs   int `yaml:"retry_interval_ms"`
	NatTimeoutSec     int `yaml:"nat_timeout_sec"`
	KeepaliveSec      int `yaml:"keepalive_sec"`

	MetricsPath string `yaml:"metrics_path,omitempty"`
}

// LogConfig controls the shared zap logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Facilitator == nil && cfg.Agent == nil {
		return fmt.Errorf("config must contain facilitator or agent section")
	}
	if cfg.Facilitator != nil {
		if cfg.Facilitator.Port <= 0 || cfg.Facilitator.Port > 65535 {
			return fmt.Errorf("facilitator.port out of range: %d", cfg.Facilitator.Port)
		}
	}
	if cfg.Agent != nil {
		if cfg.Agent.Name == "" {
			return fmt.Errorf("agent.name is required")
		}
		if cfg.Agent.Facilitator == "" {
			return fmt.Errorf("agent.facilitator is required")
		}
		if cfg.Agent.MaxAgents < 2 || cfg.Agent.MaxAgents > DefaultMaxAgents {
			return fmt.Errorf("agent.max_agents must be 2..%d", DefaultMaxAgents)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Facilitator != nil {
		if cfg.Facilitator.Port == 0 {
			cfg.Facilitator.Port = DefaultFacilitatorPort
		}
		if cfg.Facilitator.AgentTTLSec == 0 {
			cfg.Facilitator.AgentTTLSec = DefaultAgentTTLSec
		}
	}

	if cfg.Agent != nil {
		if cfg.Agent.Platform == "" {
			cfg.Agent.Platform = DefaultPlatform
		}
		if cfg.Agent.MaxAgents == 0 {
			cfg.Agent.MaxAgents = DefaultMaxAgents
		}
		if cfg.Agent.RequestTimeoutSec == 0 {
			cfg.Agent.RequestTimeoutSec = DefaultRequestTimeoutSec
		}
		if cfg.Agent.RetryIntervalMs == 0 {
			cfg.Agent.RetryIntervalMs = DefaultRetryIntervalMs
		}
		if cfg.Agent.NatTimeoutSec == 0 {
			cfg.Agent.NatTimeoutSec = DefaultNatTimeoutSec
		}
		if cfg.Agent.KeepaliveSec == 0 {
			cfg.Agent.KeepaliveSec = DefaultKeepaliveSec
		}
	}
}
