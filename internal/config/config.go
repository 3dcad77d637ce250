// Package config loads the agent configuration: defaults, then the yaml
// config file, then environment overrides. The SSH key encryption secret
// is environment-only so it never lands in a file that permission drift
// could expose.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiops-dev/workspace-agent/internal/validate"
)

// SecretEnv is the environment variable holding the at-rest encryption
// secret for managed SSH keys.
const SecretEnv = "WORKSPACE_AGENT_SECRET"

// Config is the explicit configuration passed into each component's
// constructor; nothing reads ambient global state.
type Config struct {
	// InstancePath is the shared instance directory holding AI tool
	// configs, metadata files and the keys directory.
	InstancePath string `yaml:"instance_path" validate:"required"`
	// DataDir holds the agent database, salt and lock files.
	DataDir string `yaml:"data_dir" validate:"required"`
	// ShareGroup is the Linux group shared resources belong to.
	ShareGroup string `yaml:"share_group" validate:"required,linuxuser"`
	// FixAsUser is the account privileged permission fixes run as.
	FixAsUser string `yaml:"fix_as_user" validate:"required,linuxuser"`

	Identity IdentityConfig `yaml:"identity"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	SSH      SSHConfig      `yaml:"ssh"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`
}

// IdentityConfig controls application-user to Linux-user resolution.
type IdentityConfig struct {
	// Strategy is "mapping" or "direct".
	Strategy string `yaml:"strategy" validate:"oneof=mapping direct"`
	// Mapping is the static fallback consulted after the persisted store.
	Mapping map[string]string `yaml:"mapping" validate:"omitempty,dive,linuxuser"`
	// MinUID is the lowest UID listed as a human account.
	MinUID int `yaml:"min_uid" validate:"gte=0"`
}

// TimeoutConfig bounds each class of privileged operation.
type TimeoutConfig struct {
	Probe  time.Duration `yaml:"probe" validate:"gt=0"`
	Mutate time.Duration `yaml:"mutate" validate:"gt=0"`
	Clone  time.Duration `yaml:"clone" validate:"gt=0"`
}

// SSHConfig configures managed key handling.
type SSHConfig struct {
	// Secret comes only from the environment, never the yaml file.
	Secret []byte `yaml:"-"`
	// KnownHostsFile, when set, pins the UserKnownHostsFile for clones.
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		InstancePath: "/var/lib/workspace-agent/instance",
		DataDir:      "/var/lib/workspace-agent",
		ShareGroup:   "syseng",
		FixAsUser:    "root",
		Identity: IdentityConfig{
			Strategy: "mapping",
			MinUID:   1000,
		},
		Timeouts: TimeoutConfig{
			Probe:  5 * time.Second,
			Mutate: 30 * time.Second,
			Clone:  300 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the effective configuration. path may be empty (defaults
// plus environment only); a named file that is missing is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from WORKSPACE_AGENT_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WORKSPACE_AGENT_INSTANCE_PATH"); v != "" {
		cfg.InstancePath = v
	}
	if v := os.Getenv("WORKSPACE_AGENT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WORKSPACE_AGENT_SHARE_GROUP"); v != "" {
		cfg.ShareGroup = v
	}
	if v := os.Getenv("WORKSPACE_AGENT_IDENTITY_STRATEGY"); v != "" {
		cfg.Identity.Strategy = v
	}
	if v := os.Getenv("WORKSPACE_AGENT_MIN_UID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Identity.MinUID = n
		}
	}
	if v := os.Getenv("WORKSPACE_AGENT_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Probe = d
		}
	}
	if v := os.Getenv("WORKSPACE_AGENT_MUTATE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Mutate = d
		}
	}
	if v := os.Getenv("WORKSPACE_AGENT_CLONE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Clone = d
		}
	}
	if v := os.Getenv("WORKSPACE_AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WORKSPACE_AGENT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv(SecretEnv); v != "" {
		cfg.SSH.Secret = []byte(v)
	}
}
