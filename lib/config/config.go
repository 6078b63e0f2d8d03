// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Warden components.
//
// Configuration is loaded from a single file specified by:
//   - WARDEN_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warden-foundation/warden/capability"
	"github.com/warden-foundation/warden/lib/ref"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Warden.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Consent configures grant policy.
	Consent ConsentConfig `yaml:"consent"`

	// Protocol configures the per-agent event bus.
	Protocol ProtocolConfig `yaml:"protocol"`

	// Ledger configures the audit ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Executor configures sandbox execution.
	Executor ExecutorConfig `yaml:"executor"`

	// Capabilities are host additions to the builtin capability
	// catalogue. An entry with a builtin id overrides the builtin,
	// which lets a host tighten a normal capability to sensitive.
	Capabilities []CapabilityConfig `yaml:"capabilities,omitempty"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Consent  *ConsentConfig  `yaml:"consent,omitempty"`
	Protocol *ProtocolConfig `yaml:"protocol,omitempty"`
	Ledger   *LedgerConfig   `yaml:"ledger,omitempty"`
	Executor *ExecutorConfig `yaml:"executor,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Warden data.
	Root string `yaml:"root"`

	// Agents is the directory scanned for agent manifests.
	Agents string `yaml:"agents"`

	// Workspaces is where per-agent workspaces are created.
	Workspaces string `yaml:"workspaces"`

	// State is where runtime state (including the ledger) is stored.
	State string `yaml:"state"`
}

// ConsentConfig configures grant policy.
type ConsentConfig struct {
	// AutoGrantNormal grants normal-risk capabilities without a
	// prompt. Default: true (development), false (production).
	AutoGrantNormal *bool `yaml:"auto_grant_normal,omitempty"`

	// DefaultDuration is the grant lifetime when a request names none.
	// Default: 1h.
	DefaultDuration string `yaml:"default_duration"`

	// SweepInterval is how often expired grants are swept.
	// Default: 30s.
	SweepInterval string `yaml:"sweep_interval"`
}

// ProtocolConfig configures the per-agent event bus.
type ProtocolConfig struct {
	// EventsPerSecond rate-limits publishes per agent. Zero disables
	// the limiter.
	EventsPerSecond float64 `yaml:"events_per_second"`

	// Buffer is the bus channel depth. Default: 64.
	Buffer int `yaml:"buffer"`
}

// LedgerConfig configures the audit ledger.
type LedgerConfig struct {
	// Path is the ledger database file.
	// Default: ${WARDEN_ROOT}/state/ledger.db
	Path string `yaml:"path"`

	// QueueDepth bounds the append queue. Default: 256.
	QueueDepth int `yaml:"queue_depth"`
}

// ExecutorConfig configures sandbox execution.
type ExecutorConfig struct {
	// GracePeriod is how long Terminate waits for a clean shutdown
	// before killing. Default: 5s.
	GracePeriod string `yaml:"grace_period"`

	// WallTimeout bounds total instance runtime. Empty means
	// unbounded.
	WallTimeout string `yaml:"wall_timeout,omitempty"`

	// BwrapPath overrides bubblewrap discovery for the native backend.
	BwrapPath string `yaml:"bwrap_path,omitempty"`
}

// CapabilityConfig is one host capability addition.
type CapabilityConfig struct {
	ID          string `yaml:"id"`
	Risk        string `yaml:"risk"`
	Description string `yaml:"description"`
}

// Kind converts the entry to a registry addition.
func (c CapabilityConfig) Kind() (capability.Kind, error) {
	risk := capability.RiskNormal
	switch c.Risk {
	case "normal", "":
	case "sensitive":
		risk = capability.RiskSensitive
	default:
		return capability.Kind{}, fmt.Errorf("capability %s: risk must be normal or sensitive, got %q", c.ID, c.Risk)
	}
	return capability.Kind{
		ID:          ref.CapabilityID(c.ID),
		Risk:        risk,
		Description: c.Description,
	}, nil
}

// CapabilityKinds converts all configured additions.
func (c *Config) CapabilityKinds() ([]capability.Kind, error) {
	kinds := make([]capability.Kind, 0, len(c.Capabilities))
	for _, entry := range c.Capabilities {
		kind, err := entry.Kind()
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Default returns the default configuration. These defaults are a base
// before loading the config file, ensuring all fields have sensible
// zero-values; the config file is still required for Load.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "warden")
	autoGrant := true

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:       defaultRoot,
			Agents:     filepath.Join(defaultRoot, "agents"),
			Workspaces: filepath.Join(defaultRoot, "workspaces"),
			State:      filepath.Join(defaultRoot, "state"),
		},
		Consent: ConsentConfig{
			AutoGrantNormal: &autoGrant,
			DefaultDuration: "1h",
			SweepInterval:   "30s",
		},
		Protocol: ProtocolConfig{
			EventsPerSecond: 0,
			Buffer:          64,
		},
		Ledger: LedgerConfig{
			Path:       filepath.Join(defaultRoot, "state", "ledger.db"),
			QueueDepth: 256,
		},
		Executor: ExecutorConfig{
			GracePeriod: "5s",
		},
	}
}

// Load loads configuration from the WARDEN_CONFIG environment
// variable. There are no fallbacks: if WARDEN_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("WARDEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WARDEN_CONFIG environment variable not set; " +
			"set it to the path of your warden.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the matching per-environment
// section.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production default: every grant goes through the prompt.
		if overrides == nil {
			noAutoGrant := false
			overrides = &ConfigOverrides{
				Consent: &ConsentConfig{AutoGrantNormal: &noAutoGrant},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Agents != "" {
			c.Paths.Agents = overrides.Paths.Agents
		}
		if overrides.Paths.Workspaces != "" {
			c.Paths.Workspaces = overrides.Paths.Workspaces
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Consent != nil {
		if overrides.Consent.AutoGrantNormal != nil {
			c.Consent.AutoGrantNormal = overrides.Consent.AutoGrantNormal
		}
		if overrides.Consent.DefaultDuration != "" {
			c.Consent.DefaultDuration = overrides.Consent.DefaultDuration
		}
		if overrides.Consent.SweepInterval != "" {
			c.Consent.SweepInterval = overrides.Consent.SweepInterval
		}
	}

	if overrides.Protocol != nil {
		if overrides.Protocol.EventsPerSecond != 0 {
			c.Protocol.EventsPerSecond = overrides.Protocol.EventsPerSecond
		}
		if overrides.Protocol.Buffer != 0 {
			c.Protocol.Buffer = overrides.Protocol.Buffer
		}
	}

	if overrides.Ledger != nil {
		if overrides.Ledger.Path != "" {
			c.Ledger.Path = overrides.Ledger.Path
		}
		if overrides.Ledger.QueueDepth != 0 {
			c.Ledger.QueueDepth = overrides.Ledger.QueueDepth
		}
	}

	if overrides.Executor != nil {
		if overrides.Executor.GracePeriod != "" {
			c.Executor.GracePeriod = overrides.Executor.GracePeriod
		}
		if overrides.Executor.WallTimeout != "" {
			c.Executor.WallTimeout = overrides.Executor.WallTimeout
		}
		if overrides.Executor.BwrapPath != "" {
			c.Executor.BwrapPath = overrides.Executor.BwrapPath
		}
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"WARDEN_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["WARDEN_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Agents = expandVars(c.Paths.Agents, vars)
	c.Paths.Workspaces = expandVars(c.Paths.Workspaces, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Ledger.Path = expandVars(c.Ledger.Path, vars)
}

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ParseDuration parses a config duration string. Empty yields the
// fallback.
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", value)
	}
	return d, nil
}

// AutoGrantNormal reports the effective auto-grant policy.
func (c *Config) AutoGrantNormal() bool {
	if c.Consent.AutoGrantNormal == nil {
		return true
	}
	return *c.Consent.AutoGrantNormal
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Agents == "" {
		errs = append(errs, fmt.Errorf("paths.agents is required"))
	}
	if c.Ledger.Path == "" {
		errs = append(errs, fmt.Errorf("ledger.path is required"))
	}
	if c.Protocol.EventsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("protocol.events_per_second must not be negative"))
	}

	durations := map[string]string{
		"consent.default_duration": c.Consent.DefaultDuration,
		"consent.sweep_interval":   c.Consent.SweepInterval,
		"executor.grace_period":    c.Executor.GracePeriod,
		"executor.wall_timeout":    c.Executor.WallTimeout,
	}
	for field, value := range durations {
		if _, err := ParseDuration(value, 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	for _, entry := range c.Capabilities {
		if _, err := entry.Kind(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Agents,
		c.Paths.Workspaces,
		c.Paths.State,
		filepath.Dir(c.Ledger.Path),
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
