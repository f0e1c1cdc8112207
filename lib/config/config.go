// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/kiln/lib/userns"
)

// EnvironmentVariable names the variable [Load] reads the config path
// from.
const EnvironmentVariable = "KILN_CONFIG"

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

// HashAlgorithms lists the accepted values for store.hash.
var HashAlgorithms = []string{"blake3", "blake2b-256", "sha256"}

// LogFormats lists the accepted values for logging.format.
var LogFormats = []string{"text", "json", "auto"}

// Config is the master configuration for kiln.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Sandbox configures the isolation hierarchy.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Store configures the content-addressed store.
	Store StoreConfig `yaml:"store"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Per-environment overrides, applied after the base config is
	// loaded. They never travel to spawned processes.
	Development *ConfigOverrides `yaml:"development,omitempty" cbor:"-"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty" cbor:"-"`
	Production  *ConfigOverrides `yaml:"production,omitempty" cbor:"-"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Sandbox *SandboxConfig `yaml:"sandbox,omitempty"`
	Store   *StoreConfig   `yaml:"store,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for kiln data. The store's scratch
	// directory lives at <root>/tmp.
	Root string `yaml:"root"`

	// Store is the content-addressed store directory. Artifacts live
	// at <store>/files.
	Store string `yaml:"store"`
}

// FilesDir returns the directory holding hash-named artifacts.
func (p PathsConfig) FilesDir() string {
	return filepath.Join(p.Store, "files")
}

// TempDir returns the directory holding in-progress writes.
func (p PathsConfig) TempDir() string {
	return filepath.Join(p.Root, "tmp")
}

// SandboxConfig configures the isolation hierarchy.
type SandboxConfig struct {
	// UserNamespace holds the UID/GID mappings written for every
	// spawned supervisor.
	// Default: root inside maps to the daemon's own UID/GID.
	UserNamespace userns.Config `yaml:"user_namespace"`

	// ChannelTimeout bounds every send and receive between the daemon,
	// zygote, supervisor, and sandbox.
	// Default: 2s
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
}

// StoreConfig configures the content-addressed store.
type StoreConfig struct {
	// Hash names the content hash algorithm.
	// Default: blake3
	Hash string `yaml:"hash"`

	// SweepInterval is how often the daemon removes abandoned scratch
	// files. Zero disables the periodic sweep.
	// Default: 10m
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SweepMinAge is how old an unlocked scratch file must be before a
	// sweep removes it.
	// Default: 1h
	SweepMinAge time.Duration `yaml:"sweep_min_age"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Format is text, json, or auto (text on a terminal, JSON otherwise).
	// Default: auto
	Format string `yaml:"format"`

	// Level is debug, info, warn, or error.
	// Default: info
	Level string `yaml:"level"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address is the listen address for /metrics. Empty disables it.
	Address string `yaml:"address"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "kiln")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			Store: filepath.Join(defaultRoot, "store"),
		},
		Sandbox: SandboxConfig{
			UserNamespace:  userns.Current(),
			ChannelTimeout: 2 * time.Second,
		},
		Store: StoreConfig{
			Hash:          "blake3",
			SweepInterval: 10 * time.Minute,
			SweepMinAge:   time.Hour,
		},
		Logging: LoggingConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

// Load loads configuration from the KILN_CONFIG environment variable.
//
// There are no fallbacks or defaults - if KILN_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your kiln.yaml config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// Environment variables do not override config values. The only
// expansion performed is ${HOME} and similar path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Store: &StoreConfig{
					SweepMinAge: 6 * time.Hour,
				},
				Logging: &LoggingConfig{
					Format: "json",
				},
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
		if overrides.Paths.Store != "" {
			c.Paths.Store = overrides.Paths.Store
		}
	}

	if overrides.Sandbox != nil {
		// Mappings are replaced as a unit; merging ranges from two
		// sources would produce overlaps.
		if len(overrides.Sandbox.UserNamespace.UIDMappings) > 0 {
			c.Sandbox.UserNamespace = overrides.Sandbox.UserNamespace
		}
		if overrides.Sandbox.ChannelTimeout != 0 {
			c.Sandbox.ChannelTimeout = overrides.Sandbox.ChannelTimeout
		}
	}

	if overrides.Store != nil {
		if overrides.Store.Hash != "" {
			c.Store.Hash = overrides.Store.Hash
		}
		if overrides.Store.SweepInterval != 0 {
			c.Store.SweepInterval = overrides.Store.SweepInterval
		}
		if overrides.Store.SweepMinAge != 0 {
			c.Store.SweepMinAge = overrides.Store.SweepMinAge
		}
	}

	if overrides.Logging != nil {
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
	}

	if overrides.Metrics != nil && overrides.Metrics.Address != "" {
		c.Metrics.Address = overrides.Metrics.Address
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"KILN_ROOT": c.Paths.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["KILN_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Store = expandVars(c.Paths.Store, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

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

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
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
	if c.Paths.Store == "" {
		errs = append(errs, fmt.Errorf("paths.store is required"))
	}

	if err := c.Sandbox.UserNamespace.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sandbox.user_namespace: %w", err))
	}
	if c.Sandbox.ChannelTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.channel_timeout must be positive, got %s", c.Sandbox.ChannelTimeout))
	}

	if !slices.Contains(HashAlgorithms, c.Store.Hash) {
		errs = append(errs, fmt.Errorf("store.hash must be one of: %v", HashAlgorithms))
	}
	if c.Store.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("store.sweep_interval must not be negative"))
	}
	if c.Store.SweepMinAge < 0 {
		errs = append(errs, fmt.Errorf("store.sweep_min_age must not be negative"))
	}

	if !slices.Contains(LogFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", LogFormats))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
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
		c.Paths.TempDir(),
		c.Paths.FilesDir(),
	}

	for _, path := range paths {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
