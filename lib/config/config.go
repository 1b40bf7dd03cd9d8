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
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a Keel node.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Launcher configures the reconciliation engine.
	Launcher LauncherConfig `yaml:"launcher"`

	// Storage configures the state database.
	Storage StorageConfig `yaml:"storage"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Keel data. Other paths default
	// to subdirectories of it.
	Root string `yaml:"root"`

	// Services is where service artifacts and unpacked images live.
	Services string `yaml:"services"`

	// Run is where per-instance runtime directories are created.
	Run string `yaml:"run"`

	// State is where the launcher state database lives.
	State string `yaml:"state"`
}

// LauncherConfig configures the reconciliation engine.
type LauncherConfig struct {
	// PoolSize is the number of parallel start/stop workers.
	// Default: 5
	PoolSize int `yaml:"pool_size"`

	// QueueCapacity bounds the worker pool queue. Zero derives it
	// from the maxima.
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxInstances, MaxServices, and MaxLayers bound goal-state
	// inputs. Default: 64 each.
	MaxInstances int `yaml:"max_instances"`
	MaxServices  int `yaml:"max_services"`
	MaxLayers    int `yaml:"max_layers"`
}

// StorageConfig configures the state database.
type StorageConfig struct {
	// Database is the SQLite database path. Empty derives
	// <paths.state>/keel.db.
	Database string `yaml:"database"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration. The defaults give every
// field a sensible zero-value base; the config file is still the
// source of truth.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root: "/var/lib/keel",
		},
		Launcher: LauncherConfig{
			PoolSize:     5,
			MaxInstances: 64,
			MaxServices:  64,
			MaxLayers:    64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the path in KEEL_CONFIG. There is no
// fallback: if the variable is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("KEEL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("KEEL_CONFIG environment variable not set; " +
			"set it to the path of your keel.yaml config file, or use the --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults and expanding path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	cfg.applyDerivedDefaults()

	return cfg, nil
}

// applyDerivedDefaults fills paths that default to subdirectories of
// the root.
func (c *Config) applyDerivedDefaults() {
	if c.Paths.Services == "" {
		c.Paths.Services = filepath.Join(c.Paths.Root, "services")
	}
	if c.Paths.Run == "" {
		c.Paths.Run = filepath.Join(c.Paths.Root, "run")
	}
	if c.Paths.State == "" {
		c.Paths.State = filepath.Join(c.Paths.Root, "state")
	}
	if c.Storage.Database == "" {
		c.Storage.Database = filepath.Join(c.Paths.State, "keel.db")
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"KEEL_ROOT": c.Paths.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["KEEL_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Services = expandVars(c.Paths.Services, vars)
	c.Paths.Run = expandVars(c.Paths.Run, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Storage.Database = expandVars(c.Storage.Database, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
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

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Launcher.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("launcher.pool_size must be positive"))
	}
	for name, value := range map[string]int{
		"launcher.max_instances": c.Launcher.MaxInstances,
		"launcher.max_services":  c.Launcher.MaxServices,
		"launcher.max_layers":    c.Launcher.MaxLayers,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q must be one of: debug, info, warn, error", c.Log.Level)
	}
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Services, c.Paths.Run, c.Paths.State} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
