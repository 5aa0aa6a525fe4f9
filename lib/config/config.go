// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
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

// EnvVar names the environment variable read by [Load].
const EnvVar = "MESHSTORE_CONFIG"

// Config is the master configuration for meshstore.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures file locations.
	Paths PathsConfig `yaml:"paths"`

	// Local configures the SQLite-backed store.
	Local LocalConfig `yaml:"local"`

	// Streaming configures the streaming store.
	Streaming StreamingConfig `yaml:"streaming"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment. Unset fields keep the base value.
type ConfigOverrides struct {
	Paths     *PathsConfig        `yaml:"paths,omitempty"`
	Local     *LocalOverrides     `yaml:"local,omitempty"`
	Streaming *StreamingOverrides `yaml:"streaming,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// ProjectFiles is the project file whose name the sister files
	// derive from. Empty means sisters sit next to the store.
	ProjectFiles string `yaml:"project_files"`

	// Temp is the directory for sister files when no project file is
	// set or use_temp_for_sisters is on.
	Temp string `yaml:"temp"`
}

// LocalConfig configures the SQLite-backed store.
type LocalConfig struct {
	// Shared reopens the file for every transaction so several
	// processes can write one store.
	Shared bool `yaml:"shared"`

	// PoolSize is the number of pooled connections per file.
	// Default: 4
	PoolSize int `yaml:"pool_size"`

	// UseTempForSisters places sister files in paths.temp even when a
	// project file is set.
	UseTempForSisters bool `yaml:"use_temp_for_sisters"`

	// CreateSisters creates missing sister files on first use.
	// Default: true
	CreateSisters bool `yaml:"create_sisters"`

	// Compression is the block codec: auto, none, lz4, zstd or bg4_lz4.
	// Default: auto
	Compression string `yaml:"compression"`

	// VerifyChecksums checks the checksum of every loaded block.
	// Default: false (development), true (production)
	VerifyChecksums bool `yaml:"verify_checksums"`

	// TextureQuality is the JPEG quality of stored textures, 1..100.
	// Default: 90
	TextureQuality int `yaml:"texture_quality"`
}

// LocalOverrides mirrors [LocalConfig] with optional fields.
type LocalOverrides struct {
	Shared            *bool  `yaml:"shared,omitempty"`
	PoolSize          int    `yaml:"pool_size,omitempty"`
	UseTempForSisters *bool  `yaml:"use_temp_for_sisters,omitempty"`
	CreateSisters     *bool  `yaml:"create_sisters,omitempty"`
	Compression       string `yaml:"compression,omitempty"`
	VerifyChecksums   *bool  `yaml:"verify_checksums,omitempty"`
	TextureQuality    int    `yaml:"texture_quality,omitempty"`
}

// StreamingConfig configures the streaming store.
type StreamingConfig struct {
	// Format forces the dataset layout: auto, legacy, json or cesium.
	// Default: auto
	Format string `yaml:"format"`

	// Grouped reads node headers from group files.
	Grouped bool `yaml:"grouped"`

	// GroupSize is the number of consecutive node ids per group.
	// Default: 1000
	GroupSize int `yaml:"group_size"`

	// GroupIdleTimeout unloads node groups unused for this long.
	// Default: 5m
	GroupIdleTimeout string `yaml:"group_idle_timeout"`

	// PreloadWorkers bounds concurrent fetches during preload.
	// Default: 8
	PreloadWorkers int `yaml:"preload_workers"`

	// AuthToken is sent as a bearer token to HTTP datasets.
	// Typically set as ${MESHSTORE_TOKEN}.
	AuthToken string `yaml:"auth_token"`
}

// StreamingOverrides mirrors [StreamingConfig] with optional fields.
type StreamingOverrides struct {
	Format           string `yaml:"format,omitempty"`
	Grouped          *bool  `yaml:"grouped,omitempty"`
	GroupSize        int    `yaml:"group_size,omitempty"`
	GroupIdleTimeout string `yaml:"group_idle_timeout,omitempty"`
	PreloadWorkers   int    `yaml:"preload_workers,omitempty"`
	AuthToken        string `yaml:"auth_token,omitempty"`
}

var (
	compressionValues = []string{"auto", "none", "lz4", "zstd", "bg4_lz4"}
	formatValues      = []string{"auto", "legacy", "json", "cesium"}
)

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Temp: filepath.Join(os.TempDir(), "meshstore"),
		},
		Local: LocalConfig{
			PoolSize:       4,
			CreateSisters:  true,
			Compression:    "auto",
			TextureQuality: 90,
		},
		Streaming: StreamingConfig{
			Format:           "auto",
			GroupSize:        1000,
			GroupIdleTimeout: "5m",
			PreloadWorkers:   8,
		},
	}
}

// Load loads configuration from the MESHSTORE_CONFIG environment
// variable.
//
// There are no fallbacks or defaults - if MESHSTORE_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your meshstore.yaml config file, or use --config flag", EnvVar)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values; the only expansion performed is
// ${VAR} and ${VAR:-default} in paths and the auth token.
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
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
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
		// Production defaults: every loaded block is verified.
		if overrides == nil {
			verify := true
			overrides = &ConfigOverrides{
				Local: &LocalOverrides{VerifyChecksums: &verify},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.ProjectFiles != "" {
			c.Paths.ProjectFiles = overrides.Paths.ProjectFiles
		}
		if overrides.Paths.Temp != "" {
			c.Paths.Temp = overrides.Paths.Temp
		}
	}

	if local := overrides.Local; local != nil {
		setBool(&c.Local.Shared, local.Shared)
		setBool(&c.Local.UseTempForSisters, local.UseTempForSisters)
		setBool(&c.Local.CreateSisters, local.CreateSisters)
		setBool(&c.Local.VerifyChecksums, local.VerifyChecksums)
		if local.PoolSize != 0 {
			c.Local.PoolSize = local.PoolSize
		}
		if local.Compression != "" {
			c.Local.Compression = local.Compression
		}
		if local.TextureQuality != 0 {
			c.Local.TextureQuality = local.TextureQuality
		}
	}

	if streaming := overrides.Streaming; streaming != nil {
		setBool(&c.Streaming.Grouped, streaming.Grouped)
		if streaming.Format != "" {
			c.Streaming.Format = streaming.Format
		}
		if streaming.GroupSize != 0 {
			c.Streaming.GroupSize = streaming.GroupSize
		}
		if streaming.GroupIdleTimeout != "" {
			c.Streaming.GroupIdleTimeout = streaming.GroupIdleTimeout
		}
		if streaming.PreloadWorkers != 0 {
			c.Streaming.PreloadWorkers = streaming.PreloadWorkers
		}
		if streaming.AuthToken != "" {
			c.Streaming.AuthToken = streaming.AuthToken
		}
	}
}

func setBool(target *bool, override *bool) {
	if override != nil {
		*target = *override
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":   os.Getenv("HOME"),
		"TMPDIR": os.TempDir(),
	}

	c.Paths.ProjectFiles = expandVars(c.Paths.ProjectFiles, vars)
	c.Paths.Temp = expandVars(c.Paths.Temp, vars)
	c.Streaming.AuthToken = expandVars(c.Streaming.AuthToken, vars)
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

	if c.Local.UseTempForSisters && c.Paths.Temp == "" {
		errs = append(errs, fmt.Errorf("paths.temp is required when local.use_temp_for_sisters is set"))
	}
	if c.Local.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("local.pool_size must be at least 1, got %d", c.Local.PoolSize))
	}
	if !slices.Contains(compressionValues, c.Local.Compression) {
		errs = append(errs, fmt.Errorf("local.compression must be one of: %v", compressionValues))
	}
	if c.Local.TextureQuality < 1 || c.Local.TextureQuality > 100 {
		errs = append(errs, fmt.Errorf("local.texture_quality must be in 1..100, got %d", c.Local.TextureQuality))
	}

	if !slices.Contains(formatValues, c.Streaming.Format) {
		errs = append(errs, fmt.Errorf("streaming.format must be one of: %v", formatValues))
	}
	if c.Streaming.GroupSize < 1 {
		errs = append(errs, fmt.Errorf("streaming.group_size must be at least 1, got %d", c.Streaming.GroupSize))
	}
	if _, err := c.Streaming.IdleTimeout(); err != nil {
		errs = append(errs, err)
	}
	if c.Streaming.PreloadWorkers < 1 {
		errs = append(errs, fmt.Errorf("streaming.preload_workers must be at least 1, got %d", c.Streaming.PreloadWorkers))
	}

	return errors.Join(errs...)
}

// IdleTimeout parses GroupIdleTimeout. Zero disables eviction.
func (s StreamingConfig) IdleTimeout() (time.Duration, error) {
	if s.GroupIdleTimeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(s.GroupIdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("streaming.group_idle_timeout: %w", err)
	}
	if timeout < 0 {
		return 0, fmt.Errorf("streaming.group_idle_timeout must not be negative, got %s", timeout)
	}
	return timeout, nil
}

// EnsurePaths creates the temp directory if it doesn't exist.
func (c *Config) EnsurePaths() error {
	if c.Paths.Temp == "" {
		return nil
	}
	if err := os.MkdirAll(c.Paths.Temp, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.Temp, err)
	}
	return nil
}
