// Package config provides configuration management for blackholefs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrMissingSourceDir  = errors.New("mount.source_dir is required")
	ErrMissingMountPoint = errors.New("mount.mount_point is required")
	ErrSameDirs          = errors.New("mount.source_dir and mount.mount_point must differ")
)

// Config represents the complete driver configuration.
type Config struct {
	Mount   MountConfig   `yaml:"mount"`
	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// MountConfig holds the backing directory, mount point and FUSE options.
type MountConfig struct {
	SourceDir       string `yaml:"source_dir"`
	MountPoint      string `yaml:"mount_point"`
	FsName          string `yaml:"fs_name"`
	AllowOther      bool   `yaml:"allow_other"`
	Debug           bool   `yaml:"debug"`
	DirectIO        bool   `yaml:"direct_io"`
	EntryTimeout    string `yaml:"entry_timeout"`
	AttrTimeout     string `yaml:"attr_timeout"`
	NegativeTimeout string `yaml:"negative_timeout"`
}

// EngineConfig holds content engine options.
type EngineConfig struct {
	SerializePaths bool   `yaml:"serialize_paths"`
	StatsInterval  string `yaml:"stats_interval"` // 0 disables periodic stats logging
}

// SessionConfig holds mount session options.
type SessionConfig struct {
	// LockPath is the flock file guarding the mount point. Empty derives a
	// path under the system temp directory from the mount point.
	LockPath string `yaml:"lock_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mount: MountConfig{
			FsName:          "blackholefs",
			DirectIO:        true,
			EntryTimeout:    "1s",
			AttrTimeout:     "1s",
			NegativeTimeout: "0s",
		},
		Engine: EngineConfig{
			StatsInterval: "0s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Validate checks that the mount paths are set and makes them absolute.
func (c *Config) Validate() error {
	if c.Mount.SourceDir == "" {
		return ErrMissingSourceDir
	}
	if c.Mount.MountPoint == "" {
		return ErrMissingMountPoint
	}

	var err error
	if c.Mount.SourceDir, err = filepath.Abs(c.Mount.SourceDir); err != nil {
		return fmt.Errorf("resolving source dir: %w", err)
	}
	if c.Mount.MountPoint, err = filepath.Abs(c.Mount.MountPoint); err != nil {
		return fmt.Errorf("resolving mount point: %w", err)
	}
	if c.Mount.SourceDir == c.Mount.MountPoint {
		return ErrSameDirs
	}
	return nil
}

// GetEntryTimeout returns the entry timeout as a time.Duration.
func (c *MountConfig) GetEntryTimeout() time.Duration {
	return parseDuration(c.EntryTimeout, time.Second)
}

// GetAttrTimeout returns the attribute timeout as a time.Duration.
func (c *MountConfig) GetAttrTimeout() time.Duration {
	return parseDuration(c.AttrTimeout, time.Second)
}

// GetNegativeTimeout returns the negative lookup timeout as a time.Duration.
func (c *MountConfig) GetNegativeTimeout() time.Duration {
	return parseDuration(c.NegativeTimeout, 0)
}

// GetStatsInterval returns the stats logging interval as a time.Duration.
func (c *EngineConfig) GetStatsInterval() time.Duration {
	return parseDuration(c.StatsInterval, 0)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
