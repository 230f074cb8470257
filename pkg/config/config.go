package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete badgevfs configuration.
//
// This structure captures all configurable aspects of the tool including:
//   - Logging configuration
//   - Block device definitions (memory, file image, badger store)
//   - Mount table (device, partition, path, filesystem type, options)
//   - Metrics collection
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (BADGEVFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Device Configuration Pattern:
// Each block device backend defines its own option set. The DeviceConfig
// struct carries type-specific sections (memory, file, badger) and only
// the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Metrics controls Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Devices defines the block devices available for mounting
	Devices []DeviceConfig `mapstructure:"devices" validate:"dive"`

	// Mounts defines the mount table, applied in order
	Mounts []MountConfig `mapstructure:"mounts" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// MetricsConfig controls metrics collection.
type MetricsConfig struct {
	// Enabled turns on the Prometheus registry
	Enabled bool `mapstructure:"enabled"`
}

// DeviceConfig defines one block device.
//
// The Type field determines which backend is used. Only the corresponding
// type-specific option section is read.
type DeviceConfig struct {
	// Name identifies the device; mounts reference it
	Name string `mapstructure:"name" validate:"required"`

	// Type specifies which block device backend to use
	// Valid values: memory, file, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory file badger"`

	// Memory contains memory-backend options
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// File contains file-image options
	// Only used when Type = "file"
	File map[string]any `mapstructure:"file"`

	// Badger contains BadgerDB-backend options
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// MountConfig defines one entry of the mount table.
type MountConfig struct {
	// Path is the mount point (the first mount must be "/")
	Path string `mapstructure:"path" validate:"required,startswith=/"`

	// Type selects the filesystem driver
	// Valid values: auto, ramfs, vfat, msdos, ext2
	Type string `mapstructure:"type" validate:"required,oneof=auto ramfs vfat msdos ext2"`

	// Device names the backing device; empty for in-memory filesystems
	Device string `mapstructure:"device"`

	// Partition selects a partition on the device (1-based);
	// 0 mounts the whole device
	Partition int `mapstructure:"partition" validate:"gte=0"`

	// ReadOnly mounts the filesystem read-only if true
	ReadOnly bool `mapstructure:"read_only"`

	// Options carries driver-specific mount options
	Options map[string]any `mapstructure:"options"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (BADGEVFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the BADGEVFS_ prefix and underscores
	// Example: BADGEVFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("BADGEVFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/badgevfs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is acceptable - defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// current directory (.) if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "badgevfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "badgevfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
