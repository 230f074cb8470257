package config

import "strings"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the device factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	// Default setup: a RAM filesystem at the root
	if len(cfg.Mounts) == 0 {
		cfg.Mounts = []MountConfig{
			{
				Path: "/",
				Type: "ramfs",
			},
		}
	}

	applyDeviceDefaults(cfg.Devices)
	applyMountDefaults(cfg.Mounts)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyDeviceDefaults initializes option maps for each device.
func applyDeviceDefaults(devices []DeviceConfig) {
	for i := range devices {
		d := &devices[i]
		if d.Memory == nil {
			d.Memory = make(map[string]any)
		}
		if d.File == nil {
			d.File = make(map[string]any)
		}
		if d.Badger == nil {
			d.Badger = make(map[string]any)
		}
	}
}

// applyMountDefaults fills per-mount defaults.
func applyMountDefaults(mounts []MountConfig) {
	for i := range mounts {
		m := &mounts[i]
		if m.Type == "" {
			m.Type = "auto"
		}
		if m.Options == nil {
			m.Options = make(map[string]any)
		}
	}
}
