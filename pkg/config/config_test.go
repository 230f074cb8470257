package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)

	// An empty mount table defaults to a RAM filesystem at the root.
	require.Len(t, cfg.Mounts, 1)
	assert.Equal(t, "/", cfg.Mounts[0].Path)
	assert.Equal(t, "ramfs", cfg.Mounts[0].Type)
}

func TestApplyDefaultsNormalizesLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestApplyDefaultsPreservesValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "WARN", Format: "json", Output: "stderr"},
		Mounts:  []MountConfig{{Path: "/", Type: "ramfs"}},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.NotNil(t, cfg.Mounts[0].Options)
}

func validConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Devices: []DeviceConfig{
			{Name: "disk0", Type: "memory", Memory: map[string]any{"size_bytes": 1 << 20}},
		},
		Mounts: []MountConfig{
			{Path: "/", Type: "ramfs", Options: map[string]any{}},
			{Path: "/data", Type: "auto", Device: "disk0", Options: map[string]any{}},
		},
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "TRACE" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad device type", func(c *Config) { c.Devices[0].Type = "floppy" }},
		{"relative mount path", func(c *Config) { c.Mounts[1].Path = "data" }},
		{"bad filesystem type", func(c *Config) { c.Mounts[1].Type = "ntfs" }},
		{"negative partition", func(c *Config) { c.Mounts[1].Partition = -1 }},
		{"first mount not root", func(c *Config) { c.Mounts = c.Mounts[1:] }},
		{"duplicate mount path", func(c *Config) { c.Mounts[1].Path = "/" }},
		{"duplicate device name", func(c *Config) {
			c.Devices = append(c.Devices, c.Devices[0])
		}},
		{"ramfs with device", func(c *Config) { c.Mounts[0].Device = "disk0" }},
		{"missing device", func(c *Config) { c.Mounts[1].Device = "" }},
		{"unknown device", func(c *Config) { c.Mounts[1].Device = "nope" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: warn
  format: json
devices:
  - name: disk0
    type: memory
    memory:
      size_bytes: 1048576
mounts:
  - path: /
    type: ramfs
  - path: /data
    type: vfat
    device: disk0
    partition: 1
    read_only: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)

	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "disk0", cfg.Devices[0].Name)
	assert.Equal(t, "memory", cfg.Devices[0].Type)

	require.Len(t, cfg.Mounts, 2)
	assert.Equal(t, "/data", cfg.Mounts[1].Path)
	assert.Equal(t, "vfat", cfg.Mounts[1].Type)
	assert.Equal(t, 1, cfg.Mounts[1].Partition)
	assert.True(t, cfg.Mounts[1].ReadOnly)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	t.Setenv("BADGEVFS_LOGGING_LEVEL", "error")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: bogus\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	require.Len(t, cfg.Mounts, 1)
	assert.Equal(t, "/", cfg.Mounts[0].Path)
}

func TestCreateMemoryDevice(t *testing.T) {
	dev, err := CreateDevice(&DeviceConfig{
		Name:   "m0",
		Type:   "memory",
		Memory: map[string]any{"size_bytes": 4096},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), dev.Size())
}

func TestCreateDeviceErrors(t *testing.T) {
	_, err := CreateDevice(&DeviceConfig{Name: "m0", Type: "memory", Memory: map[string]any{}})
	assert.ErrorContains(t, err, "size_bytes")

	_, err = CreateDevice(&DeviceConfig{Name: "f0", Type: "file", File: map[string]any{}})
	assert.ErrorContains(t, err, "path")

	_, err = CreateDevice(&DeviceConfig{Name: "x", Type: "tape"})
	assert.ErrorContains(t, err, "unknown block device type")
}

func TestCreateDevicesClosesOnFailure(t *testing.T) {
	_, err := CreateDevices([]DeviceConfig{
		{Name: "ok", Type: "memory", Memory: map[string]any{"size_bytes": 4096}},
		{Name: "bad", Type: "file", File: map[string]any{}},
	})
	assert.Error(t, err)
}
