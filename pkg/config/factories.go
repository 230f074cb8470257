package config

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/badgeteam/badgevfs/internal/logger"
	"github.com/badgeteam/badgevfs/pkg/blockdev"
	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/badgeteam/badgevfs/pkg/part"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// CreateDevice creates a block device based on configuration.
//
// This factory function uses the Type field to determine which backend to
// create, then decodes the type-specific options from the corresponding
// map and passes them to the backend's constructor.
//
// Supported types:
//   - "memory": volatile in-memory device
//   - "file": raw image file on the host filesystem
//   - "badger": BadgerDB-backed persistent sector store
//
// Returns the initialized device or a configuration error.
func CreateDevice(cfg *DeviceConfig) (blockdev.Device, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryDevice(cfg.Memory)
	case "file":
		return createFileDevice(cfg.File)
	case "badger":
		return createBadgerDevice(cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown block device type: %q", cfg.Type)
	}
}

// createMemoryDevice creates a volatile in-memory device.
func createMemoryDevice(options map[string]any) (blockdev.Device, error) {
	type MemoryDeviceConfig struct {
		SizeBytes uint64 `mapstructure:"size_bytes"`
	}

	var devCfg MemoryDeviceConfig
	if err := mapstructure.Decode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode memory device config: %w", err)
	}

	if devCfg.SizeBytes == 0 {
		return nil, fmt.Errorf("memory device: size_bytes is required")
	}

	return blockdev.NewMemoryDevice(devCfg.SizeBytes), nil
}

// createFileDevice opens a raw image file as a device.
func createFileDevice(options map[string]any) (blockdev.Device, error) {
	type FileDeviceConfig struct {
		Path     string `mapstructure:"path"`
		ReadOnly bool   `mapstructure:"read_only"`
	}

	var devCfg FileDeviceConfig
	if err := mapstructure.Decode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode file device config: %w", err)
	}

	if devCfg.Path == "" {
		return nil, fmt.Errorf("file device: path is required")
	}

	dev, err := blockdev.OpenFileDevice(devCfg.Path, devCfg.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to open file device %q: %w", devCfg.Path, err)
	}

	return dev, nil
}

// createBadgerDevice opens a BadgerDB-backed device.
func createBadgerDevice(options map[string]any) (blockdev.Device, error) {
	type BadgerDeviceConfig struct {
		Dir       string `mapstructure:"dir"`
		SizeBytes uint64 `mapstructure:"size_bytes"`
	}

	var devCfg BadgerDeviceConfig
	if err := mapstructure.Decode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger device config: %w", err)
	}

	if devCfg.Dir == "" {
		return nil, fmt.Errorf("badger device: dir is required")
	}
	if devCfg.SizeBytes == 0 {
		return nil, fmt.Errorf("badger device: size_bytes is required")
	}

	dev, err := blockdev.OpenBadgerDevice(devCfg.Dir, devCfg.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger device at %q: %w", devCfg.Dir, err)
	}

	return dev, nil
}

// CreateDevices creates every configured device, keyed by name.
//
// On failure all devices created so far are closed.
func CreateDevices(cfgs []DeviceConfig) (map[string]blockdev.Device, error) {
	devices := make(map[string]blockdev.Device, len(cfgs))
	for i := range cfgs {
		dev, err := CreateDevice(&cfgs[i])
		if err != nil {
			CloseDevices(devices)
			return nil, fmt.Errorf("device %q: %w", cfgs[i].Name, err)
		}
		devices[cfgs[i].Name] = dev
	}
	return devices, nil
}

// CloseDevices closes every device in the map, logging failures.
func CloseDevices(devices map[string]blockdev.Device) {
	for name, dev := range devices {
		type closer interface{ Close() error }
		if c, ok := dev.(closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("closing device %q: %v", name, err)
			}
		}
	}
}

// ApplyMounts applies the configured mount table to a fresh context, in
// order. devices holds the devices created by CreateDevices.
func ApplyMounts(ctx *vfs.Context, devices map[string]blockdev.Device, mounts []MountConfig) error {
	for i := range mounts {
		if err := applyMount(ctx, devices, &mounts[i]); err != nil {
			return fmt.Errorf("mount %q: %w", mounts[i].Path, err)
		}
	}
	return nil
}

// applyMount resolves one mount entry's media and mounts it.
func applyMount(ctx *vfs.Context, devices map[string]blockdev.Device, mnt *MountConfig) error {
	var m *media.Media
	if mnt.Device != "" {
		dev, ok := devices[mnt.Device]
		if !ok {
			return fmt.Errorf("unknown device %q", mnt.Device)
		}
		whole := media.NewBlock(dev)

		sub, err := selectPartition(whole, mnt.Partition)
		if err != nil {
			return err
		}
		m = sub
	}

	fsType := mnt.Type
	if fsType == "auto" {
		// Empty type makes the mount table probe the media
		fsType = ""
	}

	var flags vfs.MountFlags
	if mnt.ReadOnly {
		flags |= vfs.MountReadOnly
	}

	return ctx.Mount(mnt.Path, m, fsType, flags, mnt.Options)
}

// selectPartition returns the media window for a 1-based partition index,
// or the whole media for index 0.
func selectPartition(whole *media.Media, index int) (*media.Media, error) {
	if index == 0 {
		return whole, nil
	}

	vol, err := part.Detect(whole)
	if errors.Is(err, errno.ENOENT) {
		return nil, fmt.Errorf("partition %d requested but the device has no partition table", index)
	}
	if err != nil {
		return nil, fmt.Errorf("reading partition table: %w", err)
	}
	if index > len(vol.Partitions) {
		return nil, fmt.Errorf("partition %d requested but the %s table has %d partitions",
			index, vol.Table, len(vol.Partitions))
	}

	return vol.Partitions[index-1].Media(whole)
}
