package blockdev

import (
	"fmt"
	"sync"
)

// MemoryDevice is a Device backed by an in-process byte slice.
//
// It is the backend of choice for tests and for scratch images that do not
// need to survive the process.
type MemoryDevice struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryDevice creates a zero-filled memory device of the given size.
func NewMemoryDevice(size uint64) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, size)}
}

// NewMemoryDeviceFrom wraps an existing image. The device takes ownership
// of the slice.
func NewMemoryDeviceFrom(image []byte) *MemoryDevice {
	return &MemoryDevice{data: image}
}

func (d *MemoryDevice) Size() uint64 {
	return uint64(len(d.data))
}

func (d *MemoryDevice) ReadAt(p []byte, off uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off+uint64(len(p)) > uint64(len(d.data)) {
		return fmt.Errorf("memory device: read of %d bytes at %d exceeds size %d", len(p), off, len(d.data))
	}
	copy(p, d.data[off:])
	return nil
}

func (d *MemoryDevice) WriteAt(p []byte, off uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off+uint64(len(p)) > uint64(len(d.data)) {
		return fmt.Errorf("memory device: write of %d bytes at %d exceeds size %d", len(p), off, len(d.data))
	}
	copy(d.data[off:], p)
	return nil
}

func (d *MemoryDevice) Erase(off, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off+length > uint64(len(d.data)) {
		return fmt.Errorf("memory device: erase of %d bytes at %d exceeds size %d", length, off, len(d.data))
	}
	clear(d.data[off : off+length])
	return nil
}

func (d *MemoryDevice) Sync() error {
	return nil
}
