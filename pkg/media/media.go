// Package media provides the storage abstraction filesystem drivers operate
// on: a byte-addressable window over either a block device or an in-memory
// buffer, with the window typically describing one partition.
//
// Media is not internally synchronized. Filesystem drivers own their media
// exclusively and serialize access through their own locks.
package media

import (
	"encoding/binary"

	"github.com/badgeteam/badgevfs/pkg/blockdev"
	"github.com/badgeteam/badgevfs/pkg/errno"
)

// Media is a bounded window of storage. All offsets are relative to the
// window start; access outside [0, Size()) fails with EIO, as does any
// backend failure. Drivers treat EIO as fatal for the filesystem.
type Media struct {
	dev    blockdev.Device
	ram    []byte
	offset uint64
	size   uint64
}

// NewBlock creates a media window covering an entire block device.
func NewBlock(dev blockdev.Device) *Media {
	return &Media{dev: dev, size: dev.Size()}
}

// NewRam creates a media window over an in-memory buffer.
func NewRam(buf []byte) *Media {
	return &Media{ram: buf, size: uint64(len(buf))}
}

// Sub returns a sub-window of m, used to expose a single partition.
func (m *Media) Sub(offset, size uint64) (*Media, error) {
	if offset+size < offset || offset+size > m.size {
		return nil, errno.EINVAL
	}
	sub := *m
	sub.offset = m.offset + offset
	sub.size = size
	return &sub, nil
}

// Size returns the window length in bytes.
func (m *Media) Size() uint64 {
	return m.size
}

// Key is a comparable identity for the storage region behind a media
// window. Two media with equal keys alias the same bytes.
type Key struct {
	dev    blockdev.Device
	ram    *byte
	offset uint64
	size   uint64
}

// Key returns the identity of this window.
func (m *Media) Key() Key {
	k := Key{dev: m.dev, offset: m.offset, size: m.size}
	if m.ram != nil {
		k.ram = &m.ram[0]
	}
	return k
}

// check validates that [off, off+length) lies inside the window.
func (m *Media) check(off, length uint64) error {
	if off+length < off || off+length > m.size {
		return errno.EIO
	}
	return nil
}

// Read fills p from the window starting at off.
func (m *Media) Read(off uint64, p []byte) error {
	if err := m.check(off, uint64(len(p))); err != nil {
		return err
	}
	if m.dev != nil {
		if err := m.dev.ReadAt(p, m.offset+off); err != nil {
			return errno.EIO
		}
		return nil
	}
	copy(p, m.ram[m.offset+off:])
	return nil
}

// Write stores p into the window starting at off.
func (m *Media) Write(off uint64, p []byte) error {
	if err := m.check(off, uint64(len(p))); err != nil {
		return err
	}
	if m.dev != nil {
		if err := m.dev.WriteAt(p, m.offset+off); err != nil {
			return errno.EIO
		}
		return nil
	}
	copy(m.ram[m.offset+off:], p)
	return nil
}

// WriteZeroes fills [off, off+length) with zero bytes.
func (m *Media) WriteZeroes(off, length uint64) error {
	if err := m.check(off, length); err != nil {
		return err
	}
	if m.dev == nil {
		clear(m.ram[m.offset+off : m.offset+off+length])
		return nil
	}
	zero := make([]byte, 64*1024)
	for length > 0 {
		n := uint64(len(zero))
		if n > length {
			n = length
		}
		if err := m.dev.WriteAt(zero[:n], m.offset+off); err != nil {
			return errno.EIO
		}
		off += n
		length -= n
	}
	return nil
}

// Erase discards [off, off+length). Backends without native discard are
// zero-filled instead, so erased ranges always read back as zeroes.
func (m *Media) Erase(off, length uint64) error {
	if err := m.check(off, length); err != nil {
		return err
	}
	if m.dev == nil {
		clear(m.ram[m.offset+off : m.offset+off+length])
		return nil
	}
	if err := m.dev.Erase(m.offset+off, length); err != nil {
		return errno.EIO
	}
	return nil
}

// Sync flushes the backing store.
func (m *Media) Sync() error {
	if m.dev == nil {
		return nil
	}
	if err := m.dev.Sync(); err != nil {
		return errno.EIO
	}
	return nil
}

// Endian accessors for on-disk structures. All follow the Read/Write error
// contract above.

func (m *Media) ReadU8(off uint64) (uint8, error) {
	var b [1]byte
	if err := m.Read(off, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Media) WriteU8(off uint64, v uint8) error {
	return m.Write(off, []byte{v})
}

func (m *Media) ReadU16LE(off uint64) (uint16, error) {
	var b [2]byte
	if err := m.Read(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (m *Media) WriteU16LE(off uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.Write(off, b[:])
}

func (m *Media) ReadU32LE(off uint64) (uint32, error) {
	var b [4]byte
	if err := m.Read(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *Media) WriteU32LE(off uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(off, b[:])
}

func (m *Media) ReadU64LE(off uint64) (uint64, error) {
	var b [8]byte
	if err := m.Read(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *Media) WriteU64LE(off uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(off, b[:])
}
