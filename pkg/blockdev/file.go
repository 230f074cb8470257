package blockdev

import (
	"fmt"
	"os"
)

// FileDevice is a Device backed by a regular file holding a raw disk image.
type FileDevice struct {
	f    *os.File
	size uint64
}

// OpenFileDevice opens an image file as a block device.
//
// When readOnly is false the file is opened read-write; the size is fixed
// at open time, writes past the end fail rather than growing the image.
func OpenFileDevice(path string, readOnly bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}
	return &FileDevice{f: f, size: uint64(st.Size())}, nil
}

func (d *FileDevice) Size() uint64 {
	return d.size
}

func (d *FileDevice) ReadAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > d.size {
		return fmt.Errorf("file device: read of %d bytes at %d exceeds size %d", len(p), off, d.size)
	}
	_, err := d.f.ReadAt(p, int64(off))
	return err
}

func (d *FileDevice) WriteAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > d.size {
		return fmt.Errorf("file device: write of %d bytes at %d exceeds size %d", len(p), off, d.size)
	}
	_, err := d.f.WriteAt(p, int64(off))
	return err
}

// Erase writes zeroes; regular files have no discard primitive that is
// portable across platforms.
func (d *FileDevice) Erase(off, length uint64) error {
	if off+length > d.size {
		return fmt.Errorf("file device: erase of %d bytes at %d exceeds size %d", length, off, d.size)
	}
	zero := make([]byte, 64*1024)
	for length > 0 {
		n := uint64(len(zero))
		if n > length {
			n = length
		}
		if _, err := d.f.WriteAt(zero[:n], int64(off)); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
