// Package blockdev defines the storage backend interface the media layer
// sits on, together with memory, file and BadgerDB backed implementations.
//
// Devices address raw bytes. Callers are expected to go through the media
// layer, which adds partition windowing and range checking; devices only
// guarantee that a read or write fully inside [0, Size()) either completes
// entirely or returns an error.
package blockdev

// Device is a byte-addressable storage backend.
//
// Implementations must be safe for concurrent use. They do not need to
// detect out-of-range access beyond returning an error; the media layer
// range-checks before calling.
type Device interface {
	// Size returns the device capacity in bytes.
	Size() uint64

	// ReadAt fills p from the device starting at byte offset off.
	ReadAt(p []byte, off uint64) error

	// WriteAt writes p to the device starting at byte offset off.
	WriteAt(p []byte, off uint64) error

	// Erase discards the byte range [off, off+length). Backends without a
	// native discard operation write zeroes instead.
	Erase(off, length uint64) error

	// Sync flushes buffered writes to durable storage.
	Sync() error
}
