// Package vfs implements the virtual filesystem layer: a mount table,
// vnodes with at most one live handle per inode, a dirent cache with
// negative entries and mount piercing, bounded symlink resolution, and the
// file objects handed out by Open.
//
// Filesystem drivers plug in through the Driver, FilesystemOps and NodeOps
// interfaces and register themselves with RegisterDriver.
package vfs

import "time"

// SeekMode selects how File.Seek interprets its offset.
type SeekMode int

const (
	// SeekSet sets an absolute position
	SeekSet SeekMode = 0

	// SeekCur sets a position relative to the current one
	SeekCur SeekMode = 1

	// SeekEnd sets a position relative to the end of the file
	SeekEnd SeekMode = 2
)

// NodeType is the kind of a filesystem node.
type NodeType uint8

const (
	TypeUnknown NodeType = iota
	TypeFifo
	TypeCharDev
	TypeDirectory
	TypeBlockDev
	TypeRegular
	TypeSymlink
	TypeUnixSocket
)

func (t NodeType) String() string {
	switch t {
	case TypeFifo:
		return "fifo"
	case TypeCharDev:
		return "chardev"
	case TypeDirectory:
		return "directory"
	case TypeBlockDev:
		return "blockdev"
	case TypeRegular:
		return "regular"
	case TypeSymlink:
		return "symlink"
	case TypeUnixSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// File type bits of the POSIX st_mode field.
const (
	ModeTypeMask  uint16 = 0o170000
	ModeSocket    uint16 = 0o140000
	ModeSymlink   uint16 = 0o120000
	ModeRegular   uint16 = 0o100000
	ModeBlockDev  uint16 = 0o060000
	ModeDirectory uint16 = 0o040000
	ModeCharDev   uint16 = 0o020000
	ModeFifo      uint16 = 0o010000
)

// ModeBits returns the st_mode type bits for t.
func (t NodeType) ModeBits() uint16 {
	switch t {
	case TypeFifo:
		return ModeFifo
	case TypeCharDev:
		return ModeCharDev
	case TypeDirectory:
		return ModeDirectory
	case TypeBlockDev:
		return ModeBlockDev
	case TypeRegular:
		return ModeRegular
	case TypeSymlink:
		return ModeSymlink
	case TypeUnixSocket:
		return ModeSocket
	default:
		return 0
	}
}

// TypeFromMode decodes the type bits of an st_mode value.
func TypeFromMode(mode uint16) NodeType {
	switch mode & ModeTypeMask {
	case ModeFifo:
		return TypeFifo
	case ModeCharDev:
		return TypeCharDev
	case ModeDirectory:
		return TypeDirectory
	case ModeBlockDev:
		return TypeBlockDev
	case ModeRegular:
		return TypeRegular
	case ModeSymlink:
		return TypeSymlink
	case ModeSocket:
		return TypeUnixSocket
	default:
		return TypeUnknown
	}
}

// Stat is the inode statistics buffer returned by File.Stat.
type Stat struct {
	// Dev identifies the device containing the file
	Dev uint64

	// Ino is the inode number
	Ino uint64

	// Mode holds the file type and permission bits
	Mode uint16

	// Nlink is the number of hard links
	Nlink uint16

	// UID is the owner user id
	UID uint16

	// GID is the owner group id
	GID uint16

	// Rdev is the device id for device special files
	Rdev uint64

	// Size is the byte size of the file
	Size uint64

	// Blksize is the preferred I/O block size
	Blksize uint64

	// Blocks is the number of 512-byte blocks allocated
	Blocks uint64

	// Atime is the time of last access; only updated on modification
	Atime time.Time

	// Mtime is the time of last modification
	Mtime time.Time

	// Ctime is the time of last status change
	Ctime time.Time
}

// Dirent is an abstract directory entry as returned by NodeOps.FindDirent.
type Dirent struct {
	// Ino is the entry's inode number
	Ino uint64

	// Type is the kind of node the entry refers to
	Type NodeType

	// Name is the entry name, without any path separators
	Name string

	// DiskOff is the on-media position of the entry, driver-defined
	DiskOff uint64

	// Off is the in-directory position of the entry, driver-defined
	Off uint64
}

// CharDevice is the character device interface device nodes resolve to.
// Actual drivers live outside this module; tests provide in-memory ones.
type CharDevice interface {
	// Read reads up to len(p) bytes, returning the number read.
	Read(p []byte) (int, error)

	// Write writes p, returning the number of bytes consumed.
	Write(p []byte) (int, error)
}

// MakeFileSpec describes the node to create for Context.MakeFile.
type MakeFileSpec struct {
	// Type selects what kind of node to create
	Type NodeType

	// SymlinkTarget is the link target; TypeSymlink only
	SymlinkTarget string

	// Rdev is the device identity to store; device nodes only
	Rdev uint64
}

// RegularSpec describes a regular file.
func RegularSpec() MakeFileSpec { return MakeFileSpec{Type: TypeRegular} }

// DirectorySpec describes a directory.
func DirectorySpec() MakeFileSpec { return MakeFileSpec{Type: TypeDirectory} }

// FifoSpec describes a named pipe.
func FifoSpec() MakeFileSpec { return MakeFileSpec{Type: TypeFifo} }

// SymlinkSpec describes a symbolic link with the given target.
func SymlinkSpec(target string) MakeFileSpec {
	return MakeFileSpec{Type: TypeSymlink, SymlinkTarget: target}
}

// CharDevSpec describes a character device node.
func CharDevSpec(rdev uint64) MakeFileSpec {
	return MakeFileSpec{Type: TypeCharDev, Rdev: rdev}
}

// BlockDevSpec describes a block device node.
func BlockDevSpec(rdev uint64) MakeFileSpec {
	return MakeFileSpec{Type: TypeBlockDev, Rdev: rdev}
}

// OpenFlags control Context.Open behavior.
type OpenFlags uint32

const (
	// OpenRead allows reading the file
	OpenRead OpenFlags = 0x0001

	// OpenWrite allows writing the file
	OpenWrite OpenFlags = 0x0002

	// OpenReadWrite allows both
	OpenReadWrite OpenFlags = OpenRead | OpenWrite

	// OpenAppend makes every write append to the end of the file
	OpenAppend OpenFlags = 0x0004

	// OpenFileOnly fails if the target is a directory
	OpenFileOnly OpenFlags = 0x0008

	// OpenDirOnly fails if the target is not a directory
	OpenDirOnly OpenFlags = 0x0010

	// OpenNoFollow does not follow a symlink in the last path component
	OpenNoFollow OpenFlags = 0x0020

	// OpenCreate creates the file if it does not exist
	OpenCreate OpenFlags = 0x0040

	// OpenExclusive fails if the file already exists; requires OpenCreate
	OpenExclusive OpenFlags = 0x0080

	// OpenTruncate truncates the file on open; requires write access
	OpenTruncate OpenFlags = 0x0100

	// OpenNonblock uses non-blocking I/O (FIFOs)
	OpenNonblock OpenFlags = 0x0200
)

// MountFlags control Context.Mount and Context.Unmount.
type MountFlags uint32

const (
	// MountReadOnly mounts the filesystem read-only
	MountReadOnly MountFlags = 0x0000_0001

	// MountNoFollow does not follow a symlink at the mount path
	MountNoFollow MountFlags = 0x0000_0020

	// MountDetach unmounts without checking for open handles
	MountDetach MountFlags = 0x0002_0000
)

// LinkFlags control Context.Link and Context.Rename.
type LinkFlags uint32

const (
	// LinkFollow resolves symlinks in the last component of both paths
	LinkFollow LinkFlags = 0x0001
)

// Path resolution limits.
const (
	// LinkMax is the maximum number of symlinks followed in one walk
	LinkMax = 32

	// PathMax is the maximum path length in bytes
	PathMax = 4096

	// NameMax is the maximum length of a single path component
	NameMax = 255
)

// File is a handle to an open file. Closing it releases the vnode.
type File interface {
	// Stat returns the inode statistics.
	Stat() (Stat, error)

	// Tell returns the current file position.
	Tell() (uint64, error)

	// Seek changes the file position, clamped to [0, size].
	Seek(whence SeekMode, offset int64) (uint64, error)

	// Write writes p at the current position, extending the file if needed.
	Write(p []byte) (int, error)

	// Read reads into p from the current position, clamped to EOF.
	Read(p []byte) (int, error)

	// Resize truncates or extends the file.
	Resize(size uint64) error

	// Sync flushes driver caches to media.
	Sync() error

	// ReadDir lists all entries if this is a directory handle.
	ReadDir() ([]Dirent, error)

	// VNode returns the underlying vnode without taking a reference.
	// Pipes return nil.
	VNode() *VNode

	// Close releases the handle. The handle must not be used afterwards.
	Close() error
}

// Metrics receives dirent cache and vnode lifecycle events. All methods
// must be safe for concurrent use. A nil Metrics disables collection.
type Metrics interface {
	// LookupHit records a dirent cache hit.
	LookupHit()

	// LookupMiss records a lookup that had to consult the driver.
	LookupMiss()

	// NegativeHit records a lookup answered by a cached negative entry.
	NegativeHit()

	// VNodeOpened records a vnode coming alive.
	VNodeOpened()

	// VNodeClosed records a vnode being destroyed.
	VNodeClosed()
}
