package vfs

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/badgeteam/badgevfs/internal/logger"
	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
)

// FilesystemOps is the per-mount driver interface, the instance side of a
// Driver.
type FilesystemOps interface {
	// Media returns the media this filesystem lives on; nil for purely
	// in-memory filesystems.
	Media() *media.Media

	// UsesInodes reports whether the filesystem has real inode numbers.
	// When false the VFS synthesizes per-mount fake inode numbers.
	UsesInodes() bool

	// OpenRoot opens the root directory's node ops.
	OpenRoot(fs *Vfs) (NodeOps, error)

	// Open opens the node a dirent refers to. The caller guarantees the
	// dirent is current.
	Open(fs *Vfs, dirent *Dirent) (NodeOps, error)

	// Rename moves an entry between two directories of this filesystem.
	// Both directory vnodes are locked exclusively by the caller.
	Rename(fs *Vfs, srcDir *VNode, srcName string, dstDir *VNode, dstName string) (Dirent, error)
}

// Driver is a mountable filesystem type.
type Driver interface {
	// Detect probes whether the media holds this filesystem type.
	Detect(m *media.Media) (bool, error)

	// Mount parses the on-media structures and returns the filesystem
	// instance. Drivers decode their type-specific options themselves.
	Mount(m *media.Media, flags MountFlags, options map[string]any) (FilesystemOps, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver makes a filesystem driver available for mounting under
// the given type name. Drivers call this from an init function.
func RegisterDriver(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = d
}

// LookupDriver returns the driver registered under name, or nil.
func LookupDriver(name string) Driver {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return drivers[name]
}

// DriverNames returns the registered type names in sorted order.
func DriverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// detectDriver probes all registered drivers against the media.
func detectDriver(m *media.Media) (string, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ok, err := drivers[name].Detect(m)
		if err != nil {
			return "", err
		}
		if ok {
			return name, nil
		}
	}
	logger.Error("cannot detect filesystem type")
	return "", errno.ENOTSUP
}

// Vfs flag bits.
const (
	vfsReadOnly uint32 = 0x0000_0001
)

// Vfs is one mounted filesystem instance.
type Vfs struct {
	// ctx is the owning filesystem context.
	ctx *Context

	// opsMu guards filesystem-wide driver calls.
	opsMu sync.RWMutex

	// ops is the driver instance for this mount.
	ops FilesystemOps

	// vnodesMu guards vnodes.
	vnodesMu sync.RWMutex

	// vnodes maps inode numbers to live vnodes. Entries are uncounted;
	// a dying vnode removes itself, and tryIncRef filters the race.
	vnodes map[uint64]*VNode

	// root is the root directory vnode; holds one reference for the
	// lifetime of the mount.
	root *VNode

	// mountpoint is the directory in the parent filesystem this is
	// mounted on; nil for the root filesystem. Holds a reference.
	mountpoint *VNode

	// flags holds vfsReadOnly.
	flags atomic.Uint32

	// nextFakeIno feeds fake inode numbers for inode-less filesystems.
	nextFakeIno atomic.Uint64
}

// Root returns the root directory vnode without taking a reference.
func (fs *Vfs) Root() *VNode {
	return fs.root
}

// ReadOnly reports whether the filesystem is (or became) read-only.
func (fs *Vfs) ReadOnly() bool {
	return fs.flags.Load()&vfsReadOnly != 0
}

func (fs *Vfs) usesInodes() bool {
	fs.opsMu.RLock()
	defer fs.opsMu.RUnlock()
	return fs.ops.UsesInodes()
}

func (fs *Vfs) mediaOf() *media.Media {
	fs.opsMu.RLock()
	defer fs.opsMu.RUnlock()
	return fs.ops.Media()
}

// getVNode returns a counted reference to the live vnode for inode, or
// nil.
func (fs *Vfs) getVNode(inode uint64) *VNode {
	fs.vnodesMu.RLock()
	v := fs.vnodes[inode]
	fs.vnodesMu.RUnlock()
	if v != nil && v.tryIncRef() {
		return v
	}
	return nil
}

// openVNode returns the vnode for dirent, opening it through the driver if
// no live one exists. Double-checked: a fast shared-lock lookup, then a
// recheck under the exclusive lock before the driver call. The caller must
// guarantee dirent is current. Returns a counted reference.
func (fs *Vfs) openVNode(dirent *Dirent, dc *DentCache) (*VNode, error) {
	usesInodes := fs.usesInodes()
	if usesInodes {
		if v := fs.getVNode(dirent.Ino); v != nil {
			return v, nil
		}
	}

	fs.vnodesMu.Lock()
	defer fs.vnodesMu.Unlock()
	if usesInodes {
		// Another thread may have opened the vnode in the mean time.
		// Inode-less filesystems skip this because the DentCache also
		// locks its vnode field.
		if v := fs.vnodes[dirent.Ino]; v != nil && v.tryIncRef() {
			return v, nil
		}
	}

	fs.opsMu.RLock()
	ops, err := fs.ops.Open(fs, dirent)
	fs.opsMu.RUnlock()
	if err != nil {
		return nil, fs.checkEIO(err)
	}

	ino := dirent.Ino
	if !usesInodes {
		ino = fs.nextFakeIno.Add(1)
	}
	v := &VNode{
		ops:    ops,
		dcache: dc,
		Ino:    ino,
		FS:     fs,
		Type:   dirent.Type,
	}
	if dirent.Type == TypeFifo {
		v.fifo = newFifoShared()
	}
	v.refs.Store(1)

	// Registered even for inode-less filesystems so unmount can tell
	// whether any files are open.
	fs.vnodes[ino] = v
	if m := fs.ctx.metrics; m != nil {
		m.VNodeOpened()
	}
	return v, nil
}

// failReadOnly marks the filesystem read-only after an I/O error.
// The flag is never cleared; remounting is the only way back.
func (fs *Vfs) failReadOnly() {
	if fs.flags.Or(vfsReadOnly)&vfsReadOnly == 0 {
		logger.Error("I/O error on filesystem; marking read-only")
	}
}

// checkEIO inspects a driver result and trips the read-only latch on EIO.
func (fs *Vfs) checkEIO(err error) error {
	if err != nil && errors.Is(err, errno.EIO) {
		fs.failReadOnly()
	}
	return err
}
