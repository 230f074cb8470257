package vfs

import (
	"sync"
	"sync/atomic"
)

// NodeOps is the per-node driver interface, a generalization of inode
// operations.
//
// The VFS serializes calls through the owning vnode's lock: read-side
// methods (Read, FindDirent, GetDirents, Readlink, Stat, Size, Sync, Write)
// are called under the shared lock and may run concurrently with each
// other; mutating methods (Resize, Unlink, Link, MakeFile, Rename) are
// called under the exclusive lock. Drivers must layer their own locking
// for any state shared between nodes.
type NodeOps interface {
	// Read fills p with file content starting at offset off.
	// The VFS clamps reads to the file size before calling.
	Read(v *VNode, off uint64, p []byte) error

	// Write stores p at offset off. The range is guaranteed to lie inside
	// the current file size; extension goes through Resize first.
	Write(v *VNode, off uint64, p []byte) error

	// Resize grows or shrinks the file to size bytes. Grown space reads
	// as zeroes.
	Resize(v *VNode, size uint64) error

	// FindDirent looks up one directory entry by name.
	// Returns ENOENT if the directory exists but the name does not.
	FindDirent(v *VNode, name string) (Dirent, error)

	// GetDirents returns all entries of the directory.
	GetDirents(v *VNode) ([]Dirent, error)

	// Unlink removes the named entry. POSIX rmdir semantics when rmdir is
	// set, otherwise POSIX unlink semantics. unlinked is the live vnode of
	// the entry being removed, or nil if none is open.
	Unlink(v *VNode, name string, rmdir bool, unlinked *VNode) error

	// Link adds a new name for target's inode in this directory.
	Link(v *VNode, name string, target *VNode) error

	// MakeFile creates a new node in this directory and returns its entry.
	MakeFile(v *VNode, name string, spec MakeFileSpec) (Dirent, error)

	// Rename renames an entry within this directory.
	// Cross-directory renames go through FilesystemOps.Rename.
	Rename(v *VNode, oldName, newName string) (Dirent, error)

	// Readlink returns the symlink target.
	Readlink(v *VNode) (string, error)

	// Stat fills the stat buffer. The VFS overwrites Stat.Ino with the
	// vnode's inode number afterwards.
	Stat(v *VNode) (Stat, error)

	// Inode returns the node's inode number. Called once while the vnode
	// is constructed; inode-less filesystems may return 0.
	Inode() uint64

	// Size returns the current file size in bytes.
	Size(v *VNode) uint64

	// Sync flushes driver caches for this node to media.
	Sync(v *VNode) error

	// Close is called when the vnode is destroyed.
	Close(v *VNode)
}

// VNode is a generic handle to a filesystem node. At most one live VNode
// exists per (filesystem, inode) pair; all open files for the same inode
// share it.
//
// VNodes are reference counted. Vfs.openVNode and DentCache.openVNode
// return a counted reference which the caller must release with DecRef.
type VNode struct {
	// refs is the live reference count; the vnode is destroyed when it
	// reaches zero and can never be revived afterwards.
	refs atomic.Int64

	// mu guards ops calls, dcache and removed.
	mu sync.RWMutex

	// ops is the driver implementation behind this vnode.
	ops NodeOps

	// dcache is the owning dirent cache entry, set for directories and
	// for all nodes of inode-less filesystems.
	dcache *DentCache

	// removed is set once the node is unlinked from the filesystem.
	removed bool

	// Ino is the inode number, possibly synthesized for inode-less
	// filesystems.
	Ino uint64

	// FS is the filesystem this vnode lives on.
	FS *Vfs

	// Type is the node type, fixed for the vnode's lifetime.
	Type NodeType

	// fifo is the shared pipe state, set when Type is TypeFifo.
	fifo *fifoShared
}

// Ops returns the driver ops behind the vnode, for drivers that need
// their own node type back from a VNode handed to them.
func (v *VNode) Ops() NodeOps {
	return v.ops
}

// IncRef takes an additional reference. The caller must already hold one.
func (v *VNode) IncRef() {
	v.refs.Add(1)
}

// tryIncRef takes a reference unless the count already dropped to zero.
// Used when the only handle to v is an uncounted pointer (dirent cache,
// vnode registry) that may be stale.
func (v *VNode) tryIncRef() bool {
	for {
		refs := v.refs.Load()
		if refs <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef releases a reference. On the last release the vnode is removed
// from its filesystem's registry and the driver's Close runs.
func (v *VNode) DecRef() {
	if v.refs.Add(-1) > 0 {
		return
	}
	fs := v.FS
	fs.vnodesMu.Lock()
	if fs.vnodes[v.Ino] == v {
		delete(fs.vnodes, v.Ino)
	}
	fs.vnodesMu.Unlock()
	v.ops.Close(v)
	if m := fs.ctx.metrics; m != nil {
		m.VNodeClosed()
	}
}

// dentCache returns the vnode's dirent cache entry, if any.
func (v *VNode) dentCache() *DentCache {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dcache
}

// Mounted returns the filesystem mounted on this directory, if any.
func (v *VNode) Mounted() *Vfs {
	dc := v.dentCache()
	if dc == nil || dc.kind != dentDirectory {
		return nil
	}
	dc.dirMu.RLock()
	defer dc.dirMu.RUnlock()
	return dc.mounted
}

// RootOf returns the filesystem this vnode is the root directory of, or
// nil.
func (v *VNode) RootOf() *Vfs {
	dc := v.dentCache()
	if dc == nil || dc.parent != nil {
		return nil
	}
	return v.FS
}

// followMounts resolves v to the root vnode of the innermost filesystem
// mounted here. Returns a counted reference.
func (v *VNode) followMounts() (*VNode, error) {
	dc := v.dentCache()
	if dc == nil {
		v.IncRef()
		return v, nil
	}
	target := dc.followMounts()
	if target == dc {
		v.IncRef()
		return v, nil
	}
	return target.openVNode()
}
