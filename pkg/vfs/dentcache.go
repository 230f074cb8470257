package vfs

import (
	"errors"
	"strings"
	"sync"

	"github.com/badgeteam/badgevfs/pkg/errno"
)

// dentKind is the variant of a dirent cache entry.
type dentKind uint8

const (
	// dentNegative caches that the name explicitly does not exist.
	dentNegative dentKind = iota

	// dentDirectory caches a directory, including its children and any
	// filesystem mounted on it.
	dentDirectory

	// dentSymlink caches a symbolic link and its target text.
	dentSymlink

	// dentFile caches any other kind of node.
	dentFile
)

// DentCache is one entry in the dirent cache tree. Entries mirror the
// directory structure: every cached node points at its parent, and
// directories hold their cached children by name.
//
// Negative entries record ENOENT results so repeated lookups of a missing
// name hit the cache; creating the file replaces the entry. Symlink
// entries carry the target text read eagerly at insertion, so path
// resolution never touches the driver for cached links.
type DentCache struct {
	// kind is the entry variant, fixed at creation.
	kind dentKind

	// symlink is the cached link target; dentSymlink only.
	symlink string

	// fs is the filesystem the entry resides in.
	fs *Vfs

	// parent is the containing directory entry; nil for a mount root.
	parent *DentCache

	// dirMu guards children and mounted; dentDirectory only.
	dirMu sync.RWMutex

	// children holds the cached entries of this directory by name.
	children map[string]*DentCache

	// mounted is the filesystem mounted on this directory, if any.
	mounted *Vfs

	// vnodeMu guards vnode.
	vnodeMu sync.RWMutex

	// vnode is an uncounted pointer to the live vnode, validated with
	// tryIncRef on access.
	vnode *VNode

	// dirent is the cached directory entry.
	dirent Dirent
}

// Realpath returns the canonical absolute path of this entry. Mount roots
// resolve through their mountpoint so the path is rooted in the outermost
// filesystem.
func (dc *DentCache) Realpath() (string, error) {
	var components []*DentCache
	this := dc
	for {
		this = this.unfollowMounts()
		if this.parent == nil {
			break
		}
		components = append(components, this)
		this = this.parent
	}
	if len(components) == 0 {
		return "/", nil
	}
	var b strings.Builder
	for i := len(components) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(components[i].dirent.Name)
	}
	return b.String(), nil
}

// Readlink returns the cached symlink target.
func (dc *DentCache) Readlink() (string, error) {
	if dc.kind != dentSymlink {
		return "", errno.EINVAL
	}
	return dc.symlink, nil
}

// pierceMounts descends into mounted filesystems until reaching a
// directory nothing is mounted on. dc must be a directory.
func (dc *DentCache) pierceMounts() *DentCache {
	this := dc
	for {
		this.dirMu.RLock()
		mounted := this.mounted
		this.dirMu.RUnlock()
		if mounted == nil {
			return this
		}
		this = mounted.Root().dentCache()
	}
}

// followMounts resolves any filesystem mounted on this entry.
// Non-directories resolve to themselves.
func (dc *DentCache) followMounts() *DentCache {
	if dc.kind != dentDirectory {
		return dc
	}
	return dc.pierceMounts()
}

// unfollowMounts walks back out: if this entry is the root of a mounted
// filesystem, it resolves to the mountpoint in the parent filesystem.
func (dc *DentCache) unfollowMounts() *DentCache {
	this := dc
	for this.parent == nil && this.fs.mountpoint != nil {
		this = this.fs.mountpoint.dentCache()
	}
	return this
}

// isVfsRoot reports whether this entry is the root of its filesystem.
func (dc *DentCache) isVfsRoot() bool {
	return dc.parent == nil
}

// Lookup resolves one path component in this directory.
//
// Mounted filesystems are pierced first, then "." and ".." get their
// special handling; ".." at a mount root steps into the parent
// filesystem. Everything else goes through the cache: a shared-lock
// probe, then a recheck under the exclusive lock, and only then one
// FindDirent call on the driver. ENOENT results are cached as negative
// entries; the returned entry may therefore be negative.
func (dc *DentCache) Lookup(component string) (*DentCache, error) {
	if dc.kind != dentDirectory {
		return nil, errno.ENOTDIR
	}
	this := dc.pierceMounts()

	if component == "." {
		return this, nil
	}
	if component == ".." {
		if this.parent != nil {
			return this.parent, nil
		}
		// Walk back out of mounted filesystems to the outermost
		// mountpoint, then take its parent on that filesystem.
		this = this.unfollowMounts()
		if this.parent != nil {
			return this.parent, nil
		}
		return this, nil
	}

	metrics := this.fs.ctx.metrics

	this.dirMu.RLock()
	child := this.children[component]
	this.dirMu.RUnlock()
	if child != nil {
		if metrics != nil {
			if child.kind == dentNegative {
				metrics.NegativeHit()
			} else {
				metrics.LookupHit()
			}
		}
		return child, nil
	}

	this.dirMu.Lock()
	defer this.dirMu.Unlock()
	if child := this.children[component]; child != nil {
		// Another thread cached it while the lock was not held.
		return child, nil
	}
	if metrics != nil {
		metrics.LookupMiss()
	}

	dirVNode, err := this.openVNode()
	if err != nil {
		return nil, err
	}
	defer dirVNode.DecRef()

	dirVNode.mu.RLock()
	dirent, err := dirVNode.ops.FindDirent(dirVNode, component)
	dirVNode.mu.RUnlock()
	if err != nil {
		if !errors.Is(err, errno.ENOENT) {
			return nil, this.fs.checkEIO(err)
		}
		// Directory exists but the requested name does not.
		entry := &DentCache{
			kind:   dentNegative,
			fs:     this.fs,
			parent: this,
			dirent: Dirent{Name: component},
		}
		this.insertChildLocked(component, entry)
		return entry, nil
	}

	var entry *DentCache
	switch dirent.Type {
	case TypeDirectory:
		entry = &DentCache{
			kind:     dentDirectory,
			fs:       this.fs,
			parent:   this,
			children: make(map[string]*DentCache),
			dirent:   dirent,
		}
	case TypeSymlink:
		// Read the target eagerly so walks never consult the driver for
		// cached links.
		linkVNode, err := this.fs.openVNode(&dirent, nil)
		if err != nil {
			return nil, err
		}
		linkVNode.mu.RLock()
		target, err := linkVNode.ops.Readlink(linkVNode)
		linkVNode.mu.RUnlock()
		if err != nil {
			linkVNode.DecRef()
			return nil, this.fs.checkEIO(err)
		}
		entry = &DentCache{
			kind:    dentSymlink,
			symlink: target,
			fs:      this.fs,
			parent:  this,
			vnode:   linkVNode,
			dirent:  dirent,
		}
		linkVNode.DecRef()
	default:
		entry = &DentCache{
			kind:   dentFile,
			fs:     this.fs,
			parent: this,
			dirent: dirent,
		}
	}
	this.insertChildLocked(component, entry)
	return entry, nil
}

// newChildEntry builds a cache entry for a dirent of this directory.
// symlink is the link target; symlink entries only.
func (dc *DentCache) newChildEntry(dirent Dirent, symlink string) *DentCache {
	entry := &DentCache{fs: dc.fs, parent: dc, dirent: dirent}
	switch dirent.Type {
	case TypeDirectory:
		entry.kind = dentDirectory
		entry.children = make(map[string]*DentCache)
	case TypeSymlink:
		entry.kind = dentSymlink
		entry.symlink = symlink
	default:
		entry.kind = dentFile
	}
	return entry
}

// insertChildLocked stores a child entry. dirMu must be held exclusively.
func (dc *DentCache) insertChildLocked(name string, entry *DentCache) {
	if dc.children == nil {
		dc.children = make(map[string]*DentCache)
	}
	dc.children[name] = entry
}

// openVNode returns the vnode for this entry, opening it if needed.
// Double-checked against concurrent openers on the entry's vnode lock.
// Returns a counted reference.
func (dc *DentCache) openVNode() (*VNode, error) {
	usesInodes := dc.fs.usesInodes()

	dc.vnodeMu.RLock()
	v := dc.vnode
	dc.vnodeMu.RUnlock()
	if v != nil && v.tryIncRef() {
		return v, nil
	}

	dc.vnodeMu.Lock()
	defer dc.vnodeMu.Unlock()
	if v := dc.vnode; v != nil && v.tryIncRef() {
		return v, nil
	}

	// Directories always carry the cache back-reference. Inode-less
	// filesystems need it on every node so re-opening the same file
	// yields the same vnode.
	var backRef *DentCache
	if dc.dirent.Type == TypeDirectory || !usesInodes {
		backRef = dc
	}
	v, err := dc.fs.openVNode(&dc.dirent, backRef)
	if err != nil {
		return nil, err
	}
	dc.vnode = v
	return v, nil
}

// Prune drops cached descendants that hold no live vnode, mount no
// filesystem and cache no children of their own. It is the eviction hook
// for long-running hosts; the cache itself never evicts.
func (dc *DentCache) Prune() {
	if dc.kind != dentDirectory {
		return
	}
	dc.dirMu.Lock()
	defer dc.dirMu.Unlock()
	for name, child := range dc.children {
		child.Prune()
		if child.prunable() {
			delete(dc.children, name)
		}
	}
}

// prunable reports whether the entry can be dropped from its parent.
func (dc *DentCache) prunable() bool {
	dc.vnodeMu.RLock()
	v := dc.vnode
	dc.vnodeMu.RUnlock()
	if v != nil && v.refs.Load() > 0 {
		return false
	}
	if dc.kind != dentDirectory {
		return true
	}
	dc.dirMu.RLock()
	defer dc.dirMu.RUnlock()
	return dc.mounted == nil && len(dc.children) == 0
}
