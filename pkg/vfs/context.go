package vfs

import (
	"errors"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/badgeteam/badgevfs/internal/logger"
	"github.com/badgeteam/badgevfs/pkg/blockdev"
	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
)

// Context is the filesystem context: the mount table, the device node
// registries and the metrics sink. All path-based operations go through a
// Context; paths are resolved against its root filesystem.
//
// Path operations take the context lock shared and can run concurrently;
// mount table changes and renames take it exclusively.
type Context struct {
	mu        sync.RWMutex
	rootFS    *Vfs
	fsByMount map[string]*Vfs
	fsByMedia map[media.Key]*Vfs

	devMu     sync.RWMutex
	charDevs  map[uint64]CharDevice
	blockDevs map[uint64]blockdev.Device

	metrics Metrics
}

// NewContext creates an empty filesystem context. metrics may be nil.
func NewContext(metrics Metrics) *Context {
	return &Context{
		fsByMount: make(map[string]*Vfs),
		fsByMedia: make(map[media.Key]*Vfs),
		charDevs:  make(map[uint64]CharDevice),
		blockDevs: make(map[uint64]blockdev.Device),
		metrics:   metrics,
	}
}

// RegisterCharDevice makes a character device available to device nodes
// carrying the given device id.
func (ctx *Context) RegisterCharDevice(rdev uint64, dev CharDevice) {
	ctx.devMu.Lock()
	defer ctx.devMu.Unlock()
	ctx.charDevs[rdev] = dev
}

// RegisterBlockDevice makes a block device available to device nodes
// carrying the given device id.
func (ctx *Context) RegisterBlockDevice(rdev uint64, dev blockdev.Device) {
	ctx.devMu.Lock()
	defer ctx.devMu.Unlock()
	ctx.blockDevs[rdev] = dev
}

func (ctx *Context) lookupCharDev(rdev uint64) CharDevice {
	ctx.devMu.RLock()
	defer ctx.devMu.RUnlock()
	return ctx.charDevs[rdev]
}

func (ctx *Context) lookupBlockDev(rdev uint64) blockdev.Device {
	ctx.devMu.RLock()
	defer ctx.devMu.RUnlock()
	return ctx.blockDevs[rdev]
}

// restEmpty reports whether the walk stack holds no further components.
func restEmpty(stack []string) bool {
	for _, s := range stack {
		if strings.Trim(s, "/") != "" {
			return false
		}
	}
	return true
}

// walkLocked resolves path to a dirent cache entry. The caller must hold
// ctx.mu. The result may be a negative entry when the final component does
// not exist in an existing directory; create operations rely on that.
//
// Symlinks in intermediate components are always followed; the final
// component follows only when followLast is set. Resolution is bounded:
// at most LinkMax symlinks, PathMax total bytes, NameMax per component.
func (ctx *Context) walkLocked(path string, followLast bool) (*DentCache, error) {
	if path == "" {
		return nil, errno.ENOENT
	}
	if len(path) > PathMax {
		return nil, errno.ENAMETOOLONG
	}
	if ctx.rootFS == nil {
		return nil, errno.ENOENT
	}
	root := ctx.rootFS.Root().dentCache()
	at := root

	// Each frame is the unprocessed remainder of one path string; symlink
	// targets push a new frame.
	stack := make([]string, 1, LinkMax+1)
	stack[0] = path
	symlinks := 0

	for len(stack) > 0 {
		rest := strings.TrimLeft(stack[len(stack)-1], "/")
		if rest == "" {
			stack = stack[:len(stack)-1]
			continue
		}
		var comp string
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			comp, stack[len(stack)-1] = rest[:i], rest[i+1:]
		} else {
			comp, stack[len(stack)-1] = rest, ""
		}
		if len(comp) > NameMax {
			return nil, errno.ENAMETOOLONG
		}
		last := restEmpty(stack)

		entry, err := at.Lookup(comp)
		if err != nil {
			return nil, err
		}
		switch entry.kind {
		case dentNegative:
			if last {
				return entry, nil
			}
			return nil, errno.ENOENT
		case dentSymlink:
			if last && !followLast {
				return entry, nil
			}
			symlinks++
			if symlinks > LinkMax {
				return nil, errno.ELOOP
			}
			target := entry.symlink
			if target == "" {
				return nil, errno.ENOENT
			}
			if target[0] == '/' {
				at = root
			}
			// Relative targets resolve from the symlink's directory,
			// which is the current position.
			stack = append(stack, target)
		case dentDirectory:
			if last {
				return entry, nil
			}
			at = entry
		default:
			if !last {
				return nil, errno.ENOTDIR
			}
			return entry, nil
		}
	}
	// The path was separators and resolved-away dots only.
	return at, nil
}

// All flags Open accepts.
const openAllFlags = OpenRead | OpenWrite | OpenAppend | OpenFileOnly |
	OpenDirOnly | OpenNoFollow | OpenCreate | OpenExclusive |
	OpenTruncate | OpenNonblock

// validateOpenFlags checks flag consistency and applies the read default.
func validateOpenFlags(flags OpenFlags) (OpenFlags, error) {
	if flags&^openAllFlags != 0 {
		return 0, errno.EINVAL
	}
	if flags&OpenReadWrite == 0 {
		flags |= OpenRead
	}
	if flags&OpenDirOnly != 0 &&
		flags&(OpenCreate|OpenExclusive|OpenFileOnly|OpenWrite|OpenAppend|OpenTruncate) != 0 {
		return 0, errno.EINVAL
	}
	if flags&OpenAppend != 0 && flags&OpenWrite == 0 {
		return 0, errno.EINVAL
	}
	if flags&OpenExclusive != 0 && flags&OpenCreate == 0 {
		return 0, errno.EINVAL
	}
	if flags&OpenTruncate != 0 && flags&OpenWrite == 0 {
		return 0, errno.EINVAL
	}
	return flags, nil
}

// Open opens the file at path and returns a handle to it.
func (ctx *Context) Open(path string, flags OpenFlags) (File, error) {
	flags, err := validateOpenFlags(flags)
	if err != nil {
		return nil, err
	}

	ctx.mu.RLock()
	f, handshake, err := ctx.openLocked(path, flags)
	ctx.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	// FIFO opens may block until the other end shows up; that must happen
	// outside the context lock.
	if handshake != nil {
		handshake()
	}
	return f, nil
}

func (ctx *Context) openLocked(path string, flags OpenFlags) (File, func(), error) {
	entry, err := ctx.walkLocked(path, flags&OpenNoFollow == 0)
	if err != nil {
		return nil, nil, err
	}

	if entry.kind == dentNegative {
		if flags&OpenCreate == 0 {
			return nil, nil, errno.ENOENT
		}
		created, err := ctx.makeFileLocked(entry, RegularSpec())
		if err != nil {
			if !errors.Is(err, errno.EEXIST) || created == nil || flags&OpenExclusive != 0 {
				return nil, nil, err
			}
			// Lost a creation race; open what the winner made.
		}
		entry = created
	} else if flags&OpenCreate != 0 && flags&OpenExclusive != 0 {
		return nil, nil, errno.EEXIST
	}

	switch entry.kind {
	case dentSymlink:
		// OpenNoFollow left the final link unresolved.
		return nil, nil, errno.ELOOP
	case dentDirectory:
		if flags&OpenFileOnly != 0 || flags&OpenWrite != 0 {
			return nil, nil, errno.EISDIR
		}
		entry = entry.pierceMounts()
	default:
		if flags&OpenDirOnly != 0 {
			return nil, nil, errno.ENOTDIR
		}
	}

	if flags&OpenWrite != 0 && entry.fs.ReadOnly() {
		return nil, nil, errno.EROFS
	}

	v, err := entry.openVNode()
	if err != nil {
		return nil, nil, err
	}

	allowRead := flags&OpenRead != 0
	allowWrite := flags&OpenWrite != 0
	nonblock := flags&OpenNonblock != 0

	switch v.Type {
	case TypeFifo:
		f := &Fifo{
			vnode:      v,
			nonblock:   nonblock,
			allowRead:  allowRead,
			allowWrite: allowWrite,
			shared:     v.fifo,
		}
		handshake := func() { f.shared.open(nonblock, allowRead, allowWrite) }
		return f, handshake, nil

	case TypeCharDev:
		st, err := statVNode(v)
		if err != nil {
			v.DecRef()
			return nil, nil, err
		}
		dev := ctx.lookupCharDev(st.Rdev)
		if dev == nil {
			v.DecRef()
			return nil, nil, errno.ENODEV
		}
		return &CharDevFile{vnode: v, dev: dev, allowRead: allowRead, allowWrite: allowWrite}, nil, nil

	case TypeBlockDev:
		st, err := statVNode(v)
		if err != nil {
			v.DecRef()
			return nil, nil, err
		}
		bdev := ctx.lookupBlockDev(st.Rdev)
		if bdev == nil {
			v.DecRef()
			return nil, nil, errno.ENODEV
		}
		f := &BlockDevFile{vnode: v, media: media.NewBlock(bdev), allowRead: allowRead, allowWrite: allowWrite}
		return f, nil, nil

	default:
		f := &VfsFile{
			vnode:      v,
			isAppend:   flags&OpenAppend != 0,
			allowRead:  allowRead,
			allowWrite: allowWrite,
		}
		if flags&OpenTruncate != 0 && v.Type == TypeRegular {
			if err := f.Resize(0); err != nil {
				f.Close()
				return nil, nil, err
			}
		}
		return f, nil, nil
	}
}

// MakeFile creates a new node at path according to spec.
func (ctx *Context) MakeFile(path string, spec MakeFileSpec) error {
	switch spec.Type {
	case TypeRegular, TypeDirectory, TypeFifo, TypeSymlink, TypeCharDev, TypeBlockDev:
	default:
		return errno.EINVAL
	}

	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	entry, err := ctx.walkLocked(path, false)
	if err != nil {
		return err
	}
	if entry.kind != dentNegative {
		return errno.EEXIST
	}
	_, err = ctx.makeFileLocked(entry, spec)
	return err
}

// makeFileLocked creates the node a negative cache entry names and
// replaces the entry with a positive one. On a lost creation race it
// returns the existing entry together with EEXIST.
func (ctx *Context) makeFileLocked(entry *DentCache, spec MakeFileSpec) (*DentCache, error) {
	parent := entry.parent
	if parent == nil {
		return nil, errno.EINVAL
	}
	if parent.fs.ReadOnly() {
		return nil, errno.EROFS
	}
	if spec.Type == TypeSymlink && (spec.SymlinkTarget == "" || len(spec.SymlinkTarget) > PathMax) {
		return nil, errno.EINVAL
	}
	name := entry.dirent.Name

	parent.dirMu.Lock()
	defer parent.dirMu.Unlock()
	if cur := parent.children[name]; cur != nil && cur.kind != dentNegative {
		return cur, errno.EEXIST
	}

	dirVNode, err := parent.openVNode()
	if err != nil {
		return nil, err
	}
	defer dirVNode.DecRef()

	dirVNode.mu.Lock()
	dirent, err := dirVNode.ops.MakeFile(dirVNode, name, spec)
	dirVNode.mu.Unlock()
	if err != nil {
		return nil, parent.fs.checkEIO(err)
	}

	child := parent.newChildEntry(dirent, spec.SymlinkTarget)
	parent.insertChildLocked(name, child)
	return child, nil
}

// Unlink removes the file or, with rmdir set, the empty directory at path.
func (ctx *Context) Unlink(path string, rmdir bool) error {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	entry, err := ctx.walkLocked(path, false)
	if err != nil {
		return err
	}
	if entry.kind == dentNegative {
		return errno.ENOENT
	}
	if entry.parent == nil {
		return errno.EBUSY
	}
	if entry.kind == dentDirectory {
		if !rmdir {
			return errno.EISDIR
		}
		entry.dirMu.RLock()
		mounted := entry.mounted
		entry.dirMu.RUnlock()
		if mounted != nil {
			return errno.EBUSY
		}
	} else if rmdir {
		return errno.ENOTDIR
	}

	parent := entry.parent
	if parent.fs.ReadOnly() {
		return errno.EROFS
	}
	name := entry.dirent.Name

	parent.dirMu.Lock()
	defer parent.dirMu.Unlock()
	if parent.children[name] != entry {
		// The entry changed under a concurrent operation.
		return errno.ENOENT
	}

	// Hand the driver the live vnode of the victim, if any, so it can
	// defer reclaiming storage until the last handle closes.
	var unlinked *VNode
	entry.vnodeMu.RLock()
	if v := entry.vnode; v != nil && v.tryIncRef() {
		unlinked = v
	}
	entry.vnodeMu.RUnlock()

	dirVNode, err := parent.openVNode()
	if err != nil {
		if unlinked != nil {
			unlinked.DecRef()
		}
		return err
	}
	defer dirVNode.DecRef()

	dirVNode.mu.Lock()
	err = dirVNode.ops.Unlink(dirVNode, name, rmdir, unlinked)
	dirVNode.mu.Unlock()
	if unlinked != nil {
		if err == nil {
			unlinked.mu.Lock()
			unlinked.removed = true
			unlinked.mu.Unlock()
		}
		unlinked.DecRef()
	}
	if err != nil {
		return parent.fs.checkEIO(err)
	}

	parent.children[name] = &DentCache{
		kind:   dentNegative,
		fs:     parent.fs,
		parent: parent,
		dirent: Dirent{Name: name},
	}
	return nil
}

// Link creates a hard link at newPath referring to the node at oldPath.
func (ctx *Context) Link(oldPath, newPath string, flags LinkFlags) error {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	old, err := ctx.walkLocked(oldPath, flags&LinkFollow != 0)
	if err != nil {
		return err
	}
	if old.kind == dentNegative {
		return errno.ENOENT
	}
	if old.kind == dentDirectory {
		return errno.EPERM
	}
	nw, err := ctx.walkLocked(newPath, false)
	if err != nil {
		return err
	}
	if nw.kind != dentNegative {
		return errno.EEXIST
	}
	parent := nw.parent
	if parent.fs != old.fs {
		return errno.EXDEV
	}
	if parent.fs.ReadOnly() {
		return errno.EROFS
	}
	name := nw.dirent.Name

	target, err := old.openVNode()
	if err != nil {
		return err
	}
	defer target.DecRef()

	parent.dirMu.Lock()
	defer parent.dirMu.Unlock()
	if cur := parent.children[name]; cur != nil && cur.kind != dentNegative {
		return errno.EEXIST
	}

	dirVNode, err := parent.openVNode()
	if err != nil {
		return err
	}
	defer dirVNode.DecRef()

	dirVNode.mu.Lock()
	err = dirVNode.ops.Link(dirVNode, name, target)
	dirVNode.mu.Unlock()
	if err != nil {
		return parent.fs.checkEIO(err)
	}

	// Drop the negative entry; the next lookup fetches the fresh dirent
	// from the driver.
	delete(parent.children, name)
	return nil
}

// Rename moves the node at oldPath to newPath. Both paths must be on the
// same filesystem and newPath must not exist.
func (ctx *Context) Rename(oldPath, newPath string, flags LinkFlags) error {
	// Exclusive: the cache entry changes parents, which no concurrent
	// walk may observe halfway.
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	follow := flags&LinkFollow != 0
	old, err := ctx.walkLocked(oldPath, follow)
	if err != nil {
		return err
	}
	if old.kind == dentNegative {
		return errno.ENOENT
	}
	if old.parent == nil {
		return errno.EBUSY
	}
	if old.kind == dentDirectory {
		old.dirMu.RLock()
		mounted := old.mounted
		old.dirMu.RUnlock()
		if mounted != nil {
			return errno.EBUSY
		}
	}

	nw, err := ctx.walkLocked(newPath, follow)
	if err != nil {
		return err
	}
	if nw == old {
		return nil
	}
	if nw.kind != dentNegative {
		return errno.EEXIST
	}

	oldParent := old.parent
	newParent := nw.parent
	if oldParent.fs != newParent.fs {
		return errno.EXDEV
	}
	fs := oldParent.fs
	if fs.ReadOnly() {
		return errno.EROFS
	}
	// A directory cannot move into its own subtree.
	for p := newParent; p != nil; p = p.parent {
		if p == old {
			return errno.EINVAL
		}
	}
	oldName := old.dirent.Name
	newName := nw.dirent.Name

	var dirent Dirent
	if oldParent == newParent {
		dirVNode, err := oldParent.openVNode()
		if err != nil {
			return err
		}
		dirVNode.mu.Lock()
		dirent, err = dirVNode.ops.Rename(dirVNode, oldName, newName)
		dirVNode.mu.Unlock()
		dirVNode.DecRef()
		if err != nil {
			return fs.checkEIO(err)
		}
	} else {
		srcVNode, err := oldParent.openVNode()
		if err != nil {
			return err
		}
		dstVNode, err := newParent.openVNode()
		if err != nil {
			srcVNode.DecRef()
			return err
		}
		// Lock both directories; back off and retry so a file handle
		// holding one of the locks cannot deadlock us.
		for {
			srcVNode.mu.Lock()
			if dstVNode.mu.TryLock() {
				break
			}
			srcVNode.mu.Unlock()
			runtime.Gosched()
		}
		fs.opsMu.RLock()
		dirent, err = fs.ops.Rename(fs, srcVNode, oldName, dstVNode, newName)
		fs.opsMu.RUnlock()
		dstVNode.mu.Unlock()
		srcVNode.mu.Unlock()
		srcVNode.DecRef()
		dstVNode.DecRef()
		if err != nil {
			return fs.checkEIO(err)
		}
	}

	oldParent.dirMu.Lock()
	delete(oldParent.children, oldName)
	oldParent.dirMu.Unlock()
	old.parent = newParent
	old.dirent = dirent
	newParent.dirMu.Lock()
	newParent.insertChildLocked(newName, old)
	newParent.dirMu.Unlock()
	return nil
}

// Realpath resolves path to its canonical absolute form, with all
// symlinks, dots and mountpoints resolved.
func (ctx *Context) Realpath(path string) (string, error) {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	entry, err := ctx.walkLocked(path, true)
	if err != nil {
		return "", err
	}
	if entry.kind == dentNegative {
		return "", errno.ENOENT
	}
	return entry.Realpath()
}

// Pipe creates an anonymous pipe, returning the read end and the write
// end. Closing both ends discards any buffered data.
func (ctx *Context) Pipe(nonblock bool) (File, File, error) {
	shared := newFifoShared()
	r := &Fifo{shared: shared, nonblock: nonblock, allowRead: true}
	w := &Fifo{shared: shared, nonblock: nonblock, allowWrite: true}
	shared.open(true, true, false)
	shared.open(true, false, true)
	return r, w, nil
}

// Mount attaches a filesystem at path. The first mount must be at "/".
// fsType selects a registered driver; empty means probe the media. m is
// nil for purely in-memory filesystems, which then cannot be probed.
func (ctx *Context) Mount(path string, m *media.Media, fsType string, flags MountFlags, options map[string]any) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if m != nil {
		if _, ok := ctx.fsByMedia[m.Key()]; ok {
			logger.Error("media already mounted")
			return errno.EBUSY
		}
	}

	name := fsType
	if name == "" {
		if m == nil {
			return errno.EINVAL
		}
		detected, err := detectDriver(m)
		if err != nil {
			return err
		}
		name = detected
	}
	driver := LookupDriver(name)
	if driver == nil {
		logger.Error("unknown filesystem type %q", name)
		return errno.ENODEV
	}

	// Resolve and vet the mountpoint before touching the driver.
	var mpEntry *DentCache
	var mpVNode *VNode
	if ctx.rootFS == nil {
		if path != "/" {
			logger.Error("first mount must be the root filesystem")
			return errno.ENOENT
		}
	} else {
		entry, err := ctx.walkLocked(path, flags&MountNoFollow == 0)
		if err != nil {
			return err
		}
		if entry.kind == dentNegative {
			return errno.ENOENT
		}
		if entry.kind != dentDirectory {
			return errno.ENOTDIR
		}
		entry = entry.pierceMounts()
		if entry.isVfsRoot() {
			// Stacking a mount on a filesystem root is not supported.
			return errno.EBUSY
		}
		mpVNode, err = entry.openVNode()
		if err != nil {
			return err
		}
		ents, err := readDirVNode(mpVNode)
		if err != nil {
			mpVNode.DecRef()
			return err
		}
		for _, e := range ents {
			if e.Name != "." && e.Name != ".." {
				mpVNode.DecRef()
				return errno.ENOTEMPTY
			}
		}
		mpEntry = entry
	}

	ops, err := driver.Mount(m, flags, options)
	if err != nil {
		if mpVNode != nil {
			mpVNode.DecRef()
		}
		return err
	}

	fs := &Vfs{ctx: ctx, ops: ops, vnodes: make(map[uint64]*VNode)}
	if flags&MountReadOnly != 0 {
		fs.flags.Store(vfsReadOnly)
	}

	rootOps, err := ops.OpenRoot(fs)
	if err != nil {
		if mpVNode != nil {
			mpVNode.DecRef()
		}
		return fs.checkEIO(err)
	}
	ino := rootOps.Inode()
	if !ops.UsesInodes() {
		ino = fs.nextFakeIno.Add(1)
	}
	rootDC := &DentCache{
		kind:     dentDirectory,
		fs:       fs,
		children: make(map[string]*DentCache),
		dirent:   Dirent{Ino: ino, Type: TypeDirectory},
	}
	rootVNode := &VNode{
		ops:    rootOps,
		dcache: rootDC,
		Ino:    ino,
		FS:     fs,
		Type:   TypeDirectory,
	}
	rootVNode.refs.Store(1)
	rootDC.vnode = rootVNode
	fs.vnodes[ino] = rootVNode
	fs.root = rootVNode
	if ctx.metrics != nil {
		ctx.metrics.VNodeOpened()
	}

	mountPath := "/"
	if mpEntry == nil {
		ctx.rootFS = fs
	} else {
		mountPath, _ = mpEntry.Realpath()
		fs.mountpoint = mpVNode
		mpEntry.dirMu.Lock()
		mpEntry.mounted = fs
		mpEntry.dirMu.Unlock()
	}
	ctx.fsByMount[mountPath] = fs
	if m != nil {
		ctx.fsByMedia[m.Key()] = fs
	}
	logger.Info("mounted %s filesystem at %s", name, mountPath)
	return nil
}

// Unmount detaches the filesystem mounted at path. Fails with EBUSY while
// files are open on it unless MountDetach is set.
func (ctx *Context) Unmount(path string, flags MountFlags) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	entry, err := ctx.walkLocked(path, flags&MountNoFollow == 0)
	if err != nil {
		return err
	}
	if entry.kind != dentDirectory {
		return errno.EINVAL
	}

	entry.dirMu.RLock()
	fs := entry.mounted
	entry.dirMu.RUnlock()
	if fs == nil {
		if !entry.isVfsRoot() || entry.fs != ctx.rootFS {
			return errno.EINVAL
		}
		// Unmounting the root filesystem requires everything else to be
		// gone already.
		if len(ctx.fsByMount) > 1 {
			return errno.EBUSY
		}
		fs = ctx.rootFS
	}

	if flags&MountDetach == 0 {
		fs.vnodesMu.RLock()
		busy := fs.root.refs.Load() > 1 || len(fs.vnodes) > 1
		if !busy && len(fs.vnodes) == 1 {
			if _, ok := fs.vnodes[fs.root.Ino]; !ok {
				busy = true
			}
		}
		fs.vnodesMu.RUnlock()
		if busy {
			return errno.EBUSY
		}
	}

	for p, f := range ctx.fsByMount {
		if f == fs {
			delete(ctx.fsByMount, p)
		}
	}
	for k, f := range ctx.fsByMedia {
		if f == fs {
			delete(ctx.fsByMedia, k)
		}
	}

	if mp := fs.mountpoint; mp != nil {
		mpDC := mp.dentCache()
		mpDC.dirMu.Lock()
		mpDC.mounted = nil
		mpDC.dirMu.Unlock()
		fs.mountpoint = nil
		mp.DecRef()
	} else {
		ctx.rootFS = nil
	}

	m := fs.mediaOf()
	fs.root.DecRef()
	if m != nil {
		if err := m.Sync(); err != nil {
			logger.Warn("sync after unmount failed: %v", err)
		}
	}
	logger.Info("unmounted filesystem at %s", path)
	return nil
}

// MountInfo describes one mounted filesystem.
type MountInfo struct {
	// Path is the canonical mountpoint path
	Path string

	// ReadOnly reports whether the filesystem is read-only
	ReadOnly bool
}

// Mounts lists all mounted filesystems sorted by mountpoint path.
func (ctx *Context) Mounts() []MountInfo {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	infos := make([]MountInfo, 0, len(ctx.fsByMount))
	for path, fs := range ctx.fsByMount {
		infos = append(infos, MountInfo{Path: path, ReadOnly: fs.ReadOnly()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// Sync flushes all open vnodes and all mounted media. The first error is
// returned but syncing continues past it.
func (ctx *Context) Sync() error {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()

	var firstErr error
	for _, fs := range ctx.fsByMount {
		fs.vnodesMu.RLock()
		live := make([]*VNode, 0, len(fs.vnodes))
		for _, v := range fs.vnodes {
			if v.tryIncRef() {
				live = append(live, v)
			}
		}
		fs.vnodesMu.RUnlock()
		for _, v := range live {
			v.mu.RLock()
			err := v.ops.Sync(v)
			v.mu.RUnlock()
			v.DecRef()
			if err != nil && firstErr == nil {
				firstErr = fs.checkEIO(err)
			}
		}
		if m := fs.mediaOf(); m != nil {
			if err := m.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Prune evicts idle dirent cache entries on every mounted filesystem.
func (ctx *Context) Prune() {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	for _, fs := range ctx.fsByMount {
		fs.root.dentCache().Prune()
	}
}
