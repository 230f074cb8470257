// Package ramfs implements a purely in-memory filesystem. It is the usual
// root filesystem: inode numbers are real, every node type is supported
// and nothing ever touches media.
package ramfs

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/mitchellh/mapstructure"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// Options are the ramfs mount options.
type Options struct {
	// SizeLimit caps the total bytes of file content; 0 means unlimited.
	SizeLimit uint64 `mapstructure:"size_limit"`
}

// Driver mounts ramfs instances. Register under the type name "ramfs".
type Driver struct{}

func init() {
	vfs.RegisterDriver("ramfs", &Driver{})
}

// Detect always reports false; ramfs has no on-media format.
func (*Driver) Detect(*media.Media) (bool, error) {
	return false, nil
}

func (*Driver) Mount(_ *media.Media, _ vfs.MountFlags, options map[string]any) (vfs.FilesystemOps, error) {
	var opts Options
	if options != nil {
		if err := mapstructure.Decode(options, &opts); err != nil {
			return nil, errno.EINVAL
		}
	}
	fs := &ramFS{
		inodes: btree.NewG(8, func(a, b *inode) bool { return a.ino < b.ino }),
		limit:  opts.SizeLimit,
	}
	root := fs.newInode(vfs.TypeDirectory)
	root.nlink = 2
	fs.root = root
	return fs, nil
}

// inode is one ramfs node. Directory entries map names to inode numbers.
type inode struct {
	ino   uint64
	typ   vfs.NodeType
	nlink uint16
	rdev  uint64

	// mtime is unix nanoseconds, atomic because reads happen under the
	// shared vnode lock concurrently with writes.
	mtime atomic.Int64
	ctime int64

	// data holds file content, or the target for symlinks.
	data []byte

	// entries is the name to inode map; directories only.
	entries map[string]uint64

	// orphan marks an unlinked inode kept alive by an open handle.
	orphan bool
}

type ramFS struct {
	// mu guards the inode table, link counts and the space accounting.
	mu      sync.Mutex
	inodes  *btree.BTreeG[*inode]
	nextIno uint64
	root    *inode

	used  uint64
	limit uint64
}

// newInode allocates and registers a fresh inode. Caller holds mu, except
// during Mount.
func (fs *ramFS) newInode(typ vfs.NodeType) *inode {
	fs.nextIno++
	now := time.Now().UnixNano()
	n := &inode{ino: fs.nextIno, typ: typ, nlink: 1, ctime: now}
	n.mtime.Store(now)
	if typ == vfs.TypeDirectory {
		n.entries = make(map[string]uint64)
	}
	fs.inodes.ReplaceOrInsert(n)
	return n
}

func (fs *ramFS) lookupInode(ino uint64) *inode {
	n, _ := fs.inodes.Get(&inode{ino: ino})
	return n
}

// reserve accounts length extra content bytes against the size limit.
func (fs *ramFS) reserve(length uint64) error {
	if fs.limit != 0 && fs.used+length > fs.limit {
		return errno.ENOSPC
	}
	fs.used += length
	return nil
}

func (fs *ramFS) release(length uint64) {
	fs.used -= length
}

// freeInode drops an inode whose last link and last handle are gone.
// Caller holds mu.
func (fs *ramFS) freeInode(n *inode) {
	fs.release(uint64(len(n.data)))
	n.data = nil
	fs.inodes.Delete(n)
}

func (fs *ramFS) Media() *media.Media { return nil }

func (fs *ramFS) UsesInodes() bool { return true }

func (fs *ramFS) OpenRoot(*vfs.Vfs) (vfs.NodeOps, error) {
	return &ramNode{fs: fs, node: fs.root}, nil
}

func (fs *ramFS) Open(_ *vfs.Vfs, dirent *vfs.Dirent) (vfs.NodeOps, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := fs.lookupInode(dirent.Ino)
	if n == nil {
		return nil, errno.ENOENT
	}
	return &ramNode{fs: fs, node: n}, nil
}

func (fs *ramFS) Rename(_ *vfs.Vfs, srcDir *vfs.VNode, srcName string, dstDir *vfs.VNode, dstName string) (vfs.Dirent, error) {
	src, err := dirNode(srcDir)
	if err != nil {
		return vfs.Dirent{}, err
	}
	dst, err := dirNode(dstDir)
	if err != nil {
		return vfs.Dirent{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, ok := src.node.entries[srcName]
	if !ok {
		return vfs.Dirent{}, errno.ENOENT
	}
	if _, exists := dst.node.entries[dstName]; exists {
		return vfs.Dirent{}, errno.EEXIST
	}
	moved := fs.lookupInode(ino)
	if moved == nil {
		return vfs.Dirent{}, errno.ENOENT
	}
	delete(src.node.entries, srcName)
	dst.node.entries[dstName] = ino
	if moved.typ == vfs.TypeDirectory {
		src.node.nlink--
		dst.node.nlink++
	}
	return vfs.Dirent{Ino: ino, Type: moved.typ, Name: dstName}, nil
}

// dirNode extracts the ramfs directory behind a vnode.
func dirNode(v *vfs.VNode) (*ramNode, error) {
	n, ok := v.Ops().(*ramNode)
	if !ok || n.node.typ != vfs.TypeDirectory {
		return nil, errno.ENOTDIR
	}
	return n, nil
}

// ramNode implements vfs.NodeOps for one inode.
type ramNode struct {
	fs   *ramFS
	node *inode
}

func (n *ramNode) Read(_ *vfs.VNode, off uint64, p []byte) error {
	if off+uint64(len(p)) > uint64(len(n.node.data)) {
		return errno.EINVAL
	}
	copy(p, n.node.data[off:])
	return nil
}

func (n *ramNode) Write(_ *vfs.VNode, off uint64, p []byte) error {
	if off+uint64(len(p)) > uint64(len(n.node.data)) {
		return errno.EINVAL
	}
	copy(n.node.data[off:], p)
	n.node.mtime.Store(time.Now().UnixNano())
	return nil
}

func (n *ramNode) Resize(_ *vfs.VNode, size uint64) error {
	cur := uint64(len(n.node.data))
	if size == cur {
		return nil
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if size > cur {
		if err := n.fs.reserve(size - cur); err != nil {
			return err
		}
		grown := make([]byte, size)
		copy(grown, n.node.data)
		n.node.data = grown
	} else {
		n.fs.release(cur - size)
		n.node.data = n.node.data[:size]
	}
	n.node.mtime.Store(time.Now().UnixNano())
	return nil
}

func (n *ramNode) FindDirent(_ *vfs.VNode, name string) (vfs.Dirent, error) {
	if n.node.typ != vfs.TypeDirectory {
		return vfs.Dirent{}, errno.ENOTDIR
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	ino, ok := n.node.entries[name]
	if !ok {
		return vfs.Dirent{}, errno.ENOENT
	}
	child := n.fs.lookupInode(ino)
	if child == nil {
		return vfs.Dirent{}, errno.ENOENT
	}
	return vfs.Dirent{Ino: ino, Type: child.typ, Name: name}, nil
}

func (n *ramNode) GetDirents(*vfs.VNode) ([]vfs.Dirent, error) {
	if n.node.typ != vfs.TypeDirectory {
		return nil, errno.ENOTDIR
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	names := make([]string, 0, len(n.node.entries))
	for name := range n.node.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	ents := make([]vfs.Dirent, 0, len(names))
	for i, name := range names {
		child := n.fs.lookupInode(n.node.entries[name])
		if child == nil {
			continue
		}
		ents = append(ents, vfs.Dirent{Ino: child.ino, Type: child.typ, Name: name, Off: uint64(i)})
	}
	return ents, nil
}

func (n *ramNode) Unlink(_ *vfs.VNode, name string, rmdir bool, unlinked *vfs.VNode) error {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	ino, ok := n.node.entries[name]
	if !ok {
		return errno.ENOENT
	}
	victim := n.fs.lookupInode(ino)
	if victim == nil {
		return errno.ENOENT
	}
	if rmdir {
		if victim.typ != vfs.TypeDirectory {
			return errno.ENOTDIR
		}
		if len(victim.entries) != 0 {
			return errno.ENOTEMPTY
		}
	} else if victim.typ == vfs.TypeDirectory {
		return errno.EISDIR
	}

	delete(n.node.entries, name)
	if rmdir {
		// The removed directory's ".." link.
		n.node.nlink--
		victim.nlink -= 2
	} else {
		victim.nlink--
	}
	if victim.nlink == 0 {
		if unlinked != nil {
			// An open handle keeps the content alive; reclaimed on the
			// handle's last close.
			victim.orphan = true
		} else {
			n.fs.freeInode(victim)
		}
	}
	return nil
}

func (n *ramNode) Link(_ *vfs.VNode, name string, target *vfs.VNode) error {
	tn, ok := target.Ops().(*ramNode)
	if !ok {
		return errno.EXDEV
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if _, exists := n.node.entries[name]; exists {
		return errno.EEXIST
	}
	n.node.entries[name] = tn.node.ino
	tn.node.nlink++
	return nil
}

func (n *ramNode) MakeFile(_ *vfs.VNode, name string, spec vfs.MakeFileSpec) (vfs.Dirent, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if _, exists := n.node.entries[name]; exists {
		return vfs.Dirent{}, errno.EEXIST
	}
	child := n.fs.newInode(spec.Type)
	switch spec.Type {
	case vfs.TypeDirectory:
		child.nlink = 2
		n.node.nlink++
	case vfs.TypeSymlink:
		child.data = []byte(spec.SymlinkTarget)
	case vfs.TypeCharDev, vfs.TypeBlockDev:
		child.rdev = spec.Rdev
	}
	n.node.entries[name] = child.ino
	return vfs.Dirent{Ino: child.ino, Type: child.typ, Name: name}, nil
}

func (n *ramNode) Rename(v *vfs.VNode, oldName, newName string) (vfs.Dirent, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	ino, ok := n.node.entries[oldName]
	if !ok {
		return vfs.Dirent{}, errno.ENOENT
	}
	if _, exists := n.node.entries[newName]; exists {
		return vfs.Dirent{}, errno.EEXIST
	}
	moved := n.fs.lookupInode(ino)
	if moved == nil {
		return vfs.Dirent{}, errno.ENOENT
	}
	delete(n.node.entries, oldName)
	n.node.entries[newName] = ino
	return vfs.Dirent{Ino: ino, Type: moved.typ, Name: newName}, nil
}

func (n *ramNode) Readlink(*vfs.VNode) (string, error) {
	if n.node.typ != vfs.TypeSymlink {
		return "", errno.EINVAL
	}
	return string(n.node.data), nil
}

func (n *ramNode) Stat(*vfs.VNode) (vfs.Stat, error) {
	node := n.node
	st := vfs.Stat{
		Ino:     node.ino,
		Mode:    node.typ.ModeBits() | 0o777,
		Nlink:   node.nlink,
		Rdev:    node.rdev,
		Size:    uint64(len(node.data)),
		Blksize: 1,
		Blocks:  (uint64(len(node.data)) + 511) / 512,
		Mtime:   time.Unix(0, node.mtime.Load()),
		Ctime:   time.Unix(0, node.ctime),
	}
	st.Atime = st.Mtime
	return st, nil
}

func (n *ramNode) Inode() uint64 { return n.node.ino }

func (n *ramNode) Size(*vfs.VNode) uint64 {
	return uint64(len(n.node.data))
}

func (n *ramNode) Sync(*vfs.VNode) error { return nil }

func (n *ramNode) Close(*vfs.VNode) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.node.orphan {
		n.fs.freeInode(n.node)
	}
}
