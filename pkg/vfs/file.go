package vfs

import (
	"sync/atomic"

	"github.com/badgeteam/badgevfs/pkg/errno"
)

// VfsFile is the File implementation for regular files (and directory
// handles). Multiple handles may share one vnode; the handle only carries
// the position and access mode.
type VfsFile struct {
	// vnode is the backing vnode; the handle holds one reference.
	vnode *VNode

	// offset is the current file position, updated with CAS so
	// concurrent users of one handle get disjoint ranges.
	offset atomic.Uint64

	// isAppend makes every write go to the end of the file.
	isAppend bool

	allowRead  bool
	allowWrite bool

	closed atomic.Bool
}

// appendWrite implements append-mode writes: resize to make room under the
// exclusive lock, then write into the freshly grown tail.
func (f *VfsFile) appendWrite(p []byte) (int, error) {
	v := f.vnode
	v.mu.Lock()
	defer v.mu.Unlock()
	oldSize := v.ops.Size(v)
	newSize := oldSize + uint64(len(p))
	if newSize < oldSize {
		return 0, errno.ENOSPC
	}
	if err := v.ops.Resize(v, newSize); err != nil {
		return 0, v.FS.checkEIO(err)
	}
	f.offset.Store(newSize)
	if err := v.ops.Write(v, oldSize, p); err != nil {
		return 0, v.FS.checkEIO(err)
	}
	return len(p), nil
}

// regularWrite implements non-append writes. The fast path runs under the
// shared lock with a CAS loop on the offset; only growing the file takes
// the exclusive lock, and the size is re-validated after the upgrade
// because another writer may have resized in between.
func (f *VfsFile) regularWrite(p []byte) (int, error) {
	v := f.vnode
	v.mu.RLock()
	offset := f.offset.Load()
	size := v.ops.Size(v)

	for {
		newOff := offset + uint64(len(p))
		if newOff < offset {
			v.mu.RUnlock()
			return 0, errno.ENOSPC
		}

		if newOff > size {
			// The file must be resized.
			v.mu.RUnlock()
			v.mu.Lock()
			if v.ops.Size(v) == size {
				if err := v.ops.Resize(v, newOff); err != nil {
					v.mu.Unlock()
					return 0, v.FS.checkEIO(err)
				}
				size = newOff
			} else {
				size = v.ops.Size(v)
			}
			v.mu.Unlock()
			v.mu.RLock()
		} else if !f.offset.CompareAndSwap(offset, newOff) {
			// Lost the offset race; reload and try again.
			offset = f.offset.Load()
		} else {
			err := v.ops.Write(v, offset, p)
			v.mu.RUnlock()
			if err != nil {
				return 0, v.FS.checkEIO(err)
			}
			return len(p), nil
		}
	}
}

func (f *VfsFile) Write(p []byte) (int, error) {
	if !f.allowWrite {
		return 0, errno.EBADF
	}
	if f.isAppend {
		return f.appendWrite(p)
	}
	return f.regularWrite(p)
}

func (f *VfsFile) Read(p []byte) (int, error) {
	if !f.allowRead {
		return 0, errno.EBADF
	}
	v := f.vnode
	v.mu.RLock()
	defer v.mu.RUnlock()
	size := v.ops.Size(v)

	// Claim [offset, offset+n) with a CAS so concurrent readers of one
	// handle read disjoint ranges.
	offset := f.offset.Load()
	n := clampLen(len(p), size, offset)
	for !f.offset.CompareAndSwap(offset, offset+uint64(n)) {
		offset = f.offset.Load()
		n = clampLen(len(p), size, offset)
	}

	if err := v.ops.Read(v, offset, p[:n]); err != nil {
		return 0, v.FS.checkEIO(err)
	}
	return n, nil
}

func clampLen(want int, size, offset uint64) int {
	if offset >= size {
		return 0
	}
	if avail := size - offset; avail < uint64(want) {
		return int(avail)
	}
	return want
}

func (f *VfsFile) Seek(whence SeekMode, offset int64) (uint64, error) {
	v := f.vnode
	v.mu.RLock()
	defer v.mu.RUnlock()
	size := v.ops.Size(v)

	oldOff := f.offset.Load()
	newOff := seekTarget(whence, offset, oldOff, size)
	for !f.offset.CompareAndSwap(oldOff, newOff) {
		oldOff = f.offset.Load()
		newOff = seekTarget(whence, offset, oldOff, size)
	}
	return newOff, nil
}

// seekTarget computes the new position, clamped to [0, size].
func seekTarget(whence SeekMode, offset int64, cur, size uint64) uint64 {
	var target int64
	switch whence {
	case SeekCur:
		target = offset + int64(cur)
	case SeekEnd:
		target = offset + int64(size)
	default:
		target = offset
	}
	if target < 0 {
		return 0
	}
	if uint64(target) > size {
		return size
	}
	return uint64(target)
}

func (f *VfsFile) Tell() (uint64, error) {
	return f.offset.Load(), nil
}

func (f *VfsFile) Stat() (Stat, error) {
	return statVNode(f.vnode)
}

func (f *VfsFile) Resize(size uint64) error {
	if !f.allowWrite {
		return errno.EBADF
	}
	v := f.vnode
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ops.Resize(v, size); err != nil {
		return v.FS.checkEIO(err)
	}
	// Clamp the position into the shrunk file.
	for {
		off := f.offset.Load()
		if off <= size || f.offset.CompareAndSwap(off, size) {
			return nil
		}
	}
}

func (f *VfsFile) Sync() error {
	v := f.vnode
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.FS.checkEIO(v.ops.Sync(v))
}

func (f *VfsFile) ReadDir() ([]Dirent, error) {
	return readDirVNode(f.vnode)
}

func (f *VfsFile) VNode() *VNode {
	return f.vnode
}

func (f *VfsFile) Close() error {
	if f.closed.Swap(true) {
		return errno.EBADF
	}
	f.vnode.DecRef()
	return nil
}

// statVNode is the shared Stat implementation for vnode-backed files.
func statVNode(v *VNode) (Stat, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st, err := v.ops.Stat(v)
	if err != nil {
		return Stat{}, v.FS.checkEIO(err)
	}
	st.Ino = v.Ino
	return st, nil
}

// readDirVNode is the shared ReadDir implementation for vnode-backed
// files. Directories removed from the filesystem list as empty.
func readDirVNode(v *VNode) ([]Dirent, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.removed {
		return nil, nil
	}
	ents, err := v.ops.GetDirents(v)
	if err != nil {
		return nil, v.FS.checkEIO(err)
	}
	return ents, nil
}
