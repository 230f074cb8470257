package vfs

import (
	"sync/atomic"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
)

// CharDevFile adapts a character device to the File interface. Character
// devices are streams, so seeking is rejected and the offset never moves.
type CharDevFile struct {
	vnode *VNode
	dev   CharDevice

	allowRead  bool
	allowWrite bool
	closed     atomic.Bool
}

func (f *CharDevFile) Stat() (Stat, error) {
	return statVNode(f.vnode)
}

func (f *CharDevFile) Tell() (uint64, error) {
	return 0, errno.ESPIPE
}

func (f *CharDevFile) Seek(SeekMode, int64) (uint64, error) {
	return 0, errno.ESPIPE
}

func (f *CharDevFile) Write(p []byte) (int, error) {
	if !f.allowWrite {
		return 0, errno.EBADF
	}
	return f.dev.Write(p)
}

func (f *CharDevFile) Read(p []byte) (int, error) {
	if !f.allowRead {
		return 0, errno.EBADF
	}
	return f.dev.Read(p)
}

func (f *CharDevFile) Resize(uint64) error {
	return errno.ESPIPE
}

func (f *CharDevFile) Sync() error {
	return nil
}

func (f *CharDevFile) ReadDir() ([]Dirent, error) {
	return nil, errno.ENOTDIR
}

func (f *CharDevFile) VNode() *VNode {
	return f.vnode
}

func (f *CharDevFile) Close() error {
	if f.closed.Swap(true) {
		return errno.EBADF
	}
	f.vnode.DecRef()
	return nil
}

// BlockDevFile exposes a block device as a seekable file over its media.
// Reads and writes are offset-sized like a regular file but the size is
// fixed to the device capacity.
type BlockDevFile struct {
	vnode *VNode
	media *media.Media

	offset     atomic.Uint64
	allowRead  bool
	allowWrite bool
	closed     atomic.Bool
}

func (f *BlockDevFile) Stat() (Stat, error) {
	return statVNode(f.vnode)
}

func (f *BlockDevFile) Tell() (uint64, error) {
	return f.offset.Load(), nil
}

func (f *BlockDevFile) Seek(mode SeekMode, off int64) (uint64, error) {
	size := f.media.Size()
	for {
		cur := f.offset.Load()
		next := seekTarget(mode, off, cur, size)
		if f.offset.CompareAndSwap(cur, next) {
			return next, nil
		}
	}
}

func (f *BlockDevFile) Write(p []byte) (int, error) {
	if !f.allowWrite {
		return 0, errno.EBADF
	}
	size := f.media.Size()
	var off uint64
	var n int
	for {
		off = f.offset.Load()
		n = clampLen(len(p), size, off)
		if n == 0 {
			return 0, errno.ENOSPC
		}
		if f.offset.CompareAndSwap(off, off+uint64(n)) {
			break
		}
	}
	if err := f.media.Write(off, p[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (f *BlockDevFile) Read(p []byte) (int, error) {
	if !f.allowRead {
		return 0, errno.EBADF
	}
	size := f.media.Size()
	var off uint64
	var n int
	for {
		off = f.offset.Load()
		n = clampLen(len(p), size, off)
		if n == 0 {
			return 0, nil
		}
		if f.offset.CompareAndSwap(off, off+uint64(n)) {
			break
		}
	}
	if err := f.media.Read(off, p[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (f *BlockDevFile) Resize(uint64) error {
	return errno.ENOTSUP
}

func (f *BlockDevFile) Sync() error {
	return f.media.Sync()
}

func (f *BlockDevFile) ReadDir() ([]Dirent, error) {
	return nil, errno.ENOTDIR
}

func (f *BlockDevFile) VNode() *VNode {
	return f.vnode
}

func (f *BlockDevFile) Close() error {
	if f.closed.Swap(true) {
		return errno.EBADF
	}
	f.vnode.DecRef()
	return nil
}
