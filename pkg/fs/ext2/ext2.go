// Package ext2 implements the ext2 filesystem, revisions 0 and 1. Reads
// of unallocated file blocks return zeroes, writes allocate lazily, and
// structural corruption in a directory fails the operation with EIO so
// the filesystem degrades to read-only.
//
// Unsupported incompat features reject the mount; unsupported read-only
// compat features log a warning and disable writes.
package ext2

import (
	"sync"
	"sync/atomic"

	"github.com/badgeteam/badgevfs/internal/logger"
	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// Driver mounts ext2 instances.
type Driver struct{}

func init() {
	vfs.RegisterDriver("ext2", &Driver{})
}

// Detect probes the superblock magic.
func (*Driver) Detect(m *media.Media) (bool, error) {
	if m.Size() < superblockOff+1024 {
		return false, nil
	}
	v, err := m.ReadU16LE(superblockOff + 56)
	if err != nil {
		return false, err
	}
	return v == magic, nil
}

func (*Driver) Mount(m *media.Media, _ vfs.MountFlags, _ map[string]any) (vfs.FilesystemOps, error) {
	if m.Size() < superblockOff+1024 {
		return nil, errno.EINVAL
	}
	var raw [1024]byte
	if err := m.Read(superblockOff, raw[:]); err != nil {
		return nil, err
	}
	sb := decodeSuperblock(raw[:])
	if sb.magic != magic {
		return nil, errno.EIO
	}
	// Block sizes above 4 KiB would overflow dirent record lengths.
	if sb.logBlockSize > 2 || sb.blocksPerGroup == 0 || sb.inodesPerGroup == 0 {
		return nil, errno.EIO
	}
	if sb.inodeSize < inodeSize || sb.blockCount == 0 || sb.inodeCount == 0 {
		return nil, errno.EIO
	}

	if unsup := sb.featureIncompat &^ incompatSupported; unsup != 0 {
		logger.Error("ext2: unsupported incompat features 0x%x", unsup)
		return nil, errno.ENOTSUP
	}
	readonly := false
	if unsup := sb.featureROCompat &^ roCompatSupported; unsup != 0 {
		logger.Warn("ext2: unsupported ro-compat features 0x%x, mounting read-only", unsup)
		readonly = true
	}

	exp := uint8(10 + sb.logBlockSize)
	fs := &e2FS{
		media:        m,
		blockSizeExp: exp,
		groupCount:   (sb.blockCount - sb.firstDataBlock + sb.blocksPerGroup - 1) / sb.blocksPerGroup,
		bgdtOffset:   uint64(sb.firstDataBlock+1) << exp,
		sb:           sb,
		groups:       make(map[uint32]*e2Group),
	}
	fs.readonly.Store(readonly)
	logger.Debug("mounted ext2 rev %d: %d blocks of %d bytes in %d groups",
		sb.revLevel, sb.blockCount, uint32(1)<<exp, fs.groupCount)
	return fs, nil
}

type e2FS struct {
	media *media.Media

	// readonly latches on once set, either at mount time for unsupported
	// ro-compat features or when directory corruption is detected.
	readonly atomic.Bool

	blockSizeExp uint8
	groupCount   uint32
	bgdtOffset   uint64

	// sbMu guards the superblock counters and every bitmap allocation.
	sbMu sync.Mutex
	sb   *superblock

	// groupMu guards groups. Double-checked: shared probe first, then a
	// recheck under the exclusive lock before the descriptor is read
	// from media.
	groupMu sync.RWMutex
	groups  map[uint32]*e2Group
}

// e2Group is one cached block group descriptor.
type e2Group struct {
	index uint32
	desc  groupDesc
}

func (f *e2FS) blockSize() uint32 {
	return 1 << f.blockSizeExp
}

func (f *e2FS) getGroup(index uint32) (*e2Group, error) {
	if index >= f.groupCount {
		return nil, errno.EIO
	}
	f.groupMu.RLock()
	g := f.groups[index]
	f.groupMu.RUnlock()
	if g != nil {
		return g, nil
	}

	f.groupMu.Lock()
	defer f.groupMu.Unlock()
	if g := f.groups[index]; g != nil {
		return g, nil
	}
	var raw [groupDescSize]byte
	if err := f.media.Read(f.bgdtOffset+uint64(index)*groupDescSize, raw[:]); err != nil {
		return nil, err
	}
	g = &e2Group{index: index, desc: decodeGroupDesc(raw[:])}
	f.groups[index] = g
	return g, nil
}

// writeGroupDesc persists a descriptor's counters. Caller holds sbMu.
func (f *e2FS) writeGroupDesc(g *e2Group) error {
	return f.media.Write(f.bgdtOffset+uint64(g.index)*groupDescSize, g.desc.encode())
}

// writeSuperblock persists the superblock counters. Caller holds sbMu.
func (f *e2FS) writeSuperblock() error {
	return f.media.Write(superblockOff, f.sb.encode())
}

// inodeOffset returns the media byte offset of an inode structure.
func (f *e2FS) inodeOffset(ino uint32) (uint64, error) {
	if ino == 0 || ino > f.sb.inodeCount {
		return 0, errno.EIO
	}
	g, err := f.getGroup((ino - 1) / f.sb.inodesPerGroup)
	if err != nil {
		return 0, err
	}
	index := (ino - 1) % f.sb.inodesPerGroup
	return uint64(g.desc.inodeTable)<<f.blockSizeExp + uint64(index)*uint64(f.sb.inodeSize), nil
}

func (f *e2FS) readInode(ino uint32) (e2Inode, uint64, error) {
	off, err := f.inodeOffset(ino)
	if err != nil {
		return e2Inode{}, 0, err
	}
	var inode e2Inode
	if err := f.media.Read(off, inode.raw[:]); err != nil {
		return e2Inode{}, 0, err
	}
	return inode, off, nil
}

// bitmapAlloc claims the first zero bit below limit in the bitmap block
// at bitmapOff. Caller holds sbMu.
func (f *e2FS) bitmapAlloc(bitmapOff uint64, limit uint32) (uint32, bool, error) {
	buf := make([]byte, (limit+7)/8)
	if err := f.media.Read(bitmapOff, buf); err != nil {
		return 0, false, err
	}
	for i := range buf {
		if buf[i] == 0xff {
			continue
		}
		for bit := uint32(0); bit < 8; bit++ {
			idx := uint32(i)*8 + bit
			if idx >= limit {
				return 0, false, nil
			}
			if buf[i]&(1<<bit) == 0 {
				buf[i] |= 1 << bit
				if err := f.media.Write(bitmapOff+uint64(i), buf[i:i+1]); err != nil {
					return 0, false, err
				}
				return idx, true, nil
			}
		}
	}
	return 0, false, nil
}

// bitmapFree clears one bit. Caller holds sbMu.
func (f *e2FS) bitmapFree(bitmapOff uint64, idx uint32) error {
	var b [1]byte
	if err := f.media.Read(bitmapOff+uint64(idx/8), b[:]); err != nil {
		return err
	}
	b[0] &^= 1 << (idx % 8)
	return f.media.Write(bitmapOff+uint64(idx/8), b[:])
}

// allocBlock claims one zeroed block, preferring prefGroup.
func (f *e2FS) allocBlock(prefGroup uint32) (uint32, error) {
	f.sbMu.Lock()
	defer f.sbMu.Unlock()
	for k := uint32(0); k < f.groupCount; k++ {
		gi := (prefGroup + k) % f.groupCount
		g, err := f.getGroup(gi)
		if err != nil {
			return 0, err
		}
		if g.desc.freeBlockCount == 0 {
			continue
		}
		limit := f.sb.blocksPerGroup
		if rest := f.sb.blockCount - f.sb.firstDataBlock - gi*f.sb.blocksPerGroup; rest < limit {
			limit = rest
		}
		bit, ok, err := f.bitmapAlloc(uint64(g.desc.blockBitmap)<<f.blockSizeExp, limit)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		g.desc.freeBlockCount--
		if err := f.writeGroupDesc(g); err != nil {
			return 0, err
		}
		f.sb.freeBlockCount--
		if err := f.writeSuperblock(); err != nil {
			return 0, err
		}
		block := f.sb.firstDataBlock + gi*f.sb.blocksPerGroup + bit
		if err := f.media.WriteZeroes(uint64(block)<<f.blockSizeExp, uint64(f.blockSize())); err != nil {
			return 0, err
		}
		return block, nil
	}
	return 0, errno.ENOSPC
}

func (f *e2FS) freeBlock(block uint32) error {
	f.sbMu.Lock()
	defer f.sbMu.Unlock()
	if block < f.sb.firstDataBlock || block >= f.sb.blockCount {
		return errno.EIO
	}
	gi := (block - f.sb.firstDataBlock) / f.sb.blocksPerGroup
	bit := (block - f.sb.firstDataBlock) % f.sb.blocksPerGroup
	g, err := f.getGroup(gi)
	if err != nil {
		return err
	}
	if err := f.bitmapFree(uint64(g.desc.blockBitmap)<<f.blockSizeExp, bit); err != nil {
		return err
	}
	g.desc.freeBlockCount++
	if err := f.writeGroupDesc(g); err != nil {
		return err
	}
	f.sb.freeBlockCount++
	return f.writeSuperblock()
}

// allocInode claims one inode number, preferring prefGroup.
func (f *e2FS) allocInode(prefGroup uint32, isDir bool) (uint32, error) {
	f.sbMu.Lock()
	defer f.sbMu.Unlock()
	for k := uint32(0); k < f.groupCount; k++ {
		gi := (prefGroup + k) % f.groupCount
		g, err := f.getGroup(gi)
		if err != nil {
			return 0, err
		}
		if g.desc.freeInodeCount == 0 {
			continue
		}
		limit := f.sb.inodesPerGroup
		if rest := f.sb.inodeCount - gi*f.sb.inodesPerGroup; rest < limit {
			limit = rest
		}
		var ino uint32
		for ino == 0 {
			bit, ok, err := f.bitmapAlloc(uint64(g.desc.inodeBitmap)<<f.blockSizeExp, limit)
			if err != nil {
				return 0, err
			}
			if !ok {
				break
			}
			// Reserved inode slots below firstIno are never handed out;
			// the bit stays set, mkfs considers them allocated anyway.
			if got := gi*f.sb.inodesPerGroup + bit + 1; got >= f.sb.firstIno {
				ino = got
			}
		}
		if ino == 0 {
			continue
		}
		g.desc.freeInodeCount--
		if isDir {
			g.desc.usedDirsCount++
		}
		if err := f.writeGroupDesc(g); err != nil {
			return 0, err
		}
		f.sb.freeInodeCount--
		if err := f.writeSuperblock(); err != nil {
			return 0, err
		}
		return ino, nil
	}
	return 0, errno.ENOSPC
}

func (f *e2FS) freeInode(ino uint32, isDir bool) error {
	f.sbMu.Lock()
	defer f.sbMu.Unlock()
	if ino == 0 || ino > f.sb.inodeCount {
		return errno.EIO
	}
	gi := (ino - 1) / f.sb.inodesPerGroup
	bit := (ino - 1) % f.sb.inodesPerGroup
	g, err := f.getGroup(gi)
	if err != nil {
		return err
	}
	if err := f.bitmapFree(uint64(g.desc.inodeBitmap)<<f.blockSizeExp, bit); err != nil {
		return err
	}
	g.desc.freeInodeCount++
	if isDir && g.desc.usedDirsCount > 0 {
		g.desc.usedDirsCount--
	}
	if err := f.writeGroupDesc(g); err != nil {
		return err
	}
	f.sb.freeInodeCount++
	return f.writeSuperblock()
}

func (f *e2FS) openIno(ino uint32) (vfs.NodeOps, error) {
	inode, off, err := f.readInode(ino)
	if err != nil {
		return nil, err
	}
	typ := vfs.TypeFromMode(inode.mode())
	if typ == vfs.TypeUnknown {
		return nil, errno.EIO
	}
	size := uint64(inode.sizeLo())
	if f.sb.revLevel > 0 && typ == vfs.TypeRegular {
		size |= uint64(inode.dirACL()) << 32
	}
	return &e2Node{
		fs:       f,
		ino:      ino,
		typ:      typ,
		inodeOff: off,
		inode:    inode,
		size:     size,
	}, nil
}

// Media returns the backing media window.
func (f *e2FS) Media() *media.Media {
	return f.media
}

// UsesInodes reports true; ext2 inode numbers are real.
func (f *e2FS) UsesInodes() bool {
	return true
}

func (f *e2FS) OpenRoot(*vfs.Vfs) (vfs.NodeOps, error) {
	return f.openIno(rootIno)
}

func (f *e2FS) Open(_ *vfs.Vfs, dirent *vfs.Dirent) (vfs.NodeOps, error) {
	return f.openIno(uint32(dirent.Ino))
}

func (f *e2FS) Rename(_ *vfs.Vfs, srcDir *vfs.VNode, srcName string, dstDir *vfs.VNode, dstName string) (vfs.Dirent, error) {
	src, ok := srcDir.Ops().(*e2Node)
	if !ok {
		return vfs.Dirent{}, errno.EXDEV
	}
	dst, ok := dstDir.Ops().(*e2Node)
	if !ok {
		return vfs.Dirent{}, errno.EXDEV
	}
	return src.renameInto(srcName, dst, dstName)
}
