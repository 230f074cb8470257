package ext2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/badgeteam/badgevfs/internal/logger"
	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// fastSymlinkMax is the longest target stored inline in the block array.
const fastSymlinkMax = 60

// e2Node is one open inode. The on-disk image is cached and written back
// whenever a field changes.
type e2Node struct {
	fs       *e2FS
	ino      uint32
	typ      vfs.NodeType
	inodeOff uint64

	// inodeMu guards the cached inode image, size and orphan. Writes run
	// under a shared vnode lock, so block map mutations take the
	// exclusive side here.
	inodeMu sync.RWMutex
	inode   e2Inode
	size    uint64
	orphan  bool
}

func (n *e2Node) group() uint32 {
	return (n.ino - 1) / n.fs.sb.inodesPerGroup
}

// writeInode persists the cached inode image. Caller holds inodeMu.
func (n *e2Node) writeInode() error {
	return n.fs.media.Write(n.inodeOff, n.inode.raw[:])
}

// blockPath resolves a file block index to an inode block slot plus the
// pointer indices to follow through the indirect tree, one per level.
func blockPath(fileBlock, bpe uint32) (slot int, idx []uint32, err error) {
	mask := uint32(1)<<bpe - 1
	switch {
	case fileBlock < 12:
		return int(fileBlock), nil, nil
	case fileBlock-12 < 1<<bpe:
		return 12, []uint32{fileBlock - 12}, nil
	case fileBlock-12-1<<bpe < 1<<(2*bpe):
		r := fileBlock - 12 - 1<<bpe
		return 13, []uint32{r >> bpe, r & mask}, nil
	default:
		r := uint64(fileBlock) - 12 - 1<<bpe - 1<<(2*bpe)
		if r >= 1<<(3*bpe) {
			return 0, nil, errno.ENOSPC
		}
		fb := uint32(r)
		return 14, []uint32{fb >> (2 * bpe), fb >> bpe & mask, fb & mask}, nil
	}
}

// getBlockLocked maps a file block to its on-media block number. With
// alloc set, missing blocks along the path are allocated zeroed;
// otherwise an unallocated block maps to 0. Caller holds inodeMu, the
// exclusive side when alloc is set.
func (n *e2Node) getBlockLocked(fileBlock uint32, alloc bool) (uint32, error) {
	f := n.fs
	slot, idx, err := blockPath(fileBlock, uint32(f.blockSizeExp)-2)
	if err != nil {
		return 0, err
	}
	dirty := false
	flush := func() error {
		if !dirty {
			return nil
		}
		dirty = false
		return n.writeInode()
	}
	cur := n.inode.block(slot)
	if cur == 0 {
		if !alloc {
			return 0, nil
		}
		nb, err := f.allocBlock(n.group())
		if err != nil {
			return 0, err
		}
		n.inode.setBlock(slot, nb)
		n.inode.setSectors(n.inode.sectors() + f.blockSize()/512)
		dirty = true
		cur = nb
	}
	for _, ix := range idx {
		ptrOff := uint64(cur)<<f.blockSizeExp + uint64(ix)*4
		ptr, err := f.media.ReadU32LE(ptrOff)
		if err != nil {
			return 0, err
		}
		if ptr == 0 {
			if !alloc {
				if err := flush(); err != nil {
					return 0, err
				}
				return 0, nil
			}
			nb, err := f.allocBlock(n.group())
			if err != nil {
				return 0, err
			}
			if err := f.media.WriteU32LE(ptrOff, nb); err != nil {
				return 0, err
			}
			n.inode.setSectors(n.inode.sectors() + f.blockSize()/512)
			dirty = true
			ptr = nb
		}
		cur = ptr
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return cur, nil
}

// ioBlocks reads or writes file content through the block map. Reads of
// unallocated blocks return zeroes; writes allocate.
func (n *e2Node) ioBlocks(off uint64, p []byte, write bool) error {
	f := n.fs
	bs := uint64(f.blockSize())
	for len(p) > 0 {
		fb := uint32(off / bs)
		in := off % bs
		c := bs - in
		if uint64(len(p)) < c {
			c = uint64(len(p))
		}
		var blk uint32
		var err error
		if write {
			n.inodeMu.Lock()
			blk, err = n.getBlockLocked(fb, true)
			n.inodeMu.Unlock()
		} else {
			n.inodeMu.RLock()
			blk, err = n.getBlockLocked(fb, false)
			n.inodeMu.RUnlock()
		}
		if err != nil {
			return err
		}
		mediaOff := uint64(blk)<<f.blockSizeExp + in
		switch {
		case write:
			err = f.media.Write(mediaOff, p[:c])
		case blk == 0:
			clear(p[:c])
		default:
			err = f.media.Read(mediaOff, p[:c])
		}
		if err != nil {
			return err
		}
		p = p[c:]
		off += c
	}
	return nil
}

func (n *e2Node) writeU16At(off uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return n.ioBlocks(off, b[:], true)
}

func (n *e2Node) writeU32At(off uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return n.ioBlocks(off, b[:], true)
}

// punchBlockLocked frees the data block backing a file block index and
// clears its pointer. Empty indirect blocks stay allocated. Caller holds
// inodeMu exclusively.
func (n *e2Node) punchBlockLocked(fileBlock uint32) error {
	f := n.fs
	slot, idx, err := blockPath(fileBlock, uint32(f.blockSizeExp)-2)
	if err != nil {
		return nil
	}
	cur := n.inode.block(slot)
	if cur == 0 {
		return nil
	}
	var ptrOff uint64
	for _, ix := range idx {
		ptrOff = uint64(cur)<<f.blockSizeExp + uint64(ix)*4
		ptr, err := f.media.ReadU32LE(ptrOff)
		if err != nil {
			return err
		}
		if ptr == 0 {
			return nil
		}
		cur = ptr
	}
	if err := f.freeBlock(cur); err != nil {
		return err
	}
	if len(idx) == 0 {
		n.inode.setBlock(slot, 0)
	} else if err := f.media.WriteU32LE(ptrOff, 0); err != nil {
		return err
	}
	n.inode.setSectors(n.inode.sectors() - f.blockSize()/512)
	return n.writeInode()
}

// freeTree frees an indirect block and everything below it. depth 0 means
// block is a data block.
func (f *e2FS) freeTree(block uint32, depth int) error {
	if block == 0 {
		return nil
	}
	if depth > 0 {
		ptrs := f.blockSize() / 4
		base := uint64(block) << f.blockSizeExp
		for i := uint32(0); i < ptrs; i++ {
			ptr, err := f.media.ReadU32LE(base + uint64(i)*4)
			if err != nil {
				return err
			}
			if err := f.freeTree(ptr, depth-1); err != nil {
				return err
			}
		}
	}
	return f.freeBlock(block)
}

// hasInlineData reports whether the inode's block array holds something
// other than block pointers.
func (n *e2Node) hasInlineData() bool {
	switch n.typ {
	case vfs.TypeSymlink:
		return n.size <= fastSymlinkMax
	case vfs.TypeCharDev, vfs.TypeBlockDev, vfs.TypeFifo, vfs.TypeUnixSocket:
		return true
	default:
		return false
	}
}

// destroyLocked releases everything the inode owns and returns it to the
// allocator. Caller holds inodeMu exclusively.
func (n *e2Node) destroyLocked() error {
	f := n.fs
	if !n.hasInlineData() {
		for j := 0; j < 12; j++ {
			if b := n.inode.block(j); b != 0 {
				if err := f.freeBlock(b); err != nil {
					return err
				}
			}
		}
		for depth := 1; depth <= 3; depth++ {
			if err := f.freeTree(n.inode.block(11+depth), depth); err != nil {
				return err
			}
		}
	}
	n.inode.setLinks(0)
	n.inode.setDtime(uint32(time.Now().Unix()))
	if err := n.writeInode(); err != nil {
		return err
	}
	return f.freeInode(n.ino, n.typ == vfs.TypeDirectory)
}

// Directory entries are a linked list of records per block:
// u32 inode, u16 rec_len, u8 name_len, u8 file_type (name_len high byte
// without the filetype feature), then the name.

type dirEntry struct {
	ino  uint32
	ft   byte
	name string

	// off is the record's byte offset within the directory file
	off uint64
}

// errCorrupt marks structural directory corruption. It satisfies
// errors.Is against EIO so callers above trip their read-only latch too.
var errCorrupt = fmt.Errorf("corrupt directory: %w", errno.EIO)

// corrupt latches the filesystem read-only and reports the record that
// triggered it.
func (n *e2Node) corrupt(msg string) error {
	logger.Error("ext2: directory inode %d: %s, degrading to read-only", n.ino, msg)
	n.fs.readonly.Store(true)
	return errCorrupt
}

// scanDir walks every record, including free ones, one block at a time.
// The callback may patch the directory through the write helpers; the
// scan buffer is not refreshed, so callers stop after mutating.
func (n *e2Node) scanDir(fn func(blockOff uint64, buf []byte, pos int, ino uint32, recLen, nameLen int, ft byte) (bool, error)) error {
	f := n.fs
	bs := int(f.blockSize())
	filetype := f.sb.featureIncompat&incompatFiletype != 0
	buf := make([]byte, bs)
	for blockOff := uint64(0); blockOff < n.size; blockOff += uint64(bs) {
		if err := n.ioBlocks(blockOff, buf, false); err != nil {
			return err
		}
		pos := 0
		for pos < bs {
			if pos+8 > bs {
				return n.corrupt("truncated dirent header")
			}
			ino := binary.LittleEndian.Uint32(buf[pos:])
			recLen := int(binary.LittleEndian.Uint16(buf[pos+4:]))
			nameLen := int(buf[pos+6])
			ft := byte(ftUnknown)
			if filetype {
				ft = buf[pos+7]
			} else {
				nameLen |= int(buf[pos+7]) << 8
			}
			if recLen < 8 || recLen%4 != 0 || pos+recLen > bs || 8+nameLen > recLen {
				return n.corrupt("bad dirent record")
			}
			stop, err := fn(blockOff, buf, pos, ino, recLen, nameLen, ft)
			if err != nil || stop {
				return err
			}
			pos += recLen
		}
	}
	return nil
}

// iterDirents walks the live entries in order.
func (n *e2Node) iterDirents(fn func(e dirEntry) (bool, error)) error {
	return n.scanDir(func(blockOff uint64, buf []byte, pos int, ino uint32, recLen, nameLen int, ft byte) (bool, error) {
		if ino == 0 || nameLen == 0 {
			return false, nil
		}
		return fn(dirEntry{
			ino:  ino,
			ft:   ft,
			name: string(buf[pos+8 : pos+8+nameLen]),
			off:  blockOff + uint64(pos),
		})
	})
}

func (n *e2Node) findEntry(name string) (dirEntry, error) {
	var found dirEntry
	err := n.iterDirents(func(e dirEntry) (bool, error) {
		if e.name == name {
			found = e
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return dirEntry{}, err
	}
	if found.ino == 0 {
		return dirEntry{}, errno.ENOENT
	}
	return found, nil
}

// entryType resolves a dirent's node type, consulting the inode when the
// filetype feature is absent.
func (f *e2FS) entryType(ino uint32, ft byte) (vfs.NodeType, error) {
	switch ft {
	case ftRegular:
		return vfs.TypeRegular, nil
	case ftDir:
		return vfs.TypeDirectory, nil
	case ftCharDev:
		return vfs.TypeCharDev, nil
	case ftBlckDev:
		return vfs.TypeBlockDev, nil
	case ftFifo:
		return vfs.TypeFifo, nil
	case ftSocket:
		return vfs.TypeUnixSocket, nil
	case ftSymlink:
		return vfs.TypeSymlink, nil
	}
	off, err := f.inodeOffset(ino)
	if err != nil {
		return vfs.TypeUnknown, err
	}
	mode, err := f.media.ReadU16LE(off)
	if err != nil {
		return vfs.TypeUnknown, err
	}
	typ := vfs.TypeFromMode(mode)
	if typ == vfs.TypeUnknown {
		return vfs.TypeUnknown, errno.EIO
	}
	return typ, nil
}

// direntDiskOff maps an in-directory record offset to its media position.
func (n *e2Node) direntDiskOff(off uint64) (uint64, error) {
	f := n.fs
	bs := uint64(f.blockSize())
	n.inodeMu.RLock()
	blk, err := n.getBlockLocked(uint32(off/bs), false)
	n.inodeMu.RUnlock()
	if err != nil {
		return 0, err
	}
	if blk == 0 {
		return 0, n.corrupt("dirent in unallocated block")
	}
	return uint64(blk)<<f.blockSizeExp + off%bs, nil
}

func (n *e2Node) entryToDirent(e dirEntry) (vfs.Dirent, error) {
	typ, err := n.fs.entryType(e.ino, e.ft)
	if err != nil {
		return vfs.Dirent{}, err
	}
	diskOff, err := n.direntDiskOff(e.off)
	if err != nil {
		return vfs.Dirent{}, err
	}
	return vfs.Dirent{
		Ino:     uint64(e.ino),
		Type:    typ,
		Name:    e.name,
		DiskOff: diskOff,
		Off:     e.off,
	}, nil
}

// writeRecord stores a dirent record header and name; slack bytes inside
// recLen are left untouched.
func (n *e2Node) writeRecord(off uint64, ino uint32, recLen int, ft byte, name string) error {
	rec := make([]byte, 8+len(name))
	binary.LittleEndian.PutUint32(rec[0:], ino)
	binary.LittleEndian.PutUint16(rec[4:], uint16(recLen))
	rec[6] = byte(len(name))
	if n.fs.sb.featureIncompat&incompatFiletype != 0 {
		rec[7] = ft
	} else {
		rec[7] = 0
	}
	copy(rec[8:], name)
	return n.ioBlocks(off, rec, true)
}

// addDirent inserts an entry, reusing a free record, splitting slack off a
// live one, or growing the directory by a block. Returns the record's
// in-directory offset.
func (n *e2Node) addDirent(ino uint32, ft byte, name string) (uint64, error) {
	f := n.fs
	bs := int(f.blockSize())
	needed := 8 + (len(name)+3)&^3

	var at uint64
	placed := false
	err := n.scanDir(func(blockOff uint64, _ []byte, pos int, recIno uint32, recLen, nameLen int, _ byte) (bool, error) {
		recOff := blockOff + uint64(pos)
		if recIno == 0 && recLen >= needed {
			if err := n.writeRecord(recOff, ino, recLen, ft, name); err != nil {
				return false, err
			}
			at, placed = recOff, true
			return true, nil
		}
		used := 8 + (nameLen+3)&^3
		if recIno != 0 && recLen-used >= needed {
			if err := n.writeU16At(recOff+4, uint16(used)); err != nil {
				return false, err
			}
			newOff := recOff + uint64(used)
			if err := n.writeRecord(newOff, ino, recLen-used, ft, name); err != nil {
				return false, err
			}
			at, placed = newOff, true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	if placed {
		return at, nil
	}

	// No room anywhere; append a block holding a single spanning record.
	at = n.size
	n.inodeMu.Lock()
	n.size += uint64(bs)
	n.inode.setSizeLo(uint32(n.size))
	err = n.writeInode()
	n.inodeMu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := n.writeRecord(at, ino, bs, ft, name); err != nil {
		return 0, err
	}
	return at, nil
}

// removeDirent unlinks an entry, merging it into its in-block predecessor
// or marking it free when it leads a block.
func (n *e2Node) removeDirent(name string) error {
	found := false
	err := n.scanDir(func(blockOff uint64, buf []byte, pos int, ino uint32, recLen, nameLen int, _ byte) (bool, error) {
		if ino == 0 || string(buf[pos+8:pos+8+nameLen]) != name {
			return false, nil
		}
		found = true
		// prevPos is the predecessor within this block, tracked below.
		if pos == 0 {
			return true, n.writeU32At(blockOff+uint64(pos), 0)
		}
		prevPos, prevLen := 0, 0
		for p := 0; p < pos; {
			l := int(binary.LittleEndian.Uint16(buf[p+4:]))
			prevPos, prevLen = p, l
			p += l
		}
		return true, n.writeU16At(blockOff+uint64(prevPos)+4, uint16(prevLen+recLen))
	})
	if err != nil {
		return err
	}
	if !found {
		return errno.ENOENT
	}
	return nil
}

func (n *e2Node) Read(_ *vfs.VNode, off uint64, p []byte) error {
	return n.ioBlocks(off, p, false)
}

func (n *e2Node) Write(_ *vfs.VNode, off uint64, p []byte) error {
	if n.fs.readonly.Load() {
		return errno.EROFS
	}
	return n.ioBlocks(off, p, true)
}

func (n *e2Node) Resize(_ *vfs.VNode, size uint64) error {
	f := n.fs
	if f.readonly.Load() {
		return errno.EROFS
	}
	if size > 0xffffffff && (f.sb.revLevel == 0 || n.typ != vfs.TypeRegular) {
		return errno.ENOSPC
	}
	bs := uint64(f.blockSize())
	n.inodeMu.Lock()
	defer n.inodeMu.Unlock()
	if size < n.size {
		firstFree := uint32((size + bs - 1) / bs)
		lastOld := uint32((n.size + bs - 1) / bs)
		for fb := firstFree; fb < lastOld; fb++ {
			if err := n.punchBlockLocked(fb); err != nil {
				return err
			}
		}
		// The tail of the last kept block would otherwise reappear on a
		// later grow.
		if size%bs != 0 {
			blk, err := n.getBlockLocked(uint32(size/bs), false)
			if err != nil {
				return err
			}
			if blk != 0 {
				off := uint64(blk)<<f.blockSizeExp + size%bs
				if err := f.media.WriteZeroes(off, bs-size%bs); err != nil {
					return err
				}
			}
		}
	}
	// Growth is lazy; unallocated blocks already read as zeroes.
	n.size = size
	n.inode.setSizeLo(uint32(size))
	if f.sb.revLevel > 0 && n.typ == vfs.TypeRegular {
		n.inode.setDirACL(uint32(size >> 32))
	}
	n.inode.setMtime(uint32(time.Now().Unix()))
	return n.writeInode()
}

func (n *e2Node) FindDirent(_ *vfs.VNode, name string) (vfs.Dirent, error) {
	e, err := n.findEntry(name)
	if err != nil {
		return vfs.Dirent{}, err
	}
	return n.entryToDirent(e)
}

func (n *e2Node) GetDirents(*vfs.VNode) ([]vfs.Dirent, error) {
	var out []vfs.Dirent
	err := n.iterDirents(func(e dirEntry) (bool, error) {
		if e.name == "." || e.name == ".." {
			return false, nil
		}
		d, err := n.entryToDirent(e)
		if err != nil {
			return false, err
		}
		out = append(out, d)
		return false, nil
	})
	if errors.Is(err, errCorrupt) {
		// The filesystem is read-only now; the entries parsed before the
		// bad record are still good.
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *e2Node) Unlink(_ *vfs.VNode, name string, rmdir bool, unlinked *vfs.VNode) error {
	f := n.fs
	if f.readonly.Load() {
		return errno.EROFS
	}
	e, err := n.findEntry(name)
	if err != nil {
		return err
	}
	typ, err := f.entryType(e.ino, e.ft)
	if err != nil {
		return err
	}
	if rmdir && typ != vfs.TypeDirectory {
		return errno.ENOTDIR
	}
	if !rmdir && typ == vfs.TypeDirectory {
		return errno.EISDIR
	}
	if rmdir {
		ops, err := f.openIno(e.ino)
		if err != nil {
			return err
		}
		victim := ops.(*e2Node)
		empty := true
		err = victim.iterDirents(func(de dirEntry) (bool, error) {
			if de.name != "." && de.name != ".." {
				empty = false
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return err
		}
		if !empty {
			return errno.ENOTEMPTY
		}
	}
	if err := n.removeDirent(name); err != nil {
		return err
	}

	if unlinked != nil {
		victim := unlinked.Ops().(*e2Node)
		victim.inodeMu.Lock()
		if rmdir {
			// The open handle keeps reading freed blocks; matches the
			// immediate-release policy for removed directories.
			err = victim.destroyLocked()
		} else if links := victim.inode.links(); links <= 1 {
			victim.inode.setLinks(0)
			victim.orphan = true
			err = victim.writeInode()
		} else {
			victim.inode.setLinks(links - 1)
			victim.inode.setCtime(uint32(time.Now().Unix()))
			err = victim.writeInode()
		}
		victim.inodeMu.Unlock()
		if err != nil {
			return err
		}
	} else {
		inode, off, err := f.readInode(e.ino)
		if err != nil {
			return err
		}
		tmp := &e2Node{fs: f, ino: e.ino, typ: typ, inodeOff: off, inode: inode}
		tmp.size = uint64(inode.sizeLo())
		if f.sb.revLevel > 0 && typ == vfs.TypeRegular {
			tmp.size |= uint64(inode.dirACL()) << 32
		}
		if links := tmp.inode.links(); rmdir || links <= 1 {
			if err := tmp.destroyLocked(); err != nil {
				return err
			}
		} else {
			tmp.inode.setLinks(links - 1)
			tmp.inode.setCtime(uint32(time.Now().Unix()))
			if err := tmp.writeInode(); err != nil {
				return err
			}
		}
	}

	if rmdir {
		// The removed directory's ".." no longer counts against us.
		n.inodeMu.Lock()
		defer n.inodeMu.Unlock()
		n.inode.setLinks(n.inode.links() - 1)
		return n.writeInode()
	}
	return nil
}

func (n *e2Node) Link(_ *vfs.VNode, name string, target *vfs.VNode) error {
	f := n.fs
	if f.readonly.Load() {
		return errno.EROFS
	}
	t, ok := target.Ops().(*e2Node)
	if !ok {
		return errno.EXDEV
	}
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := n.findEntry(name); err == nil {
		return errno.EEXIST
	} else if !errors.Is(err, errno.ENOENT) {
		return err
	}
	t.inodeMu.Lock()
	defer t.inodeMu.Unlock()
	if _, err := n.addDirent(t.ino, fileTypeByte(t.inode.mode()), name); err != nil {
		return err
	}
	t.inode.setLinks(t.inode.links() + 1)
	t.inode.setCtime(uint32(time.Now().Unix()))
	return t.writeInode()
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return errno.EINVAL
	}
	if len(name) > vfs.NameMax {
		return errno.ENAMETOOLONG
	}
	return nil
}

func (n *e2Node) MakeFile(_ *vfs.VNode, name string, spec vfs.MakeFileSpec) (vfs.Dirent, error) {
	f := n.fs
	if f.readonly.Load() {
		return vfs.Dirent{}, errno.EROFS
	}
	if err := checkName(name); err != nil {
		return vfs.Dirent{}, err
	}
	if _, err := n.findEntry(name); err == nil {
		return vfs.Dirent{}, errno.EEXIST
	} else if !errors.Is(err, errno.ENOENT) {
		return vfs.Dirent{}, err
	}

	mode := spec.Type.ModeBits()
	switch spec.Type {
	case vfs.TypeDirectory:
		mode |= 0o755
	case vfs.TypeSymlink:
		mode |= 0o777
	default:
		mode |= 0o644
	}

	ino, err := f.allocInode(n.group(), spec.Type == vfs.TypeDirectory)
	if err != nil {
		return vfs.Dirent{}, err
	}
	inodeOff, err := f.inodeOffset(ino)
	if err != nil {
		return vfs.Dirent{}, err
	}

	var inode e2Inode
	now := uint32(time.Now().Unix())
	inode.setMode(mode)
	inode.setLinks(1)
	inode.setAtime(now)
	inode.setCtime(now)
	inode.setMtime(now)

	target := spec.SymlinkTarget
	switch spec.Type {
	case vfs.TypeSymlink:
		if target == "" || len(target) >= vfs.PathMax {
			return vfs.Dirent{}, errno.EINVAL
		}
		inode.setSizeLo(uint32(len(target)))
		if len(target) <= fastSymlinkMax {
			copy(inode.raw[40:], target)
		}
	case vfs.TypeCharDev, vfs.TypeBlockDev:
		inode.setBlock(0, uint32(spec.Rdev))
	case vfs.TypeDirectory:
		inode.setLinks(2)
	}
	if err := f.media.Write(inodeOff, inode.raw[:]); err != nil {
		return vfs.Dirent{}, err
	}

	node := &e2Node{fs: f, ino: ino, typ: spec.Type, inodeOff: inodeOff, inode: inode}
	switch {
	case spec.Type == vfs.TypeDirectory:
		if err := node.initDirBlock(n.ino); err != nil {
			return vfs.Dirent{}, err
		}
		n.inodeMu.Lock()
		n.inode.setLinks(n.inode.links() + 1)
		err = n.writeInode()
		n.inodeMu.Unlock()
		if err != nil {
			return vfs.Dirent{}, err
		}
	case spec.Type == vfs.TypeSymlink && len(target) > fastSymlinkMax:
		node.size = uint64(len(target))
		if err := node.ioBlocks(0, []byte(target), true); err != nil {
			return vfs.Dirent{}, err
		}
	}

	off, err := n.addDirent(ino, fileTypeByte(mode), name)
	if err != nil {
		node.inodeMu.Lock()
		if derr := node.destroyLocked(); derr != nil {
			logger.Error("ext2: releasing inode %d after failed create: %v", ino, derr)
		}
		node.inodeMu.Unlock()
		if spec.Type == vfs.TypeDirectory {
			n.inodeMu.Lock()
			n.inode.setLinks(n.inode.links() - 1)
			if derr := n.writeInode(); derr != nil {
				logger.Error("ext2: restoring link count of inode %d: %v", n.ino, derr)
			}
			n.inodeMu.Unlock()
		}
		return vfs.Dirent{}, err
	}
	diskOff, err := n.direntDiskOff(off)
	if err != nil {
		return vfs.Dirent{}, err
	}
	return vfs.Dirent{
		Ino:     uint64(ino),
		Type:    spec.Type,
		Name:    name,
		DiskOff: diskOff,
		Off:     off,
	}, nil
}

// initDirBlock writes the first block of a fresh directory: "." pointing
// at itself and a ".." record spanning the rest of the block.
func (n *e2Node) initDirBlock(parentIno uint32) error {
	f := n.fs
	bs := int(f.blockSize())
	n.inodeMu.Lock()
	n.size = uint64(bs)
	n.inode.setSizeLo(uint32(bs))
	err := n.writeInode()
	n.inodeMu.Unlock()
	if err != nil {
		return err
	}
	if err := n.writeRecord(0, n.ino, 12, ftDir, "."); err != nil {
		return err
	}
	return n.writeRecord(12, parentIno, bs-12, ftDir, "..")
}

func (n *e2Node) Rename(_ *vfs.VNode, oldName, newName string) (vfs.Dirent, error) {
	return n.renameInto(oldName, n, newName)
}

func (n *e2Node) renameInto(oldName string, dst *e2Node, newName string) (vfs.Dirent, error) {
	f := n.fs
	if f.readonly.Load() {
		return vfs.Dirent{}, errno.EROFS
	}
	if err := checkName(newName); err != nil {
		return vfs.Dirent{}, err
	}
	e, err := n.findEntry(oldName)
	if err != nil {
		return vfs.Dirent{}, err
	}
	if _, err := dst.findEntry(newName); err == nil {
		return vfs.Dirent{}, errno.EEXIST
	} else if !errors.Is(err, errno.ENOENT) {
		return vfs.Dirent{}, err
	}
	typ, err := f.entryType(e.ino, e.ft)
	if err != nil {
		return vfs.Dirent{}, err
	}

	newOff, err := dst.addDirent(e.ino, e.ft, newName)
	if err != nil {
		return vfs.Dirent{}, err
	}
	if err := n.removeDirent(oldName); err != nil {
		return vfs.Dirent{}, err
	}

	if typ == vfs.TypeDirectory && n != dst {
		if err := f.repointDotDot(e.ino, dst.ino); err != nil {
			return vfs.Dirent{}, err
		}
		n.inodeMu.Lock()
		n.inode.setLinks(n.inode.links() - 1)
		err = n.writeInode()
		n.inodeMu.Unlock()
		if err != nil {
			return vfs.Dirent{}, err
		}
		dst.inodeMu.Lock()
		dst.inode.setLinks(dst.inode.links() + 1)
		err = dst.writeInode()
		dst.inodeMu.Unlock()
		if err != nil {
			return vfs.Dirent{}, err
		}
	}

	diskOff, err := dst.direntDiskOff(newOff)
	if err != nil {
		return vfs.Dirent{}, err
	}
	return vfs.Dirent{
		Ino:     uint64(e.ino),
		Type:    typ,
		Name:    newName,
		DiskOff: diskOff,
		Off:     newOff,
	}, nil
}

// repointDotDot rewrites a moved directory's ".." record to its new
// parent.
func (f *e2FS) repointDotDot(dirIno, parentIno uint32) error {
	ops, err := f.openIno(dirIno)
	if err != nil {
		return err
	}
	moved := ops.(*e2Node)
	found := false
	err = moved.scanDir(func(blockOff uint64, buf []byte, pos int, ino uint32, _, nameLen int, _ byte) (bool, error) {
		if ino == 0 || string(buf[pos+8:pos+8+nameLen]) != ".." {
			return false, nil
		}
		found = true
		return true, moved.writeU32At(blockOff+uint64(pos), parentIno)
	})
	if err != nil {
		return err
	}
	if !found {
		return moved.corrupt("missing .. entry")
	}
	return nil
}

func (n *e2Node) Readlink(*vfs.VNode) (string, error) {
	if n.typ != vfs.TypeSymlink {
		return "", errno.EINVAL
	}
	n.inodeMu.RLock()
	size := n.size
	if size <= fastSymlinkMax {
		target := string(n.inode.raw[40 : 40+size])
		n.inodeMu.RUnlock()
		return target, nil
	}
	n.inodeMu.RUnlock()
	if size >= vfs.PathMax {
		return "", errno.ENAMETOOLONG
	}
	buf := make([]byte, size)
	if err := n.ioBlocks(0, buf, false); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (n *e2Node) Stat(*vfs.VNode) (vfs.Stat, error) {
	n.inodeMu.RLock()
	defer n.inodeMu.RUnlock()
	st := vfs.Stat{
		Ino:     uint64(n.ino),
		Mode:    n.inode.mode(),
		Nlink:   n.inode.links(),
		UID:     n.inode.uid(),
		GID:     n.inode.gid(),
		Size:    n.size,
		Blksize: uint64(n.fs.blockSize()),
		Blocks:  uint64(n.inode.sectors()),
		Atime:   time.Unix(int64(n.inode.atime()), 0),
		Mtime:   time.Unix(int64(n.inode.mtime()), 0),
		Ctime:   time.Unix(int64(n.inode.ctime()), 0),
	}
	if n.typ == vfs.TypeCharDev || n.typ == vfs.TypeBlockDev {
		st.Rdev = uint64(n.inode.block(0))
	}
	return st, nil
}

func (n *e2Node) Inode() uint64 {
	return uint64(n.ino)
}

func (n *e2Node) Size(*vfs.VNode) uint64 {
	n.inodeMu.RLock()
	defer n.inodeMu.RUnlock()
	return n.size
}

// Sync is a no-op; every update is written through.
func (n *e2Node) Sync(*vfs.VNode) error {
	return nil
}

func (n *e2Node) Close(*vfs.VNode) {
	n.inodeMu.Lock()
	defer n.inodeMu.Unlock()
	if n.orphan {
		n.orphan = false
		if err := n.destroyLocked(); err != nil {
			logger.Error("ext2: releasing orphan inode %d: %v", n.ino, err)
		}
	}
}
