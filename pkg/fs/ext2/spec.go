package ext2

import "encoding/binary"

const (
	// superblockOff is the fixed byte offset of the superblock.
	superblockOff = 1024

	magic = 0xef53

	rootIno = 2

	inodeSizeRev0 = 128
	firstInoRev0  = 11
)

// Incompat feature bits. Anything outside incompatSupported rejects the
// mount.
const (
	incompatCompression = 0x0001
	incompatFiletype    = 0x0002
	incompatRecover     = 0x0004
	incompatJournalDev  = 0x0008
	incompatMetaBG      = 0x0010

	incompatSupported = incompatFiletype
)

// Read-only compat feature bits. Anything outside roCompatSupported
// degrades the mount to read-only.
const (
	roCompatSparseSuper = 0x0001
	roCompatLargeFile   = 0x0002
	roCompatBtreeDir    = 0x0004

	roCompatSupported = roCompatSparseSuper | roCompatLargeFile
)

// Dirent file type bytes, present when the filetype feature is on.
const (
	ftUnknown = 0
	ftRegular = 1
	ftDir     = 2
	ftCharDev = 3
	ftBlckDev = 4
	ftFifo    = 5
	ftSocket  = 6
	ftSymlink = 7
)

// superblock caches the fields the driver needs. The raw image is kept so
// count updates patch bytes in place and everything else survives intact.
type superblock struct {
	inodeCount     uint32
	blockCount     uint32
	freeBlockCount uint32
	freeInodeCount uint32
	firstDataBlock uint32
	logBlockSize   uint32
	blocksPerGroup uint32
	inodesPerGroup uint32
	magic          uint16
	state          uint16
	revLevel       uint32
	firstIno       uint32
	inodeSize      uint16
	featureCompat   uint32
	featureIncompat uint32
	featureROCompat uint32

	raw [1024]byte
}

func decodeSuperblock(b []byte) *superblock {
	sb := &superblock{}
	copy(sb.raw[:], b)
	le := binary.LittleEndian
	sb.inodeCount = le.Uint32(b[0:])
	sb.blockCount = le.Uint32(b[4:])
	sb.freeBlockCount = le.Uint32(b[12:])
	sb.freeInodeCount = le.Uint32(b[16:])
	sb.firstDataBlock = le.Uint32(b[20:])
	sb.logBlockSize = le.Uint32(b[24:])
	sb.blocksPerGroup = le.Uint32(b[32:])
	sb.inodesPerGroup = le.Uint32(b[40:])
	sb.magic = le.Uint16(b[56:])
	sb.state = le.Uint16(b[58:])
	sb.revLevel = le.Uint32(b[76:])
	sb.firstIno = le.Uint32(b[84:])
	sb.inodeSize = le.Uint16(b[88:])
	sb.featureCompat = le.Uint32(b[92:])
	sb.featureIncompat = le.Uint32(b[96:])
	sb.featureROCompat = le.Uint32(b[100:])
	if sb.revLevel == 0 {
		sb.firstIno = firstInoRev0
		sb.inodeSize = inodeSizeRev0
	}
	return sb
}

// encode patches the mutable counters into the raw image.
func (sb *superblock) encode() []byte {
	le := binary.LittleEndian
	le.PutUint32(sb.raw[12:], sb.freeBlockCount)
	le.PutUint32(sb.raw[16:], sb.freeInodeCount)
	le.PutUint16(sb.raw[58:], sb.state)
	return sb.raw[:]
}

const groupDescSize = 32

// groupDesc is one block group descriptor.
type groupDesc struct {
	blockBitmap    uint32
	inodeBitmap    uint32
	inodeTable     uint32
	freeBlockCount uint16
	freeInodeCount uint16
	usedDirsCount  uint16

	raw [groupDescSize]byte
}

func decodeGroupDesc(b []byte) groupDesc {
	var g groupDesc
	copy(g.raw[:], b)
	le := binary.LittleEndian
	g.blockBitmap = le.Uint32(b[0:])
	g.inodeBitmap = le.Uint32(b[4:])
	g.inodeTable = le.Uint32(b[8:])
	g.freeBlockCount = le.Uint16(b[12:])
	g.freeInodeCount = le.Uint16(b[14:])
	g.usedDirsCount = le.Uint16(b[16:])
	return g
}

func (g *groupDesc) encode() []byte {
	le := binary.LittleEndian
	le.PutUint16(g.raw[12:], g.freeBlockCount)
	le.PutUint16(g.raw[14:], g.freeInodeCount)
	le.PutUint16(g.raw[16:], g.usedDirsCount)
	return g.raw[:]
}

const inodeSize = 128

// e2Inode is the on-disk inode image with typed accessors. Keeping the
// raw bytes preserves OS-dependent fields across rewrites.
type e2Inode struct {
	raw [inodeSize]byte
}

func (i *e2Inode) mode() uint16      { return binary.LittleEndian.Uint16(i.raw[0:]) }
func (i *e2Inode) setMode(v uint16)  { binary.LittleEndian.PutUint16(i.raw[0:], v) }
func (i *e2Inode) sizeLo() uint32    { return binary.LittleEndian.Uint32(i.raw[4:]) }
func (i *e2Inode) setSizeLo(v uint32) { binary.LittleEndian.PutUint32(i.raw[4:], v) }
func (i *e2Inode) atime() uint32     { return binary.LittleEndian.Uint32(i.raw[8:]) }
func (i *e2Inode) ctime() uint32     { return binary.LittleEndian.Uint32(i.raw[12:]) }
func (i *e2Inode) setCtime(v uint32) { binary.LittleEndian.PutUint32(i.raw[12:], v) }
func (i *e2Inode) mtime() uint32     { return binary.LittleEndian.Uint32(i.raw[16:]) }
func (i *e2Inode) setMtime(v uint32) { binary.LittleEndian.PutUint32(i.raw[16:], v) }
func (i *e2Inode) setAtime(v uint32) { binary.LittleEndian.PutUint32(i.raw[8:], v) }
func (i *e2Inode) setDtime(v uint32) { binary.LittleEndian.PutUint32(i.raw[20:], v) }
func (i *e2Inode) uid() uint16       { return binary.LittleEndian.Uint16(i.raw[2:]) }
func (i *e2Inode) gid() uint16       { return binary.LittleEndian.Uint16(i.raw[24:]) }
func (i *e2Inode) links() uint16     { return binary.LittleEndian.Uint16(i.raw[26:]) }
func (i *e2Inode) setLinks(v uint16) { binary.LittleEndian.PutUint16(i.raw[26:], v) }
func (i *e2Inode) sectors() uint32   { return binary.LittleEndian.Uint32(i.raw[28:]) }
func (i *e2Inode) setSectors(v uint32) { binary.LittleEndian.PutUint32(i.raw[28:], v) }
func (i *e2Inode) block(j int) uint32 {
	return binary.LittleEndian.Uint32(i.raw[40+4*j:])
}
func (i *e2Inode) setBlock(j int, v uint32) {
	binary.LittleEndian.PutUint32(i.raw[40+4*j:], v)
}
func (i *e2Inode) dirACL() uint32     { return binary.LittleEndian.Uint32(i.raw[108:]) }
func (i *e2Inode) setDirACL(v uint32) { binary.LittleEndian.PutUint32(i.raw[108:], v) }

// fileTypeByte maps an inode mode to the dirent file type byte.
func fileTypeByte(mode uint16) byte {
	switch mode & 0xf000 {
	case 0x8000:
		return ftRegular
	case 0x4000:
		return ftDir
	case 0x2000:
		return ftCharDev
	case 0x6000:
		return ftBlckDev
	case 0x1000:
		return ftFifo
	case 0xc000:
		return ftSocket
	case 0xa000:
		return ftSymlink
	default:
		return ftUnknown
	}
}
