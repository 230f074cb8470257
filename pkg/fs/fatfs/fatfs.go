// Package fatfs implements the FAT12, FAT16 and FAT32 filesystems over a
// media window. Two driver names are registered: "vfat" with long file
// name support and "msdos" restricted to 8.3 names.
//
// Cluster numbers are logical within the package, counting from zero at
// the data region; the on-disk FAT and directory entries store them offset
// by two.
package fatfs

import (
	"math/bits"
	"sync"

	"github.com/badgeteam/badgevfs/internal/logger"
	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

type fatType uint8

const (
	fat12 fatType = iota
	fat16
	fat32
)

func (t fatType) String() string {
	switch t {
	case fat12:
		return "FAT12"
	case fat16:
		return "FAT16"
	default:
		return "FAT32"
	}
}

// Driver mounts FAT filesystems. Both historical type names resolve to
// the same driver; long file names are skipped either way for now.
type Driver struct{}

func init() {
	d := &Driver{}
	vfs.RegisterDriver("vfat", d)
	vfs.RegisterDriver("msdos", d)
}

// Detect probes the boot sector for a plausible BPB.
func (*Driver) Detect(m *media.Media) (bool, error) {
	if m.Size() < 512 {
		return false, nil
	}
	var sector [512]byte
	if err := m.Read(0, sector[:]); err != nil {
		return false, err
	}
	if sector[510] != 0x55 || sector[511] != 0xaa {
		return false, nil
	}
	bytesPerSector := uint32(sector[11]) | uint32(sector[12])<<8
	if bytesPerSector < 512 || bytesPerSector > 4096 || bits.OnesCount32(bytesPerSector) != 1 {
		return false, nil
	}
	sectorsPerCluster := uint32(sector[13])
	if sectorsPerCluster == 0 || bits.OnesCount32(sectorsPerCluster) != 1 {
		return false, nil
	}
	if sector[16] == 0 || sector[16] > 4 {
		return false, nil
	}
	return true, nil
}

// Mount parses the BPB and builds the filesystem instance. The FAT variant
// is decided by cluster count alone, as the format specification demands.
func (d *Driver) Mount(m *media.Media, _ vfs.MountFlags, _ map[string]any) (vfs.FilesystemOps, error) {
	var bpb [36]byte
	if err := m.Read(0, bpb[:]); err != nil {
		return nil, err
	}
	bytesPerSector := uint32(bpb[11]) | uint32(bpb[12])<<8
	sectorsPerCluster := uint32(bpb[13])
	reservedSectors := uint32(bpb[14]) | uint32(bpb[15])<<8
	fatCount := uint32(bpb[16])
	rootEntryCount := uint32(bpb[17]) | uint32(bpb[18])<<8
	sectorCount := uint32(bpb[19]) | uint32(bpb[20])<<8
	sectorsPerFat := uint32(bpb[22]) | uint32(bpb[23])<<8

	if bytesPerSector < 512 || bytesPerSector > 4096 || bits.OnesCount32(bytesPerSector) != 1 {
		return nil, errno.EINVAL
	}
	if sectorsPerCluster == 0 || bits.OnesCount32(sectorsPerCluster) != 1 {
		return nil, errno.EINVAL
	}
	if fatCount == 0 || fatCount > 4 || reservedSectors == 0 {
		return nil, errno.EINVAL
	}
	if sectorCount == 0 {
		sc, err := m.ReadU32LE(32)
		if err != nil {
			return nil, err
		}
		sectorCount = sc
	}

	sectorsPerFat32, err := m.ReadU32LE(36)
	if err != nil {
		return nil, err
	}
	extraFlags, err := m.ReadU16LE(40)
	if err != nil {
		return nil, err
	}
	fsVersion, err := m.ReadU16LE(42)
	if err != nil {
		return nil, err
	}
	firstRootCluster, err := m.ReadU32LE(44)
	if err != nil {
		return nil, err
	}
	if sectorsPerFat == 0 {
		sectorsPerFat = sectorsPerFat32
	}
	if sectorsPerFat == 0 {
		return nil, errno.EINVAL
	}

	rootDirSectors := (rootEntryCount*32 + bytesPerSector - 1) / bytesPerSector
	dataSector := reservedSectors + fatCount*sectorsPerFat + rootDirSectors
	if dataSector >= sectorCount {
		return nil, errno.EINVAL
	}
	clusterCount := (sectorCount - dataSector) / sectorsPerCluster
	if clusterCount == 0 {
		return nil, errno.EINVAL
	}

	var typ fatType
	switch {
	case clusterCount < 4085:
		typ = fat12
	case clusterCount < 65525:
		typ = fat16
	default:
		typ = fat32
		if fsVersion != 0 {
			logger.Error("unsupported FAT32 version %d.%d", fsVersion>>8, fsVersion&0xff)
			return nil, errno.ENOTSUP
		}
	}

	sectorSizeExp := uint8(bits.TrailingZeros32(bytesPerSector))
	fs := &fatFS{
		media:          m,
		typ:            typ,
		sectorSizeExp:  sectorSizeExp,
		clusterSizeExp: sectorSizeExp + uint8(bits.TrailingZeros32(sectorsPerCluster)),
		clusterCount:   clusterCount,
		fatCount:       uint8(fatCount),
		fatOffset:      uint64(reservedSectors) << sectorSizeExp,
		fatSize:        uint64(sectorsPerFat) << sectorSizeExp,
		dataOffset:     uint64(dataSector) << sectorSizeExp,
		root16Off:      uint64(reservedSectors+fatCount*sectorsPerFat) << sectorSizeExp,
		root16Len:      rootEntryCount * 32,
		alloc:          newClusterAlloc(clusterCount),
		nodes:          make(map[uint64]*fatNode),
	}

	// FAT mirroring is on unless the extra flags select one active FAT.
	if typ == fat32 && extraFlags&0x80 != 0 {
		fs.activeFat = uint8(extraFlags & 15)
		if uint32(fs.activeFat) >= fatCount {
			return nil, errno.EINVAL
		}
	} else {
		fs.mirror = true
	}
	if uint64(clusterCount)<<uint64(fs.clusterSizeExp) > m.Size() {
		return nil, errno.EINVAL
	}

	if typ == fat32 {
		if firstRootCluster < 2 {
			return nil, errno.EIO
		}
		fs.rootChain, err = fs.readChain(firstRootCluster - 2)
		if err != nil {
			return nil, err
		}
	} else if rootEntryCount == 0 {
		return nil, errno.EINVAL
	}

	// Build the free cluster map.
	for i := uint32(0); i < clusterCount; i++ {
		v, err := fs.fatGet(i + 2)
		if err != nil {
			return nil, err
		}
		if v == fatValFree {
			fs.alloc.free(i)
		}
	}

	logger.Debug("mounted %s: %d clusters of %d bytes, %d free",
		typ, clusterCount, uint32(1)<<fs.clusterSizeExp, fs.alloc.available.Load())
	return fs, nil
}

// fatValue is a FAT entry normalized to the FAT32 value space. FAT12 and
// FAT16 reads widen their reserved high values so the same constants apply
// to every variant.
type fatValue uint32

const (
	fatValFree fatValue = 0
	fatValBad  fatValue = 0x0ffffff7
	fatValEOC  fatValue = 0x0fffffff
)

// next returns the logical cluster this entry links to.
func (v fatValue) next(clusterCount uint32) (uint32, bool) {
	if v >= 2 && uint32(v) < clusterCount+2 {
		return uint32(v) - 2, true
	}
	return 0, false
}

func (v fatValue) isEOC() bool {
	return v >= 0x0ffffff8
}

type fatFS struct {
	media *media.Media
	typ   fatType

	sectorSizeExp  uint8
	clusterSizeExp uint8
	clusterCount   uint32
	fatCount       uint8

	// mirror writes every FAT copy; otherwise activeFat alone is used.
	mirror    bool
	activeFat uint8

	fatOffset  uint64
	fatSize    uint64
	dataOffset uint64

	// root16Off and root16Len describe the fixed FAT12/16 root directory.
	root16Off uint64
	root16Len uint32

	// rootChain is the FAT32 root directory chain.
	rootChain clusterChain

	alloc *clusterAlloc

	// fat12Mu serializes FAT12 access; entries straddle byte boundaries
	// so writes are read-modify-write.
	fat12Mu sync.Mutex

	// nodesMu guards nodes, the open nodes keyed by dirent media offset.
	// Rename relocates directory entries and has to redirect any open
	// node to its new slot.
	nodesMu sync.Mutex
	nodes   map[uint64]*fatNode
}

func (f *fatFS) clusterSize() uint32 {
	return 1 << f.clusterSizeExp
}

// fatEntryOff returns the byte offset of a raw FAT index inside one FAT
// copy, or an error if it lies outside the table.
func (f *fatFS) fatEntryOff(index uint32) (uint64, error) {
	if index >= f.clusterCount+2 {
		return 0, errno.EIO
	}
	var off, width uint64
	switch f.typ {
	case fat12:
		off, width = uint64(index)+uint64(index)/2, 2
	case fat16:
		off, width = uint64(index)*2, 2
	default:
		off, width = uint64(index)*4, 4
	}
	if off+width > f.fatSize {
		return 0, errno.EIO
	}
	return off, nil
}

// fatGet reads the FAT entry at raw index (data clusters start at 2).
func (f *fatFS) fatGet(index uint32) (fatValue, error) {
	entryOff, err := f.fatEntryOff(index)
	if err != nil {
		return 0, err
	}
	base := f.fatOffset
	if !f.mirror {
		base += uint64(f.activeFat) * f.fatSize
	}
	switch f.typ {
	case fat12:
		f.fat12Mu.Lock()
		raw, err := f.media.ReadU16LE(base + entryOff)
		f.fat12Mu.Unlock()
		if err != nil {
			return 0, err
		}
		v := uint32(raw)
		if index%2 == 1 {
			v >>= 4
		}
		v &= 0xfff
		if v >= 0xff7 {
			v |= 0x0ffff000
		}
		return fatValue(v), nil
	case fat16:
		raw, err := f.media.ReadU16LE(base + entryOff)
		if err != nil {
			return 0, err
		}
		v := uint32(raw)
		if v >= 0xfff7 {
			v |= 0x0fff0000
		}
		return fatValue(v), nil
	default:
		raw, err := f.media.ReadU32LE(base + entryOff)
		if err != nil {
			return 0, err
		}
		return fatValue(raw & 0x0fffffff), nil
	}
}

// fatSet writes the FAT entry at raw index, to every mirror copy when
// mirroring is on.
func (f *fatFS) fatSet(index uint32, v fatValue) error {
	entryOff, err := f.fatEntryOff(index)
	if err != nil {
		return err
	}
	first, last := uint8(0), f.fatCount
	if !f.mirror {
		first, last = f.activeFat, f.activeFat+1
	}
	for fi := first; fi < last; fi++ {
		off := f.fatOffset + uint64(fi)*f.fatSize + entryOff
		switch f.typ {
		case fat12:
			f.fat12Mu.Lock()
			raw, err := f.media.ReadU16LE(off)
			if err == nil {
				if index%2 == 0 {
					raw = raw&0xf000 | uint16(v)&0x0fff
				} else {
					raw = raw&0x000f | uint16(v)<<4
				}
				err = f.media.WriteU16LE(off, raw)
			}
			f.fat12Mu.Unlock()
			if err != nil {
				return err
			}
		case fat16:
			if err := f.media.WriteU16LE(off, uint16(v)); err != nil {
				return err
			}
		default:
			old, err := f.media.ReadU32LE(off)
			if err != nil {
				return err
			}
			if err := f.media.WriteU32LE(off, old&0xf0000000|uint32(v)&0x0fffffff); err != nil {
				return err
			}
		}
	}
	return nil
}

// fatLink points the entry for logical cluster at logical cluster next.
func (f *fatFS) fatLink(cluster, next uint32) error {
	return f.fatSet(cluster+2, fatValue(next+2))
}

// readChain follows the FAT from logical cluster first. A chain longer
// than the cluster count means a cycle and fails as corruption.
func (f *fatFS) readChain(first uint32) (clusterChain, error) {
	var c clusterChain
	cur := first
	for {
		if cur >= f.clusterCount {
			return clusterChain{}, errno.EIO
		}
		c.push(cur)
		if c.count > f.clusterCount {
			return clusterChain{}, errno.EIO
		}
		v, err := f.fatGet(cur + 2)
		if err != nil {
			return clusterChain{}, err
		}
		if v.isEOC() {
			return c, nil
		}
		next, ok := v.next(f.clusterCount)
		if !ok {
			return clusterChain{}, errno.EIO
		}
		cur = next
	}
}

// registerNode tracks an open node by its dirent offset.
func (f *fatFS) registerNode(n *fatNode) {
	if !n.hasDirent {
		return
	}
	f.nodesMu.Lock()
	f.nodes[n.direntOff] = n
	f.nodesMu.Unlock()
}

func (f *fatFS) unregisterNode(n *fatNode) {
	f.nodesMu.Lock()
	if f.nodes[n.direntOff] == n {
		delete(f.nodes, n.direntOff)
	}
	f.nodesMu.Unlock()
}

// relocateNode redirects the open node at oldOff, if any, to newOff.
// Called after a rename moved the directory entry.
func (f *fatFS) relocateNode(oldOff, newOff uint64) {
	f.nodesMu.Lock()
	n := f.nodes[oldOff]
	if n != nil {
		delete(f.nodes, oldOff)
		f.nodes[newOff] = n
	}
	f.nodesMu.Unlock()
	if n != nil {
		n.direntMu.Lock()
		n.direntOff = newOff
		n.direntMu.Unlock()
	}
}

// Media returns the backing media window.
func (f *fatFS) Media() *media.Media {
	return f.media
}

// UsesInodes reports false; FAT has no inode numbers.
func (f *fatFS) UsesInodes() bool {
	return false
}

// OpenRoot opens the root directory.
func (f *fatFS) OpenRoot(*vfs.Vfs) (vfs.NodeOps, error) {
	n := &fatNode{fs: f, isDir: true, isRoot: true}
	if f.typ == fat32 {
		n.chain = f.rootChain
		n.size = n.chain.count << f.clusterSizeExp
	} else {
		n.root16 = true
		n.size = f.root16Len
	}
	return n, nil
}

// Open opens the node a directory entry refers to. DiskOff is the media
// offset of the 8.3 entry.
func (f *fatFS) Open(_ *vfs.Vfs, dirent *vfs.Dirent) (vfs.NodeOps, error) {
	var raw [direntSize]byte
	if err := f.media.Read(dirent.DiskOff, raw[:]); err != nil {
		return nil, err
	}
	d := decodeDirent(raw[:])
	n := &fatNode{
		fs:        f,
		isDir:     d.attr&attrDirectory != 0,
		hasDirent: true,
		direntOff: dirent.DiskOff,
	}
	if fc := d.firstCluster(); fc >= 2 {
		chain, err := f.readChain(fc - 2)
		if err != nil {
			return nil, err
		}
		n.chain = chain
	} else if n.isDir {
		return nil, errno.EIO
	}
	if n.isDir {
		n.size = n.chain.count << f.clusterSizeExp
	} else {
		n.size = d.size
	}
	f.registerNode(n)
	return n, nil
}

// Rename moves an entry between two directories. The entry is recreated
// in the destination and the original slot released; open nodes follow to
// the new slot.
func (f *fatFS) Rename(_ *vfs.Vfs, srcDir *vfs.VNode, srcName string, dstDir *vfs.VNode, dstName string) (vfs.Dirent, error) {
	src, ok := srcDir.Ops().(*fatNode)
	if !ok {
		return vfs.Dirent{}, errno.EXDEV
	}
	dst, ok := dstDir.Ops().(*fatNode)
	if !ok {
		return vfs.Dirent{}, errno.EXDEV
	}
	return src.renameInto(srcName, dst, dstName)
}
