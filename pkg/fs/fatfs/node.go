package fatfs

import (
	"errors"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// fatNode is one open file or directory. File content lives in the
// cluster chain; the FAT12/16 root directory instead occupies a fixed
// region before the data area.
type fatNode struct {
	fs     *fatFS
	isDir  bool
	isRoot bool
	root16 bool

	// chain and size are guarded by the vnode lock.
	chain clusterChain
	size  uint32

	// direntMu guards the directory entry location. Another directory's
	// vnode clears it when this node is unlinked, and rename moves it.
	direntMu  sync.Mutex
	hasDirent bool
	direntOff uint64

	// orphan marks a node unlinked while open; its clusters go back to
	// the allocator on Close.
	orphan bool
}

func (n *fatNode) readAt(off uint64, p []byte) error {
	if n.root16 {
		if off+uint64(len(p)) > uint64(n.size) {
			return errno.EIO
		}
		return n.fs.media.Read(n.fs.root16Off+off, p)
	}
	return n.chain.io(n.fs, off, p, false)
}

func (n *fatNode) writeAt(off uint64, p []byte) error {
	if n.root16 {
		if off+uint64(len(p)) > uint64(n.size) {
			return errno.EIO
		}
		return n.fs.media.Write(n.fs.root16Off+off, p)
	}
	return n.chain.io(n.fs, off, p, true)
}

// diskOff translates an offset inside this directory to its media offset.
func (n *fatNode) diskOff(off uint64) (uint64, error) {
	f := n.fs
	if n.root16 {
		return f.root16Off + off, nil
	}
	cluster, ok := n.chain.get(uint32(off >> f.clusterSizeExp))
	if !ok {
		return 0, errno.EIO
	}
	return f.dataOffset + uint64(cluster)<<f.clusterSizeExp + off&uint64(f.clusterSize()-1), nil
}

func (n *fatNode) zeroRange(off, length uint64) error {
	buf := make([]byte, 4096)
	for length > 0 {
		c := uint64(len(buf))
		if c > length {
			c = length
		}
		if err := n.writeAt(off, buf[:c]); err != nil {
			return err
		}
		off += c
		length -= c
	}
	return nil
}

// iterDirents walks all directory entry slots, skipping free slots,
// volume labels and long name entries. The callback gets the slot offset,
// the decoded 8.3 entry and the display name.
//
// TODO: reconstruct long names from the LFN runs preceding each 8.3
// entry instead of skipping them.
func (n *fatNode) iterDirents(fn func(entOff uint32, d *dirent, name string) (stop bool, err error)) error {
	for off := uint32(0); off+direntSize <= n.size; off += direntSize {
		var raw [direntSize]byte
		if err := n.readAt(uint64(off), raw[:]); err != nil {
			return err
		}
		switch raw[0] {
		case entEnd:
			return nil
		case entFree:
			continue
		}
		if raw[11]&0x3f == attrLongName || raw[11]&attrVolumeID != 0 {
			continue
		}

		d := decodeDirent(raw[:])
		if raw[0] != '.' && !validShortNameBytes(&d.name) {
			continue
		}
		name := shortNameToString(&d.name, d.attr2)

		stop, err := fn(off, &d, name)
		if err != nil || stop {
			return err
		}
	}
	return nil
}

// findEnt looks up name and returns the slot offset, the decoded entry
// and the on-disk display name.
func (n *fatNode) findEnt(name string) (uint32, dirent, string, error) {
	trimmed, ok := trimName(name)
	if !ok {
		return 0, dirent{}, "", errno.ENOENT
	}
	var foundOff uint32
	var found dirent
	foundName := ""
	err := n.iterDirents(func(entOff uint32, d *dirent, entName string) (bool, error) {
		if nameEquals(entName, trimmed) {
			foundOff, found, foundName = entOff, *d, entName
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return 0, dirent{}, "", err
	}
	if foundName == "" {
		return 0, dirent{}, "", errno.ENOENT
	}
	return foundOff, found, foundName, nil
}

// sfnTaken reports whether any entry already uses this 8.3 name.
func (n *fatNode) sfnTaken(sfn *[11]byte) (bool, error) {
	taken := false
	err := n.iterDirents(func(_ uint32, d *dirent, _ string) (bool, error) {
		if d.name == *sfn {
			taken = true
			return true, nil
		}
		return false, nil
	})
	return taken, err
}

func (n *fatNode) entToDirent(entOff uint32, d *dirent, name string) (vfs.Dirent, error) {
	diskOff, err := n.diskOff(uint64(entOff))
	if err != nil {
		return vfs.Dirent{}, err
	}
	typ := vfs.TypeRegular
	if d.attr&attrDirectory != 0 {
		typ = vfs.TypeDirectory
	}
	return vfs.Dirent{
		Type:    typ,
		Name:    name,
		DiskOff: diskOff,
		Off:     uint64(entOff),
	}, nil
}

// allocDirents finds or creates count contiguous free entry slots and
// returns the byte offset of the first. The fixed FAT12/16 root cannot
// grow, every other directory extends by whole clusters.
func (n *fatNode) allocDirents(count uint32) (uint32, error) {
	capEnts := n.size / direntSize
	run := uint32(0)
	for i := uint32(0); i < capEnts; i++ {
		var b [1]byte
		if err := n.readAt(uint64(i)*direntSize, b[:]); err != nil {
			return 0, err
		}
		switch b[0] {
		case entEnd:
			// Every slot from here on is free.
			start := i - run
			if capEnts-start >= count {
				return start * direntSize, nil
			}
			need := count - (capEnts - start)
			if err := n.resize(uint64(capEnts+need) * direntSize); err != nil {
				return 0, err
			}
			return start * direntSize, nil
		case entFree:
			run++
			if run == count {
				return (i + 1 - count) * direntSize, nil
			}
		default:
			run = 0
		}
	}
	start := capEnts - run
	if err := n.resize(uint64(start+count) * direntSize); err != nil {
		return 0, err
	}
	return start * direntSize, nil
}

// prepareName validates a new entry name against this directory and
// derives its 8.3 name. Names that cannot be stored as an 8.3 name fail
// with EINVAL until long name creation exists.
func (n *fatNode) prepareName(name string) (trimmed string, sfn [11]byte, attr2 byte, err error) {
	trimmed, ok := trimName(name)
	if !ok {
		return "", sfn, 0, errno.EINVAL
	}
	for _, r := range trimmed {
		if !validLongChar(r) {
			return "", sfn, 0, errno.EINVAL
		}
	}
	long := utf16.Encode([]rune(trimmed))
	if len(long) > 255 {
		return "", sfn, 0, errno.ENAMETOOLONG
	}
	if _, _, _, ferr := n.findEnt(trimmed); ferr == nil {
		return "", sfn, 0, errno.EEXIST
	} else if !errors.Is(ferr, errno.ENOENT) {
		return "", sfn, 0, ferr
	}

	sfn, attr2, needLFN := longToShortName(long)
	if needLFN {
		return "", sfn, 0, errno.EINVAL
	}
	taken, err := n.sfnTaken(&sfn)
	if err != nil {
		return "", sfn, 0, err
	}
	if taken {
		// Occupied by an entry whose display name differs in case.
		return "", sfn, 0, errno.EEXIST
	}
	return trimmed, sfn, attr2, nil
}

// writeDirent stores a new 8.3 entry at the given slot offset.
func (n *fatNode) writeDirent(entOff uint32, d *dirent) error {
	var raw [direntSize]byte
	d.encode(raw[:])
	return n.writeAt(uint64(entOff), raw[:])
}

// deleteDirent clears the entry slot and its long name entries. The slot
// becomes an end-of-directory marker when nothing follows it.
func (n *fatNode) deleteDirent(entOff uint32) error {
	val := byte(entEnd)
	if uint64(entOff)+direntSize < uint64(n.size) {
		var b [1]byte
		if err := n.readAt(uint64(entOff)+direntSize, b[:]); err != nil {
			return err
		}
		if b[0] != entEnd {
			val = entFree
		}
	}
	if err := n.writeAt(uint64(entOff), []byte{val}); err != nil {
		return err
	}
	for off := entOff; off >= direntSize; {
		off -= direntSize
		var raw [direntSize]byte
		if err := n.readAt(uint64(off), raw[:]); err != nil {
			return err
		}
		if raw[0] == entFree || raw[0] == entEnd || raw[11]&0x3f != attrLongName {
			return nil
		}
		if err := n.writeAt(uint64(off), []byte{val}); err != nil {
			return err
		}
	}
	return nil
}

// resize adjusts the cluster chain. Directories round up to whole
// clusters; grown space reads as zeroes either way. The fixed FAT12/16
// root cannot change size.
func (n *fatNode) resize(size uint64) error {
	f := n.fs
	if n.root16 {
		return errno.ENOSPC
	}
	if size > 0xffffffff {
		return errno.ENOSPC
	}
	oldSize := uint64(n.size)
	cse := f.clusterSizeExp
	clusterSize := uint64(1) << cse
	newClusters := uint32((size + clusterSize - 1) >> cse)

	if newClusters > n.chain.count {
		extra, err := f.alloc.allocChain(newClusters - n.chain.count)
		if err != nil {
			return err
		}
		prev, hadPrev := n.chain.last()
		for _, l := range extra.links {
			for cluster := l.start; cluster < l.end; cluster++ {
				if hadPrev {
					if err := f.fatLink(prev, cluster); err != nil {
						return err
					}
				}
				prev, hadPrev = cluster, true
			}
		}
		if err := f.fatSet(prev+2, fatValEOC); err != nil {
			return err
		}
		wasEmpty := n.chain.count == 0
		n.chain.extend(&extra)
		if wasEmpty {
			first := n.chain.links[0].start + 2
			n.direntMu.Lock()
			if n.hasDirent {
				if err := f.media.WriteU16LE(n.direntOff+26, uint16(first)); err != nil {
					n.direntMu.Unlock()
					return err
				}
				if err := f.media.WriteU16LE(n.direntOff+20, uint16(first>>16)); err != nil {
					n.direntMu.Unlock()
					return err
				}
			}
			n.direntMu.Unlock()
		}
	} else if newClusters < n.chain.count {
		// A file keeps one cluster once it has any; only its first
		// cluster reference in the dirent stays valid that way.
		keep := newClusters
		if keep == 0 {
			keep = 1
		}
		if keep < n.chain.count {
			for off := keep; off < n.chain.count; off++ {
				cluster, ok := n.chain.get(off)
				if !ok {
					return errno.EIO
				}
				if err := f.fatSet(cluster+2, fatValFree); err != nil {
					return err
				}
				f.alloc.free(cluster)
			}
			n.chain.shorten(n.chain.count - keep)
			last, _ := n.chain.last()
			if err := f.fatSet(last+2, fatValEOC); err != nil {
				return err
			}
		}
	}

	if n.isDir {
		n.size = n.chain.count << cse
		if uint64(n.size) > oldSize {
			return n.zeroRange(oldSize, uint64(n.size)-oldSize)
		}
		return nil
	}

	n.size = uint32(size)
	if size > oldSize {
		if err := n.zeroRange(oldSize, size-oldSize); err != nil {
			return err
		}
	}
	n.direntMu.Lock()
	defer n.direntMu.Unlock()
	if n.hasDirent {
		return f.media.WriteU32LE(n.direntOff+28, uint32(size))
	}
	return nil
}

func (n *fatNode) Read(_ *vfs.VNode, off uint64, p []byte) error {
	return n.readAt(off, p)
}

func (n *fatNode) Write(_ *vfs.VNode, off uint64, p []byte) error {
	return n.writeAt(off, p)
}

func (n *fatNode) Resize(_ *vfs.VNode, size uint64) error {
	return n.resize(size)
}

func (n *fatNode) FindDirent(_ *vfs.VNode, name string) (vfs.Dirent, error) {
	entOff, d, entName, err := n.findEnt(name)
	if err != nil {
		return vfs.Dirent{}, err
	}
	return n.entToDirent(entOff, &d, entName)
}

func (n *fatNode) GetDirents(_ *vfs.VNode) ([]vfs.Dirent, error) {
	var out []vfs.Dirent
	err := n.iterDirents(func(entOff uint32, d *dirent, name string) (bool, error) {
		if name == "." || name == ".." {
			return false, nil
		}
		ent, err := n.entToDirent(entOff, d, name)
		if err != nil {
			return false, err
		}
		out = append(out, ent)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *fatNode) Unlink(_ *vfs.VNode, name string, rmdir bool, unlinked *vfs.VNode) error {
	f := n.fs
	entOff, d, _, err := n.findEnt(name)
	if err != nil {
		return err
	}
	isDir := d.attr&attrDirectory != 0
	if rmdir && !isDir {
		return errno.ENOTDIR
	}
	if !rmdir && isDir {
		return errno.EISDIR
	}

	var chain clusterChain
	if fc := d.firstCluster(); fc >= 2 {
		chain, err = f.readChain(fc - 2)
		if err != nil {
			return err
		}
	}

	if rmdir {
		tmp := &fatNode{fs: f, isDir: true, chain: chain, size: chain.count << f.clusterSizeExp}
		empty := true
		err := tmp.iterDirents(func(_ uint32, _ *dirent, entName string) (bool, error) {
			if entName != "." && entName != ".." {
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

	for _, l := range chain.links {
		for cluster := l.start; cluster < l.end; cluster++ {
			if err := f.fatSet(cluster+2, fatValFree); err != nil {
				return err
			}
		}
	}

	// An open regular file keeps its clusters reserved until it closes;
	// everything else goes back to the allocator now.
	deferFree := false
	if unlinked != nil {
		if victim, ok := unlinked.Ops().(*fatNode); ok {
			f.unregisterNode(victim)
			victim.direntMu.Lock()
			victim.hasDirent = false
			victim.orphan = !rmdir
			victim.direntMu.Unlock()
			deferFree = !rmdir
		}
	}
	if !deferFree {
		f.alloc.freeChain(&chain)
	}
	return n.deleteDirent(entOff)
}

func (n *fatNode) Link(*vfs.VNode, string, *vfs.VNode) error {
	return errno.EPERM
}

func (n *fatNode) MakeFile(_ *vfs.VNode, name string, spec vfs.MakeFileSpec) (vfs.Dirent, error) {
	f := n.fs
	if spec.Type != vfs.TypeRegular && spec.Type != vfs.TypeDirectory {
		return vfs.Dirent{}, errno.EPERM
	}
	trimmed, sfn, attr2, err := n.prepareName(name)
	if err != nil {
		return vfs.Dirent{}, err
	}

	date, tod := nowFat()
	d := dirent{
		name:    sfn,
		attr:    attrArchive,
		attr2:   attr2,
		ctime2s: tod,
		ctime:   date,
		atime:   date,
		mtime2s: tod,
		mtime:   date,
	}

	if spec.Type == vfs.TypeDirectory {
		cluster, ok := f.alloc.alloc()
		if !ok {
			return vfs.Dirent{}, errno.ENOSPC
		}
		if err := n.initDirCluster(cluster, &d); err != nil {
			f.alloc.free(cluster)
			return vfs.Dirent{}, err
		}
		d.attr = attrDirectory
		d.firstClusterLo = uint16(cluster + 2)
		d.firstClusterHi = uint16((cluster + 2) >> 16)
	}

	entOff, err := n.allocDirents(1)
	if err != nil {
		if fc := d.firstCluster(); fc >= 2 {
			f.fatSet(fc, fatValFree)
			f.alloc.free(fc - 2)
		}
		return vfs.Dirent{}, err
	}
	if err := n.writeDirent(entOff, &d); err != nil {
		return vfs.Dirent{}, err
	}
	return n.entToDirent(entOff, &d, trimmed)
}

// initDirCluster marks cluster as a single-cluster chain and writes the
// "." and ".." entries of a fresh directory into it.
func (n *fatNode) initDirCluster(cluster uint32, d *dirent) error {
	f := n.fs
	if err := f.fatSet(cluster+2, fatValEOC); err != nil {
		return err
	}
	off := f.dataOffset + uint64(cluster)<<f.clusterSizeExp
	if err := f.media.WriteZeroes(off, uint64(f.clusterSize())); err != nil {
		return err
	}

	dot := *d
	dot.attr = attrDirectory
	copy(dot.name[:], []byte(".          "))
	dot.firstClusterLo = uint16(cluster + 2)
	dot.firstClusterHi = uint16((cluster + 2) >> 16)

	dotdot := dot
	copy(dotdot.name[:], []byte("..         "))
	var parentFC uint32
	if !n.isRoot && n.chain.count > 0 {
		first, _ := n.chain.get(0)
		parentFC = first + 2
	}
	dotdot.firstClusterLo = uint16(parentFC)
	dotdot.firstClusterHi = uint16(parentFC >> 16)

	var raw [direntSize]byte
	dot.encode(raw[:])
	if err := f.media.Write(off, raw[:]); err != nil {
		return err
	}
	dotdot.encode(raw[:])
	return f.media.Write(off+direntSize, raw[:])
}

func (n *fatNode) Rename(_ *vfs.VNode, oldName, newName string) (vfs.Dirent, error) {
	return n.renameInto(oldName, n, newName)
}

// renameInto moves the named entry from n into dst under a new name. The
// entry is written into dst first and the old slot released after, and
// any open node is redirected to the new slot.
func (n *fatNode) renameInto(oldName string, dst *fatNode, newName string) (vfs.Dirent, error) {
	f := n.fs
	entOff, d, _, err := n.findEnt(oldName)
	if err != nil {
		return vfs.Dirent{}, err
	}
	oldDiskOff, err := n.diskOff(uint64(entOff))
	if err != nil {
		return vfs.Dirent{}, err
	}
	trimmed, sfn, attr2, err := dst.prepareName(newName)
	if err != nil {
		return vfs.Dirent{}, err
	}

	nd := d
	nd.name = sfn
	nd.attr2 = attr2
	newEntOff, err := dst.allocDirents(1)
	if err != nil {
		return vfs.Dirent{}, err
	}
	if err := dst.writeDirent(newEntOff, &nd); err != nil {
		return vfs.Dirent{}, err
	}
	newDiskOff, err := dst.diskOff(uint64(newEntOff))
	if err != nil {
		return vfs.Dirent{}, err
	}

	// A directory moved to another parent gets its ".." entry repointed.
	if d.attr&attrDirectory != 0 && n != dst && d.firstCluster() >= 2 {
		var parentFC uint32
		if !dst.isRoot && dst.chain.count > 0 {
			first, _ := dst.chain.get(0)
			parentFC = first + 2
		}
		dirOff := f.dataOffset + uint64(d.firstCluster()-2)<<f.clusterSizeExp
		if err := f.media.WriteU16LE(dirOff+direntSize+26, uint16(parentFC)); err != nil {
			return vfs.Dirent{}, err
		}
		if err := f.media.WriteU16LE(dirOff+direntSize+20, uint16(parentFC>>16)); err != nil {
			return vfs.Dirent{}, err
		}
	}

	if err := n.deleteDirent(entOff); err != nil {
		return vfs.Dirent{}, err
	}
	f.relocateNode(oldDiskOff, newDiskOff)
	return dst.entToDirent(newEntOff, &nd, trimmed)
}

func (n *fatNode) Readlink(*vfs.VNode) (string, error) {
	return "", errno.EINVAL
}

func (n *fatNode) Stat(*vfs.VNode) (vfs.Stat, error) {
	f := n.fs
	typ := vfs.TypeRegular
	if n.isDir {
		typ = vfs.TypeDirectory
	}
	st := vfs.Stat{
		Mode:    typ.ModeBits() | 0o777,
		Nlink:   1,
		Size:    uint64(n.size),
		Blksize: uint64(f.clusterSize()),
		Blocks:  uint64(n.chain.count) << f.clusterSizeExp / 512,
	}
	if n.isDir {
		st.Nlink = 2
	}
	n.direntMu.Lock()
	defer n.direntMu.Unlock()
	if n.hasDirent {
		var raw [direntSize]byte
		if err := f.media.Read(n.direntOff, raw[:]); err != nil {
			return vfs.Stat{}, err
		}
		d := decodeDirent(raw[:])
		if d.attr&attrReadOnly != 0 {
			st.Mode = typ.ModeBits() | 0o555
		}
		st.Mtime = fatTime(d.mtime, d.mtime2s, 0)
		st.Ctime = fatTime(d.ctime, d.ctime2s, d.ctimeTenth)
		st.Atime = fatTime(d.atime, 0, 0)
	}
	return st, nil
}

func (n *fatNode) Inode() uint64 {
	return 0
}

func (n *fatNode) Size(*vfs.VNode) uint64 {
	return uint64(n.size)
}

func (n *fatNode) Sync(*vfs.VNode) error {
	return nil
}

func (n *fatNode) Close(*vfs.VNode) {
	n.fs.unregisterNode(n)
	n.direntMu.Lock()
	orphan := n.orphan
	n.direntMu.Unlock()
	if orphan {
		n.fs.alloc.freeChain(&n.chain)
	}
}

// fatTime decodes the packed FAT date and time fields. FAT counts years
// from 1980 and seconds in increments of two.
func fatTime(date, tod uint16, tenths byte) time.Time {
	year, month, day := unpackDate(date)
	if month == 0 || day == 0 {
		return time.Time{}
	}
	t := time.Date(1980+year, time.Month(month), day,
		int(tod>>11), int(tod>>5&63), int(tod&31)*2, 0, time.Local)
	return t.Add(time.Duration(tenths) * 10 * time.Millisecond)
}

// nowFat packs the current time into FAT date and time fields.
func nowFat() (date, tod uint16) {
	now := time.Now()
	if now.Year() < 1980 {
		return 0, 0
	}
	year := now.Year() - 1980
	if year > 127 {
		year = 127
	}
	date = packDate(year, int(now.Month()), now.Day())
	tod = uint16(now.Second()/2) | uint16(now.Minute())<<5 | uint16(now.Hour())<<11
	return date, tod
}
