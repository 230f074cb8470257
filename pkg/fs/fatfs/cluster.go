package fatfs

import (
	"math/bits"
	"sort"
	"sync/atomic"

	"github.com/badgeteam/badgevfs/pkg/errno"
)

// clusterAlloc hands out free data clusters. Cluster numbers are logical,
// counting from zero at the start of the data region; the FAT stores them
// offset by two.
//
// Allocation is lock-free: a slot is reserved by decrementing available,
// then claimed by clearing a bit in the bitmap. The reservation guarantees
// the bitmap scan finds a set bit eventually.
type clusterAlloc struct {
	count     uint32
	available atomic.Uint32
	bitmap    []atomic.Uint64

	// scanStart rotates the bitmap word the next scan begins at, so
	// concurrent allocators spread out instead of contending on the
	// lowest free bits.
	scanStart atomic.Uint32
}

func newClusterAlloc(count uint32) *clusterAlloc {
	return &clusterAlloc{
		count:  count,
		bitmap: make([]atomic.Uint64, (count+63)/64),
	}
}

// free marks cluster available again.
func (a *clusterAlloc) free(cluster uint32) {
	a.bitmap[cluster/64].Or(1 << (cluster % 64))
	a.available.Add(1)
}

// alloc claims one cluster. Returns ok=false when the filesystem is full.
func (a *clusterAlloc) alloc() (uint32, bool) {
	for {
		avl := a.available.Load()
		if avl == 0 {
			return 0, false
		}
		if a.available.CompareAndSwap(avl, avl-1) {
			break
		}
	}
	start := a.scanStart.Add(1)
	for {
		for k := range a.bitmap {
			i := (int(start) + k) % len(a.bitmap)
			cur := a.bitmap[i].Load()
			if cur == 0 {
				continue
			}
			mask := cur & -cur
			if a.bitmap[i].And(^mask)&mask != 0 {
				return uint32(i)*64 + uint32(bits.TrailingZeros64(mask)), true
			}
		}
	}
}

// allocChain claims amount clusters as a new chain. On failure everything
// claimed so far is returned to the allocator.
func (a *clusterAlloc) allocChain(amount uint32) (clusterChain, error) {
	var c clusterChain
	for i := uint32(0); i < amount; i++ {
		cluster, ok := a.alloc()
		if !ok {
			a.freeChain(&c)
			return clusterChain{}, errno.ENOSPC
		}
		c.push(cluster)
	}
	return c, nil
}

// freeChain returns every cluster of c to the allocator.
func (a *clusterAlloc) freeChain(c *clusterChain) {
	for _, l := range c.links {
		for cluster := l.start; cluster < l.end; cluster++ {
			a.free(cluster)
		}
	}
}

// clusterRange is a run of consecutive media clusters [start, end) holding
// the file clusters starting at offset.
type clusterRange struct {
	offset uint32
	start  uint32
	end    uint32
}

// clusterChain maps file cluster offsets to media clusters. Consecutive
// media clusters coalesce into one range, so fragmentation-free files take
// a single entry no matter their size.
type clusterChain struct {
	links []clusterRange
	count uint32
}

// get translates a file cluster offset to its media cluster.
func (c *clusterChain) get(offset uint32) (uint32, bool) {
	i := sort.Search(len(c.links), func(i int) bool {
		return c.links[i].offset > offset
	}) - 1
	if i < 0 {
		return 0, false
	}
	l := c.links[i]
	if offset-l.offset >= l.end-l.start {
		return 0, false
	}
	return l.start + (offset - l.offset), true
}

// last returns the media cluster of the final file cluster.
func (c *clusterChain) last() (uint32, bool) {
	if c.count == 0 {
		return 0, false
	}
	return c.get(c.count - 1)
}

// push appends one media cluster to the end of the chain.
func (c *clusterChain) push(cluster uint32) {
	if n := len(c.links); n > 0 && c.links[n-1].end == cluster {
		c.links[n-1].end++
	} else {
		c.links = append(c.links, clusterRange{offset: c.count, start: cluster, end: cluster + 1})
	}
	c.count++
}

// extend appends all clusters of o to the end of the chain.
func (c *clusterChain) extend(o *clusterChain) {
	for _, l := range o.links {
		for cluster := l.start; cluster < l.end; cluster++ {
			c.push(cluster)
		}
	}
}

// shorten removes amount clusters from the end of the chain.
func (c *clusterChain) shorten(amount uint32) {
	for amount > 0 && len(c.links) > 0 {
		l := &c.links[len(c.links)-1]
		n := l.end - l.start
		if n <= amount {
			amount -= n
			c.count -= n
			c.links = c.links[:len(c.links)-1]
		} else {
			l.end -= amount
			c.count -= amount
			amount = 0
		}
	}
}

// io reads or writes file content through the chain. Byte offsets are
// relative to the start of the file; runs crossing a range boundary are
// split, runs inside one range go to media in a single operation.
func (c *clusterChain) io(fs *fatFS, offset uint64, p []byte, write bool) error {
	cse := uint64(fs.clusterSizeExp)
	for len(p) > 0 {
		fileCluster := uint32(offset >> cse)
		i := sort.Search(len(c.links), func(i int) bool {
			return c.links[i].offset > fileCluster
		}) - 1
		if i < 0 {
			return errno.EIO
		}
		l := c.links[i]
		if fileCluster-l.offset >= l.end-l.start {
			return errno.EIO
		}
		cluster := l.start + (fileCluster - l.offset)
		in := offset & (1<<cse - 1)

		run := (uint64(l.end-cluster) << cse) - in
		n := uint64(len(p))
		if n > run {
			n = run
		}

		mediaOff := fs.dataOffset + uint64(cluster)<<cse + in
		var err error
		if write {
			err = fs.media.Write(mediaOff, p[:n])
		} else {
			err = fs.media.Read(mediaOff, p[:n])
		}
		if err != nil {
			return err
		}
		p = p[n:]
		offset += n
	}
	return nil
}
