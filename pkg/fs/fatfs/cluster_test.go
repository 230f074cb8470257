package fatfs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgeteam/badgevfs/pkg/errno"
)

func TestClusterChainCoalescing(t *testing.T) {
	var c clusterChain
	for _, cl := range []uint32{10, 11, 12, 20, 21, 5} {
		c.push(cl)
	}

	// Three runs: 10-12, 20-21, 5.
	require.Len(t, c.links, 3)
	assert.Equal(t, uint32(6), c.count)

	want := []uint32{10, 11, 12, 20, 21, 5}
	for off, cl := range want {
		got, ok := c.get(uint32(off))
		require.True(t, ok, "offset %d", off)
		assert.Equal(t, cl, got, "offset %d", off)
	}

	_, ok := c.get(6)
	assert.False(t, ok)

	last, ok := c.last()
	require.True(t, ok)
	assert.Equal(t, uint32(5), last)
}

func TestClusterChainEmpty(t *testing.T) {
	var c clusterChain
	_, ok := c.get(0)
	assert.False(t, ok)
	_, ok = c.last()
	assert.False(t, ok)
}

func TestClusterChainExtend(t *testing.T) {
	var a, b clusterChain
	a.push(4)
	a.push(5)
	b.push(6)
	b.push(9)

	a.extend(&b)

	// 4-6 coalesce across the extend boundary.
	require.Len(t, a.links, 2)
	assert.Equal(t, uint32(4), a.count)
	got, ok := a.get(2)
	require.True(t, ok)
	assert.Equal(t, uint32(6), got)
	got, ok = a.get(3)
	require.True(t, ok)
	assert.Equal(t, uint32(9), got)
}

func TestClusterChainShorten(t *testing.T) {
	var c clusterChain
	for _, cl := range []uint32{1, 2, 3, 7, 8} {
		c.push(cl)
	}

	c.shorten(1)
	assert.Equal(t, uint32(4), c.count)
	last, _ := c.last()
	assert.Equal(t, uint32(7), last)

	// Removing two more drops the rest of the second run and part of
	// the first.
	c.shorten(2)
	assert.Equal(t, uint32(2), c.count)
	last, _ = c.last()
	assert.Equal(t, uint32(2), last)

	c.shorten(10)
	assert.Equal(t, uint32(0), c.count)
	assert.Empty(t, c.links)
}

func TestClusterAllocExhaustion(t *testing.T) {
	a := newClusterAlloc(8)
	for i := uint32(0); i < 8; i++ {
		a.free(i)
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		cl, ok := a.alloc()
		require.True(t, ok)
		require.Less(t, cl, uint32(8))
		require.False(t, seen[cl], "cluster %d handed out twice", cl)
		seen[cl] = true
	}

	_, ok := a.alloc()
	assert.False(t, ok)

	a.free(3)
	cl, ok := a.alloc()
	require.True(t, ok)
	assert.Equal(t, uint32(3), cl)
}

func TestAllocChainRollback(t *testing.T) {
	a := newClusterAlloc(4)
	for i := uint32(0); i < 4; i++ {
		a.free(i)
	}

	_, err := a.allocChain(6)
	require.ErrorIs(t, err, errno.ENOSPC)

	// Failure returns every claimed cluster, so a fitting request still
	// succeeds afterwards.
	c, err := a.allocChain(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), c.count)
}

func TestClusterAllocConcurrent(t *testing.T) {
	const total = 512
	a := newClusterAlloc(total)
	for i := uint32(0); i < total; i++ {
		a.free(i)
	}

	const workers = 8
	results := make([][]uint32, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				cl, ok := a.alloc()
				if !ok {
					return
				}
				results[w] = append(results[w], cl)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint32]bool, total)
	n := 0
	for _, r := range results {
		for _, cl := range r {
			require.False(t, seen[cl], "cluster %d handed out twice", cl)
			seen[cl] = true
			n++
		}
	}
	assert.Equal(t, total, n)
	assert.Equal(t, uint32(0), a.available.Load())
}
