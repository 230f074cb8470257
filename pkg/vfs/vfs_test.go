package vfs_test

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgeteam/badgevfs/pkg/errno"
	_ "github.com/badgeteam/badgevfs/pkg/fs/ramfs"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// countingMetrics records vfs.Metrics callbacks for assertions.
type countingMetrics struct {
	hits, misses, negHits atomic.Int64
	opened, closed        atomic.Int64
}

func (m *countingMetrics) LookupHit()   { m.hits.Add(1) }
func (m *countingMetrics) LookupMiss()  { m.misses.Add(1) }
func (m *countingMetrics) NegativeHit() { m.negHits.Add(1) }
func (m *countingMetrics) VNodeOpened() { m.opened.Add(1) }
func (m *countingMetrics) VNodeClosed() { m.closed.Add(1) }

func newTestContext(t *testing.T) (*vfs.Context, *countingMetrics) {
	t.Helper()
	m := &countingMetrics{}
	ctx := vfs.NewContext(m)
	require.NoError(t, ctx.Mount("/", nil, "ramfs", 0, nil))
	return ctx, m
}

func writeFile(t *testing.T, ctx *vfs.Context, path string, data []byte) {
	t.Helper()
	f, err := ctx.Open(path, vfs.OpenWrite|vfs.OpenCreate|vfs.OpenTruncate)
	require.NoError(t, err)
	n, err := f.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, f.Close())
}

func readFile(t *testing.T, ctx *vfs.Context, path string) []byte {
	t.Helper()
	f, err := ctx.Open(path, vfs.OpenRead)
	require.NoError(t, err)
	defer f.Close()
	st, err := f.Stat()
	require.NoError(t, err)
	buf := make([]byte, st.Size)
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	return buf[:total]
}

func statPath(t *testing.T, ctx *vfs.Context, path string) vfs.Stat {
	t.Helper()
	f, err := ctx.Open(path, vfs.OpenRead|vfs.OpenNonblock)
	require.NoError(t, err)
	defer f.Close()
	st, err := f.Stat()
	require.NoError(t, err)
	return st
}

func TestCreateWriteRead(t *testing.T) {
	ctx, _ := newTestContext(t)

	require.NoError(t, ctx.MakeFile("/docs", vfs.DirectorySpec()))
	writeFile(t, ctx, "/docs/hello.txt", []byte("hello world"))

	assert.Equal(t, []byte("hello world"), readFile(t, ctx, "/docs/hello.txt"))

	st := statPath(t, ctx, "/docs/hello.txt")
	assert.Equal(t, uint64(11), st.Size)
	assert.Equal(t, vfs.TypeRegular, vfs.TypeFromMode(st.Mode))
}

func TestSeekAndOverwrite(t *testing.T) {
	ctx, _ := newTestContext(t)
	writeFile(t, ctx, "/f", []byte("abcdefgh"))

	f, err := ctx.Open("/f", vfs.OpenReadWrite)
	require.NoError(t, err)
	defer f.Close()

	pos, err := f.Seek(vfs.SeekSet, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), pos)
	_, err = f.Write([]byte("XY"))
	require.NoError(t, err)

	pos, err = f.Seek(vfs.SeekEnd, -1)
	require.NoError(t, err)
	require.Equal(t, uint64(7), pos)

	pos, err = f.Seek(vfs.SeekCur, -7)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pos)

	buf := make([]byte, 8)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("abXYefgh"), buf[:n])
}

func TestReadAtEOF(t *testing.T) {
	ctx, _ := newTestContext(t)
	writeFile(t, ctx, "/f", []byte("x"))

	f, err := ctx.Open("/f", vfs.OpenRead)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Reads past the end return zero bytes without an error.
	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpenFlagValidation(t *testing.T) {
	ctx, _ := newTestContext(t)

	tests := []struct {
		name  string
		flags vfs.OpenFlags
	}{
		{"append without write", vfs.OpenRead | vfs.OpenAppend},
		{"exclusive without create", vfs.OpenRead | vfs.OpenExclusive},
		{"truncate without write", vfs.OpenRead | vfs.OpenTruncate},
		{"dironly with write", vfs.OpenWrite | vfs.OpenDirOnly},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ctx.Open("/", tc.flags)
			assert.ErrorIs(t, err, errno.EINVAL)
		})
	}
}

func TestOpenKindChecks(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/d", vfs.DirectorySpec()))
	writeFile(t, ctx, "/f", nil)

	_, err := ctx.Open("/d", vfs.OpenRead|vfs.OpenFileOnly)
	assert.ErrorIs(t, err, errno.EISDIR)

	_, err = ctx.Open("/d", vfs.OpenWrite)
	assert.ErrorIs(t, err, errno.EISDIR)

	_, err = ctx.Open("/f", vfs.OpenRead|vfs.OpenDirOnly)
	assert.ErrorIs(t, err, errno.ENOTDIR)

	_, err = ctx.Open("/missing", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ENOENT)

	_, err = ctx.Open("/f", vfs.OpenRead|vfs.OpenCreate|vfs.OpenExclusive)
	assert.ErrorIs(t, err, errno.EEXIST)
}

func TestVNodeIdentity(t *testing.T) {
	ctx, _ := newTestContext(t)
	writeFile(t, ctx, "/f", []byte("data"))

	a, err := ctx.Open("/f", vfs.OpenRead)
	require.NoError(t, err)
	defer a.Close()
	b, err := ctx.Open("/f", vfs.OpenRead)
	require.NoError(t, err)
	defer b.Close()

	// Two handles on the same path share one live vnode.
	assert.Same(t, a.VNode(), b.VNode())
}

func TestNegativeLookupCaching(t *testing.T) {
	ctx, m := newTestContext(t)

	_, err := ctx.Open("/nope", vfs.OpenRead)
	require.ErrorIs(t, err, errno.ENOENT)
	missesAfterFirst := m.misses.Load()
	require.Greater(t, missesAfterFirst, int64(0))

	// The second lookup is answered from the negative cache without
	// consulting the driver again.
	_, err = ctx.Open("/nope", vfs.OpenRead)
	require.ErrorIs(t, err, errno.ENOENT)
	assert.Equal(t, missesAfterFirst, m.misses.Load())
	assert.Greater(t, m.negHits.Load(), int64(0))
}

func TestNegativeEntryInvalidatedByCreate(t *testing.T) {
	ctx, _ := newTestContext(t)

	_, err := ctx.Open("/late", vfs.OpenRead)
	require.ErrorIs(t, err, errno.ENOENT)

	writeFile(t, ctx, "/late", []byte("now"))
	assert.Equal(t, []byte("now"), readFile(t, ctx, "/late"))
}

func TestRealpath(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/a", vfs.DirectorySpec()))
	require.NoError(t, ctx.MakeFile("/a/b", vfs.DirectorySpec()))
	writeFile(t, ctx, "/a/b/c", nil)
	require.NoError(t, ctx.MakeFile("/link", vfs.SymlinkSpec("/a/b")))

	tests := []struct {
		in, want string
	}{
		{"/a/b/c", "/a/b/c"},
		{"/a/./b/../b/c", "/a/b/c"},
		{"/a/b/..", "/a"},
		{"/..", "/"},
		{"/link/c", "/a/b/c"},
	}
	for _, tc := range tests {
		got, err := ctx.Realpath(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestSymlinkLoop(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/x", vfs.SymlinkSpec("/y")))
	require.NoError(t, ctx.MakeFile("/y", vfs.SymlinkSpec("/x")))

	_, err := ctx.Open("/x", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ELOOP)
}

func TestOpenNoFollow(t *testing.T) {
	ctx, _ := newTestContext(t)
	writeFile(t, ctx, "/target", nil)
	require.NoError(t, ctx.MakeFile("/ln", vfs.SymlinkSpec("/target")))

	f, err := ctx.Open("/ln", vfs.OpenRead)
	require.NoError(t, err)
	f.Close()

	_, err = ctx.Open("/ln", vfs.OpenRead|vfs.OpenNoFollow)
	assert.ErrorIs(t, err, errno.ELOOP)
}

func TestConcurrentAppend(t *testing.T) {
	ctx, _ := newTestContext(t)
	writeFile(t, ctx, "/log", nil)

	const writers = 4
	const writesEach = 64
	chunk := []byte("0123456789")

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		f, err := ctx.Open("/log", vfs.OpenWrite|vfs.OpenAppend)
		require.NoError(t, err)
		wg.Add(1)
		go func(f vfs.File) {
			defer wg.Done()
			defer f.Close()
			for j := 0; j < writesEach; j++ {
				if _, err := f.Write(chunk); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}(f)
	}
	wg.Wait()

	st := statPath(t, ctx, "/log")
	assert.Equal(t, uint64(writers*writesEach*len(chunk)), st.Size)
}

func TestUnlinkOpenFile(t *testing.T) {
	ctx, _ := newTestContext(t)
	writeFile(t, ctx, "/f", []byte("still here"))

	f, err := ctx.Open("/f", vfs.OpenRead)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, ctx.Unlink("/f", false))

	_, err = ctx.Open("/f", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ENOENT)

	// The open handle keeps working after the name is gone.
	buf := make([]byte, 16)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), buf[:n])
}

func TestUnlinkTypeChecks(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/d", vfs.DirectorySpec()))
	writeFile(t, ctx, "/d/f", nil)

	assert.ErrorIs(t, ctx.Unlink("/d", false), errno.EISDIR)
	assert.ErrorIs(t, ctx.Unlink("/d/f", true), errno.ENOTDIR)
	assert.ErrorIs(t, ctx.Unlink("/d", true), errno.ENOTEMPTY)

	require.NoError(t, ctx.Unlink("/d/f", false))
	require.NoError(t, ctx.Unlink("/d", true))
	_, err := ctx.Open("/d", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestRename(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/src", vfs.DirectorySpec()))
	require.NoError(t, ctx.MakeFile("/dst", vfs.DirectorySpec()))
	writeFile(t, ctx, "/src/f", []byte("payload"))

	require.NoError(t, ctx.Rename("/src/f", "/dst/g", 0))

	_, err := ctx.Open("/src/f", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ENOENT)
	assert.Equal(t, []byte("payload"), readFile(t, ctx, "/dst/g"))
}

func TestHardLink(t *testing.T) {
	ctx, _ := newTestContext(t)
	writeFile(t, ctx, "/a", []byte("shared"))

	require.NoError(t, ctx.Link("/a", "/b", 0))

	stA := statPath(t, ctx, "/a")
	stB := statPath(t, ctx, "/b")
	assert.Equal(t, stA.Ino, stB.Ino)
	assert.EqualValues(t, 2, stA.Nlink)

	require.NoError(t, ctx.Unlink("/a", false))
	assert.Equal(t, []byte("shared"), readFile(t, ctx, "/b"))
}

func TestReadDir(t *testing.T) {
	ctx, _ := newTestContext(t)
	names := []string{"alpha", "beta", "gamma"}
	for _, n := range names {
		writeFile(t, ctx, "/"+n, nil)
	}

	d, err := ctx.Open("/", vfs.OpenRead|vfs.OpenDirOnly)
	require.NoError(t, err)
	defer d.Close()

	dirents, err := d.ReadDir()
	require.NoError(t, err)
	got := make(map[string]bool, len(dirents))
	for _, de := range dirents {
		got[de.Name] = true
	}
	for _, n := range names {
		assert.True(t, got[n], "missing %s", n)
	}
}

func TestPipe(t *testing.T) {
	ctx, _ := newTestContext(t)

	r, w, err := ctx.Pipe(true)
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	buf := make([]byte, 8)
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, errno.EAGAIN)

	n, err := w.Write([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf[:n])
}

func TestFifoNode(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/fifo", vfs.FifoSpec()))

	r, err := ctx.Open("/fifo", vfs.OpenRead|vfs.OpenNonblock)
	require.NoError(t, err)
	defer r.Close()
	st, err := r.Stat()
	require.NoError(t, err)
	require.Equal(t, vfs.TypeFifo, vfs.TypeFromMode(st.Mode))
	w, err := ctx.Open("/fifo", vfs.OpenWrite|vfs.OpenNonblock)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), buf[:n])
}

func TestFifoOpenHandshake(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/fifo", vfs.FifoSpec()))

	// Read-write opens complete without a peer.
	rw, err := ctx.Open("/fifo", vfs.OpenReadWrite)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	type opened struct {
		f   vfs.File
		err error
	}
	readerDone := make(chan opened, 1)
	go func() {
		f, err := ctx.Open("/fifo", vfs.OpenRead)
		readerDone <- opened{f, err}
	}()

	// The read-only open must stay parked until a writer shows up.
	select {
	case <-readerDone:
		t.Fatal("read-only open returned before a writer arrived")
	case <-time.After(100 * time.Millisecond):
	}

	// The write-only open sees the waiting reader, and both complete.
	w, err := ctx.Open("/fifo", vfs.OpenWrite)
	require.NoError(t, err)
	defer w.Close()

	select {
	case got := <-readerDone:
		require.NoError(t, got.err)
		require.NoError(t, got.f.Close())
	case <-time.After(5 * time.Second):
		t.Fatal("read-only open still blocked after writer arrived")
	}
}

func TestPipeBlockingTransfer(t *testing.T) {
	ctx, _ := newTestContext(t)

	r, w, err := ctx.Pipe(false)
	require.NoError(t, err)
	defer r.Close()

	// Several times the pipe capacity, so the writer blocks on a full
	// ring and the reader blocks on an empty one.
	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer w.Close()
		n, err := w.Write(payload)
		if err == nil && n != len(payload) {
			err = fmt.Errorf("short write: %d of %d", n, len(payload))
		}
		writeErr <- err
	}()

	var got bytes.Buffer
	buf := make([]byte, 1000)
	for got.Len() < len(payload) {
		n, err := r.Read(buf)
		require.NoError(t, err)
		require.NotZero(t, n, "blocking read returned no data with the writer open")
		got.Write(buf[:n])
	}

	select {
	case err := <-writeErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer still blocked after all data was read")
	}
	require.Equal(t, payload, got.Bytes())
}

func TestPipeCompetingReaders(t *testing.T) {
	ctx, _ := newTestContext(t)

	r, w, err := ctx.Pipe(false)
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	type result struct {
		n   int
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			buf := make([]byte, 1)
			n, err := r.Read(buf)
			results <- result{n, err}
		}()
	}

	// Let both readers park, then satisfy them one byte at a time. The
	// reader losing the race for the first byte must keep waiting
	// rather than report an empty read.
	time.Sleep(100 * time.Millisecond)
	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	select {
	case got := <-results:
		require.NoError(t, got.err)
		require.Equal(t, 1, got.n)
	case <-time.After(5 * time.Second):
		t.Fatal("no reader completed after the first write")
	}
	select {
	case got := <-results:
		t.Fatalf("second reader returned (%d, %v) with no data pending", got.n, got.err)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = w.Write([]byte{2})
	require.NoError(t, err)
	select {
	case got := <-results:
		require.NoError(t, got.err)
		require.Equal(t, 1, got.n)
	case <-time.After(5 * time.Second):
		t.Fatal("second reader still blocked after the second write")
	}
}

func TestNestedMount(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/mnt", vfs.DirectorySpec()))
	require.NoError(t, ctx.Mount("/mnt", nil, "ramfs", 0, nil))

	mounts := ctx.Mounts()
	require.Len(t, mounts, 2)

	writeFile(t, ctx, "/mnt/inner", []byte("nested"))
	assert.Equal(t, []byte("nested"), readFile(t, ctx, "/mnt/inner"))

	// The mount is busy while a file on it is open.
	f, err := ctx.Open("/mnt/inner", vfs.OpenRead)
	require.NoError(t, err)
	assert.ErrorIs(t, ctx.Unmount("/mnt", 0), errno.EBUSY)
	require.NoError(t, f.Close())

	require.NoError(t, ctx.Unmount("/mnt", 0))
	_, err = ctx.Open("/mnt/inner", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestFirstMountMustBeRoot(t *testing.T) {
	ctx := vfs.NewContext(nil)
	err := ctx.Mount("/data", nil, "ramfs", 0, nil)
	assert.Error(t, err)
}

func TestReadOnlyMount(t *testing.T) {
	ctx, _ := newTestContext(t)
	require.NoError(t, ctx.MakeFile("/ro", vfs.DirectorySpec()))
	require.NoError(t, ctx.Mount("/ro", nil, "ramfs", vfs.MountReadOnly, nil))

	_, err := ctx.Open("/ro/f", vfs.OpenWrite|vfs.OpenCreate)
	assert.ErrorIs(t, err, errno.EROFS)
	assert.ErrorIs(t, ctx.MakeFile("/ro/d", vfs.DirectorySpec()), errno.EROFS)
}

func TestVNodeMetricsBalance(t *testing.T) {
	ctx, m := newTestContext(t)

	for i := 0; i < 8; i++ {
		writeFile(t, ctx, fmt.Sprintf("/f%d", i), []byte("x"))
	}
	ctx.Prune()

	opened := m.opened.Load()
	closed := m.closed.Load()
	assert.GreaterOrEqual(t, opened, int64(8))
	// Everything but the root vnode should have been reclaimed.
	assert.Equal(t, opened-1, closed)
}
