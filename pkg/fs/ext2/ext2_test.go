package ext2

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// mkfsExt2 builds a minimal rev 0 image: 64 blocks of 1 KiB in a single
// group with 32 inodes. Block 3 holds the block bitmap, block 4 the inode
// bitmap, blocks 5 to 8 the inode table and block 9 the root directory.
func mkfsExt2(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 64*1024)
	le := binary.LittleEndian

	sb := img[1024:]
	le.PutUint32(sb[0:], 32)  // inode count
	le.PutUint32(sb[4:], 64)  // block count
	le.PutUint32(sb[12:], 54) // free blocks
	le.PutUint32(sb[16:], 22) // free inodes
	le.PutUint32(sb[20:], 1)  // first data block
	le.PutUint32(sb[24:], 0)  // 1 KiB blocks
	le.PutUint32(sb[32:], 64) // blocks per group
	le.PutUint32(sb[40:], 32) // inodes per group
	le.PutUint16(sb[56:], magic)
	le.PutUint16(sb[58:], 1) // clean

	bgd := img[2048:]
	le.PutUint32(bgd[0:], 3) // block bitmap
	le.PutUint32(bgd[4:], 4) // inode bitmap
	le.PutUint32(bgd[8:], 5) // inode table
	le.PutUint16(bgd[12:], 54)
	le.PutUint16(bgd[14:], 22)
	le.PutUint16(bgd[16:], 1)

	// Blocks 1 to 9 and the ten reserved inodes are taken.
	img[3*1024] = 0xff
	img[3*1024+1] = 0x01
	img[4*1024] = 0xff
	img[4*1024+1] = 0x03

	root := img[5*1024+inodeSize:]
	le.PutUint16(root[0:], 0x41ed) // drwxr-xr-x
	le.PutUint32(root[4:], 1024)
	le.PutUint16(root[26:], 3) // links
	le.PutUint32(root[28:], 2) // sectors
	le.PutUint32(root[40:], 9) // first block

	dir := img[9*1024:]
	le.PutUint32(dir[0:], rootIno)
	le.PutUint16(dir[4:], 12)
	dir[6] = 1
	dir[8] = '.'
	le.PutUint32(dir[12:], rootIno)
	le.PutUint16(dir[16:], 1012)
	dir[18] = 2
	dir[20], dir[21] = '.', '.'
	return img
}

func mountExt2(t *testing.T, img []byte) *vfs.Context {
	t.Helper()
	ctx := vfs.NewContext(nil)
	require.NoError(t, ctx.Mount("/", media.NewRam(img), "ext2", 0, nil))
	return ctx
}

func writeExt2File(t *testing.T, ctx *vfs.Context, path string, data []byte) {
	t.Helper()
	f, err := ctx.Open(path, vfs.OpenWrite|vfs.OpenCreate|vfs.OpenTruncate)
	require.NoError(t, err)
	n, err := f.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, f.Close())
}

func readExt2File(t *testing.T, ctx *vfs.Context, path string) []byte {
	t.Helper()
	f, err := ctx.Open(path, vfs.OpenRead|vfs.OpenFileOnly)
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

func TestDetectSuperblock(t *testing.T) {
	d := &Driver{}

	ok, err := d.Detect(media.NewRam(mkfsExt2(t)))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Detect(media.NewRam(make([]byte, 64*1024)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMountValidation(t *testing.T) {
	bad := mkfsExt2(t)
	bad[1024+56] = 0
	ctx := vfs.NewContext(nil)
	assert.ErrorIs(t, ctx.Mount("/", media.NewRam(bad), "ext2", 0, nil), errno.EIO)

	huge := mkfsExt2(t)
	huge[1024+24] = 6 // 64 KiB blocks
	ctx = vfs.NewContext(nil)
	assert.ErrorIs(t, ctx.Mount("/", media.NewRam(huge), "ext2", 0, nil), errno.EIO)

	journal := mkfsExt2(t)
	journal[1024+96] = 0x04 // needs journal recovery
	ctx = vfs.NewContext(nil)
	assert.ErrorIs(t, ctx.Mount("/", media.NewRam(journal), "ext2", 0, nil), errno.ENOTSUP)
}

func TestUnsupportedROCompatMountsReadOnly(t *testing.T) {
	img := mkfsExt2(t)
	img[1024+100] = 0x04 // btree directories
	ctx := mountExt2(t, img)

	_, err := ctx.Open("/f", vfs.OpenWrite|vfs.OpenCreate)
	assert.ErrorIs(t, err, errno.EROFS)
	assert.ErrorIs(t, ctx.MakeFile("/d", vfs.DirectorySpec()), errno.EROFS)

	// Reading still works.
	d, err := ctx.Open("/", vfs.OpenRead|vfs.OpenDirOnly)
	require.NoError(t, err)
	defer d.Close()
	_, err = d.ReadDir()
	assert.NoError(t, err)
}

func TestCreateWriteReadback(t *testing.T) {
	img := mkfsExt2(t)
	ctx := mountExt2(t, img)

	payload := bytes.Repeat([]byte("ext2 payload "), 250) // spans four blocks
	writeExt2File(t, ctx, "/notes.txt", payload)
	assert.Equal(t, payload, readExt2File(t, ctx, "/notes.txt"))
	require.NoError(t, ctx.Sync())

	// The data survives a fresh mount.
	ctx2 := mountExt2(t, img)
	assert.Equal(t, payload, readExt2File(t, ctx2, "/notes.txt"))

	st := ext2Stat(t, ctx2, "/notes.txt")
	assert.GreaterOrEqual(t, st.Ino, uint64(11))
	assert.Equal(t, uint64(len(payload)), st.Size)
}

func ext2Stat(t *testing.T, ctx *vfs.Context, path string) vfs.Stat {
	t.Helper()
	f, err := ctx.Open(path, vfs.OpenRead)
	require.NoError(t, err)
	defer f.Close()
	st, err := f.Stat()
	require.NoError(t, err)
	return st
}

func TestSparseFile(t *testing.T) {
	ctx := mountExt2(t, mkfsExt2(t))

	f, err := ctx.Open("/sparse", vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Resize(5000))
	_, err = f.Seek(vfs.SeekSet, 4000)
	require.NoError(t, err)
	_, err = f.Write([]byte("tail"))
	require.NoError(t, err)

	// Holes read as zeroes.
	_, err = f.Seek(vfs.SeekSet, 0)
	require.NoError(t, err)
	buf := make([]byte, 4004)
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		require.NoError(t, err)
		require.NotZero(t, n)
		total += n
	}
	assert.Equal(t, make([]byte, 4000), buf[:4000])
	assert.Equal(t, []byte("tail"), buf[4000:])
}

func TestShrinkZeroesTail(t *testing.T) {
	ctx := mountExt2(t, mkfsExt2(t))
	writeExt2File(t, ctx, "/f", bytes.Repeat([]byte{0xaa}, 3000))

	f, err := ctx.Open("/f", vfs.OpenReadWrite)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Resize(100))
	require.NoError(t, f.Resize(300))

	_, err = f.Seek(vfs.SeekSet, 0)
	require.NoError(t, err)
	buf := make([]byte, 300)
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		require.NoError(t, err)
		require.NotZero(t, n)
		total += n
	}
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 100), buf[:100])
	assert.Equal(t, make([]byte, 200), buf[100:])
}

func TestDirectories(t *testing.T) {
	ctx := mountExt2(t, mkfsExt2(t))

	require.NoError(t, ctx.MakeFile("/a", vfs.DirectorySpec()))
	require.NoError(t, ctx.MakeFile("/a/b", vfs.DirectorySpec()))
	writeExt2File(t, ctx, "/a/b/f", []byte("deep"))

	d, err := ctx.Open("/a", vfs.OpenRead|vfs.OpenDirOnly)
	require.NoError(t, err)
	dirents, err := d.ReadDir()
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.Len(t, dirents, 1)
	assert.Equal(t, "b", dirents[0].Name)
	assert.Equal(t, vfs.TypeDirectory, dirents[0].Type)

	assert.ErrorIs(t, ctx.Unlink("/a", true), errno.ENOTEMPTY)
	require.NoError(t, ctx.Unlink("/a/b/f", false))
	require.NoError(t, ctx.Unlink("/a/b", true))
	require.NoError(t, ctx.Unlink("/a", true))
}

func TestSymlinks(t *testing.T) {
	ctx := mountExt2(t, mkfsExt2(t))
	writeExt2File(t, ctx, "/target", []byte("pointed at"))

	// Short targets are stored inside the inode, long ones in a block.
	require.NoError(t, ctx.MakeFile("/fast", vfs.SymlinkSpec("/target")))
	longDir := "/" + strings.Repeat("d", 80)
	require.NoError(t, ctx.MakeFile(longDir, vfs.DirectorySpec()))
	writeExt2File(t, ctx, longDir+"/f", []byte("far"))
	require.NoError(t, ctx.MakeFile("/slow", vfs.SymlinkSpec(longDir)))

	assert.Equal(t, []byte("pointed at"), readExt2File(t, ctx, "/fast"))
	assert.Equal(t, []byte("far"), readExt2File(t, ctx, "/slow/f"))

	real, err := ctx.Realpath("/slow/f")
	require.NoError(t, err)
	assert.Equal(t, longDir+"/f", real)
}

func TestHardLinks(t *testing.T) {
	ctx := mountExt2(t, mkfsExt2(t))
	writeExt2File(t, ctx, "/a", []byte("shared"))

	require.NoError(t, ctx.Link("/a", "/b", 0))
	stA := ext2Stat(t, ctx, "/a")
	stB := ext2Stat(t, ctx, "/b")
	assert.Equal(t, stA.Ino, stB.Ino)
	assert.EqualValues(t, 2, stA.Nlink)

	require.NoError(t, ctx.Unlink("/a", false))
	assert.Equal(t, []byte("shared"), readExt2File(t, ctx, "/b"))
	assert.EqualValues(t, 1, ext2Stat(t, ctx, "/b").Nlink)
}

func TestRenameMovesDotDot(t *testing.T) {
	ctx := mountExt2(t, mkfsExt2(t))
	require.NoError(t, ctx.MakeFile("/src", vfs.DirectorySpec()))
	require.NoError(t, ctx.MakeFile("/dst", vfs.DirectorySpec()))
	require.NoError(t, ctx.MakeFile("/src/sub", vfs.DirectorySpec()))
	writeExt2File(t, ctx, "/src/sub/f", []byte("x"))

	require.NoError(t, ctx.Rename("/src/sub", "/dst/sub", 0))

	_, err := ctx.Open("/src/sub", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ENOENT)
	assert.Equal(t, []byte("x"), readExt2File(t, ctx, "/dst/sub/f"))

	// ".." of the moved directory points at its new parent, so the
	// source directory can be removed.
	require.NoError(t, ctx.Unlink("/src", true))
	real, err := ctx.Realpath("/dst/sub/../sub/f")
	require.NoError(t, err)
	assert.Equal(t, "/dst/sub/f", real)
}

func TestOutOfSpace(t *testing.T) {
	ctx := mountExt2(t, mkfsExt2(t))

	f, err := ctx.Open("/big", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(make([]byte, 64*1024))
	assert.ErrorIs(t, err, errno.ENOSPC)
}

func TestCorruptionDegradesToReadOnly(t *testing.T) {
	img := mkfsExt2(t)
	ctx := mountExt2(t, img)
	writeExt2File(t, ctx, "/f", []byte("x"))

	// Break the record length of the ".." entry in the root directory.
	binary.LittleEndian.PutUint16(img[9*1024+16:], 7)

	d, err := ctx.Open("/", vfs.OpenRead|vfs.OpenDirOnly)
	require.NoError(t, err)
	defer d.Close()

	// Listing still succeeds with the entries parsed before the damage.
	dirents, err := d.ReadDir()
	require.NoError(t, err)
	assert.Empty(t, dirents)

	// Every mutation fails once the filesystem latched read-only.
	assert.ErrorIs(t, ctx.MakeFile("/g", vfs.RegularSpec()), errno.EROFS)
	assert.ErrorIs(t, ctx.Unlink("/f", false), errno.EROFS)
}
