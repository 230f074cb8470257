package fatfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// mkfsFat12 builds a minimal FAT12 image: 64 sectors of 512 bytes, one
// reserved sector, one FAT sector, one root directory sector of 16
// entries and 61 data clusters of one sector each.
func mkfsFat12(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 64*512)
	img[11], img[12] = 0x00, 0x02 // 512 bytes per sector
	img[13] = 1                   // sectors per cluster
	img[14] = 1                   // reserved sectors
	img[16] = 1                   // FAT copies
	img[17] = 16                  // root directory entries
	img[19] = 64                  // total sectors
	img[22] = 1                   // sectors per FAT
	img[510], img[511] = 0x55, 0xaa

	// Reserved FAT entries 0 and 1.
	fat := img[512:]
	fat[0], fat[1], fat[2] = 0xf8, 0xff, 0xff
	return img
}

// addTestEntries populates the root directory with a volume label, an
// orphaned long name entry and the 8.3 file HELLO.TXT in data cluster 0.
func addTestEntries(img []byte) {
	root := img[1024:]
	copy(root[0:11], "TESTDISK   ")
	root[11] = attrVolumeID

	root[32] = 0x41 // long name run of one
	root[32+11] = attrLongName

	ent := root[64:]
	copy(ent[0:11], "HELLO   TXT")
	ent[11] = attrArchive
	ent[26] = 2 // first cluster, raw
	ent[28] = 5 // size

	// FAT entry 2 = end of chain.
	fat := img[512:]
	fat[3] = 0xff
	fat[4] = 0x0f

	copy(img[3*512:], "hello")
}

func mountImage(t *testing.T, img []byte) *vfs.Context {
	t.Helper()
	ctx := vfs.NewContext(nil)
	require.NoError(t, ctx.Mount("/", media.NewRam(img), "vfat", 0, nil))
	return ctx
}

func readAll(t *testing.T, ctx *vfs.Context, path string) []byte {
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

func TestDetect(t *testing.T) {
	d := &Driver{}

	ok, err := d.Detect(media.NewRam(mkfsFat12(t)))
	require.NoError(t, err)
	assert.True(t, ok)

	blank := make([]byte, 64*512)
	ok, err = d.Detect(media.NewRam(blank))
	require.NoError(t, err)
	assert.False(t, ok)

	badSig := mkfsFat12(t)
	badSig[510] = 0
	ok, err = d.Detect(media.NewRam(badSig))
	require.NoError(t, err)
	assert.False(t, ok)

	badSector := mkfsFat12(t)
	badSector[11], badSector[12] = 0x00, 0x03 // not a power of two
	ok, err = d.Detect(media.NewRam(badSector))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMountExistingImage(t *testing.T) {
	img := mkfsFat12(t)
	addTestEntries(img)
	ctx := mountImage(t, img)

	assert.Equal(t, []byte("hello"), readAll(t, ctx, "/HELLO.TXT"))

	d, err := ctx.Open("/", vfs.OpenRead|vfs.OpenDirOnly)
	require.NoError(t, err)
	defer d.Close()
	dirents, err := d.ReadDir()
	require.NoError(t, err)

	// The volume label and the stray long name entry are not files.
	require.Len(t, dirents, 1)
	assert.Equal(t, "HELLO.TXT", dirents[0].Name)
	assert.Equal(t, vfs.TypeRegular, dirents[0].Type)
}

func TestCreateWritePersists(t *testing.T) {
	img := mkfsFat12(t)
	ctx := mountImage(t, img)

	// Spans three clusters.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 94)
	f, err := ctx.Open("/DATA.BIN", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())
	require.NoError(t, ctx.Sync())

	// A fresh mount of the same image sees the file.
	ctx2 := mountImage(t, img)
	assert.Equal(t, payload, readAll(t, ctx2, "/DATA.BIN"))
}

func TestSubdirectories(t *testing.T) {
	ctx := mountImage(t, mkfsFat12(t))

	require.NoError(t, ctx.MakeFile("/SUB", vfs.DirectorySpec()))
	f, err := ctx.Open("/SUB/A.TXT", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.Write([]byte("inner"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d, err := ctx.Open("/SUB", vfs.OpenRead|vfs.OpenDirOnly)
	require.NoError(t, err)
	defer d.Close()
	dirents, err := d.ReadDir()
	require.NoError(t, err)

	// Dot entries stay hidden.
	require.Len(t, dirents, 1)
	assert.Equal(t, "A.TXT", dirents[0].Name)

	assert.Equal(t, []byte("inner"), readAll(t, ctx, "/SUB/A.TXT"))
}

func TestCaseHandling(t *testing.T) {
	ctx := mountImage(t, mkfsFat12(t))

	f, err := ctx.Open("/readme.txt", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Lookups are case-insensitive, the display name keeps its case.
	g, err := ctx.Open("/README.TXT", vfs.OpenRead)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	d, err := ctx.Open("/", vfs.OpenRead|vfs.OpenDirOnly)
	require.NoError(t, err)
	defer d.Close()
	dirents, err := d.ReadDir()
	require.NoError(t, err)
	require.Len(t, dirents, 1)
	assert.Equal(t, "readme.txt", dirents[0].Name)

	err = ctx.MakeFile("/Readme.Txt", vfs.RegularSpec())
	assert.ErrorIs(t, err, errno.EEXIST)
}

func TestNameRules(t *testing.T) {
	ctx := mountImage(t, mkfsFat12(t))

	// Needs a long name entry, which creation does not produce yet.
	err := ctx.MakeFile("/averylongfilename.txt", vfs.RegularSpec())
	assert.ErrorIs(t, err, errno.EINVAL)

	err = ctx.MakeFile("/bad:name", vfs.RegularSpec())
	assert.ErrorIs(t, err, errno.EINVAL)

	require.NoError(t, ctx.MakeFile("/OK.TXT", vfs.RegularSpec()))
}

func TestRenameAcrossDirectories(t *testing.T) {
	img := mkfsFat12(t)
	addTestEntries(img)
	ctx := mountImage(t, img)

	require.NoError(t, ctx.MakeFile("/DST", vfs.DirectorySpec()))
	require.NoError(t, ctx.Rename("/HELLO.TXT", "/DST/BYE.TXT", 0))

	_, err := ctx.Open("/HELLO.TXT", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ENOENT)
	assert.Equal(t, []byte("hello"), readAll(t, ctx, "/DST/BYE.TXT"))
}

func TestUnlinkRules(t *testing.T) {
	ctx := mountImage(t, mkfsFat12(t))

	require.NoError(t, ctx.MakeFile("/D", vfs.DirectorySpec()))
	require.NoError(t, ctx.MakeFile("/D/F.TXT", vfs.RegularSpec()))

	assert.ErrorIs(t, ctx.Unlink("/D", true), errno.ENOTEMPTY)
	assert.ErrorIs(t, ctx.Unlink("/D", false), errno.EISDIR)

	require.NoError(t, ctx.Unlink("/D/F.TXT", false))
	require.NoError(t, ctx.Unlink("/D", true))
	_, err := ctx.Open("/D", vfs.OpenRead)
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestOutOfSpace(t *testing.T) {
	ctx := mountImage(t, mkfsFat12(t))

	f, err := ctx.Open("/BIG.BIN", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	// 62 clusters on a filesystem with 61.
	_, err = f.Write(make([]byte, 62*512))
	assert.ErrorIs(t, err, errno.ENOSPC)
}

func TestSpecialNodesRejected(t *testing.T) {
	ctx := mountImage(t, mkfsFat12(t))

	assert.ErrorIs(t, ctx.MakeFile("/P", vfs.FifoSpec()), errno.EPERM)
	assert.ErrorIs(t, ctx.MakeFile("/L", vfs.SymlinkSpec("/x")), errno.EPERM)
	assert.ErrorIs(t, ctx.Link("/A", "/B", 0), errno.ENOENT)
}
