package part

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
)

var (
	testDiskGUID = uuid.MustParse("11111111-2222-3333-4444-555555555555")
	testTypeGUID = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
	testPartGUID = uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
)

// guidToLE encodes a GUID the way GPT stores it, with the first three
// fields byte-swapped.
func guidToLE(id uuid.UUID, b []byte) {
	b[0], b[1], b[2], b[3] = id[3], id[2], id[1], id[0]
	b[4], b[5] = id[5], id[4]
	b[6], b[7] = id[7], id[6]
	copy(b[8:16], id[8:16])
}

func putUTF16Name(b []byte, name string) {
	for i, r := range name {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(r))
	}
}

// buildGPT writes a 64 sector image with a primary GPT at LBA 1, the
// standard 128 entry table at LBA 2 and two partitions.
func buildGPT(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 64*lbaSize)

	table := img[2*lbaSize : 2*lbaSize+128*gptEntryMinSize]
	ent := table[0:]
	guidToLE(testTypeGUID, ent[0:16])
	guidToLE(testPartGUID, ent[16:32])
	binary.LittleEndian.PutUint64(ent[32:], 34) // first LBA
	binary.LittleEndian.PutUint64(ent[40:], 41) // last LBA
	putUTF16Name(ent[56:], "system")

	ent = table[gptEntryMinSize:]
	guidToLE(testTypeGUID, ent[0:16])
	guidToLE(testDiskGUID, ent[16:32])
	binary.LittleEndian.PutUint64(ent[32:], 42)
	binary.LittleEndian.PutUint64(ent[40:], 60)
	putUTF16Name(ent[56:], "data")

	hdr := img[lbaSize:]
	copy(hdr[gptOffSignature:], gptSignature)
	binary.LittleEndian.PutUint32(hdr[gptOffRevision:], 0x00010000)
	binary.LittleEndian.PutUint32(hdr[gptOffHeaderSize:], gptHeaderSize)
	binary.LittleEndian.PutUint64(hdr[gptOffCurrentLBA:], 1)
	binary.LittleEndian.PutUint64(hdr[gptOffBackupLBA:], 63)
	binary.LittleEndian.PutUint64(hdr[gptOffFirstUsable:], 34)
	binary.LittleEndian.PutUint64(hdr[gptOffLastUsable:], 60)
	guidToLE(testDiskGUID, hdr[gptOffDiskGUID:gptOffDiskGUID+16])
	binary.LittleEndian.PutUint64(hdr[gptOffEntriesLBA:], 2)
	binary.LittleEndian.PutUint32(hdr[gptOffEntryCount:], 128)
	binary.LittleEndian.PutUint32(hdr[gptOffEntrySize:], gptEntryMinSize)
	binary.LittleEndian.PutUint32(hdr[gptOffEntriesCRC:], crc32.ChecksumIEEE(table))
	binary.LittleEndian.PutUint32(hdr[gptOffHeaderCRC:], crc32.ChecksumIEEE(hdr[:gptHeaderSize]))
	return img
}

func TestGPTDetect(t *testing.T) {
	vol, err := Detect(media.NewRam(buildGPT(t)))
	require.NoError(t, err)

	assert.Equal(t, "gpt", vol.Table)
	assert.Equal(t, testDiskGUID, vol.DiskID)
	require.Len(t, vol.Partitions, 2)

	p := vol.Partitions[0]
	assert.Equal(t, 0, p.Index)
	assert.Equal(t, uint64(34*lbaSize), p.Offset)
	assert.Equal(t, uint64(8*lbaSize), p.Size)
	assert.Equal(t, testTypeGUID, p.TypeGUID)
	assert.Equal(t, testPartGUID, p.ID)
	assert.Equal(t, "system", p.Name)

	assert.Equal(t, "data", vol.Partitions[1].Name)
	assert.Equal(t, uint64(19*lbaSize), vol.Partitions[1].Size)
}

func TestGPTAlternateHeaderFallback(t *testing.T) {
	img := buildGPT(t)

	// Write a valid alternate header at the last LBA, then damage the
	// primary.
	alt := make([]byte, gptHeaderSize)
	copy(alt, img[lbaSize:lbaSize+gptHeaderSize])
	binary.LittleEndian.PutUint64(alt[gptOffCurrentLBA:], 63)
	binary.LittleEndian.PutUint64(alt[gptOffBackupLBA:], 1)
	clear(alt[gptOffHeaderCRC : gptOffHeaderCRC+4])
	binary.LittleEndian.PutUint32(alt[gptOffHeaderCRC:], crc32.ChecksumIEEE(alt))
	copy(img[63*lbaSize:], alt)
	img[lbaSize] ^= 0xff

	vol, err := Detect(media.NewRam(img))
	require.NoError(t, err)
	assert.Equal(t, "gpt", vol.Table)
	assert.Len(t, vol.Partitions, 2)
}

func TestGPTHeaderCRCRejected(t *testing.T) {
	img := buildGPT(t)
	img[lbaSize+gptOffDiskGUID] ^= 0xff

	_, err := Detect(media.NewRam(img))
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestGPTEntriesCRCRejected(t *testing.T) {
	img := buildGPT(t)
	img[2*lbaSize+32] ^= 0xff

	_, err := Detect(media.NewRam(img))
	assert.ErrorIs(t, err, errno.EINVAL)
}

func buildMBR(entries [][3]uint32) []byte {
	img := make([]byte, 64*lbaSize)
	img[mbrOffSignature], img[mbrOffSignature+1] = 0x55, 0xaa
	for i, e := range entries {
		ent := img[mbrOffEntries+i*mbrEntrySize:]
		ent[4] = byte(e[0])
		binary.LittleEndian.PutUint32(ent[8:], e[1])
		binary.LittleEndian.PutUint32(ent[12:], e[2])
	}
	return img
}

func TestMBRDetect(t *testing.T) {
	img := buildMBR([][3]uint32{
		{0x0c, 8, 16}, // FAT32 LBA
		{0x83, 24, 32},
	})
	vol, err := Detect(media.NewRam(img))
	require.NoError(t, err)

	assert.Equal(t, "mbr", vol.Table)
	assert.False(t, vol.ReadOnly)
	require.Len(t, vol.Partitions, 2)
	assert.Equal(t, uint8(0x0c), vol.Partitions[0].TypeByte)
	assert.Equal(t, uint64(8*lbaSize), vol.Partitions[0].Offset)
	assert.Equal(t, uint64(16*lbaSize), vol.Partitions[0].Size)
	assert.Equal(t, 1, vol.Partitions[1].Index)
}

func TestMBRReadOnlyMarker(t *testing.T) {
	img := buildMBR([][3]uint32{{0x83, 8, 8}})
	img[mbrOffReadOnly], img[mbrOffReadOnly+1] = 0x5a, 0x5a

	vol, err := Detect(media.NewRam(img))
	require.NoError(t, err)
	assert.True(t, vol.ReadOnly)
	assert.True(t, vol.Partitions[0].ReadOnly)
}

func TestProtectiveMBRHidden(t *testing.T) {
	img := buildMBR([][3]uint32{{MBRTypeProtectiveGPT, 1, 63}})
	_, err := Detect(media.NewRam(img))
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestNoTable(t *testing.T) {
	_, err := Detect(media.NewRam(make([]byte, 64*lbaSize)))
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestPartitionMedia(t *testing.T) {
	vol, err := Detect(media.NewRam(buildGPT(t)))
	require.NoError(t, err)

	sub, err := vol.Partitions[0].Media(media.NewRam(buildGPT(t)))
	require.NoError(t, err)
	assert.Equal(t, uint64(8*lbaSize), sub.Size())
}
