package part

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"strings"
	"unicode/utf16"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/google/uuid"
)

// GPT on-disk layout, all little-endian. The header lives at LBA 1 with an
// alternate copy at the last LBA. Header CRC32 (ISO-HDLC polynomial) is
// computed over HeaderSize bytes with the CRC field itself zeroed.
const (
	gptSignature  = "EFI PART"
	gptHeaderSize = 92

	gptOffSignature   = 0x00 // 8 bytes
	gptOffRevision    = 0x08 // u32
	gptOffHeaderSize  = 0x0c // u32
	gptOffHeaderCRC   = 0x10 // u32
	gptOffCurrentLBA  = 0x18 // u64
	gptOffBackupLBA   = 0x20 // u64
	gptOffFirstUsable = 0x28 // u64
	gptOffLastUsable  = 0x30 // u64
	gptOffDiskGUID    = 0x38 // 16 bytes
	gptOffEntriesLBA  = 0x48 // u64
	gptOffEntryCount  = 0x50 // u32
	gptOffEntrySize   = 0x54 // u32
	gptOffEntriesCRC  = 0x58 // u32

	gptEntryMinSize = 128
)

// guidFromLE decodes an on-disk GUID. The first three fields are stored
// little-endian while uuid.UUID wants RFC 4122 big-endian order.
func guidFromLE(b []byte) uuid.UUID {
	var raw [16]byte
	copy(raw[:], b)
	raw[0], raw[1], raw[2], raw[3] = b[3], b[2], b[1], b[0]
	raw[4], raw[5] = b[5], b[4]
	raw[6], raw[7] = b[7], b[6]
	id, _ := uuid.FromBytes(raw[:])
	return id
}

// gptHeaderAt reads and validates a GPT header at the given LBA.
func gptHeaderAt(m *media.Media, lba uint64) ([]byte, error) {
	raw := make([]byte, lbaSize)
	if err := m.Read(lba*lbaSize, raw); err != nil {
		return nil, err
	}
	if !bytes.Equal(raw[gptOffSignature:gptOffSignature+8], []byte(gptSignature)) {
		return nil, errno.ENOENT
	}
	size := binary.LittleEndian.Uint32(raw[gptOffHeaderSize:])
	if size < gptHeaderSize || uint64(size) > lbaSize {
		return nil, errno.EINVAL
	}
	if binary.LittleEndian.Uint64(raw[gptOffCurrentLBA:]) != lba {
		return nil, errno.EINVAL
	}
	want := binary.LittleEndian.Uint32(raw[gptOffHeaderCRC:])
	img := make([]byte, size)
	copy(img, raw[:size])
	clear(img[gptOffHeaderCRC : gptOffHeaderCRC+4])
	if crc32.ChecksumIEEE(img) != want {
		return nil, errno.EINVAL
	}
	return raw[:size], nil
}

// detectGPT reads the GPT, preferring the primary header and falling back
// to the alternate header when the primary is damaged.
func detectGPT(m *media.Media) (*Volume, error) {
	if m.Size() < 2*lbaSize {
		return nil, errno.ENOENT
	}

	hdr, err := gptHeaderAt(m, 1)
	if err != nil {
		altLBA := m.Size()/lbaSize - 1
		alt, altErr := gptHeaderAt(m, altLBA)
		if altErr != nil {
			// Report ENOENT only when neither copy carries the signature.
			return nil, err
		}
		hdr = alt
	}

	entryCount := binary.LittleEndian.Uint32(hdr[gptOffEntryCount:])
	entrySize := binary.LittleEndian.Uint32(hdr[gptOffEntrySize:])
	entriesLBA := binary.LittleEndian.Uint64(hdr[gptOffEntriesLBA:])
	if entrySize < gptEntryMinSize || entryCount > 4096 {
		return nil, errno.EINVAL
	}

	table := make([]byte, uint64(entryCount)*uint64(entrySize))
	if err := m.Read(entriesLBA*lbaSize, table); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(table) != binary.LittleEndian.Uint32(hdr[gptOffEntriesCRC:]) {
		return nil, errno.EINVAL
	}

	vol := &Volume{
		Table:  "gpt",
		DiskID: guidFromLE(hdr[gptOffDiskGUID : gptOffDiskGUID+16]),
	}
	for i := uint32(0); i < entryCount; i++ {
		ent := table[uint64(i)*uint64(entrySize):]
		typeGUID := guidFromLE(ent[0:16])
		if typeGUID == uuid.Nil {
			continue
		}
		first := binary.LittleEndian.Uint64(ent[32:])
		last := binary.LittleEndian.Uint64(ent[40:])
		// Attributes field ignored.
		if last < first {
			return nil, errno.EINVAL
		}
		vol.Partitions = append(vol.Partitions, Partition{
			Index:    int(i),
			Offset:   first * lbaSize,
			Size:     (last - first + 1) * lbaSize,
			TypeGUID: typeGUID,
			ID:       guidFromLE(ent[16:32]),
			Name:     decodeUTF16Name(ent[56:entrySize]),
		})
	}
	return vol, nil
}

// decodeUTF16Name decodes the NUL-terminated UTF-16LE partition label.
func decodeUTF16Name(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return strings.TrimRight(string(utf16.Decode(units)), " ")
}
