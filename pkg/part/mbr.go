package part

import (
	"encoding/binary"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
)

// MBR on-disk layout. Four 16-byte entries at 0x1be, signature 0x55 0xaa at
// 0x1fe. The two reserved bytes at 0x1bc hold 0x5a 0x5a on disks marked
// read-only. CHS fields are ignored; only the LBA fields are used.
const (
	mbrOffReadOnly  = 0x1bc
	mbrOffEntries   = 0x1be
	mbrOffSignature = 0x1fe
	mbrEntrySize    = 16

	// MBRTypeEmpty marks an unused table slot.
	MBRTypeEmpty = 0x00

	// MBRTypeProtectiveGPT marks the protective entry covering a GPT disk.
	MBRTypeProtectiveGPT = 0xee
)

// detectMBR reads the MBR partition table. A table whose only entry is the
// GPT protective partition is not reported; the GPT itself was already
// found unreadable by that point and hiding the fake entry avoids mounting
// garbage.
func detectMBR(m *media.Media) (*Volume, error) {
	if m.Size() < lbaSize {
		return nil, errno.ENOENT
	}
	sector := make([]byte, lbaSize)
	if err := m.Read(0, sector); err != nil {
		return nil, err
	}
	if sector[mbrOffSignature] != 0x55 || sector[mbrOffSignature+1] != 0xaa {
		return nil, errno.ENOENT
	}

	readonly := sector[mbrOffReadOnly] == 0x5a && sector[mbrOffReadOnly+1] == 0x5a

	vol := &Volume{Table: "mbr", ReadOnly: readonly}
	for i := 0; i < 4; i++ {
		ent := sector[mbrOffEntries+i*mbrEntrySize:]
		ptype := ent[4]
		lbaStart := binary.LittleEndian.Uint32(ent[8:])
		secCount := binary.LittleEndian.Uint32(ent[12:])
		if lbaStart == 0 || secCount == 0 {
			continue
		}
		vol.Partitions = append(vol.Partitions, Partition{
			Index:    i,
			Offset:   uint64(lbaStart) * lbaSize,
			Size:     uint64(secCount) * lbaSize,
			ReadOnly: readonly,
			TypeByte: ptype,
		})
	}

	if len(vol.Partitions) == 0 {
		return nil, errno.ENOENT
	}
	if len(vol.Partitions) == 1 && vol.Partitions[0].TypeByte == MBRTypeProtectiveGPT {
		return nil, errno.ENOENT
	}
	return vol, nil
}
