// Package part reads partition tables (GPT and MBR) from a media image and
// exposes the partitions as byte ranges suitable for media sub-windows.
package part

import (
	"errors"

	"github.com/badgeteam/badgevfs/pkg/errno"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/google/uuid"
)

// lbaSize is the logical block size assumed for partitioned images.
const lbaSize = 512

// Partition describes one partition as a byte range of the parent media.
type Partition struct {
	// Index is the slot number in the partition table, starting at 0
	Index int

	// Offset is the partition start in bytes from the beginning of media
	Offset uint64

	// Size is the partition length in bytes
	Size uint64

	// ReadOnly is set if the table marks this partition read-only
	ReadOnly bool

	// TypeGUID identifies the partition type (GPT only; zero for MBR)
	TypeGUID uuid.UUID

	// TypeByte is the MBR partition type (MBR only; 0 for GPT)
	TypeByte uint8

	// ID uniquely identifies the partition (GPT only; zero for MBR)
	ID uuid.UUID

	// Name is the human-readable partition label (GPT only)
	Name string
}

// Volume is a decoded partition table.
type Volume struct {
	// Table is the table format: "gpt" or "mbr"
	Table string

	// DiskID identifies the disk (GPT disk GUID; zero for MBR)
	DiskID uuid.UUID

	// ReadOnly is set when the whole disk is marked read-only
	ReadOnly bool

	// Partitions lists the occupied table slots in table order
	Partitions []Partition
}

// Detect reads the partition table from m.
//
// GPT is tried first (primary header, then the alternate header at the last
// LBA); a valid MBR that is not merely protective is tried next. ENOENT
// means no table was recognized, in which case callers typically treat the
// entire media as one filesystem.
func Detect(m *media.Media) (*Volume, error) {
	vol, err := detectGPT(m)
	if err == nil {
		return vol, nil
	}
	if !errors.Is(err, errno.ENOENT) {
		return nil, err
	}
	return detectMBR(m)
}

// Media returns a media sub-window covering the partition.
func (p *Partition) Media(parent *media.Media) (*media.Media, error) {
	return parent.Sub(p.Offset, p.Size)
}
