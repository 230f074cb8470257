package fatfs

import (
	"encoding/binary"
	"strings"
)

// File attribute bits of a directory entry.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID
)

// Lower-case hint bits of the attr2 field.
const (
	attr2LCName = 0x08
	attr2LCExt  = 0x10
)

const direntSize = 32

// Directory entry markers in the first name byte.
const (
	entEnd  = 0x00
	entFree = 0xe5
)

// dirent is a decoded FAT directory entry.
type dirent struct {
	name           [11]byte
	attr           byte
	attr2          byte
	ctimeTenth     byte
	ctime2s        uint16
	ctime          uint16
	atime          uint16
	firstClusterHi uint16
	mtime2s        uint16
	mtime          uint16
	firstClusterLo uint16
	size           uint32
}

func decodeDirent(b []byte) dirent {
	var d dirent
	copy(d.name[:], b[0:11])
	d.attr = b[11]
	d.attr2 = b[12]
	d.ctimeTenth = b[13]
	d.ctime2s = binary.LittleEndian.Uint16(b[14:16])
	d.ctime = binary.LittleEndian.Uint16(b[16:18])
	d.atime = binary.LittleEndian.Uint16(b[18:20])
	d.firstClusterHi = binary.LittleEndian.Uint16(b[20:22])
	d.mtime2s = binary.LittleEndian.Uint16(b[22:24])
	d.mtime = binary.LittleEndian.Uint16(b[24:26])
	d.firstClusterLo = binary.LittleEndian.Uint16(b[26:28])
	d.size = binary.LittleEndian.Uint32(b[28:32])
	return d
}

func (d *dirent) encode(b []byte) {
	copy(b[0:11], d.name[:])
	b[11] = d.attr
	b[12] = d.attr2
	b[13] = d.ctimeTenth
	binary.LittleEndian.PutUint16(b[14:16], d.ctime2s)
	binary.LittleEndian.PutUint16(b[16:18], d.ctime)
	binary.LittleEndian.PutUint16(b[18:20], d.atime)
	binary.LittleEndian.PutUint16(b[20:22], d.firstClusterHi)
	binary.LittleEndian.PutUint16(b[22:24], d.mtime2s)
	binary.LittleEndian.PutUint16(b[24:26], d.mtime)
	binary.LittleEndian.PutUint16(b[26:28], d.firstClusterLo)
	binary.LittleEndian.PutUint32(b[28:32], d.size)
}

// firstCluster returns the raw on-disk first cluster number.
func (d *dirent) firstCluster() uint32 {
	return uint32(d.firstClusterHi)<<16 | uint32(d.firstClusterLo)
}

// packDate packs a FAT date. year counts from 1980.
func packDate(year, month, day int) uint16 {
	return uint16(day) | uint16(month)<<5 | uint16(year)<<9
}

// unpackDate returns years since 1980, month and day.
func unpackDate(raw uint16) (year, month, day int) {
	return int(raw >> 9), int(raw >> 5 & 15), int(raw & 31)
}

// validShortChar reports whether c may appear in an 8.3 name. Lower-case
// letters are rejected; they are stored upper-case on disk.
func validShortChar(c rune) bool {
	if c >= 0x7f || c < 0x20 {
		return false
	}
	switch byte(c) {
	case '"', '*', '+', ',', '.', '/', ':', ';', '<', '=', '>', '?', '[', '\\', ']', '|':
		return false
	}
	return true
}

// validShortNameBytes reports whether a stored 8.3 name obeys the space
// padded upper-case convention. Dot entries are handled by the caller.
func validShortNameBytes(name *[11]byte) bool {
	for _, c := range name {
		if c == ' ' {
			continue
		}
		if c >= 'a' && c <= 'z' || !validShortChar(rune(c)) {
			return false
		}
	}
	return true
}

// validLongChar reports whether c may appear in a long name.
func validLongChar(c rune) bool {
	if c > 0xff {
		return true
	}
	if c < 0x20 || c == 0x7f {
		return false
	}
	switch byte(c) {
	case '"', '*', ',', '/', ':', '<', '>', '?', '\\', '|':
		return false
	}
	return true
}

// longToShortChar maps a long name character to its 8.3 equivalent.
// Returns 0 for characters that are dropped.
func longToShortChar(c uint16) byte {
	switch {
	case c == ' ':
		return 0
	case validShortChar(rune(c)):
		b := byte(c)
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		return b
	default:
		return '_'
	}
}

// trimName trims leading spaces and trailing spaces and dots. Returns
// ok=false if nothing but dots remains.
func trimName(name string) (string, bool) {
	name = strings.TrimLeft(name, " ")
	name = strings.TrimRight(name, " .")
	if name == "" || strings.Trim(name, ".") == "" {
		return "", false
	}
	return name, true
}

// nameEquals compares trimmed names ASCII case-insensitively.
func nameEquals(a, b string) bool {
	return strings.EqualFold(a, b)
}

// numberSuffix parses a trailing ~number in the name part of an 8.3 name.
// Returns ok=false when there is none.
func numberSuffix(sfn *[11]byte) (uint32, bool) {
	name := sfn[:8]
	end := len(name)
	for end > 1 && name[end-1] == ' ' {
		end--
	}
	name = name[:end]
	tilde := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '~' {
			tilde = i
			break
		}
	}
	if tilde < 0 {
		return 0, false
	}
	var num uint32
	for _, c := range name[tilde+1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		num = num*10 + uint32(c-'0')
	}
	return num, true
}

// longToShortName derives the 8.3 name for a long name. Returns the name,
// the attr2 lower-case hints and whether LFN entries are required.
func longToShortName(long []uint16) (sfn [11]byte, attr2 byte, needLFN bool) {
	for i := range sfn {
		sfn[i] = ' '
	}
	infoLost := false

	// Leading dots are dropped.
	for len(long) > 0 && long[0] == '.' {
		long = long[1:]
	}

	// The extension starts after the last dot.
	ext := -1
	for i := len(long) - 1; i >= 0; i-- {
		if long[i] == '.' {
			ext = i
			break
		}
	}

	var extLC, extUC bool
	if ext >= 0 {
		i := 0
		for _, c := range long[ext+1:] {
			if c >= 'a' && c <= 'z' {
				extLC = true
			} else if c >= 'A' && c <= 'Z' {
				extUC = true
			}
			if b := longToShortChar(c); b == 0 {
				infoLost = true
			} else if i < 3 {
				sfn[8+i] = b
				i++
			} else {
				infoLost = true
			}
		}
	}

	var nameLC, nameUC bool
	nameEnd := len(long)
	if ext >= 0 {
		nameEnd = ext
	}
	i := 0
	for _, c := range long[:nameEnd] {
		if c >= 'a' && c <= 'z' {
			nameLC = true
		} else if c >= 'A' && c <= 'Z' {
			nameUC = true
		}
		if b := longToShortChar(c); b == 0 {
			infoLost = true
		} else if i < 8 {
			sfn[i] = b
			i++
		} else {
			infoLost = true
		}
	}

	needLFN = infoLost || (nameLC && nameUC) || (extLC && extUC)
	if infoLost {
		if _, ok := numberSuffix(&sfn); !ok {
			sfn[6] = '~'
			sfn[7] = '1'
		}
	}
	if !needLFN {
		if nameLC {
			attr2 |= attr2LCName
		}
		if extLC {
			attr2 |= attr2LCExt
		}
	}
	return sfn, attr2, needLFN
}

// shortNameToString renders an 8.3 name, applying the attr2 case hints.
func shortNameToString(sfn *[11]byte, attr2 byte) string {
	nameEnd := 0
	for i := 7; i >= 0; i-- {
		if sfn[i] != ' ' {
			nameEnd = i + 1
			break
		}
	}
	extEnd := 0
	for i := 10; i >= 8; i-- {
		if sfn[i] != ' ' {
			extEnd = i - 7
			break
		}
	}

	var b strings.Builder
	for _, c := range sfn[:nameEnd] {
		if attr2&attr2LCName != 0 && c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	if extEnd > 0 {
		b.WriteByte('.')
		for _, c := range sfn[8 : 8+extEnd] {
			if attr2&attr2LCExt != 0 && c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}
