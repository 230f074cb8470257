package blockdev

import (
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerSectorSize is the granularity at which image bytes are stored.
// 4 KiB keeps values well under Badger's value-log thresholds while
// amortizing key overhead for sequential access.
const badgerSectorSize = 4096

// BadgerDevice is a Device that persists a virtual disk in a BadgerDB
// database. Sectors that were never written are absent from the database
// and read back as zeroes, so sparse images cost almost nothing on disk.
//
// Key schema:
//
//	Data Type      Prefix  Key Format          Value
//	=================================================
//	Sector data    "s:"    s:<index, 8B BE>    sector bytes (4 KiB)
//	Device size    "m:"    m:size              uint64 BE
//
// Big-endian sector indices keep keys in sector order, so Badger range
// scans visit the image sequentially.
type BadgerDevice struct {
	db   *badger.DB
	size uint64
}

var keySize = []byte("m:size")

// OpenBadgerDevice opens (or creates) a badger-backed device at dir.
//
// The size parameter is honored on first creation; reopening an existing
// device keeps its recorded size and returns an error if the caller asks
// for a different non-zero size.
func OpenBadgerDevice(dir string, size uint64) (*BadgerDevice, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger device at %s: %w", dir, err)
	}

	dev := &BadgerDevice{db: db}
	err = db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keySize)
		if errors.Is(err, badger.ErrKeyNotFound) {
			if size == 0 {
				return fmt.Errorf("new badger device requires a size")
			}
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], size)
			dev.size = size
			return txn.Set(keySize, buf[:])
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			dev.size = binary.BigEndian.Uint64(v)
			if size != 0 && size != dev.size {
				return fmt.Errorf("existing badger device has size %d, requested %d", dev.size, size)
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return dev, nil
}

func sectorKey(index uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "s:")
	binary.BigEndian.PutUint64(key[2:], index)
	return key
}

func (d *BadgerDevice) Size() uint64 {
	return d.size
}

// readSector fetches one sector into dst (len badgerSectorSize); missing
// sectors are zero-filled.
func readSector(txn *badger.Txn, index uint64, dst []byte) error {
	item, err := txn.Get(sectorKey(index))
	if errors.Is(err, badger.ErrKeyNotFound) {
		clear(dst)
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(v []byte) error {
		n := copy(dst, v)
		clear(dst[n:])
		return nil
	})
}

func (d *BadgerDevice) ReadAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > d.size {
		return fmt.Errorf("badger device: read of %d bytes at %d exceeds size %d", len(p), off, d.size)
	}
	return d.db.View(func(txn *badger.Txn) error {
		sector := make([]byte, badgerSectorSize)
		for len(p) > 0 {
			index := off / badgerSectorSize
			inOff := off % badgerSectorSize
			n := badgerSectorSize - inOff
			if n > uint64(len(p)) {
				n = uint64(len(p))
			}
			if err := readSector(txn, index, sector); err != nil {
				return err
			}
			copy(p[:n], sector[inOff:])
			p = p[n:]
			off += n
		}
		return nil
	})
}

func (d *BadgerDevice) WriteAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > d.size {
		return fmt.Errorf("badger device: write of %d bytes at %d exceeds size %d", len(p), off, d.size)
	}
	return d.db.Update(func(txn *badger.Txn) error {
		sector := make([]byte, badgerSectorSize)
		for len(p) > 0 {
			index := off / badgerSectorSize
			inOff := off % badgerSectorSize
			n := badgerSectorSize - inOff
			if n > uint64(len(p)) {
				n = uint64(len(p))
			}
			if inOff != 0 || n < badgerSectorSize {
				// Partial sector: read-modify-write.
				if err := readSector(txn, index, sector); err != nil {
					return err
				}
			}
			copy(sector[inOff:inOff+n], p[:n])
			val := make([]byte, badgerSectorSize)
			copy(val, sector)
			if err := txn.Set(sectorKey(index), val); err != nil {
				return err
			}
			p = p[n:]
			off += n
		}
		return nil
	})
}

// Erase deletes fully covered sectors and zeroes partial edges. Deleted
// sectors read back as zeroes, reclaiming space for sparse images.
func (d *BadgerDevice) Erase(off, length uint64) error {
	if off+length > d.size {
		return fmt.Errorf("badger device: erase of %d bytes at %d exceeds size %d", length, off, d.size)
	}
	end := off + length
	return d.db.Update(func(txn *badger.Txn) error {
		for off < end {
			index := off / badgerSectorSize
			inOff := off % badgerSectorSize
			n := badgerSectorSize - inOff
			if n > end-off {
				n = end - off
			}
			if inOff == 0 && n == badgerSectorSize {
				if err := txn.Delete(sectorKey(index)); err != nil {
					return err
				}
			} else {
				sector := make([]byte, badgerSectorSize)
				if err := readSector(txn, index, sector); err != nil {
					return err
				}
				clear(sector[inOff : inOff+n])
				if err := txn.Set(sectorKey(index), sector); err != nil {
					return err
				}
			}
			off += n
		}
		return nil
	})
}

func (d *BadgerDevice) Sync() error {
	return d.db.Sync()
}

// Close flushes and closes the underlying database.
func (d *BadgerDevice) Close() error {
	return d.db.Close()
}
