package vfs

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/badgeteam/badgevfs/pkg/errno"
)

// fifoBufferSize is the pipe capacity. One slot is kept free to tell a
// full ring from an empty one, so the usable capacity is one byte less.
const fifoBufferSize = 8192

// fifoBuffer is a single-allocation ring buffer with a reserve/commit
// protocol: a transfer first claims a range with a CAS on the
// reservation index, copies, then rolls the commit index forward in
// claim order. All transfers are serialized by fifoShared.mu; the
// indices stay atomic so readAvail/writeAvail can be sampled cheaply.
type fifoBuffer struct {
	data        [fifoBufferSize]byte
	readResv    atomic.Uint64
	readCommit  atomic.Uint64
	writeResv   atomic.Uint64
	writeCommit atomic.Uint64
}

// read reserves, copies out and commits up to len(p) bytes.
func (b *fifoBuffer) read(p []byte) int {
	const cap = fifoBufferSize

	rx := b.readResv.Load()
	tx := b.writeCommit.Load()
	var n uint64
	for {
		n = min((tx-rx+cap)%cap, uint64(len(p)))
		if b.readResv.CompareAndSwap(rx, (rx+n)%cap) {
			break
		}
		rx = b.readResv.Load()
	}
	if n == 0 {
		return 0
	}

	start := rx
	end := (rx + n) % cap
	if end > start {
		copy(p, b.data[start:end])
	} else {
		k := copy(p, b.data[start:])
		copy(p[k:], b.data[:end])
	}

	// Commit in claim order: wait for earlier readers to finish.
	for !b.readCommit.CompareAndSwap(start, end) {
	}
	return int(n)
}

// write reserves, copies in and commits up to len(p) bytes.
func (b *fifoBuffer) write(p []byte) int {
	const cap = fifoBufferSize

	rx := b.readCommit.Load()
	tx := b.writeResv.Load()
	var n uint64
	for {
		n = min((rx-tx+cap-1)%cap, uint64(len(p)))
		if b.writeResv.CompareAndSwap(tx, (tx+n)%cap) {
			break
		}
		tx = b.writeResv.Load()
	}
	if n == 0 {
		return 0
	}

	start := tx
	end := (tx + n) % cap
	if end > start {
		copy(b.data[start:end], p)
	} else {
		k := copy(b.data[start:], p)
		copy(b.data[:end], p[k:])
	}

	for !b.writeCommit.CompareAndSwap(start, end) {
	}
	return int(n)
}

// readAvail returns the number of bytes available to read.
func (b *fifoBuffer) readAvail() uint64 {
	const cap = fifoBufferSize
	return (b.writeCommit.Load() - b.readResv.Load() + cap) % cap
}

// writeAvail returns the amount of free space.
func (b *fifoBuffer) writeAvail() uint64 {
	const cap = fifoBufferSize
	return (b.readResv.Load() - b.writeCommit.Load() + cap - 1) % cap
}

// fifoShared is the state shared between all handles of one FIFO,
// whether filesystem-backed or an anonymous pipe.
//
// The buffer is allocated lazily, only once both a reader and a writer
// exist. It is not torn down when the last handle closes; data written
// before a reader disappears survives a later reopen. That matches the
// original semantics and is a known gap rather than a design choice.
type fifoShared struct {
	mu  sync.Mutex
	buf *fifoBuffer

	readCount  int
	writeCount int

	// readQ wakes blocked readers and read-side openers; writeQ the
	// write side.
	readQ  *sync.Cond
	writeQ *sync.Cond
}

func newFifoShared() *fifoShared {
	s := &fifoShared{}
	s.readQ = sync.NewCond(&s.mu)
	s.writeQ = sync.NewCond(&s.mu)
	return s
}

// open registers a new handle. Opening one end blocks until the other end
// is open, unless nonblock is set; opening read-write never blocks.
func (s *fifoShared) open(nonblock, isRead, isWrite bool) {
	nonblock = nonblock || (isRead && isWrite)

	s.mu.Lock()
	if isRead {
		s.readCount++
	}
	if isWrite {
		s.writeCount++
	}
	if !nonblock {
		if isRead {
			for s.writeCount == 0 {
				s.readQ.Wait()
			}
		} else {
			for s.readCount == 0 {
				s.writeQ.Wait()
			}
		}
	}
	if s.readCount > 0 && s.writeCount > 0 && s.buf == nil {
		s.buf = &fifoBuffer{}
	}
	s.mu.Unlock()

	s.readQ.Broadcast()
	s.writeQ.Broadcast()
}

// close unregisters a handle.
func (s *fifoShared) close(hadRead, hadWrite bool) {
	s.mu.Lock()
	if hadRead {
		s.readCount--
	}
	if hadWrite {
		s.writeCount--
	}
	s.mu.Unlock()
	// Wake the other side so blocked writers can notice EPIPE.
	s.readQ.Broadcast()
	s.writeQ.Broadcast()
}

// read reads from the buffer, blocking for data unless nonblock.
// The buffer commit and the writer wakeup both happen under s.mu so a
// blocked writer cannot check writeAvail, miss the commit, and park past
// the Broadcast. A blocking reader that loses a race for the same bytes
// goes back to waiting instead of returning 0, so 0 bytes with a nil
// error means the write side is gone.
func (s *fifoShared) read(nonblock bool, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.buf != nil {
			if n := s.buf.read(p); n > 0 {
				s.writeQ.Broadcast()
				return n, nil
			}
			if s.writeCount == 0 {
				return 0, nil
			}
		}
		if nonblock {
			return 0, errno.EAGAIN
		}
		s.readQ.Wait()
	}
}

// write writes into the buffer, blocking for space unless nonblock.
// enforceOpen raises EPIPE when the read side is closed. Same locking
// discipline as read: commit and reader wakeup under s.mu.
func (s *fifoShared) write(nonblock bool, p []byte, enforceOpen bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if enforceOpen && s.readCount == 0 {
			return 0, errno.EPIPE
		}
		if s.buf != nil {
			if n := s.buf.write(p); n > 0 {
				s.readQ.Broadcast()
				return n, nil
			}
		}
		if nonblock {
			return 0, errno.EAGAIN
		}
		s.writeQ.Wait()
	}
}

// Fifo is the File implementation for named pipes and anonymous pipes.
type Fifo struct {
	// vnode backs filesystem FIFOs; nil for anonymous pipes. Holds a
	// reference when set.
	vnode *VNode

	nonblock   bool
	allowRead  bool
	allowWrite bool

	shared *fifoShared
	closed atomic.Bool
}

func (f *Fifo) Stat() (Stat, error) {
	if f.vnode == nil {
		return Stat{}, nil
	}
	return statVNode(f.vnode)
}

func (f *Fifo) Tell() (uint64, error) {
	return 0, errno.ESPIPE
}

func (f *Fifo) Seek(SeekMode, int64) (uint64, error) {
	return 0, errno.ESPIPE
}

// Write pushes p into the pipe. The first chunk tolerates a missing
// reader (data is buffered); once a partial write happened, a vanished
// read side surfaces as EPIPE.
func (f *Fifo) Write(p []byte) (int, error) {
	if !f.allowWrite {
		return 0, errno.EBADF
	}
	written, err := f.shared.write(f.nonblock, p, false)
	if err != nil {
		return 0, err
	}
	p = p[written:]
	for len(p) > 0 {
		n, err := f.shared.write(f.nonblock, p, true)
		if err != nil {
			if errors.Is(err, errno.EPIPE) {
				return written, errno.EPIPE
			}
			break
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Read pulls data from the pipe: one possibly-blocking read, then
// non-blocking reads to fill the rest of p.
func (f *Fifo) Read(p []byte) (int, error) {
	if !f.allowRead {
		return 0, errno.EBADF
	}
	n, err := f.shared.read(f.nonblock, p)
	if err != nil {
		return 0, err
	}
	p = p[n:]
	for len(p) > 0 {
		k, err := f.shared.read(true, p)
		if err != nil || k == 0 {
			break
		}
		n += k
		p = p[k:]
	}
	return n, nil
}

func (f *Fifo) Resize(uint64) error {
	return errno.ESPIPE
}

func (f *Fifo) Sync() error {
	return errno.ESPIPE
}

func (f *Fifo) ReadDir() ([]Dirent, error) {
	if f.vnode == nil {
		return nil, errno.ESPIPE
	}
	return readDirVNode(f.vnode)
}

func (f *Fifo) VNode() *VNode {
	return f.vnode
}

func (f *Fifo) Close() error {
	if f.closed.Swap(true) {
		return errno.EBADF
	}
	f.shared.close(f.allowRead, f.allowWrite)
	if f.vnode != nil {
		f.vnode.DecRef()
	}
	return nil
}
