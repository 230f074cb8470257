package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgeteam/badgevfs/pkg/blockdev"
	"github.com/badgeteam/badgevfs/pkg/errno"
)

func TestRamReadWrite(t *testing.T) {
	buf := make([]byte, 64)
	m := NewRam(buf)
	require.Equal(t, uint64(64), m.Size())

	require.NoError(t, m.Write(10, []byte("abc")))
	got := make([]byte, 3)
	require.NoError(t, m.Read(10, got))
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, byte('a'), buf[10])
}

func TestBoundsChecks(t *testing.T) {
	m := NewRam(make([]byte, 16))

	assert.ErrorIs(t, m.Read(8, make([]byte, 9)), errno.EIO)
	assert.ErrorIs(t, m.Write(16, []byte{1}), errno.EIO)
	assert.ErrorIs(t, m.WriteZeroes(0, 17), errno.EIO)
	// Overflowing offsets cannot wrap around.
	assert.ErrorIs(t, m.Read(^uint64(0), make([]byte, 2)), errno.EIO)

	assert.NoError(t, m.Read(16, nil))
}

func TestSubWindow(t *testing.T) {
	buf := make([]byte, 64)
	m := NewRam(buf)

	sub, err := m.Sub(16, 32)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), sub.Size())

	require.NoError(t, sub.Write(0, []byte{0xaa}))
	assert.Equal(t, byte(0xaa), buf[16])

	// The sub-window cannot reach outside its range.
	assert.ErrorIs(t, sub.Read(32, make([]byte, 1)), errno.EIO)

	_, err = m.Sub(48, 32)
	assert.ErrorIs(t, err, errno.EINVAL)

	// Nested windows compose offsets.
	inner, err := sub.Sub(8, 8)
	require.NoError(t, err)
	require.NoError(t, inner.Write(0, []byte{0xbb}))
	assert.Equal(t, byte(0xbb), buf[24])
}

func TestEndianAccessors(t *testing.T) {
	m := NewRam(make([]byte, 16))

	require.NoError(t, m.WriteU16LE(0, 0x1234))
	v16, err := m.ReadU16LE(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v16)

	require.NoError(t, m.WriteU32LE(4, 0xdeadbeef))
	v32, err := m.ReadU32LE(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v32)

	require.NoError(t, m.WriteU64LE(8, 0x0102030405060708))
	v64, err := m.ReadU64LE(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)

	_, err = m.ReadU32LE(14)
	assert.ErrorIs(t, err, errno.EIO)
}

func TestKeyIdentity(t *testing.T) {
	buf := make([]byte, 32)
	a := NewRam(buf)
	b := NewRam(buf)
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), NewRam(make([]byte, 32)).Key())

	sub, err := a.Sub(0, 16)
	require.NoError(t, err)
	assert.NotEqual(t, a.Key(), sub.Key())
}

func TestBlockDeviceMedia(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4096)
	m := NewBlock(dev)
	require.Equal(t, uint64(4096), m.Size())

	require.NoError(t, m.Write(100, []byte("persisted")))
	got := make([]byte, 9)
	require.NoError(t, m.Read(100, got))
	assert.Equal(t, []byte("persisted"), got)

	require.NoError(t, m.Erase(100, 9))
	require.NoError(t, m.Read(100, got))
	assert.Equal(t, make([]byte, 9), got)

	require.NoError(t, m.Sync())
}
