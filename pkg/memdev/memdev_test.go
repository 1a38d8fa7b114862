package memdev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const size = 1024 * 1024

func TestReadWrite(t *testing.T) {
	requireT := require.New(t)

	dev := New(size)
	requireT.EqualValues(size, dev.Size())

	requireT.NoError(dev.WriteAt([]byte("abc"), 100))

	buf := make([]byte, 3)
	requireT.NoError(dev.ReadAt(buf, 100))
	requireT.Equal([]byte("abc"), buf)
	requireT.NoError(dev.Sync())
}

func TestOutOfBounds(t *testing.T) {
	requireT := require.New(t)

	dev := New(size)
	buf := make([]byte, 10)

	requireT.Error(dev.ReadAt(buf, -1))
	requireT.Error(dev.ReadAt(buf, size-5))
	requireT.Error(dev.WriteAt(buf, size))
	requireT.NoError(dev.WriteAt(buf, size-10))
}

func TestCloneIsIndependent(t *testing.T) {
	requireT := require.New(t)

	dev := New(size)
	requireT.NoError(dev.WriteAt([]byte{1, 2, 3}, 0))

	clone := dev.Clone()
	requireT.NoError(dev.WriteAt([]byte{9, 9, 9}, 0))

	buf := make([]byte, 3)
	requireT.NoError(clone.ReadAt(buf, 0))
	requireT.Equal([]byte{1, 2, 3}, buf)
}
