package introducer_test

import (
	"testing"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/strata/blocks"
	"github.com/outofforest/strata/introducer"
	"github.com/outofforest/strata/pkg/memdev"
)

const devSize = 64 * blocks.PageSize

func newFormatted(t *testing.T) *memdev.MemDev {
	dev := memdev.New(devSize)
	require.NoError(t, introducer.Format(dev, introducer.Header{
		UID:           [2]uint64{1, 2},
		PageSize:      uint64(blocks.PageSize),
		DataBlockSize: uint64(4 * blocks.PageSize),
		GroupChildren: 1,
		GroupLeaders:  1,
	}))
	return dev
}

func TestFormatAndOpen(t *testing.T) {
	requireT := require.New(t)
	dev := newFormatted(t)

	drv, err := introducer.Open(dev)
	requireT.NoError(err)
	requireT.False(drv.Unclean())

	header := drv.Header()
	requireT.Equal(introducer.Magic, header.Magic)
	requireT.Equal(introducer.Version, header.Version)
	requireT.Equal([2]uint64{1, 2}, header.UID)
	requireT.EqualValues(blocks.PageSize, header.PageSize)
	requireT.EqualValues(4*blocks.PageSize, header.DataBlockSize)

	requireT.EqualValues(devSize-introducer.HeaderSize, drv.Size())
	requireT.NoError(drv.Close())
}

func TestFormatRejectsTinyDevice(t *testing.T) {
	requireT := require.New(t)

	err := introducer.Format(memdev.New(introducer.HeaderSize), introducer.Header{})
	requireT.Error(err)
}

func TestAddressingIsShiftedPastHeader(t *testing.T) {
	requireT := require.New(t)
	dev := newFormatted(t)

	drv, err := introducer.Open(dev)
	requireT.NoError(err)

	requireT.NoError(drv.WriteAt([]byte("abc"), 0))

	raw := make([]byte, 3)
	requireT.NoError(dev.ReadAt(raw, introducer.HeaderSize))
	requireT.Equal([]byte("abc"), raw)

	buf := make([]byte, 3)
	requireT.NoError(drv.ReadAt(buf, 0))
	requireT.Equal([]byte("abc"), buf)
}

func TestMagicMismatch(t *testing.T) {
	requireT := require.New(t)
	dev := newFormatted(t)

	requireT.NoError(dev.WriteAt([]byte{0xde, 0xad}, 8))

	_, err := introducer.Open(dev)
	requireT.Error(err)
	requireT.True(errors.Is(err, introducer.ErrMagicMismatch))

	_, err = introducer.Open(memdev.New(devSize))
	requireT.Error(err)
	requireT.True(errors.Is(err, introducer.ErrMagicMismatch))
}

func TestHeaderChecksumMismatch(t *testing.T) {
	requireT := require.New(t)
	dev := newFormatted(t)

	// The UID starts right after checksum, magic and version.
	requireT.NoError(dev.WriteAt([]byte{0xff}, 24))

	_, err := introducer.Open(dev)
	requireT.Error(err)
	requireT.False(errors.Is(err, introducer.ErrMagicMismatch))
}

func TestIncompatibleVersion(t *testing.T) {
	requireT := require.New(t)
	dev := newFormatted(t)

	rewriteHeader(t, dev, func(h *introducer.Header) {
		h.Version = 1 << 16
	})

	_, err := introducer.Open(dev)
	requireT.Error(err)
	requireT.True(errors.Is(err, introducer.ErrIncompatibleVersion))
}

func TestInconsistentStateIsRefused(t *testing.T) {
	requireT := require.New(t)
	dev := newFormatted(t)

	rewriteHeader(t, dev, func(h *introducer.Header) {
		h.State = introducer.StateInconsistent
	})

	_, err := introducer.Open(dev)
	requireT.Error(err)
	requireT.True(errors.Is(err, introducer.ErrInconsistentState))
}

func TestUncleanShutdownIsDetected(t *testing.T) {
	requireT := require.New(t)
	dev := newFormatted(t)

	drv, err := introducer.Open(dev)
	requireT.NoError(err)
	requireT.False(drv.Unclean())

	// The device is left open, simulating a crash.
	drv2, err := introducer.Open(dev)
	requireT.NoError(err)
	requireT.True(drv2.Unclean())
	requireT.NoError(drv2.Close())

	drv3, err := introducer.Open(dev)
	requireT.NoError(err)
	requireT.False(drv3.Unclean())
	requireT.NoError(drv3.Close())
}

// rewriteHeader mutates the on-disk header keeping its checksum valid.
func rewriteHeader(t *testing.T, dev blocks.Dev, mutate func(h *introducer.Header)) {
	buf := make([]byte, introducer.HeaderSize)
	require.NoError(t, dev.ReadAt(buf, 0))
	h := photon.NewFromBytes[introducer.Header](buf)
	mutate(h.V)
	h.V.Checksum = h.V.ComputeChecksum()
	require.NoError(t, dev.WriteAt(buf, 0))
}
