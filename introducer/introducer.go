package introducer

import (
	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/strata/blocks"
)

const (
	// HeaderSize is the size of the reserved header region at the start of
	// the device. The header is never exposed to higher layers.
	HeaderSize = blocks.PageSize

	// Magic identifies devices formatted with this stack.
	// The on-disk bytes spell "strata f" when read in little-endian order.
	Magic uint64 = 0x6620617461727473

	// Version is the current format version. The high 16 bits identify
	// breaking changes: an implementation may open any image whose high half
	// matches and whose full version is not greater than its own.
	Version uint64 = 0
)

// StateFlag tells whether the device was shut down properly.
type StateFlag uint64

// Possible device states.
const (
	StateClosed StateFlag = iota
	StateOpen
	StateInconsistent
)

// Errors returned when opening a device.
var (
	ErrMagicMismatch       = errors.New("device does not contain a strata stack")
	ErrIncompatibleVersion = errors.New("incompatible format version")
	ErrInconsistentState   = errors.New("the state flag is marked inconsistent")
)

// Header is the on-disk introducer header. All fields are 8-byte sized so the
// in-memory layout projected by photon is exact.
type Header struct {
	Checksum      blocks.Hash
	Magic         uint64
	Version       uint64
	UID           [2]uint64
	State         StateFlag
	CipherID      uint64
	CodecID       uint64
	PageSize      uint64
	DataBlockSize uint64
	GroupChildren uint64
	GroupLeaders  uint64
}

// ComputeChecksum computes checksum of the header.
func (h Header) ComputeChecksum() blocks.Hash {
	h.Checksum = 0
	return blocks.MetaChecksum(photon.NewFromValue(&h).B)
}

// Driver shifts all addressing of the wrapped device past the header region.
type Driver struct {
	dev     blocks.Dev
	header  Header
	unclean bool
}

// Format writes a fresh header to the device. Fields describing the layout
// must be set by the caller; magic, version and state are owned by this
// package.
func Format(dev blocks.Dev, header Header) error {
	if dev.Size() < 2*HeaderSize {
		return errors.Errorf("device is too small: %d bytes", dev.Size())
	}

	header.Magic = Magic
	header.Version = Version
	header.State = StateClosed
	h := photon.NewFromValue(&header)
	h.V.Checksum = h.V.ComputeChecksum()

	buf := make([]byte, HeaderSize)
	copy(buf, h.B)
	if err := dev.WriteAt(buf, 0); err != nil {
		return err
	}
	return dev.Sync()
}

// Load reads and validates the header without opening the device.
func Load(dev blocks.Dev) (Header, error) {
	if dev.Size() < HeaderSize {
		return Header{}, errors.Wrapf(ErrMagicMismatch, "device is smaller than the header region")
	}

	buf := make([]byte, HeaderSize)
	if err := dev.ReadAt(buf, 0); err != nil {
		return Header{}, err
	}
	h := photon.NewFromBytes[Header](buf)

	if h.V.Magic != Magic {
		return Header{}, errors.Wrapf(ErrMagicMismatch, "magic: %x", h.V.Magic)
	}
	if h.V.Version>>16 != Version>>16 || h.V.Version > Version {
		return Header{}, errors.Wrapf(ErrIncompatibleVersion, "version: %d, supported: %d", h.V.Version, Version)
	}
	if checksum := h.V.ComputeChecksum(); checksum != h.V.Checksum {
		return Header{}, errors.Errorf("checksum mismatch for the header, computed: %x, stored: %x",
			uint64(checksum), uint64(h.V.Checksum))
	}

	return *h.V, nil
}

// Open validates the header and returns the driver with the state flag
// flipped to open. A device left in the inconsistent state is refused.
func Open(dev blocks.Dev) (*Driver, error) {
	header, err := Load(dev)
	if err != nil {
		return nil, err
	}

	var unclean bool
	switch header.State {
	case StateClosed:
	case StateOpen:
		// Previous session did not close the device. Marker-based recovery
		// in the upper drivers handles it, but the caller should know.
		unclean = true
	case StateInconsistent:
		return nil, errors.WithStack(ErrInconsistentState)
	default:
		return nil, errors.Errorf("unknown state flag: %d", header.State)
	}

	d := &Driver{
		dev:     dev,
		header:  header,
		unclean: unclean,
	}
	if err := d.setState(StateOpen); err != nil {
		return nil, err
	}
	return d, nil
}

// Header returns the cached header.
func (d *Driver) Header() Header {
	return d.header
}

// Unclean returns true if the device was not closed properly by the previous
// session.
func (d *Driver) Unclean() bool {
	return d.unclean
}

// Close flips the state flag back to closed so the next open knows the
// shutdown was proper.
func (d *Driver) Close() error {
	return d.setState(StateClosed)
}

// ReadAt reads data from the device, past the header region.
func (d *Driver) ReadAt(p []byte, off int64) error {
	return d.dev.ReadAt(p, off+HeaderSize)
}

// WriteAt writes data to the device, past the header region.
func (d *Driver) WriteAt(p []byte, off int64) error {
	return d.dev.WriteAt(p, off+HeaderSize)
}

// Sync forces written data to be durable.
func (d *Driver) Sync() error {
	return d.dev.Sync()
}

// Size returns the size of the address space above the header.
func (d *Driver) Size() int64 {
	return d.dev.Size() - HeaderSize
}

func (d *Driver) setState(state StateFlag) error {
	d.header.State = state
	h := photon.NewFromValue(&d.header)
	h.V.Checksum = h.V.ComputeChecksum()
	d.header = *h.V

	buf := make([]byte, HeaderSize)
	copy(buf, h.B)
	if err := d.dev.WriteAt(buf, 0); err != nil {
		return err
	}
	return d.dev.Sync()
}
