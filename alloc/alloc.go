package alloc

import (
	"encoding/binary"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/strata/blocks"
)

// LinkSize is the size of the freelist link threaded through the first bytes
// of each free page.
const LinkSize = 8

// ErrOutOfSpace is returned by allocation when the freelist is exhausted.
var ErrOutOfSpace = errors.New("out of space")

// headSlot is the durable freelist head kept in the reserved page 0 of the
// underlying device. The slot is updated with a single small write, so it is
// never torn across the two fields in practice; the checksum guards against
// medium corruption.
type headSlot struct {
	Checksum blocks.Hash
	Head     blocks.Pointer
}

func (h headSlot) computeChecksum() blocks.Hash {
	h.Checksum = 0
	return blocks.MetaChecksum(photon.NewFromValue(&h).B)
}

// Driver owns the freelist head. The freelist itself is threaded through the
// content of free pages in the space above the redundancy driver, so the
// links are covered by checksums and parity like any other data; ordering of
// the link write against the head write is the write pipeline's job.
type Driver struct {
	dev blocks.Dev
}

// New returns the allocator driver over dev.
func New(dev blocks.Dev) *Driver {
	return &Driver{dev: dev}
}

// Format initializes the head slot.
func (d *Driver) Format(head blocks.Pointer) error {
	return d.SetHead(head)
}

// Head returns the current freelist head, nil if the freelist is empty.
func (d *Driver) Head() (blocks.Pointer, error) {
	buf := make([]byte, blocks.PageSize)
	if err := d.dev.ReadAt(buf, 0); err != nil {
		return blocks.NilPointer, err
	}
	h := photon.NewFromBytes[headSlot](buf)
	if h.V.computeChecksum() != h.V.Checksum {
		return blocks.NilPointer, errors.Errorf("freelist head slot is corrupted")
	}
	return h.V.Head, nil
}

// SetHead durably stores the new freelist head.
func (d *Driver) SetHead(head blocks.Pointer) error {
	h := photon.NewFromValue(&headSlot{Head: head})
	h.V.Checksum = h.V.computeChecksum()
	if err := d.dev.WriteAt(h.B, 0); err != nil {
		return err
	}
	return d.dev.Sync()
}

// ReadAt reads data from the space past the reserved head page.
func (d *Driver) ReadAt(p []byte, off int64) error {
	return d.dev.ReadAt(p, off+blocks.PageSize)
}

// WriteAt writes data to the space past the reserved head page.
func (d *Driver) WriteAt(p []byte, off int64) error {
	return d.dev.WriteAt(p, off+blocks.PageSize)
}

// Sync forces written data to be durable.
func (d *Driver) Sync() error {
	return d.dev.Sync()
}

// Size returns the byte size of the exposed space.
func (d *Driver) Size() int64 {
	return d.dev.Size() - blocks.PageSize
}

// EncodeLink encodes the freelist link written into the first bytes of a
// free page.
func EncodeLink(next blocks.Pointer) []byte {
	b := make([]byte, LinkSize)
	binary.LittleEndian.PutUint64(b, uint64(next))
	return b
}

// DecodeLink decodes the freelist link read from the first bytes of a free
// page.
func DecodeLink(b []byte) blocks.Pointer {
	return blocks.Pointer(binary.LittleEndian.Uint64(b))
}
