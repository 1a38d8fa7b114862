package memdev

import (
	"github.com/pkg/errors"

	"github.com/outofforest/strata/blocks"
)

var _ blocks.Dev = &MemDev{}

// MemDev simulates device io operations in memory.
type MemDev struct {
	data []byte
}

// New returns new memdev.
func New(size int64) *MemDev {
	return &MemDev{
		data: make([]byte, size),
	}
}

// ReadAt reads data from the memdev.
func (md *MemDev) ReadAt(p []byte, off int64) error {
	if err := md.check(int64(len(p)), off); err != nil {
		return err
	}
	copy(p, md.data[off:])
	return nil
}

// WriteAt writes data to the memdev.
func (md *MemDev) WriteAt(p []byte, off int64) error {
	if err := md.check(int64(len(p)), off); err != nil {
		return err
	}
	copy(md.data[off:], p)
	return nil
}

// Sync is a no-op, memory writes are immediately durable.
func (md *MemDev) Sync() error {
	return nil
}

// Size returns the byte size of the memdev.
func (md *MemDev) Size() int64 {
	return int64(len(md.data))
}

// Clone returns an independent copy of the device. Tests use it to capture
// the on-disk state at an arbitrary point and continue from it, simulating a
// power loss.
func (md *MemDev) Clone() *MemDev {
	data := make([]byte, len(md.data))
	copy(data, md.data)
	return &MemDev{data: data}
}

func (md *MemDev) check(n, off int64) error {
	if off < 0 || off+n > int64(len(md.data)) {
		return errors.Errorf("access out of bounds: offset %d, length %d, size %d", off, n, len(md.data))
	}
	return nil
}
