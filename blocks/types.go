package blocks

// PageSize is the size of the allocation unit used by the stack.
const PageSize int64 = 4096

// ChunkSize is the checksum granularity. It matches the page size, so every
// page is covered by exactly one checksum record.
const ChunkSize = PageSize

// ChunksPerGroup is the number of chunks covered by a single checksum table
// page (PageSize divided by the 8-byte record size).
const ChunksPerGroup int64 = 512

// LeadersPerBlock is the capacity of the nil-terminated leader pointer list
// stored in the metadata page of each data block. The rest of the page is
// reserved.
const LeadersPerBlock = 64

// Pointer is a typed pointer: an address expressed in units of the pointee's
// size, 0-based.
type Pointer uint64

// NilPointer is the reserved all-ones pattern denoting "no address". It never
// equals a valid address because the address space is bounded by the device
// size.
const NilPointer Pointer = ^Pointer(0)

// IsNil returns true if the pointer holds the nil sentinel.
func (p Pointer) IsNil() bool {
	return p == NilPointer
}

// Hash represents a 64-bit checksum.
type Hash uint64

// Dev is the block device contract implemented by every driver in the stack.
// Each driver wraps exactly one lower Dev, translating addresses and applying
// its transformation.
type Dev interface {
	// ReadAt reads len(p) bytes starting at byte offset off.
	ReadAt(p []byte, off int64) error
	// WriteAt writes p starting at byte offset off.
	WriteAt(p []byte, off int64) error
	// Sync forces written data to be durable on the underlying medium.
	Sync() error
	// Size returns the byte size of the address space exposed by the device.
	Size() int64
}
