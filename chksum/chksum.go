package chksum

import (
	"encoding/binary"
	"sync"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/strata/blocks"
)

// recordSize is the size of a single checksum record in the table page.
const recordSize int64 = 8

// marker is the dirty pointer of the driver. It lives in the reserved page 0
// of the underlying device and holds the chunk currently being updated, or
// nil when idle.
type marker struct {
	Checksum blocks.Hash
	Chunk    blocks.Pointer
}

func (m marker) computeChecksum() blocks.Hash {
	m.Checksum = 0
	return blocks.MetaChecksum(photon.NewFromValue(&m).B)
}

// Driver detects corruption of any chunk of the exposed space. Chunks are
// covered by 64-bit rolling checksums kept in dedicated table pages
// interleaved every ChunksPerGroup chunks.
type Driver struct {
	dev     blocks.Dev
	nChunks int64

	// markerMu enforces the single-slot discipline: at most one in-flight
	// marker-guarded chunk update at a time.
	markerMu sync.Mutex
}

// New returns the checksum driver over dev. Format or Recover must be called
// before the space is used.
func New(dev blocks.Dev) *Driver {
	usable := dev.Size()/blocks.PageSize - 1
	if usable < 0 {
		usable = 0
	}
	nChunks := usable / (blocks.ChunksPerGroup + 1) * blocks.ChunksPerGroup
	if rem := usable % (blocks.ChunksPerGroup + 1); rem > 1 {
		nChunks += rem - 1
	}
	return &Driver{
		dev:     dev,
		nChunks: nChunks,
	}
}

// Format initializes the marker and writes checksum records matching the
// current content of every chunk.
func (d *Driver) Format() error {
	if err := d.setMarker(blocks.NilPointer); err != nil {
		return err
	}
	buf := make([]byte, blocks.ChunkSize)
	for chunk := int64(0); chunk < d.nChunks; chunk++ {
		if err := d.dev.ReadAt(buf, d.chunkOffset(chunk)); err != nil {
			return err
		}
		if err := d.writeRecord(chunk, blocks.RollingChecksum(buf)); err != nil {
			return err
		}
	}
	return d.dev.Sync()
}

// Recover performs the mount-time recovery. If the dirty marker is non-nil,
// the referenced chunk's checksum is recomputed from the payload, which is
// already durable by the update protocol, and the marker is cleared. After a
// crash at most one chunk's checksum may be stale, never the payload.
func (d *Driver) Recover() (blocks.Pointer, error) {
	buf := make([]byte, blocks.PageSize)
	if err := d.dev.ReadAt(buf, 0); err != nil {
		return blocks.NilPointer, err
	}
	m := photon.NewFromBytes[marker](buf)

	if m.V.computeChecksum() != m.V.Checksum {
		// A torn marker write means the crash happened while setting the
		// marker itself, before the payload write started. The table is
		// consistent, the marker is reset.
		return blocks.NilPointer, d.setMarker(blocks.NilPointer)
	}
	if m.V.Chunk.IsNil() {
		return blocks.NilPointer, nil
	}

	chunk := int64(m.V.Chunk)
	payload := make([]byte, blocks.ChunkSize)
	if err := d.dev.ReadAt(payload, d.chunkOffset(chunk)); err != nil {
		return blocks.NilPointer, err
	}
	if err := d.writeRecord(chunk, blocks.RollingChecksum(payload)); err != nil {
		return blocks.NilPointer, err
	}
	if err := d.dev.Sync(); err != nil {
		return blocks.NilPointer, err
	}
	return m.V.Chunk, d.setMarker(blocks.NilPointer)
}

// ReadAt reads data and verifies the checksum of every touched chunk.
// A mismatch is reported as blocks.ErrChecksumMismatch; the caller may
// attempt redundancy-based recovery before giving up.
func (d *Driver) ReadAt(p []byte, off int64) error {
	if err := d.check(int64(len(p)), off); err != nil {
		return err
	}
	buf := make([]byte, blocks.ChunkSize)
	for len(p) > 0 {
		chunk := off / blocks.ChunkSize
		chunkOff := off % blocks.ChunkSize
		n := blocks.ChunkSize - chunkOff
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		if err := d.readChunk(chunk, buf); err != nil {
			return err
		}
		copy(p[:n], buf[chunkOff:])
		p = p[n:]
		off += n
	}
	return nil
}

// WriteAt writes data, updating the checksum record of every touched chunk
// under the dirty marker protocol.
func (d *Driver) WriteAt(p []byte, off int64) error {
	if err := d.check(int64(len(p)), off); err != nil {
		return err
	}
	buf := make([]byte, blocks.ChunkSize)
	for len(p) > 0 {
		chunk := off / blocks.ChunkSize
		chunkOff := off % blocks.ChunkSize
		n := blocks.ChunkSize - chunkOff
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		if n == blocks.ChunkSize {
			copy(buf, p[:n])
		} else {
			// Partial chunk update, the rest of the chunk must be merged in
			// to recompute the checksum.
			if err := d.readChunk(chunk, buf); err != nil {
				return err
			}
			copy(buf[chunkOff:], p[:n])
		}
		if err := d.writeChunk(chunk, buf); err != nil {
			return err
		}
		p = p[n:]
		off += n
	}
	return nil
}

// Sync forces written data to be durable.
func (d *Driver) Sync() error {
	return d.dev.Sync()
}

// Size returns the byte size of the checksummed space.
func (d *Driver) Size() int64 {
	return d.nChunks * blocks.ChunkSize
}

func (d *Driver) readChunk(chunk int64, buf []byte) error {
	if err := d.dev.ReadAt(buf, d.chunkOffset(chunk)); err != nil {
		return err
	}
	expected, err := d.readRecord(chunk)
	if err != nil {
		return err
	}
	return blocks.VerifyChunk(blocks.Pointer(chunk), buf, expected)
}

// writeChunk runs the update protocol: set the marker, write the payload,
// persist the new checksum, clear the marker. Every step is durable before
// the next one so recovery can always trust the payload.
func (d *Driver) writeChunk(chunk int64, buf []byte) error {
	d.markerMu.Lock()
	defer d.markerMu.Unlock()

	if err := d.setMarker(blocks.Pointer(chunk)); err != nil {
		return err
	}
	if err := d.dev.WriteAt(buf, d.chunkOffset(chunk)); err != nil {
		return err
	}
	if err := d.dev.Sync(); err != nil {
		return err
	}
	if err := d.writeRecord(chunk, blocks.RollingChecksum(buf)); err != nil {
		return err
	}
	if err := d.dev.Sync(); err != nil {
		return err
	}
	return d.setMarker(blocks.NilPointer)
}

func (d *Driver) readRecord(chunk int64) (blocks.Hash, error) {
	var rec [recordSize]byte
	if err := d.dev.ReadAt(rec[:], d.recordOffset(chunk)); err != nil {
		return 0, err
	}
	return blocks.Hash(binary.LittleEndian.Uint64(rec[:])), nil
}

func (d *Driver) writeRecord(chunk int64, checksum blocks.Hash) error {
	var rec [recordSize]byte
	binary.LittleEndian.PutUint64(rec[:], uint64(checksum))
	return d.dev.WriteAt(rec[:], d.recordOffset(chunk))
}

func (d *Driver) setMarker(chunk blocks.Pointer) error {
	m := photon.NewFromValue(&marker{Chunk: chunk})
	m.V.Checksum = m.V.computeChecksum()
	if err := d.dev.WriteAt(m.B, 0); err != nil {
		return err
	}
	return d.dev.Sync()
}

// chunkOffset translates a logical chunk index to the byte offset on the
// underlying device. Page 0 is the marker, then each group is one table page
// followed by ChunksPerGroup chunks.
func (d *Driver) chunkOffset(chunk int64) int64 {
	group := chunk / blocks.ChunksPerGroup
	slot := chunk % blocks.ChunksPerGroup
	page := 1 + group*(blocks.ChunksPerGroup+1) + 1 + slot
	return page * blocks.PageSize
}

func (d *Driver) recordOffset(chunk int64) int64 {
	group := chunk / blocks.ChunksPerGroup
	slot := chunk % blocks.ChunksPerGroup
	page := 1 + group*(blocks.ChunksPerGroup+1)
	return page*blocks.PageSize + slot*recordSize
}

func (d *Driver) check(n, off int64) error {
	if off < 0 || off+n > d.Size() {
		return errors.Errorf("access out of bounds: offset %d, length %d, size %d", off, n, d.Size())
	}
	return nil
}
