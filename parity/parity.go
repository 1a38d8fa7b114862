package parity

import (
	"sync"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/strata/blocks"
)

// ErrUnrecoverableDataLoss is returned when the leader equations are
// under-determined for a lost or corrupted block.
var ErrUnrecoverableDataLoss = errors.New("unrecoverable data loss")

// Config is the redundancy geometry, recorded in the introducer header at
// format time.
type Config struct {
	// DataBlockSize is the coarse redundancy grouping unit. Must be a
	// multiple of the page size.
	DataBlockSize int64
	// GroupChildren is the number of data blocks per redundancy group.
	GroupChildren int64
	// GroupLeaders is the number of leader blocks per group. Zero disables
	// redundancy.
	GroupLeaders int64
}

func (c Config) validate() error {
	if c.DataBlockSize <= 0 || c.DataBlockSize%blocks.PageSize != 0 {
		return errors.Errorf("data block size %d is not a positive multiple of the page size", c.DataBlockSize)
	}
	if c.GroupChildren <= 0 || c.GroupLeaders < 0 {
		return errors.Errorf("invalid group geometry: %d children, %d leaders", c.GroupChildren, c.GroupLeaders)
	}
	return nil
}

// blockMeta is the on-disk metadata region preceding each block slot. It
// holds the nil-terminated list of leaders covering the block. The region
// occupies the leading bytes of one reserved page so block data stays
// page-aligned.
type blockMeta struct {
	Checksum blocks.Hash
	Leaders  [blocks.LeadersPerBlock]blocks.Pointer
}

func (m blockMeta) computeChecksum() blocks.Hash {
	m.Checksum = 0
	return blocks.MetaChecksum(photon.NewFromValue(&m).B)
}

// marker is the pending-redundancy pointer kept in the reserved page 0 of
// the underlying device.
type marker struct {
	Checksum blocks.Hash
	Block    blocks.Pointer
}

func (m marker) computeChecksum() blocks.Hash {
	m.Checksum = 0
	return blocks.MetaChecksum(photon.NewFromValue(&m).B)
}

// Driver maintains the invariant that every leader block equals the bitwise
// XOR of its children when no update is in flight, and uses that redundancy
// to reconstruct blocks whose chunks fail checksum verification below.
//
// The exposed logical space is the concatenation of the child blocks' data
// regions; leader blocks and metadata are not addressable from above.
type Driver struct {
	dev    blocks.Dev
	cfg    Config
	logger *zap.Logger

	nSlots     int64
	fullGroups int64
	nLogical   int64

	// leadersOf and childrenOf mirror the on-disk metadata, loaded at open.
	leadersOf  [][]blocks.Pointer
	childrenOf map[blocks.Pointer][]blocks.Pointer

	// markerMu enforces the single-slot discipline of the pending marker.
	// Writes to blocks with no leaders bypass it entirely.
	markerMu sync.Mutex
}

// Format partitions the device into block slots, assigns groups and writes
// the metadata regions and a nil marker. Leaders are the first GroupLeaders
// slots of every full group; trailing slots that cannot form a full group
// become unprotected children.
func Format(dev blocks.Dev, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	nSlots, fullGroups, _ := geometry(dev.Size(), cfg)

	if err := setMarker(dev, blocks.NilPointer); err != nil {
		return err
	}

	groupSlots := cfg.GroupLeaders + cfg.GroupChildren
	page := make([]byte, blocks.PageSize)
	for slot := int64(0); slot < nSlots; slot++ {
		meta := blockMeta{}
		for i := range meta.Leaders {
			meta.Leaders[i] = blocks.NilPointer
		}
		group := slot / groupSlots
		if group < fullGroups && slot%groupSlots >= cfg.GroupLeaders {
			// A child of a full group: covered by all its leaders.
			for i := int64(0); i < cfg.GroupLeaders && i < blocks.LeadersPerBlock; i++ {
				meta.Leaders[i] = blocks.Pointer(group*groupSlots + i)
			}
		}
		m := photon.NewFromValue(&meta)
		m.V.Checksum = m.V.computeChecksum()
		for i := range page {
			page[i] = 0
		}
		copy(page, m.B)
		if err := dev.WriteAt(page, blocks.PageSize+slot*(blocks.PageSize+cfg.DataBlockSize)); err != nil {
			return err
		}
	}
	return dev.Sync()
}

// New loads the group metadata and returns the redundancy driver over dev.
func New(dev blocks.Dev, cfg Config, logger *zap.Logger) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nSlots, fullGroups, nLogical := geometry(dev.Size(), cfg)

	d := &Driver{
		dev:        dev,
		cfg:        cfg,
		logger:     logger,
		nSlots:     nSlots,
		fullGroups: fullGroups,
		nLogical:   nLogical,
		leadersOf:  make([][]blocks.Pointer, nSlots),
		childrenOf: map[blocks.Pointer][]blocks.Pointer{},
	}
	for slot := int64(0); slot < nSlots; slot++ {
		meta, err := d.readMeta(slot)
		if err != nil {
			return nil, err
		}
		for _, leader := range meta.Leaders {
			if leader.IsNil() {
				break
			}
			if int64(leader) >= nSlots {
				return nil, errors.Errorf("block %d references leader %d past the device", slot, leader)
			}
			d.leadersOf[slot] = append(d.leadersOf[slot], leader)
			d.childrenOf[leader] = append(d.childrenOf[leader], blocks.Pointer(slot))
		}
	}
	return d, nil
}

// Recover performs the mount-time recovery. If the pending marker is
// non-nil, the crash may have happened between the data write and the leader
// write, so the marked block's leaders are recomputed from their current
// children instead of trusting the on-disk leader value.
func (d *Driver) Recover() (blocks.Pointer, error) {
	buf := make([]byte, blocks.PageSize)
	if err := d.dev.ReadAt(buf, 0); err != nil {
		return blocks.NilPointer, err
	}
	m := photon.NewFromBytes[marker](buf)

	if m.V.computeChecksum() != m.V.Checksum {
		// Torn marker write: the crash happened while setting the marker,
		// before any data was mutated. Leaders are consistent.
		return blocks.NilPointer, setMarker(d.dev, blocks.NilPointer)
	}
	if m.V.Block.IsNil() {
		return blocks.NilPointer, nil
	}

	slot := int64(m.V.Block)
	d.logger.Info("recomputing leaders after unclean shutdown", zap.Int64("block", slot))
	for _, leader := range d.leadersOf[slot] {
		if err := d.recomputeLeader(leader); err != nil {
			return blocks.NilPointer, err
		}
	}
	if err := d.dev.Sync(); err != nil {
		return blocks.NilPointer, err
	}
	return m.V.Block, setMarker(d.dev, blocks.NilPointer)
}

// Rebuild recomputes every leader block from its children. Used at format
// after the initial content is in place.
func (d *Driver) Rebuild() error {
	for leader := range d.childrenOf {
		if err := d.recomputeLeader(leader); err != nil {
			return err
		}
	}
	return d.dev.Sync()
}

// ReadAt reads data from the logical space. Chunks failing verification
// below are reconstructed from redundancy and the read is retried once.
func (d *Driver) ReadAt(p []byte, off int64) error {
	if err := d.check(int64(len(p)), off); err != nil {
		return err
	}
	for len(p) > 0 {
		block := off / d.cfg.DataBlockSize
		blockOff := off % d.cfg.DataBlockSize
		n := d.cfg.DataBlockSize - blockOff
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		slot := d.slotOf(block)
		if err := d.readHealed(p[:n], slot, blockOff); err != nil {
			return err
		}
		p = p[n:]
		off += n
	}
	return nil
}

// WriteAt writes data to the logical space. For every touched block covered
// by leaders the complementary XOR patch is applied to each leader under the
// pending marker protocol.
func (d *Driver) WriteAt(p []byte, off int64) error {
	if err := d.check(int64(len(p)), off); err != nil {
		return err
	}
	for len(p) > 0 {
		block := off / d.cfg.DataBlockSize
		blockOff := off % d.cfg.DataBlockSize
		n := d.cfg.DataBlockSize - blockOff
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		if err := d.writeBlock(d.slotOf(block), blockOff, p[:n]); err != nil {
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

// Size returns the byte size of the logical space.
func (d *Driver) Size() int64 {
	return d.nLogical * d.cfg.DataBlockSize
}

// PageCount returns the number of pages in the logical space.
func (d *Driver) PageCount() int64 {
	return d.Size() / blocks.PageSize
}

func (d *Driver) writeBlock(slot int64, blockOff int64, data []byte) error {
	leaders := d.leadersOf[slot]
	if len(leaders) == 0 {
		// No redundancy to maintain, no marker needed. Such writes proceed
		// fully in parallel.
		return d.dev.WriteAt(data, d.dataOffset(slot)+blockOff)
	}

	d.markerMu.Lock()
	defer d.markerMu.Unlock()

	// The old content is needed to derive the XOR patch for the leaders.
	// Leaders are read up front too: healing one after the new data is in
	// place would reconstruct content the patch below double-counts.
	delta := make([]byte, len(data))
	if err := d.readHealedLocked(delta, slot, blockOff); err != nil {
		return err
	}
	for i := range delta {
		delta[i] ^= data[i]
	}
	patched := make([][]byte, len(leaders))
	for i, leader := range leaders {
		patched[i] = make([]byte, len(data))
		if err := d.readHealedLocked(patched[i], int64(leader), blockOff); err != nil {
			return err
		}
		for j := range patched[i] {
			patched[i][j] ^= delta[j]
		}
	}

	if err := setMarker(d.dev, blocks.Pointer(slot)); err != nil {
		return err
	}
	if err := d.dev.WriteAt(data, d.dataOffset(slot)+blockOff); err != nil {
		return err
	}
	for i, leader := range leaders {
		if err := d.dev.WriteAt(patched[i], d.dataOffset(int64(leader))+blockOff); err != nil {
			return err
		}
	}
	if err := d.dev.Sync(); err != nil {
		return err
	}
	return setMarker(d.dev, blocks.NilPointer)
}

// readHealed reads a range of a slot's data, attempting reconstruction and a
// single retry when the lower layers report a checksum mismatch.
// Reconstruction rewrites blocks, so it synchronizes with writers through the
// marker lock; the read is repeated under the lock because a concurrent
// writer may have healed the block already.
func (d *Driver) readHealed(p []byte, slot int64, slotOff int64) error {
	err := d.dev.ReadAt(p, d.dataOffset(slot)+slotOff)
	if err == nil || !errors.Is(err, blocks.ErrChecksumMismatch) {
		return err
	}

	d.markerMu.Lock()
	defer d.markerMu.Unlock()
	return d.readHealedLocked(p, slot, slotOff)
}

// readHealedLocked is readHealed for callers already holding markerMu.
func (d *Driver) readHealedLocked(p []byte, slot int64, slotOff int64) error {
	err := d.dev.ReadAt(p, d.dataOffset(slot)+slotOff)
	if err == nil || !errors.Is(err, blocks.ErrChecksumMismatch) {
		return err
	}

	d.logger.Warn("corrupt block, attempting reconstruction",
		zap.Int64("block", slot), zap.Error(err))
	if rerr := d.reconstruct(slot); rerr != nil {
		return rerr
	}
	return d.dev.ReadAt(p, d.dataOffset(slot)+slotOff)
}

func (d *Driver) recomputeLeader(leader blocks.Pointer) error {
	acc := make([]byte, d.cfg.DataBlockSize)
	buf := make([]byte, d.cfg.DataBlockSize)
	for _, child := range d.childrenOf[leader] {
		if err := d.dev.ReadAt(buf, d.dataOffset(int64(child))); err != nil {
			return err
		}
		for i := range acc {
			acc[i] ^= buf[i]
		}
	}
	return d.dev.WriteAt(acc, d.dataOffset(int64(leader)))
}

func (d *Driver) readMeta(slot int64) (blockMeta, error) {
	var meta blockMeta
	m := photon.NewFromValue(&meta)
	if err := d.dev.ReadAt(m.B, blocks.PageSize+slot*(blocks.PageSize+d.cfg.DataBlockSize)); err != nil {
		return blockMeta{}, err
	}
	if m.V.computeChecksum() != m.V.Checksum {
		return blockMeta{}, errors.Errorf("metadata of block %d is corrupted", slot)
	}
	return *m.V, nil
}

// slotOf translates a logical block index to its slot on the device.
func (d *Driver) slotOf(block int64) int64 {
	groupSlots := d.cfg.GroupLeaders + d.cfg.GroupChildren
	if group := block / d.cfg.GroupChildren; group < d.fullGroups {
		return group*groupSlots + d.cfg.GroupLeaders + block%d.cfg.GroupChildren
	}
	return d.fullGroups*groupSlots + (block - d.fullGroups*d.cfg.GroupChildren)
}

func (d *Driver) dataOffset(slot int64) int64 {
	return blocks.PageSize + slot*(blocks.PageSize+d.cfg.DataBlockSize) + blocks.PageSize
}

func (d *Driver) check(n, off int64) error {
	if off < 0 || off+n > d.Size() {
		return errors.Errorf("access out of bounds: offset %d, length %d, size %d", off, n, d.Size())
	}
	return nil
}

func setMarker(dev blocks.Dev, block blocks.Pointer) error {
	m := photon.NewFromValue(&marker{Block: block})
	m.V.Checksum = m.V.computeChecksum()
	if err := dev.WriteAt(m.B, 0); err != nil {
		return err
	}
	return dev.Sync()
}

// geometry derives the slot layout from the device size: one reserved marker
// page, then slots of one metadata page plus one data block each.
func geometry(devSize int64, cfg Config) (nSlots, fullGroups, nLogical int64) {
	nSlots = (devSize - blocks.PageSize) / (blocks.PageSize + cfg.DataBlockSize)
	if nSlots < 0 {
		nSlots = 0
	}
	groupSlots := cfg.GroupLeaders + cfg.GroupChildren
	fullGroups = nSlots / groupSlots
	nLogical = fullGroups*cfg.GroupChildren + nSlots%groupSlots
	return nSlots, fullGroups, nLogical
}
