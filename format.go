package strata

import (
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/strata/alloc"
	"github.com/outofforest/strata/blocks"
	"github.com/outofforest/strata/chksum"
	"github.com/outofforest/strata/cipher"
	"github.com/outofforest/strata/introducer"
	"github.com/outofforest/strata/parity"
)

// DefaultDataBlockSize is the canonical redundancy grouping unit.
const DefaultDataBlockSize int64 = 128 * 1024 * 1024 // 128 MiB

// ErrAlreadyInitialized is returned if during formatting, another strata
// instance is detected on the device.
var ErrAlreadyInitialized = errors.New("strata has been already initialized on the provided device")

// FormatOptions configure formatting a device.
type FormatOptions struct {
	// DataBlockSize is the redundancy grouping unit, a multiple of the page
	// size. Defaults to DefaultDataBlockSize.
	DataBlockSize int64
	// GroupChildren is the number of data blocks per redundancy group.
	// Defaults to 1.
	GroupChildren int64
	// GroupLeaders is the number of leader blocks per group. The default of 1
	// with one child per group yields mirrored groups.
	GroupLeaders int64
	// CipherID selects the cipher applied below the allocator.
	CipherID uint64
	// CodecID selects the cluster codec exposed to collaborators.
	CodecID uint64
	// Password keys the cipher if one is selected.
	Password []byte
	// Overwrite allows formatting over an existing instance.
	Overwrite bool
	Logger    *zap.Logger
}

// Format initializes the stack on the device: the introducer header, the
// checksum tables, the redundancy group metadata and leaders, and the
// freelist linking every page of the logical space.
func Format(dev blocks.Dev, opts FormatOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DataBlockSize == 0 {
		opts.DataBlockSize = DefaultDataBlockSize
	}
	if opts.GroupChildren == 0 {
		opts.GroupChildren = 1
	}
	if opts.GroupLeaders == 0 {
		opts.GroupLeaders = 1
	}

	if !opts.Overwrite {
		if _, err := introducer.Load(dev); err == nil {
			return errors.WithStack(ErrAlreadyInitialized)
		} else if !errors.Is(err, introducer.ErrMagicMismatch) {
			return err
		}
	}

	logger.Info("formatting the device", zap.Int64("size", dev.Size()))
	header := introducer.Header{
		UID:           [2]uint64{rand.Uint64(), rand.Uint64()},
		CipherID:      opts.CipherID,
		CodecID:       opts.CodecID,
		PageSize:      uint64(blocks.PageSize),
		DataBlockSize: uint64(opts.DataBlockSize),
		GroupChildren: uint64(opts.GroupChildren),
		GroupLeaders:  uint64(opts.GroupLeaders),
	}
	if err := introducer.Format(dev, header); err != nil {
		return err
	}
	intro, err := introducer.Open(dev)
	if err != nil {
		return err
	}
	header = intro.Header()

	// Checksum records are computed over the chunks as they are, whatever
	// the device held before. Everything written from here on goes through
	// the checksum driver and keeps them current.
	chk := chksum.New(intro)
	if err := chk.Format(); err != nil {
		return err
	}

	ciph, err := cipher.ByID(header.CipherID, opts.Password, uidSalt(header.UID))
	if err != nil {
		return err
	}
	adrv := alloc.New(cipher.New(chk, ciph))

	pcfg := parityConfig(header)
	if err := parity.Format(adrv, pcfg); err != nil {
		return err
	}
	pdrv, err := parity.New(adrv, pcfg, logger)
	if err != nil {
		return err
	}
	// Establish leader = XOR of children over the initial content so the
	// incremental patches applied by the freelist writes below stay exact.
	if err := pdrv.Rebuild(); err != nil {
		return err
	}

	// Link every page of the logical space into the freelist, terminated by
	// nil, head pointing at the first page.
	nPages := pdrv.PageCount()
	for page := int64(0); page < nPages; page++ {
		next := blocks.Pointer(page + 1)
		if page == nPages-1 {
			next = blocks.NilPointer
		}
		if err := pdrv.WriteAt(alloc.EncodeLink(next), page*blocks.PageSize); err != nil {
			return err
		}
	}
	head := blocks.NilPointer
	if nPages > 0 {
		head = 0
	}
	if err := adrv.Format(head); err != nil {
		return err
	}

	if err := intro.Close(); err != nil {
		return err
	}
	logger.Info("device formatted",
		zap.Int64("pages", nPages),
		zap.Int64("dataBlockSize", opts.DataBlockSize))
	return dev.Sync()
}
