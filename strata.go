// Package strata turns a raw block device into an integrity-checked,
// error-correcting, crash-atomic storage substrate. The stack is a
// composition of disk drivers, each wrapping the next lower one: write
// pipeline, redundancy, page allocator, encryption, checksums, introducer.
package strata

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/strata/alloc"
	"github.com/outofforest/strata/blocks"
	"github.com/outofforest/strata/chksum"
	"github.com/outofforest/strata/cipher"
	"github.com/outofforest/strata/codec"
	"github.com/outofforest/strata/introducer"
	"github.com/outofforest/strata/parity"
	"github.com/outofforest/strata/pipeline"
)

// Options configure mounting a device.
type Options struct {
	// Password unlocks the cipher if one was selected at format time.
	Password []byte
	// Workers is the number of flusher workers draining the write graph.
	Workers int
	Logger  *zap.Logger
}

// Store is the application-facing root of the stack.
type Store struct {
	intro  *introducer.Driver
	alloc  *alloc.Driver
	parity *parity.Driver
	queue  *pipeline.Queue
	codec  codec.Codec
	logger *zap.Logger

	// allocMu serializes freelist head mutations: allocator operations are a
	// single-slot discipline, independent reads and writes stay parallel.
	allocMu sync.Mutex
}

// Mount opens a formatted device, runs each layer's marker-based recovery
// and starts the flusher. Recovery happens before the stack is exposed, so
// crash-consistency is never observable by callers.
func Mount(dev blocks.Dev, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("mounting the stack")

	intro, err := introducer.Open(dev)
	if err != nil {
		return nil, err
	}
	s, err := openStack(intro, opts, logger)
	if err != nil {
		// Flip the state flag back so a failed mount is not mistaken for a
		// crash by the next one. Recovery is marker-driven and reruns at
		// every mount regardless.
		_ = intro.Close()
		return nil, err
	}
	return s, nil
}

func openStack(intro *introducer.Driver, opts Options, logger *zap.Logger) (*Store, error) {
	header := intro.Header()
	if header.PageSize != uint64(blocks.PageSize) {
		return nil, errors.Errorf("unsupported page size: %d", header.PageSize)
	}
	if intro.Unclean() {
		logger.Warn("the device was not shut down properly, running recovery; beware of data loss")
	}

	chk := chksum.New(intro)
	if chunk, err := chk.Recover(); err != nil {
		return nil, err
	} else if !chunk.IsNil() {
		logger.Info("recomputed stale chunk checksum", zap.Uint64("chunk", uint64(chunk)))
	}

	ciph, err := cipher.ByID(header.CipherID, opts.Password, uidSalt(header.UID))
	if err != nil {
		return nil, err
	}
	adrv := alloc.New(cipher.New(chk, ciph))

	pdrv, err := parity.New(adrv, parityConfig(header), logger)
	if err != nil {
		return nil, err
	}
	if _, err := pdrv.Recover(); err != nil {
		return nil, err
	}

	cdc, err := codec.ByID(header.CodecID)
	if err != nil {
		return nil, err
	}

	s := &Store{
		intro:  intro,
		alloc:  adrv,
		parity: pdrv,
		queue:  pipeline.NewQueue(pdrv, opts.Workers, logger),
		codec:  cdc,
		logger: logger,
	}
	return s, nil
}

// ReadAt reads from the protected logical space. Pending writes in the
// graph are served from their buffered content.
func (s *Store) ReadAt(p []byte, off int64) error {
	return s.queue.ReadAt(p, off)
}

// NewPipeline returns an empty pipeline of ordered writes.
func (s *Store) NewPipeline() *pipeline.Pipeline {
	return pipeline.New()
}

// Commit inserts the pipeline into the write graph.
func (s *Store) Commit(p *pipeline.Pipeline) *pipeline.Handle {
	return s.queue.Commit(p)
}

// Write commits a single write and waits until it is durable.
func (s *Store) Write(off int64, data []byte) error {
	p := pipeline.New()
	p.Write(off, data)
	return s.queue.Commit(p).Wait()
}

// AllocatePage pops the freelist head and returns the page address. The
// popped page's link becomes the new head.
func (s *Store) AllocatePage() (blocks.Pointer, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	head, err := s.alloc.Head()
	if err != nil {
		return blocks.NilPointer, err
	}
	if head.IsNil() {
		return blocks.NilPointer, errors.WithStack(alloc.ErrOutOfSpace)
	}

	link := make([]byte, alloc.LinkSize)
	if err := s.queue.ReadAt(link, int64(head)*blocks.PageSize); err != nil {
		return blocks.NilPointer, err
	}
	next := alloc.DecodeLink(link)

	p := pipeline.New()
	p.Do(func(blocks.Dev) error {
		return s.alloc.SetHead(next)
	})
	if err := s.queue.Commit(p).Wait(); err != nil {
		return blocks.NilPointer, err
	}
	return head, nil
}

// FreePage pushes the page back onto the freelist. The link write flushes
// strictly before the head update, so a crash can never expose a dangling
// head.
func (s *Store) FreePage(page blocks.Pointer) error {
	if page.IsNil() || int64(page) >= s.parity.PageCount() {
		return errors.Errorf("invalid page: %d", page)
	}
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	head, err := s.alloc.Head()
	if err != nil {
		return err
	}

	p := pipeline.New()
	p.Write(int64(page)*blocks.PageSize, alloc.EncodeLink(head))
	p.Do(func(blocks.Dev) error {
		return s.alloc.SetHead(page)
	})
	return s.queue.Commit(p).Wait()
}

// Codec returns the cluster codec selected by the header.
func (s *Store) Codec() codec.Codec {
	return s.codec
}

// Size returns the byte size of the logical space.
func (s *Store) Size() int64 {
	return s.parity.Size()
}

// PageCount returns the number of pages in the logical space.
func (s *Store) PageCount() int64 {
	return s.parity.PageCount()
}

// Flush blocks until the write graph is drained.
func (s *Store) Flush() error {
	return s.queue.Flush()
}

// Close drains the write graph, stops the flusher and marks the device as
// properly closed.
func (s *Store) Close() error {
	s.logger.Info("closing the stack")
	if err := s.queue.Close(); err != nil {
		return err
	}
	return s.intro.Close()
}

func parityConfig(header introducer.Header) parity.Config {
	return parity.Config{
		DataBlockSize: int64(header.DataBlockSize),
		GroupChildren: int64(header.GroupChildren),
		GroupLeaders:  int64(header.GroupLeaders),
	}
}

func uidSalt(uid [2]uint64) []byte {
	salt := make([]byte, 16)
	binary.LittleEndian.PutUint64(salt, uid[0])
	binary.LittleEndian.PutUint64(salt[8:], uid[1])
	return salt
}
