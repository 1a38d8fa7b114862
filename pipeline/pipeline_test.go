package pipeline_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/strata/blocks"
	"github.com/outofforest/strata/pipeline"
	"github.com/outofforest/strata/pkg/memdev"
)

const devSize = 64 * blocks.PageSize

// testDev wraps memdev recording the order of writes and syncs, optionally
// gating writes or injecting failures.
type testDev struct {
	mem *memdev.MemDev

	mu    sync.Mutex
	order []string

	// gate, when non-nil, blocks every write until the channel is closed.
	gate chan struct{}
	// failAt makes writes to that address fail; -1 disables.
	failAt int64
	// readErr makes every read fail.
	readErr bool
}

func newTestDev() *testDev {
	return &testDev{
		mem:    memdev.New(devSize),
		failAt: -1,
	}
}

func (d *testDev) ReadAt(p []byte, off int64) error {
	if d.readErr {
		return errors.New("read failed")
	}
	return d.mem.ReadAt(p, off)
}

func (d *testDev) WriteAt(p []byte, off int64) error {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	d.order = append(d.order, fmt.Sprintf("w:%d", off))
	d.mu.Unlock()
	if off == d.failAt {
		return errors.New("write failed")
	}
	return d.mem.WriteAt(p, off)
}

func (d *testDev) Sync() error {
	d.mu.Lock()
	d.order = append(d.order, "sync")
	d.mu.Unlock()
	return nil
}

func (d *testDev) Size() int64 {
	return d.mem.Size()
}

func (d *testDev) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func TestWriteIsDurableWhenWaitReturns(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	q := pipeline.NewQueue(dev, 2, nil)

	p := pipeline.New()
	p.Write(100, []byte("abc"))
	requireT.NoError(q.Commit(p).Wait())

	buf := make([]byte, 3)
	requireT.NoError(dev.mem.ReadAt(buf, 100))
	requireT.Equal([]byte("abc"), buf)
	requireT.Equal([]string{"w:100", "sync"}, dev.recorded())

	requireT.NoError(q.Close())
}

func TestEmptyPipeline(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	q := pipeline.NewQueue(dev, 2, nil)

	requireT.NoError(q.Commit(pipeline.New()).Wait())
	requireT.Empty(dev.recorded())

	requireT.NoError(q.Close())
}

func TestPipelineWritesFlushInOrder(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	q := pipeline.NewQueue(dev, 4, nil)

	// Disjoint addresses: only the intra-pipeline edges enforce the order.
	p := pipeline.New()
	expected := make([]string, 0, 20)
	for i := 0; i < 10; i++ {
		p.Write(int64(i)*blocks.PageSize, []byte{byte(i)})
		expected = append(expected, fmt.Sprintf("w:%d", int64(i)*blocks.PageSize), "sync")
	}
	requireT.NoError(q.Commit(p).Wait())
	requireT.Equal(expected, dev.recorded())

	requireT.NoError(q.Close())
}

func TestOverlappingWritesAcrossPipelines(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	dev.gate = make(chan struct{})
	q := pipeline.NewQueue(dev, 4, nil)

	// All committed while the device is gated, so edges alone decide who
	// writes last.
	for i := 0; i <= 9; i++ {
		p := pipeline.New()
		p.Write(0, []byte{byte(i)})
		q.Commit(p)
	}
	close(dev.gate)
	requireT.NoError(q.Flush())

	buf := make([]byte, 1)
	requireT.NoError(dev.mem.ReadAt(buf, 0))
	requireT.Equal([]byte{9}, buf)

	requireT.NoError(q.Close())
}

func TestReadYourWrites(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	dev.gate = make(chan struct{})
	q := pipeline.NewQueue(dev, 1, nil)

	p := pipeline.New()
	p.Write(10, []byte("pending"))
	h := q.Commit(p)

	// The write is stuck in the graph, reads already observe it.
	buf := make([]byte, 7)
	requireT.NoError(q.ReadAt(buf, 10))
	requireT.Equal([]byte("pending"), buf)

	// Unwritten neighbours come from the device.
	buf = make([]byte, 9)
	requireT.NoError(q.ReadAt(buf, 9))
	requireT.Equal(append(append([]byte{0}, []byte("pending")...), 0), buf)

	close(dev.gate)
	requireT.NoError(h.Wait())
	requireT.NoError(q.Close())
}

func TestReadOverlaysInCommitOrder(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	dev.gate = make(chan struct{})
	q := pipeline.NewQueue(dev, 1, nil)

	p1 := pipeline.New()
	p1.Write(0, []byte("aaaa"))
	q.Commit(p1)
	p2 := pipeline.New()
	p2.Write(2, []byte("bb"))
	q.Commit(p2)

	buf := make([]byte, 4)
	requireT.NoError(q.ReadAt(buf, 0))
	requireT.Equal([]byte("aabb"), buf)

	close(dev.gate)
	requireT.NoError(q.Close())
}

func TestReadToleratesDevErrorWhenCovered(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	dev.gate = make(chan struct{})
	dev.readErr = true
	q := pipeline.NewQueue(dev, 1, nil)

	p := pipeline.New()
	p.Write(10, []byte("pending"))
	q.Commit(p)

	// Fully covered by the pending write: served from the buffer.
	buf := make([]byte, 7)
	requireT.NoError(q.ReadAt(buf, 10))
	requireT.Equal([]byte("pending"), buf)

	// Partially covered: the device error matters.
	requireT.Error(q.ReadAt(make([]byte, 8), 10))

	close(dev.gate)
	requireT.NoError(q.Close())
}

func TestMetaOpRunsAfterPrecedingWrite(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	q := pipeline.NewQueue(dev, 4, nil)

	p := pipeline.New()
	p.Write(0, []byte("x"))
	var observed []byte
	p.Do(func(d blocks.Dev) error {
		observed = make([]byte, 1)
		return d.ReadAt(observed, 0)
	})
	requireT.NoError(q.Commit(p).Wait())
	requireT.Equal([]byte("x"), observed)

	requireT.NoError(q.Close())
}

func TestFailureStopsTheQueue(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	dev.failAt = blocks.PageSize
	q := pipeline.NewQueue(dev, 2, nil)

	p := pipeline.New()
	p.Write(blocks.PageSize, []byte("boom"))
	p.Write(2*blocks.PageSize, []byte("never"))
	h := q.Commit(p)
	requireT.Error(h.Wait())
	requireT.Error(q.Flush())

	// The dependent write was never issued.
	requireT.NotContains(dev.recorded(), fmt.Sprintf("w:%d", 2*blocks.PageSize))

	requireT.Error(q.Close())
}

func TestConcurrentCommits(t *testing.T) {
	requireT := require.New(t)
	dev := newTestDev()
	q := pipeline.NewQueue(dev, 4, nil)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := pipeline.New()
			p.Write(int64(i)*blocks.PageSize, []byte{byte(i)})
			errs[i] = q.Commit(p).Wait()
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		requireT.NoError(errs[i])
		buf := make([]byte, 1)
		requireT.NoError(dev.mem.ReadAt(buf, int64(i)*blocks.PageSize))
		requireT.Equal([]byte{byte(i)}, buf)
	}

	requireT.NoError(q.Close())
}
