package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/outofforest/strata/blocks"
)

// op is a single write of a pipeline: either a buffered payload write to the
// lower stack or an opaque metadata update (e.g. the freelist head).
type op struct {
	addr  int64
	data  []byte
	apply func(dev blocks.Dev) error
}

// Pipeline is an ordered batch of writes. The relative order is fixed at
// creation and enforced by the flusher once the pipeline is committed. An
// uncommitted pipeline may simply be discarded.
type Pipeline struct {
	ops []op
}

// New returns an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Write appends a payload write to the pipeline. The data is copied so the
// caller may reuse the buffer.
func (p *Pipeline) Write(addr int64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	p.ops = append(p.ops, op{addr: addr, data: buf})
}

// Do appends an opaque metadata update to the pipeline. It is ordered like
// any other write but is invisible to read-your-writes.
func (p *Pipeline) Do(apply func(dev blocks.Dev) error) {
	p.ops = append(p.ops, op{addr: -1, apply: apply})
}

// node is one write inside the global dependency graph.
type node struct {
	id      uint64
	op      op
	pred    int
	succ    []*node
	running bool
	flushed bool
}

// Handle tracks a committed pipeline.
type Handle struct {
	q    *Queue
	last *node
}

// Wait blocks until every write of the pipeline is flushed, or the queue has
// failed. An empty pipeline is flushed by definition.
func (h *Handle) Wait() error {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	for h.last != nil && !h.last.flushed && h.q.failed == nil {
		h.q.cond.Wait()
	}
	return h.q.failed
}

// Queue is the global write-dependency graph plus its flusher workers.
// Committed writes become nodes; edges enforce intra-pipeline order and
// ordering between overlapping payload writes. Workers flush any node whose
// predecessors are all flushed, so independent writes proceed concurrently.
type Queue struct {
	dev    blocks.Dev
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	nodes  []*node
	nextID uint64
	failed error
	closed bool
	wg     sync.WaitGroup
}

// NewQueue starts the flusher over dev with the given number of workers.
func NewQueue(dev blocks.Dev, workers int, logger *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		dev:    dev,
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Commit inserts the pipeline's writes into the dependency graph and returns
// a handle. Once committed the pipeline cannot be cancelled.
func (q *Queue) Commit(p *Pipeline) *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()

	var prev *node
	for i := range p.ops {
		n := &node{
			id: q.nextID,
			op: p.ops[i],
		}
		q.nextID++
		if prev != nil {
			prev.succ = append(prev.succ, n)
			n.pred++
		}
		// Overlapping payload writes flush in commit order even across
		// pipelines, otherwise the last committed content could be
		// overwritten by an earlier write.
		if n.op.data != nil {
			for _, e := range q.nodes {
				if !e.flushed && e.op.data != nil && overlaps(e.op, n.op) {
					e.succ = append(e.succ, n)
					n.pred++
				}
			}
		}
		q.nodes = append(q.nodes, n)
		prev = n
	}
	q.cond.Broadcast()
	return &Handle{q: q, last: prev}
}

// ReadAt serves a read, overlaying the buffered content of pending writes
// over the lower stack in commit order (read-your-writes).
func (q *Queue) ReadAt(p []byte, off int64) error {
	q.mu.Lock()
	var overlay []op
	for _, n := range q.nodes {
		if n.op.data != nil && n.op.addr < off+int64(len(p)) && n.op.addr+int64(len(n.op.data)) > off {
			overlay = append(overlay, n.op)
		}
	}
	q.mu.Unlock()

	if err := q.dev.ReadAt(p, off); err != nil {
		// A pending write may fully shadow the failing range; checksum
		// failures below are still worth reporting only if the content is
		// actually served from the device.
		if !covered(p, off, overlay) {
			return err
		}
	}
	for _, o := range overlay {
		from := o.addr - off
		data := o.data
		if from < 0 {
			data = data[-from:]
			from = 0
		}
		copy(p[from:], data)
	}
	return nil
}

// Flush blocks until the graph is drained.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.nodes) > 0 && q.failed == nil {
		q.cond.Wait()
	}
	return q.failed
}

// Close drains the graph and stops the workers.
func (q *Queue) Close() error {
	err := q.Flush()
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
	return err
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var n *node
		for {
			n = q.ready()
			if n != nil || q.closed {
				break
			}
			q.cond.Wait()
		}
		if n == nil {
			q.mu.Unlock()
			return
		}
		n.running = true
		q.mu.Unlock()

		err := q.exec(n)

		q.mu.Lock()
		if err != nil && q.failed == nil {
			q.failed = err
			q.logger.Error("flush failed", zap.Uint64("write", n.id), zap.Error(err))
		}
		n.flushed = true
		for _, s := range n.succ {
			s.pred--
		}
		for len(q.nodes) > 0 && q.nodes[0].flushed {
			q.nodes = q.nodes[1:]
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// exec issues the write to the lower stack and makes it durable before the
// node is marked flushed, so writes connected by an edge are observed
// durable in order by any post-crash reader.
func (q *Queue) exec(n *node) error {
	var err error
	if n.op.data != nil {
		err = q.dev.WriteAt(n.op.data, n.op.addr)
	} else {
		err = n.op.apply(q.dev)
	}
	if err != nil {
		return err
	}
	return q.dev.Sync()
}

// ready returns a node with no unflushed predecessors. After a failure no
// further nodes are issued.
func (q *Queue) ready() *node {
	if q.failed != nil {
		return nil
	}
	for _, n := range q.nodes {
		if !n.flushed && !n.running && n.pred == 0 {
			return n
		}
	}
	return nil
}

func overlaps(a, b op) bool {
	return a.addr < b.addr+int64(len(b.data)) && b.addr < a.addr+int64(len(a.data))
}

// covered tells whether the overlay fully shadows the read range.
func covered(p []byte, off int64, overlay []op) bool {
	type span struct{ from, to int64 }
	var spans []span
	for _, o := range overlay {
		spans = append(spans, span{from: o.addr, to: o.addr + int64(len(o.data))})
	}
	pos := off
	end := off + int64(len(p))
	for pos < end {
		advanced := false
		for _, s := range spans {
			if s.from <= pos && s.to > pos {
				pos = s.to
				advanced = true
			}
		}
		if !advanced {
			return false
		}
	}
	return true
}
