package lci

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Progressor drives outstanding work; *Runtime implements it.
type Progressor interface {
	Progress() (bool, error)
}

type cqCell struct {
	seq atomic.Uint64
	req Request
}

// Queue is a bounded multi-producer multi-consumer completion queue. It must
// be sized for the expected number of in-flight operations: a full queue is a
// configuration error.
type Queue struct {
	refTracker
	_     cpu.CacheLinePad
	head  atomic.Uint64
	_     cpu.CacheLinePad
	tail  atomic.Uint64
	_     cpu.CacheLinePad
	cells []cqCell
	mask  uint64
}

const defaultQueueCapacity = 1024

// NewQueue allocates a queue with capacity rounded up to a power of two.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	size := nextPowerOfTwo(capacity)
	q := &Queue{
		cells: make([]cqCell, size),
		mask:  uint64(size - 1),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Signal enqueues req. It returns ErrQueueFull when every cell is occupied.
func (q *Queue) Signal(req Request) error {
	if q.isClosed() {
		return ErrClosed
	}
	for {
		pos := q.tail.Load()
		cell := &q.cells[pos&q.mask]
		seq := cell.seq.Load()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				cell.req = req
				cell.seq.Store(pos + 1)
				return nil
			}
		case diff < 0:
			return ErrQueueFull
		}
	}
}

// Pop dequeues the oldest record, reporting false when the queue is empty.
func (q *Queue) Pop() (Request, bool) {
	for {
		pos := q.head.Load()
		cell := &q.cells[pos&q.mask]
		seq := cell.seq.Load()
		switch diff := int64(seq) - int64(pos+1); {
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				req := cell.req
				cell.req = Request{}
				cell.seq.Store(pos + q.mask + 1)
				return req, true
			}
		case diff < 0:
			return Request{}, false
		}
	}
}

// PopMultiple drains up to len(dst) records into dst.
func (q *Queue) PopMultiple(dst []Request) int {
	n := 0
	for n < len(dst) {
		req, ok := q.Pop()
		if !ok {
			break
		}
		dst[n] = req
		n++
	}
	return n
}

// Len returns an approximate number of queued records.
func (q *Queue) Len() int {
	n := int64(q.tail.Load()) - int64(q.head.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.cells)
}

// Wait polls until a record is available, driving p between attempts when it
// is non-nil.
func (q *Queue) Wait(ctx context.Context, p Progressor) (Request, error) {
	for {
		if req, ok := q.Pop(); ok {
			return req, nil
		}
		if err := ctx.Err(); err != nil {
			return Request{}, err
		}
		if p != nil {
			if _, err := p.Progress(); err != nil {
				return Request{}, err
			}
			continue
		}
		runtime.Gosched()
	}
}
