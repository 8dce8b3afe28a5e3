// File: reclaim/workqueue.go
// workRing is the driver's hand-off queue to the cleaner pool: a bounded
// lock-free MPMC ring buffer grounded on the teacher's
// core/concurrency/ring.go (Vyukov sequence-CAS ring over a power-of-two
// slot array), generalized from the teacher's byte/frame payloads to
// workItem values and exposed through api.Ring[T] for cross-package
// consistency.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reclaim

import (
	"sync/atomic"

	"github.com/momentics/pmem-reclaim/api"
)

type workCell struct {
	sequence atomic.Uint64
	data     workItem
}

var _ api.Ring[workItem] = (*workRing)(nil)

// workRing is a bounded MPMC ring buffer of workItem values: one driver
// goroutine enqueues, a fixed pool of cleaner goroutines dequeue.
type workRing struct {
	head uint64
	_    [56]byte // padding to keep head and tail on separate cache lines
	tail uint64
	_    [56]byte
	mask  uint64
	cells []workCell
}

// newWorkRing allocates a ring sized to the next power of two >= size.
func newWorkRing(size uint64) *workRing {
	if size < 2 {
		size = 2
	}
	if size&(size-1) != 0 {
		n := size - 1
		n |= n >> 1
		n |= n >> 2
		n |= n >> 4
		n |= n >> 8
		n |= n >> 16
		n |= n >> 32
		size = n + 1
	}
	r := &workRing{mask: size - 1, cells: make([]workCell, size)}
	for i := range r.cells {
		r.cells[i].sequence.Store(uint64(i))
	}
	return r
}

// Enqueue adds item; returns false if the ring is currently full.
func (r *workRing) Enqueue(item workItem) bool {
	for {
		tail := atomic.LoadUint64(&r.tail)
		c := &r.cells[tail&r.mask]
		seq := c.sequence.Load()
		switch diff := int64(seq) - int64(tail); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.tail, tail, tail+1) {
				c.data = item
				c.sequence.Store(tail + 1)
				return true
			}
		case diff < 0:
			return false
		}
	}
}

// Dequeue removes and returns the oldest item; ok is false if empty.
func (r *workRing) Dequeue() (workItem, bool) {
	for {
		head := atomic.LoadUint64(&r.head)
		c := &r.cells[head&r.mask]
		seq := c.sequence.Load()
		switch diff := int64(seq) - int64(head+1); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.head, head, head+1) {
				item := c.data
				c.sequence.Store(head + r.mask + 1)
				return item, true
			}
		case diff < 0:
			var zero workItem
			return zero, false
		}
	}
}

// Len returns an approximate count of items currently queued.
func (r *workRing) Len() int {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	return int(tail - head)
}

// Cap returns the fixed ring capacity.
func (r *workRing) Cap() int { return len(r.cells) }
