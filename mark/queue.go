package mark

import "sync/atomic"

// taskQueue is a fixed-capacity ring of task entries. The owning task
// pushes at the tail; pops and steals contend on the head counter, so an
// entry leaves the queue exactly once no matter who takes it. Slots are
// atomic words because a stale stealer may read a slot the owner is
// already reusing; its head compare-and-swap fails and the value is
// discarded.
type taskQueue struct {
	head  atomic.Uint32
	tail  atomic.Uint32
	elems []atomic.Uint64
	mask  uint32
}

func newTaskQueue(capacity int) *taskQueue {
	// Round up to a power of two for mask indexing.
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &taskQueue{
		elems: make([]atomic.Uint64, n),
		mask:  uint32(n - 1),
	}
}

// push appends one entry. Owner only. Returns false when the ring is
// full; the caller spills to the global stack.
func (q *taskQueue) push(e taskEntry) bool {
	h := q.head.Load()
	t := q.tail.Load()
	if t-h >= uint32(len(q.elems)) {
		return false
	}
	// The slot is free: consumers advanced head past it before the head
	// load above observed them.
	q.elems[t&q.mask].Store(uint64(e))
	q.tail.Store(t + 1)
	return true
}

// pop removes one entry. Runs from the owner or from stealing tasks; the
// head compare-and-swap arbitrates.
func (q *taskQueue) pop() (taskEntry, bool) {
	for {
		h := q.head.Load()
		t := q.tail.Load()
		if h == t {
			return 0, false
		}
		e := taskEntry(q.elems[h&q.mask].Load())
		if q.head.CompareAndSwap(h, h+1) {
			return e, true
		}
	}
}

func (q *taskQueue) capacity() int {
	return len(q.elems)
}

// size is approximate while producers and consumers race.
func (q *taskQueue) size() int {
	h := q.head.Load()
	t := q.tail.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

func (q *taskQueue) empty() bool {
	return q.size() == 0
}

// setEmpty drops all entries. Owner only, with no stealers active.
func (q *taskQueue) setEmpty() {
	q.head.Store(q.tail.Load())
}
