package mark

import (
	"math/bits"
	"sync/atomic"

	"omibyte.io/regiongc/heap"
)

// Bitmap keeps one bit per heap word. A set bit means an object proven
// reachable this cycle starts at that word. Setting is atomic at single
// bit granularity; bulk operations are reserved for quiescent ranges.
type Bitmap struct {
	words []atomic.Uint64
	size  heap.Address
}

func NewBitmap(size heap.Address) *Bitmap {
	return &Bitmap{
		words: make([]atomic.Uint64, (uint64(size)+63)/64),
		size:  size,
	}
}

// Mark sets the bit for addr and reports whether this call performed the
// unmarked to marked transition. Exactly one concurrent caller observes
// true, which is what gates grey-entry creation.
func (b *Bitmap) Mark(addr heap.Address) bool {
	if markAsserts && addr >= b.size {
		panic("mark: bitmap address out of range")
	}
	w := &b.words[addr/64]
	mask := uint64(1) << (addr % 64)
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

func (b *Bitmap) IsMarked(addr heap.Address) bool {
	return b.words[addr/64].Load()&(uint64(1)<<(addr%64)) != 0
}

// ClearRange clears all bits in [begin, end). Not safe against concurrent
// markers; callers run it between cycles or on reclaimed regions only.
func (b *Bitmap) ClearRange(begin, end heap.Address) {
	if begin >= end {
		return
	}
	firstWord := uint64(begin) / 64
	lastWord := (uint64(end) - 1) / 64
	lowMask := uint64(1)<<(begin%64) - 1
	highMask := ^uint64(0) << ((uint64(end)-1)%64 + 1) // zero when end is word aligned

	if firstWord == lastWord {
		b.words[firstWord].Store(b.words[firstWord].Load() & (lowMask | highMask))
		return
	}
	b.words[firstWord].Store(b.words[firstWord].Load() & lowMask)
	for w := firstWord + 1; w < lastWord; w++ {
		b.words[w].Store(0)
	}
	b.words[lastWord].Store(b.words[lastWord].Load() & highMask)
}

func (b *Bitmap) Clear() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// NextMarked finds the first set bit in [from, limit).
func (b *Bitmap) NextMarked(from, limit heap.Address) (heap.Address, bool) {
	if from >= limit {
		return 0, false
	}
	w := uint64(from) / 64
	cur := b.words[w].Load() &^ (uint64(1)<<(from%64) - 1)
	for {
		if cur != 0 {
			addr := heap.Address(w*64 + uint64(bits.TrailingZeros64(cur)))
			if addr >= limit {
				return 0, false
			}
			return addr, true
		}
		w++
		if w*64 >= uint64(limit) {
			return 0, false
		}
		cur = b.words[w].Load()
	}
}

// IterateMarked calls fn for every marked address in [begin, end) in
// ascending order until fn returns false. Reports whether the walk ran
// to completion.
func (b *Bitmap) IterateMarked(begin, end heap.Address, fn func(heap.Address) bool) bool {
	for addr, ok := b.NextMarked(begin, end); ok; addr, ok = b.NextMarked(addr+1, end) {
		if !fn(addr) {
			return false
		}
	}
	return true
}
