package mark

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// chunkEntries is the number of entries one chunk carries. Chunks are
// filled low to high; a null entry terminates a partially filled chunk.
const chunkEntries = 1023

// chunkWords is the footprint used to convert configured byte sizes into
// chunk counts: the entries plus one word of list linkage.
const chunkWords = chunkEntries + 1

type stackChunk struct {
	next    atomic.Int32
	entries [chunkEntries]taskEntry
}

// List heads pack (tag<<32 | index+1) into one atomic word. Index 0 means
// the empty list; the tag increments on every successful swap so a head
// value never recurs while a racing compare-and-swap is in flight.
func packHead(idx int32, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(uint32(idx+1))
}

func unpackHead(h uint64) (int32, uint32) {
	return int32(uint32(h)) - 1, uint32(h >> 32)
}

// ChunkStack is the shared overflow stack: an arena of fixed-size chunk
// slots threaded onto two lock-free index lists, free and in-use. Chunks
// move between the lists whole, so no per-entry atomics are needed.
// A slot is on exactly one list, or owned by the single task that popped
// it and has not pushed it back.
type ChunkStack struct {
	arena []stackChunk
	hwm   atomic.Int64 // next never-used arena slot
	free  atomic.Uint64
	used  atomic.Uint64
	size  atomic.Int64 // chunks on the in-use list

	capacity  int
	maxChunks int
}

func NewChunkStack(initialChunks, maxChunks int) (*ChunkStack, error) {
	if initialChunks < 1 || maxChunks < initialChunks {
		return nil, errors.Join(ErrBadTuning,
			fmt.Errorf("mark stack chunks: initial=%d max=%d", initialChunks, maxChunks))
	}
	return &ChunkStack{
		arena:     make([]stackChunk, initialChunks),
		capacity:  initialChunks,
		maxChunks: maxChunks,
	}, nil
}

func (s *ChunkStack) pushList(head *atomic.Uint64, idx int32) {
	for {
		old := head.Load()
		oldIdx, tag := unpackHead(old)
		s.arena[idx].next.Store(oldIdx)
		if head.CompareAndSwap(old, packHead(idx, tag+1)) {
			return
		}
	}
}

func (s *ChunkStack) popList(head *atomic.Uint64) int32 {
	for {
		old := head.Load()
		idx, tag := unpackHead(old)
		if idx < 0 {
			return -1
		}
		next := s.arena[idx].next.Load()
		if head.CompareAndSwap(old, packHead(next, tag+1)) {
			return idx
		}
	}
}

// allocateChunk takes a slot from the free list, or bump-allocates a
// never-used slot while the arena still has them. Returns -1 when the
// stack is out of chunks; the caller escalates, never retries.
func (s *ChunkStack) allocateChunk() int32 {
	if idx := s.popList(&s.free); idx >= 0 {
		return idx
	}
	for {
		n := s.hwm.Load()
		if n >= int64(s.capacity) {
			return -1
		}
		if s.hwm.CompareAndSwap(n, n+1) {
			return int32(n)
		}
	}
}

// PushChunk copies buf into a chunk and links it onto the in-use list.
// Returns false when no chunk can be obtained; never blocks.
func (s *ChunkStack) PushChunk(buf *[chunkEntries]taskEntry) bool {
	idx := s.allocateChunk()
	if idx < 0 {
		return false
	}
	s.arena[idx].entries = *buf
	s.pushList(&s.used, idx)
	s.size.Add(1)
	return true
}

// PopChunk moves one in-use chunk's entries into buf. A false return may
// be spurious when pushers are racing; callers tolerate empty.
func (s *ChunkStack) PopChunk(buf *[chunkEntries]taskEntry) bool {
	idx := s.popList(&s.used)
	if idx < 0 {
		return false
	}
	*buf = s.arena[idx].entries
	s.size.Add(-1)
	s.pushList(&s.free, idx)
	return true
}

// Size is the number of in-use chunks; racy, good enough for watermarks.
func (s *ChunkStack) Size() int {
	return int(s.size.Load())
}

func (s *ChunkStack) IsEmpty() bool {
	return s.size.Load() == 0
}

// Capacity is the current arena size in chunks. Only Expand changes it,
// and Expand runs with the world stopped.
func (s *ChunkStack) Capacity() int {
	return s.capacity
}

// Expand doubles the arena up to the configured maximum. Legal only while
// the stack is empty and no concurrent pushers or poppers exist; the old
// arena is dropped rather than copied.
func (s *ChunkStack) Expand() error {
	if markAsserts && !s.IsEmpty() {
		panic("mark: expanding a non-empty chunk stack")
	}
	if s.capacity >= s.maxChunks {
		return errors.Join(ErrStackExhausted,
			fmt.Errorf("capacity %d chunks", s.capacity))
	}
	newCap := s.capacity * 2
	if newCap > s.maxChunks {
		newCap = s.maxChunks
	}
	tracef("mark stack expand: %d -> %d chunks", s.capacity, newCap)
	s.arena = make([]stackChunk, newCap)
	s.capacity = newCap
	s.setLists(0, 0, 0)
	return nil
}

// SetEmpty discards all in-use chunks, returning every slot to the free
// pool. Callers guarantee no concurrent access.
func (s *ChunkStack) SetEmpty() {
	s.setLists(0, 0, 0)
}

func (s *ChunkStack) setLists(free, used uint64, hwm int64) {
	s.free.Store(free)
	s.used.Store(used)
	s.hwm.Store(hwm)
	s.size.Store(0)
}
