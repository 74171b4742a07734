package heap

import (
	"sync"
	"sync/atomic"
)

// satbBufferEntries is the capacity of one write-barrier buffer.
const satbBufferEntries = 256

type satbBuffer struct {
	refs [satbBufferEntries]Address
	n    int
}

// SATBQueueSet collects the old values of reference stores performed
// while marking is active, preserving the snapshot-at-the-beginning
// guarantee. Each mutator fills a private buffer; full buffers move to
// the completed list, which marking tasks drain one buffer at a time.
type SATBQueueSet struct {
	active atomic.Bool

	mu        sync.Mutex
	completed []*satbBuffer
	ncomplete atomic.Int64
	mutators  []*Mutator
}

func newSATBQueueSet() *SATBQueueSet {
	return &SATBQueueSet{}
}

// SetActive turns the barrier on or off. Flipped only inside pauses:
// on at initial mark, off at the end of remark.
func (s *SATBQueueSet) SetActive(v bool) {
	s.active.Store(v)
}

func (s *SATBQueueSet) Active() bool {
	return s.active.Load()
}

func (s *SATBQueueSet) enqueueCompleted(b *satbBuffer) {
	s.mu.Lock()
	s.completed = append(s.completed, b)
	s.ncomplete.Store(int64(len(s.completed)))
	s.mu.Unlock()
}

// PopCompleted hands out one completed buffer's entries, or reports that
// none are available. Entries may include references that died since
// logging; the consumer applies its own filters.
func (s *SATBQueueSet) PopCompleted() ([]Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completed) == 0 {
		return nil, false
	}
	b := s.completed[len(s.completed)-1]
	s.completed = s.completed[:len(s.completed)-1]
	s.ncomplete.Store(int64(len(s.completed)))
	return b.refs[:b.n], true
}

// HasCompleted is a racy query used by the termination protocol; a false
// answer may be stale, which the protocol tolerates by re-checking.
func (s *SATBQueueSet) HasCompleted() bool {
	return s.ncomplete.Load() > 0
}

// FlushAll moves every mutator's partial buffer to the completed list.
// Callers must hold the world stopped.
func (s *SATBQueueSet) FlushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mutators {
		if m.buf != nil && m.buf.n > 0 {
			s.completed = append(s.completed, m.buf)
			m.buf = nil
		}
	}
	s.ncomplete.Store(int64(len(s.completed)))
}

// Reset discards all buffered entries, partial and completed. Used on
// cycle abort.
func (s *SATBQueueSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = nil
	s.ncomplete.Store(0)
	for _, m := range s.mutators {
		m.buf = nil
	}
}

// Mutator is one allocating, storing thread's view of the heap. Stores
// through a Mutator run the SATB barrier; the buffer is owned by the
// mutator goroutine except during FlushAll/Reset pauses.
type Mutator struct {
	h   *Heap
	buf *satbBuffer
}

func (h *Heap) NewMutator() *Mutator {
	m := &Mutator{h: h}
	h.satb.mu.Lock()
	h.satb.mutators = append(h.satb.mutators, m)
	h.satb.mu.Unlock()
	return m
}

// Store writes a reference into a payload slot. While marking is active
// the previous value is logged first, so the snapshot's reachability is
// preserved no matter what the mutators overwrite.
func (m *Mutator) Store(obj Address, slot uint64, val Address) {
	h := m.h
	if heapAsserts && h.ObjectKind(obj) == KindData {
		panic("heap: reference store into data object")
	}
	if h.satb.Active() {
		if old := h.Field(obj, slot); old != 0 {
			m.logOld(old)
		}
	}
	h.storeWord(obj+1+Address(slot), uint64(val))
}

func (m *Mutator) logOld(ref Address) {
	if m.buf == nil {
		m.buf = new(satbBuffer)
	}
	m.buf.refs[m.buf.n] = ref
	m.buf.n++
	if m.buf.n == satbBufferEntries {
		m.h.satb.enqueueCompleted(m.buf)
		m.buf = nil
	}
}
