package heap

import "sync/atomic"

type RegionKind uint8

const (
	RegionFree RegionKind = iota
	RegionEden
	RegionSurvivor
	RegionOld
)

func (k RegionKind) String() string {
	switch k {
	case RegionFree:
		return "free"
	case RegionEden:
		return "eden"
	case RegionSurvivor:
		return "survivor"
	case RegionOld:
		return "old"
	default:
		return "unknown"
	}
}

// Region is one fixed-size span of heap words. The marking engine reads
// extents and the top-at-mark-start snapshot and writes liveness counts;
// it never moves or frees objects itself.
type Region struct {
	index  uint32
	bottom Address
	end    Address

	kind      atomic.Uint32
	top       atomic.Uint64
	tams      atomic.Uint64
	liveWords atomic.Uint64
}

func (r *Region) Index() uint32 {
	return r.index
}

func (r *Region) Bottom() Address {
	return r.bottom
}

func (r *Region) End() Address {
	return r.end
}

// Top is the allocation cursor. Objects live in [Bottom, Top).
func (r *Region) Top() Address {
	return Address(r.top.Load())
}

func (r *Region) Kind() RegionKind {
	return RegionKind(r.kind.Load())
}

func (r *Region) IsFree() bool {
	return r.Kind() == RegionFree
}

func (r *Region) setKind(k RegionKind) {
	r.kind.Store(uint32(k))
}

// TAMS is the top-at-mark-start snapshot. Objects at or above it were
// allocated after the cycle began and are implicitly live for the cycle.
func (r *Region) TAMS() Address {
	return Address(r.tams.Load())
}

// NoteMarkStart snapshots the current top as TAMS. Callers must hold the
// world stopped.
func (r *Region) NoteMarkStart() {
	r.tams.Store(r.top.Load())
}

// ResetMarkState drops the TAMS snapshot back to bottom and clears the
// liveness count, preparing the region for the next cycle.
func (r *Region) ResetMarkState() {
	r.tams.Store(uint64(r.bottom))
	r.liveWords.Store(0)
}

// ResetMarkStart retires the TAMS snapshot once a cycle's results have
// been consumed. The liveness count survives until the next cycle
// recomputes it.
func (r *Region) ResetMarkStart() {
	r.tams.Store(uint64(r.bottom))
}

func (r *Region) LiveWords() uint64 {
	return r.liveWords.Load()
}

func (r *Region) SetLiveWords(n uint64) {
	r.liveWords.Store(n)
}

func (r *Region) UsedWords() uint64 {
	return uint64(r.Top() - r.bottom)
}

// AllocatedSinceMarkStart reports whether any allocation happened after
// the TAMS snapshot was taken. Such regions cannot be reclaimed even with
// zero marked words.
func (r *Region) AllocatedSinceMarkStart() bool {
	return r.Top() != r.TAMS()
}
