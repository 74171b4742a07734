package mark

import "omibyte.io/regiongc/heap"

// taskEntry packs one unit of tracing work into a single word: either a
// grey object, or a continuation for a partially scanned reference array.
// Bit 63 flags a slice continuation; slice entries keep the resume slot
// in bits 32..62 and the object address in bits 0..31. Plain object
// entries carry the address in bits 0..62. The zero value is the null
// entry, which also serves as the chunk terminator.
type taskEntry uint64

const (
	entrySliceFlag = taskEntry(1) << 63
	entryAddrMask  = 1<<32 - 1
	entryFromShift = 32
	entryFromMask  = 1<<31 - 1
)

func objectEntry(obj heap.Address) taskEntry {
	if markAsserts && (obj == 0 || uint64(obj)>>63 != 0) {
		panic("mark: object address out of entry range")
	}
	return taskEntry(obj)
}

func sliceEntry(obj heap.Address, from uint64) taskEntry {
	if markAsserts && (obj == 0 || uint64(obj) > entryAddrMask || from == 0 || from > entryFromMask) {
		panic("mark: slice entry fields out of range")
	}
	return entrySliceFlag | taskEntry(from)<<entryFromShift | taskEntry(obj)
}

func (e taskEntry) isNull() bool {
	return e == 0
}

func (e taskEntry) isSlice() bool {
	return e&entrySliceFlag != 0
}

func (e taskEntry) object() heap.Address {
	if e.isSlice() {
		return heap.Address(e & entryAddrMask)
	}
	return heap.Address(e)
}

// sliceFrom is the payload slot at which scanning of the array resumes.
func (e taskEntry) sliceFrom() uint64 {
	return uint64(e>>entryFromShift) & entryFromMask
}
