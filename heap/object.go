package heap

// Address is a word index into the heap's backing store. 0 is the null
// reference; the store keeps a leading pad span so no object can start
// there. Addresses are opaque handles to the marking engine: comparable,
// dereferenceable for size and kind, and iterable for outgoing references.
type Address uint64

type ObjectKind uint8

const (
	// KindData objects carry no references in their payload.
	KindData ObjectKind = iota
	// KindRefs objects hold one reference (or null) per payload word.
	KindRefs
	// KindRefArray objects are KindRefs objects large enough that the
	// tracing engine may split their scan into slices.
	KindRefArray
)

func (k ObjectKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindRefs:
		return "refs"
	case KindRefArray:
		return "refarray"
	default:
		return "unknown"
	}
}

// Object header layout, one word at the object's start address:
// bits 0..31 hold the size in words including the header, bits 56..58
// hold the kind.
const (
	headerSizeMask  = 0xFFFF_FFFF
	headerKindShift = 56
	headerKindMask  = 0x7
)

func makeHeader(kind ObjectKind, sizeWords uint64) uint64 {
	return sizeWords&headerSizeMask | uint64(kind)<<headerKindShift
}

func headerSize(h uint64) uint64 {
	return h & headerSizeMask
}

func headerKind(h uint64) ObjectKind {
	return ObjectKind(h >> headerKindShift & headerKindMask)
}

// ObjectSize returns the object's size in words, header included.
func (h *Heap) ObjectSize(obj Address) uint64 {
	return headerSize(h.loadWord(obj))
}

func (h *Heap) ObjectKind(obj Address) ObjectKind {
	return headerKind(h.loadWord(obj))
}

// RefCount returns the number of payload slots that may hold references.
func (h *Heap) RefCount(obj Address) uint64 {
	hdr := h.loadWord(obj)
	if headerKind(hdr) == KindData {
		return 0
	}
	return headerSize(hdr) - 1
}

// Field reads payload slot i. Slots are numbered from 0.
func (h *Heap) Field(obj Address, slot uint64) Address {
	if heapAsserts && slot >= h.ObjectSize(obj)-1 {
		panic("heap: field slot out of range")
	}
	return Address(h.loadWord(obj + 1 + Address(slot)))
}

// InitField writes payload slot i without a barrier. Only valid for
// stores that initialize a slot before the object is reachable by
// mutators, or while marking is inactive.
func (h *Heap) InitField(obj Address, slot uint64, val Address) {
	if heapAsserts && h.ObjectKind(obj) == KindData {
		panic("heap: reference store into data object")
	}
	h.storeWord(obj+1+Address(slot), uint64(val))
}

// RefIter yields the non-null outgoing references of a single object,
// lazily. Iterators are cheap to construct and restartable at any slot
// offset, which is how array-slice continuations resume.
type RefIter struct {
	h    *Heap
	obj  Address
	slot uint64
	to   uint64
}

// References iterates all reference slots of obj.
func (h *Heap) References(obj Address) RefIter {
	return h.RefsRange(obj, 0, h.RefCount(obj))
}

// RefsRange iterates the reference slots of obj in [from, to).
func (h *Heap) RefsRange(obj Address, from, to uint64) RefIter {
	if heapAsserts && to > h.RefCount(obj) {
		panic("heap: reference range out of bounds")
	}
	return RefIter{h: h, obj: obj, slot: from, to: to}
}

func (it *RefIter) Next() (Address, bool) {
	// Bounds were checked at construction; read the words directly.
	for it.slot < it.to {
		ref := it.h.loadWord(it.obj + 1 + Address(it.slot))
		it.slot++
		if ref != 0 {
			return Address(ref), true
		}
	}
	return 0, false
}
