package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// heapAsserts enables internal consistency checks. They panic with a
// specific message instead of silently corrupting the word store.
const heapAsserts = true

var (
	ErrOutOfMemory = errors.New("no free region available")
	ErrBadObject   = errors.New("object does not fit in a region")
	ErrBadConfig   = errors.New("invalid heap configuration")
)

type Config struct {
	// RegionWords is the size of every region in words.
	RegionWords uint64
	// RegionCount is the number of usable regions.
	RegionCount int
}

// Heap is a region-structured word store. Allocation bumps a per-kind
// current region under a single lock; field words and region tops are
// accessed atomically so marking can run while mutators store.
type Heap struct {
	words       []uint64
	regions     []Region
	regionWords uint64
	satb        *SATBQueueSet

	mu      sync.Mutex
	current [4]*Region
}

func New(cfg Config) (*Heap, error) {
	if cfg.RegionWords < 8 || cfg.RegionCount < 1 {
		return nil, errors.Join(ErrBadConfig,
			fmt.Errorf("regionWords=%d regionCount=%d", cfg.RegionWords, cfg.RegionCount))
	}

	// One leading pad span keeps address 0 out of every region, so 0
	// stays the null reference.
	h := &Heap{
		words:       make([]uint64, (uint64(cfg.RegionCount)+1)*cfg.RegionWords),
		regions:     make([]Region, cfg.RegionCount),
		regionWords: cfg.RegionWords,
	}
	h.satb = newSATBQueueSet()
	for i := range h.regions {
		r := &h.regions[i]
		r.index = uint32(i)
		r.bottom = Address((uint64(i) + 1) * cfg.RegionWords)
		r.end = r.bottom + Address(cfg.RegionWords)
		r.top.Store(uint64(r.bottom))
		r.tams.Store(uint64(r.bottom))
	}
	return h, nil
}

func (h *Heap) RegionWords() uint64 {
	return h.regionWords
}

func (h *Heap) RegionCount() int {
	return len(h.regions)
}

func (h *Heap) Region(i int) *Region {
	return &h.regions[i]
}

// Start is the lowest addressable heap word, End one past the highest.
func (h *Heap) Start() Address {
	return Address(h.regionWords)
}

func (h *Heap) End() Address {
	return Address(uint64(len(h.words)))
}

// RegionAt maps an address to its containing region.
func (h *Heap) RegionAt(addr Address) *Region {
	i := uint64(addr)/h.regionWords - 1
	if heapAsserts && (addr < h.Start() || uint64(i) >= uint64(len(h.regions))) {
		panic("heap: address outside any region")
	}
	return &h.regions[i]
}

func (h *Heap) SATB() *SATBQueueSet {
	return h.satb
}

// Survivors returns the survivor regions in index order. The marking
// engine snapshots these as root regions at initial mark.
func (h *Heap) Survivors() []*Region {
	var out []*Region
	for i := range h.regions {
		if h.regions[i].Kind() == RegionSurvivor {
			out = append(out, &h.regions[i])
		}
	}
	return out
}

// AllocateObject allocates in an eden region.
func (h *Heap) AllocateObject(kind ObjectKind, payloadWords int) (Address, error) {
	return h.AllocateObjectIn(RegionEden, kind, payloadWords)
}

// AllocateObjectIn allocates a fresh object of the given kind with
// payloadWords payload slots inside a region of the requested region
// kind. The header is written before the new top is published, so a
// concurrent linear scan never sees an unformatted object.
func (h *Heap) AllocateObjectIn(rk RegionKind, kind ObjectKind, payloadWords int) (Address, error) {
	size := uint64(payloadWords) + 1
	if size > h.regionWords {
		return 0, errors.Join(ErrBadObject, fmt.Errorf("%d words > region %d", size, h.regionWords))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.current[rk]
	for {
		if r != nil {
			top := r.Top()
			if uint64(r.end-top) >= size {
				// Write the header first; publishing the new top makes
				// the object visible to concurrent linear scans.
				h.storeWord(top, makeHeader(kind, size))
				r.top.Store(uint64(top + Address(size)))
				return top, nil
			}
		}
		r = h.takeFreeRegion(rk)
		if r == nil {
			return 0, errors.Join(ErrOutOfMemory, fmt.Errorf("allocating %d words in %s", size, rk))
		}
		h.current[rk] = r
	}
}

func (h *Heap) takeFreeRegion(rk RegionKind) *Region {
	for i := range h.regions {
		r := &h.regions[i]
		if r.IsFree() {
			r.setKind(rk)
			return r
		}
	}
	return nil
}

// FreeRegion returns a region to the free pool, zeroing its words so the
// next allocation starts from a clean slate. The caller guarantees no
// object in the region is reachable.
func (h *Heap) FreeRegion(r *Region) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := r.bottom; i < r.Top(); i++ {
		h.words[i] = 0
	}
	r.top.Store(uint64(r.bottom))
	r.tams.Store(uint64(r.bottom))
	r.liveWords.Store(0)
	r.setKind(RegionFree)
	if h.current[RegionEden] == r {
		h.current[RegionEden] = nil
	}
	if h.current[RegionOld] == r {
		h.current[RegionOld] = nil
	}
	if h.current[RegionSurvivor] == r {
		h.current[RegionSurvivor] = nil
	}
}

// SetRegionKind retags a region, e.g. promoting eden contents to
// survivor between cycles. Allocation state is untouched.
func (h *Heap) SetRegionKind(r *Region, rk RegionKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current[r.Kind()] == r {
		h.current[r.Kind()] = nil
	}
	r.setKind(rk)
}

func (h *Heap) loadWord(addr Address) uint64 {
	return atomic.LoadUint64(&h.words[addr])
}

func (h *Heap) storeWord(addr Address, val uint64) {
	atomic.StoreUint64(&h.words[addr], val)
}
