package mark

import (
	"sync"
	"sync/atomic"

	"omibyte.io/regiongc/heap"
)

// RootRegions tracks the survivor regions captured at initial mark. Each
// must be scanned exactly once before concurrent tracing may rely on the
// snapshot; tasks claim them through an atomic index, and a pause can
// block until the whole set is drained.
type RootRegions struct {
	regions []*heap.Region
	claim   atomic.Uint32
	aborted atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	scanning bool
}

func NewRootRegions() *RootRegions {
	rr := &RootRegions{}
	rr.cond = sync.NewCond(&rr.mu)
	return rr
}

// Reset installs the survivor set for a new cycle. Runs inside the
// initial mark pause.
func (rr *RootRegions) Reset(survivors []*heap.Region) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.regions = survivors
	rr.claim.Store(0)
	rr.aborted.Store(false)
	rr.scanning = len(survivors) > 0
}

func (rr *RootRegions) Count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.regions)
}

// ClaimNext hands out one unscanned root region, or nil when none remain
// or the scan was aborted. The atomic increment is the only mutation, so
// no two claimers ever receive the same region.
func (rr *RootRegions) ClaimNext() *heap.Region {
	if rr.aborted.Load() {
		return nil
	}
	n := rr.claim.Add(1) - 1
	if n >= uint32(len(rr.regions)) {
		return nil
	}
	return rr.regions[n]
}

// Abort makes every subsequent claim return nil. Used when a full
// collection preempts the concurrent cycle.
func (rr *RootRegions) Abort() {
	rr.aborted.Store(true)
}

func (rr *RootRegions) ScanInProgress() bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.scanning
}

// ScanFinished is called once by the coordinator after the scanning
// workers have drained the set; it releases any pause waiting on the
// scan.
func (rr *RootRegions) ScanFinished() {
	rr.mu.Lock()
	rr.scanning = false
	rr.mu.Unlock()
	rr.cond.Broadcast()
}

// WaitUntilScanFinished blocks the caller until the scan completes.
// Returns immediately when no scan is in progress.
func (rr *RootRegions) WaitUntilScanFinished() {
	rr.mu.Lock()
	for rr.scanning {
		rr.cond.Wait()
	}
	rr.mu.Unlock()
}
