package mark

import "sync"

// barrierSync rendezvouses every active marking task. The two instances
// owned by the coordinator bracket the overflow reset: nobody may read
// global state until everyone stopped mutating it, and nobody may resume
// until the reset is complete. Generations make the barrier reusable;
// abort releases current waiters so an aborted cycle cannot hang.
type barrierSync struct {
	mu         sync.Mutex
	cond       *sync.Cond
	total      int
	arrived    int
	generation uint64
	aborted    bool
}

func newBarrierSync() *barrierSync {
	b := &barrierSync{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// setTotal arms the barrier for a marking phase with n participants.
func (b *barrierSync) setTotal(n int) {
	b.mu.Lock()
	b.total = n
	b.arrived = 0
	b.aborted = false
	b.mu.Unlock()
}

// enter blocks until all participants arrive, or until the barrier is
// aborted. The last arrival releases the rest.
func (b *barrierSync) enter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted {
		return
	}
	b.arrived++
	if b.arrived == b.total {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	gen := b.generation
	for gen == b.generation && !b.aborted {
		b.cond.Wait()
	}
}

// abort releases current and future waiters. Entered tasks observe the
// coordinator's abort flag once released.
func (b *barrierSync) abort() {
	b.mu.Lock()
	b.aborted = true
	b.mu.Unlock()
	b.cond.Broadcast()
}
