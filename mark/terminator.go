package mark

import "sync"

// terminator runs the shutdown vote for a set of marking tasks. A task
// offers termination once its queue is dry and stealing failed; the vote
// only carries when every task has offered and the final voter confirms
// the system is globally quiet. Any new work cancels the round and sends
// all voters back to stealing.
type terminator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	offered int
	done    bool
	round   uint64
}

func newTerminator() *terminator {
	t := &terminator{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// reset arms the vote for a phase with n participating tasks.
func (t *terminator) reset(parties int) {
	t.mu.Lock()
	t.parties = parties
	t.offered = 0
	t.done = false
	t.mu.Unlock()
}

// offer casts this task's termination vote and blocks until the vote
// carries (true) or is cancelled (false). The final voter calls hasWork
// to confirm no queue, stack, or buffer still holds entries; a stale
// non-empty reading only costs one extra round.
func (t *terminator) offer(hasWork func() bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return true
	}
	t.offered++
	if t.offered == t.parties {
		if hasWork != nil && hasWork() {
			t.offered = 0
			t.round++
			t.cond.Broadcast()
			return false
		}
		t.done = true
		t.cond.Broadcast()
		return true
	}
	round := t.round
	for !t.done && round == t.round {
		t.cond.Wait()
	}
	return t.done
}

// kick cancels the round in progress so blocked voters re-check their
// abort flags. Used when overflow or a cycle abort must pull tasks out
// of the vote.
func (t *terminator) kick() {
	t.mu.Lock()
	t.offered = 0
	t.round++
	t.mu.Unlock()
	t.cond.Broadcast()
}
