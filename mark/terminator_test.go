package mark

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTerminatorVoteCarries(t *testing.T) {
	const parties = 4
	term := newTerminator()
	term.reset(parties)

	var carried atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if term.offer(func() bool { return false }) {
				carried.Add(1)
			}
		}()
	}
	waitDone(t, &wg, "vote")
	if carried.Load() != parties {
		t.Fatalf("%d voters saw the vote carry, want %d", carried.Load(), parties)
	}

	// Late offers after a carried vote return immediately.
	if !term.offer(nil) {
		t.Fatal("offer after termination returned false")
	}
}

// The final voter finds work: the round is cancelled and every voter is
// sent back for more. The next round, with the work gone, carries.
func TestTerminatorCancelledRound(t *testing.T) {
	const parties = 3
	term := newTerminator()
	term.reset(parties)

	var hasWork atomic.Bool
	hasWork.Store(true)
	check := func() bool { return hasWork.Load() }

	var cancelled, carried atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if term.offer(check) {
					carried.Add(1)
					return
				}
				cancelled.Add(1)
				hasWork.Store(false)
			}
		}()
	}
	waitDone(t, &wg, "vote")
	if carried.Load() != parties {
		t.Fatalf("%d voters terminated, want %d", carried.Load(), parties)
	}
	if cancelled.Load() == 0 {
		t.Fatal("no voter observed the cancelled round")
	}
}

func TestTerminatorKickReleasesVoters(t *testing.T) {
	term := newTerminator()
	term.reset(2)

	got := make(chan bool, 1)
	go func() {
		got <- term.offer(nil)
	}()

	time.Sleep(10 * time.Millisecond)
	term.kick()

	select {
	case v := <-got:
		if v {
			t.Fatal("kicked voter saw the vote carry")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kick did not release the blocked voter")
	}
}
