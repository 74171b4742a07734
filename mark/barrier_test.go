package mark

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBarrierReleasesAllAtOnce(t *testing.T) {
	const parties = 4
	b := newBarrierSync()
	b.setTotal(parties)

	var before, after atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			before.Add(1)
			b.enter()
			if n := before.Load(); n != parties {
				t.Errorf("released with only %d arrivals", n)
			}
			after.Add(1)
		}()
	}
	wg.Wait()
	if after.Load() != parties {
		t.Fatalf("%d parties released, want %d", after.Load(), parties)
	}
}

// The same barrier instance must serve consecutive rendezvous without
// rearming in between.
func TestBarrierGenerations(t *testing.T) {
	const parties = 3
	b := newBarrierSync()
	b.setTotal(parties)

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for i := 0; i < parties; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.enter()
			}()
		}
		waitDone(t, &wg, "round")
	}
}

func TestBarrierAbortReleasesWaiters(t *testing.T) {
	b := newBarrierSync()
	b.setTotal(2)

	released := make(chan struct{})
	go func() {
		b.enter()
		close(released)
	}()

	// Give the waiter time to block, then abort instead of arriving.
	time.Sleep(10 * time.Millisecond)
	b.abort()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not release the waiter")
	}

	// Aborted barriers pass new arrivals straight through.
	done := make(chan struct{})
	go func() {
		b.enter()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enter blocked on an aborted barrier")
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup, what string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not finish", what)
	}
}
