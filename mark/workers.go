package mark

import (
	"math"
	"runtime"
	"sync"
)

// gang fans one phase out across a fixed set of workers and waits for
// all of them to return. Worker ids are dense starting at zero so they
// double as task ids.
type gang struct {
	workers int
}

func (g gang) run(fn func(worker int)) {
	var wg sync.WaitGroup
	wg.Add(g.workers)
	for i := 0; i < g.workers; i++ {
		go func(worker int) {
			defer wg.Done()
			fn(worker)
		}(i)
	}
	wg.Wait()
}

// concurrentWorkerCount derives the marking thread count for phases that
// share the machine with mutators: a ratio of the pause worker count,
// never less than one.
func concurrentWorkerCount(threads int, ratio float64) int {
	n := int(math.Round(float64(pauseWorkerCount(threads)) * ratio))
	if n < 1 {
		n = 1
	}
	return n
}

// pauseWorkerCount derives the thread count for stop-the-world phases,
// which own the machine outright.
func pauseWorkerCount(threads int) int {
	if threads > 0 {
		return threads
	}
	return runtime.GOMAXPROCS(0)
}
