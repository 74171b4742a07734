package mark

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"omibyte.io/regiongc/heap"
)

// Phase is the coordinator's position in the marking cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseInitialMark
	PhaseRootScan
	PhaseMarking
	PhaseRemark
	PhaseLiveData
	PhaseCleanup
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitialMark:
		return "initial mark"
	case PhaseRootScan:
		return "root region scan"
	case PhaseMarking:
		return "concurrent mark"
	case PhaseRemark:
		return "remark"
	case PhaseLiveData:
		return "live data"
	case PhaseCleanup:
		return "cleanup"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Pause steps run with an effectively unlimited time budget.
const unboundedStepTarget = time.Duration(math.MaxInt64)

// WorldStopper brackets the stop-the-world pauses of a cycle.
type WorldStopper interface {
	StopWorld()
	StartWorld()
}

// RootProvider supplies the current root set. It is queried once per
// pause; roots picked up or dropped between pauses are covered by the
// snapshot barrier.
type RootProvider interface {
	Roots() []heap.Address
}

// Marker owns all shared marking state: the two bitmaps, the global
// stack, the finger, the root region registry, and the per-task queues.
// Tasks reach it only through the markingSupport interface.
type Marker struct {
	hp     *heap.Heap
	tuning Tuning

	// next collects this cycle's marks; prev holds the last completed
	// cycle's. Remark swaps them.
	prev *Bitmap
	next *Bitmap

	stack *ChunkStack

	rootRegions *RootRegions

	queues []*taskQueue
	tasks  []*task

	// finger is the next unclaimed address. Regions are claimed by
	// advancing it one region extent at a time.
	finger    atomic.Uint64
	liveClaim atomic.Uint32

	overflow   atomic.Bool
	aborted    atomic.Bool
	concurrent atomic.Bool
	phase      atomic.Int32

	// activeWorkers is set before each parallel phase starts its gang
	// and read-only while the gang runs.
	activeWorkers     int
	concurrentWorkers int
	maxWorkers        int

	barrier1 *barrierSync
	barrier2 *barrierSync
	term     *terminator

	// restartForOverflow and fatalErr are written with no tasks running.
	restartForOverflow bool
	fatalErr           error

	stats *CycleStats

	// ReferenceProcessor, when set, runs during the remark pause after
	// the final drain, with liveness final for the cycle. KeepAlive
	// resurrects a referent and traces it before the pause ends.
	ReferenceProcessor func(isLive func(heap.Address) bool, keepAlive func(heap.Address))
}

// NewMarker builds a marker for the heap. The tuning decides worker
// counts, queue and stack capacities, and the clock periods.
func NewMarker(hp *heap.Heap, tn Tuning) (*Marker, error) {
	if err := tn.Validate(); err != nil {
		return nil, err
	}
	initial, max, err := tn.StackChunks()
	if err != nil {
		return nil, err
	}
	stack, err := NewChunkStack(initial, max)
	if err != nil {
		return nil, err
	}
	m := &Marker{
		hp:          hp,
		tuning:      tn,
		prev:        NewBitmap(hp.End()),
		next:        NewBitmap(hp.End()),
		stack:       stack,
		rootRegions: NewRootRegions(),
		barrier1:    newBarrierSync(),
		barrier2:    newBarrierSync(),
		term:        newTerminator(),
	}
	m.maxWorkers = pauseWorkerCount(tn.MarkingThreads)
	m.concurrentWorkers = concurrentWorkerCount(tn.MarkingThreads, tn.ConcurrentRatio)
	m.queues = make([]*taskQueue, m.maxWorkers)
	m.tasks = make([]*task, m.maxWorkers)
	for i := range m.queues {
		m.queues[i] = newTaskQueue(tn.LocalQueueCapacity)
		m.tasks[i] = newTask(i, m, hp, m.queues[i], tn)
	}
	m.finger.Store(uint64(hp.Start()))
	m.stats = newCycleStats(m.maxWorkers)
	return m, nil
}

// Phase reports the coordinator's current phase.
func (m *Marker) Phase() Phase {
	return Phase(m.phase.Load())
}

// Stats returns the current cycle's statistics. Stable once the cycle
// has finished.
func (m *Marker) Stats() *CycleStats {
	return m.stats
}

func (m *Marker) beginPhase(next Phase, from ...Phase) error {
	cur := Phase(m.phase.Load())
	for _, f := range from {
		if cur == f {
			m.phase.Store(int32(next))
			tracef("phase %s -> %s", cur, next)
			return nil
		}
	}
	return errors.Join(ErrMarkingActive,
		fmt.Errorf("cannot begin %s from phase %s", next, cur))
}

// markingSupport implementation. Tasks hold the only references to these
// during parallel phases.

func (m *Marker) concurrentPhase() bool { return m.concurrent.Load() }
func (m *Marker) hasOverflown() bool    { return m.overflow.Load() }
func (m *Marker) markingAborted() bool  { return m.aborted.Load() }

// signalOverflow raises the global overflow flag and pulls voters out of
// the termination protocol so every task reaches the reset barriers.
func (m *Marker) signalOverflow() {
	m.overflow.Store(true)
	m.term.kick()
}

func (m *Marker) fingerValue() heap.Address {
	return heap.Address(m.finger.Load())
}

// claimNextRegion advances the finger by one region extent. A nil return
// does not mean the heap is exhausted: regions with nothing below their
// TAMS are claimed and skipped, and a lost race just means another task
// claimed first. Callers loop until outOfRegions.
func (m *Marker) claimNextRegion() *heap.Region {
	finger := m.finger.Load()
	for finger < uint64(m.hp.End()) {
		r := m.hp.RegionAt(heap.Address(finger))
		if m.finger.CompareAndSwap(finger, uint64(r.End())) {
			if r.TAMS() > r.Bottom() {
				return r
			}
			return nil
		}
		finger = m.finger.Load()
	}
	return nil
}

func (m *Marker) outOfRegions() bool {
	return m.finger.Load() >= uint64(m.hp.End())
}

func (m *Marker) pushGlobalChunk(buf *[chunkEntries]taskEntry) bool {
	return m.stack.PushChunk(buf)
}

func (m *Marker) popGlobalChunk(buf *[chunkEntries]taskEntry) bool {
	return m.stack.PopChunk(buf)
}

func (m *Marker) globalStackSize() int {
	return m.stack.Size()
}

func (m *Marker) globalPartialTarget() int {
	return m.stack.Capacity() / 3
}

func nextRandom(seed *uint32) uint32 {
	x := *seed
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	*seed = x
	return x
}

// tryStealing probes other tasks' queues, twice per active worker, before
// giving up. Each probe samples two victims and robs the longer queue.
func (m *Marker) tryStealing(self int, seed *uint32) (taskEntry, bool) {
	n := m.activeWorkers
	for i := 0; i < 2*n; i++ {
		if e, ok := m.stealBestOf2(self, seed, n); ok {
			return e, true
		}
	}
	return 0, false
}

func (m *Marker) stealBestOf2(self int, seed *uint32, n int) (taskEntry, bool) {
	switch {
	case n > 2:
		k1 := self
		for k1 == self {
			k1 = int(nextRandom(seed) % uint32(n))
		}
		k2 := self
		for k2 == self || k2 == k1 {
			k2 = int(nextRandom(seed) % uint32(n))
		}
		if m.queues[k2].size() > m.queues[k1].size() {
			k1 = k2
		}
		return m.queues[k1].pop()
	case n == 2:
		return m.queues[self^1].pop()
	default:
		return 0, false
	}
}

func (m *Marker) offerTermination() bool {
	return m.term.offer(m.hasMarkingWork)
}

// hasMarkingWork is the final termination check: any queued entry, global
// chunk, or completed snapshot buffer keeps marking alive.
func (m *Marker) hasMarkingWork() bool {
	if !m.stack.IsEmpty() {
		return true
	}
	for i := 0; i < m.activeWorkers; i++ {
		if !m.queues[i].empty() {
			return true
		}
	}
	return m.concurrent.Load() && m.hp.SATB().HasCompleted()
}

func (m *Marker) enterFirstOverflowBarrier(worker int) {
	tracef("task %d entering first overflow barrier", worker)
	m.barrier1.enter()
}

func (m *Marker) enterSecondOverflowBarrier(worker int) {
	tracef("task %d entering second overflow barrier", worker)
	m.barrier2.enter()
}

// resetForRestart rebuilds the shared state after an overflow, with every
// task stopped: between the two barriers during concurrent marking, or
// after the remark gang has finished. Marks survive; only the queued work
// is dropped, and the restarted linear scans recreate it.
func (m *Marker) resetForRestart() {
	m.stack.SetEmpty()
	if m.overflow.Load() {
		if err := m.stack.Expand(); err != nil {
			// The stack is at its configured maximum and still
			// overflowed. Give up on the cycle.
			m.fatalErr = err
			m.aborted.Store(true)
		}
	}
	m.overflow.Store(false)
	m.finger.Store(uint64(m.hp.Start()))
	for i := 0; i < m.activeWorkers; i++ {
		m.queues[i].setEmpty()
	}
}

// markRoot marks one root referent in the cycle's bitmap. Roots are
// marked while the finger is still at the heap start, so no queue entries
// are needed; the linear scans trace every marked object.
func (m *Marker) markRoot(ref heap.Address) {
	if ref == 0 {
		return
	}
	if markAsserts && (ref < m.hp.Start() || ref >= m.hp.End()) {
		panic(fmt.Sprintf("mark: root %#x outside the heap", ref))
	}
	r := m.hp.RegionAt(ref)
	if ref >= r.TAMS() {
		return
	}
	m.next.Mark(ref)
}

func (m *Marker) watchContext(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.Abort()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (m *Marker) clearBitmap(ctx context.Context, b *Bitmap) error {
	for i := 0; i < m.hp.RegionCount(); i++ {
		r := m.hp.Region(i)
		b.ClearRange(r.Bottom(), r.End())
		if m.aborted.Load() {
			return ErrCycleAborted
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(ErrCycleAborted, err)
		}
	}
	return nil
}

func (m *Marker) harvestTaskStats() {
	for i, t := range m.tasks {
		m.stats.Tasks[i] = t.stats
	}
}

// PrepareCycle resets all marking state and clears the cycle's bitmap.
// Runs concurrently with mutators; legal from idle or after an abort.
func (m *Marker) PrepareCycle(ctx context.Context) error {
	if err := m.beginPhase(PhaseIdle, PhaseIdle, PhaseAborted); err != nil {
		return err
	}
	m.aborted.Store(false)
	m.overflow.Store(false)
	m.fatalErr = nil
	m.restartForOverflow = false
	m.finger.Store(uint64(m.hp.Start()))
	m.stack.SetEmpty()
	m.rootRegions.Reset(nil)
	m.stats = newCycleStats(m.maxWorkers)
	for i, t := range m.tasks {
		t.reset(m.next)
		m.queues[i].setEmpty()
	}
	return m.clearBitmap(ctx, m.next)
}

// InitialMark snapshots every region's TAMS, registers survivor regions
// as root regions, activates the snapshot barrier, and marks the root
// set. Must run with the world stopped.
func (m *Marker) InitialMark(roots []heap.Address) error {
	if err := m.beginPhase(PhaseInitialMark, PhaseIdle); err != nil {
		return err
	}
	if m.aborted.Load() {
		return ErrCycleAborted
	}
	for i := 0; i < m.hp.RegionCount(); i++ {
		r := m.hp.Region(i)
		switch {
		case r.IsFree():
			// Stays fully above TAMS; never scanned.
		case r.Kind() == heap.RegionSurvivor:
			// Root regions: contents are implicitly live and scanned
			// for outgoing references instead of being traced.
			r.ResetMarkStart()
		default:
			r.NoteMarkStart()
		}
	}
	m.rootRegions.Reset(m.hp.Survivors())
	m.hp.SATB().SetActive(true)
	for _, ref := range roots {
		m.markRoot(ref)
	}
	m.activeWorkers = m.concurrentWorkers
	return nil
}

// ScanRootRegions drains the root region registry concurrently: every
// reference held by a root region's objects is marked. Produces no queue
// entries.
func (m *Marker) ScanRootRegions(ctx context.Context) error {
	if err := m.beginPhase(PhaseRootScan, PhaseInitialMark); err != nil {
		return err
	}
	if m.rootRegions.Count() == 0 {
		return nil
	}
	defer m.watchContext(ctx)()
	gang{m.concurrentWorkers}.run(func(int) {
		for !m.aborted.Load() {
			r := m.rootRegions.ClaimNext()
			if r == nil {
				break
			}
			m.scanRootRegion(r)
		}
	})
	m.rootRegions.ScanFinished()
	if m.aborted.Load() {
		return ErrCycleAborted
	}
	return nil
}

func (m *Marker) scanRootRegion(r *heap.Region) {
	tracef("scanning root region %d", r.Index())
	top := r.Top()
	for addr := r.Bottom(); addr < top && !m.aborted.Load(); {
		if m.hp.ObjectKind(addr) != heap.KindData {
			it := m.hp.References(addr)
			for ref, ok := it.Next(); ok; ref, ok = it.Next() {
				m.markRoot(ref)
			}
		}
		addr += heap.Address(m.hp.ObjectSize(addr))
	}
}

// MarkFromRoots runs the concurrent marking gang. Each worker loops
// bounded marking steps until its termination vote carries; overflow is
// recovered internally by the two-barrier reset and a fresh pass from the
// heap start.
func (m *Marker) MarkFromRoots(ctx context.Context) error {
	if err := m.beginPhase(PhaseMarking, PhaseRootScan, PhaseRemark); err != nil {
		return err
	}
	if m.aborted.Load() {
		return ErrCycleAborted
	}
	defer m.watchContext(ctx)()

	n := m.concurrentWorkers
	m.activeWorkers = n
	m.finger.Store(uint64(m.hp.Start()))
	m.term.reset(n)
	m.barrier1.setTotal(n)
	m.barrier2.setTotal(n)
	m.concurrent.Store(true)

	target := m.tuning.StepTarget()
	gang{n}.run(func(worker int) {
		t := m.tasks[worker]
		for {
			t.doMarkingStep(target, true, false)
			if !t.hasAborted() || m.aborted.Load() {
				break
			}
			// The step was cut short by the clock, pending snapshot
			// buffers, or an overflow reset. Yield and run another.
			runtime.Gosched()
		}
	})

	m.concurrent.Store(false)
	m.harvestTaskStats()
	if m.fatalErr != nil {
		return m.fatalErr
	}
	if m.aborted.Load() {
		return ErrCycleAborted
	}
	return nil
}

// Remark is the final marking pause. It flushes every partial snapshot
// buffer, re-marks the root set, and drains the system to empty. If the
// global stack overflowed, the cycle instead records a restart: the
// caller must run MarkFromRoots again. Otherwise liveness is final:
// reference processing runs, the snapshot barrier deactivates, and the
// bitmaps swap.
func (m *Marker) Remark(roots []heap.Address) error {
	if err := m.beginPhase(PhaseRemark, PhaseMarking); err != nil {
		return err
	}
	if m.aborted.Load() {
		return ErrCycleAborted
	}
	m.rootRegions.WaitUntilScanFinished()
	m.hp.SATB().FlushAll()

	n := m.maxWorkers
	m.activeWorkers = n
	m.term.reset(n)
	m.barrier1.setTotal(n)
	m.barrier2.setTotal(n)
	serial := n == 1

	gang{n}.run(func(worker int) {
		t := m.tasks[worker]
		for i := worker; i < len(roots); i += n {
			t.dealWithReference(roots[i])
		}
		for {
			t.doMarkingStep(unboundedStepTarget, true, serial)
			// A cancelled termination vote means another task saw work
			// appear; run another step. Overflow ends the pause instead,
			// the driver restarts concurrent marking.
			if !t.hasAborted() || m.overflow.Load() || m.aborted.Load() {
				break
			}
		}
	})

	m.harvestTaskStats()
	if m.aborted.Load() && m.fatalErr == nil {
		return ErrCycleAborted
	}
	if m.overflow.Load() {
		return m.recordRestart()
	}

	if m.ReferenceProcessor != nil {
		m.ReferenceProcessor(m.IsLive, m.KeepAlive)
		// KeepAlive goes through task 0; trace whatever it revived.
		t0 := m.tasks[0]
		t0.drainLocalQueue(false)
		t0.drainGlobalStack(false)
		m.harvestTaskStats()
		if m.overflow.Load() {
			return m.recordRestart()
		}
	}

	if markAsserts && m.hp.SATB().HasCompleted() {
		panic("mark: snapshot buffers pending after the final drain")
	}
	m.hp.SATB().SetActive(false)
	m.hp.SATB().Reset()
	m.prev, m.next = m.next, m.prev
	return nil
}

func (m *Marker) recordRestart() error {
	m.restartForOverflow = true
	m.resetForRestart()
	if m.fatalErr != nil {
		return m.fatalErr
	}
	tracef("remark overflowed, restarting concurrent mark")
	return nil
}

// RestartForOverflow reports whether the last remark demanded another
// concurrent marking pass.
func (m *Marker) RestartForOverflow() bool {
	return m.restartForOverflow
}

// CreateLiveData sums marked words per region from the completed cycle's
// bitmap. Words above TAMS are live by definition and counted from the
// extents alone.
func (m *Marker) CreateLiveData(ctx context.Context) error {
	if err := m.beginPhase(PhaseLiveData, PhaseRemark); err != nil {
		return err
	}
	if m.aborted.Load() {
		return ErrCycleAborted
	}
	defer m.watchContext(ctx)()
	m.liveClaim.Store(0)
	gang{m.concurrentWorkers}.run(func(int) {
		for !m.aborted.Load() {
			i := int(m.liveClaim.Add(1)) - 1
			if i >= m.hp.RegionCount() {
				break
			}
			m.accountRegionLiveness(m.hp.Region(i))
		}
	})
	if m.aborted.Load() {
		return ErrCycleAborted
	}
	return nil
}

func (m *Marker) accountRegionLiveness(r *heap.Region) {
	if r.IsFree() {
		return
	}
	var live uint64
	m.prev.IterateMarked(r.Bottom(), r.TAMS(), func(obj heap.Address) bool {
		live += m.hp.ObjectSize(obj)
		return true
	})
	live += uint64(r.Top() - r.TAMS())
	r.SetLiveWords(live)
}

// ZeroLiveRegions lists the regions the last cycle proved empty, in index
// order.
func (m *Marker) ZeroLiveRegions() []*heap.Region {
	var zero []*heap.Region
	for i := 0; i < m.hp.RegionCount(); i++ {
		r := m.hp.Region(i)
		if r.IsFree() {
			continue
		}
		if r.LiveWords() == 0 && !r.AllocatedSinceMarkStart() {
			zero = append(zero, r)
		}
	}
	return zero
}

// Cleanup reclaims every zero-live region: its marks are cleared and the
// region returns to the free set. Must run with the world stopped.
// Returns the reclaimed regions in index order.
func (m *Marker) Cleanup() ([]*heap.Region, error) {
	if err := m.beginPhase(PhaseCleanup, PhaseLiveData); err != nil {
		return nil, err
	}
	if m.aborted.Load() {
		return nil, ErrCycleAborted
	}
	reclaimed := m.ZeroLiveRegions()
	for _, r := range reclaimed {
		m.prev.ClearRange(r.Bottom(), r.TAMS())
		m.hp.FreeRegion(r)
	}
	return reclaimed, nil
}

// CompleteCleanup releases cycle scratch: the stack empties and the root
// registry clears. Concurrent. The stack keeps any capacity it gained;
// a workload that overflowed once tends to overflow again, and growth is
// only legal inside the overflow barrier anyway.
func (m *Marker) CompleteCleanup(ctx context.Context) error {
	if p := Phase(m.phase.Load()); p != PhaseCleanup {
		return errors.Join(ErrMarkingActive, fmt.Errorf("complete cleanup in phase %s", p))
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrCycleAborted, err)
	}
	m.stack.SetEmpty()
	m.rootRegions.Reset(nil)
	return nil
}

// CleanupForNextMark clears the next cycle's bitmap. Concurrent; ends
// the cycle. TAMS snapshots are kept so IsLive keeps answering from the
// finished cycle; the next initial mark retakes them.
func (m *Marker) CleanupForNextMark(ctx context.Context) error {
	if p := Phase(m.phase.Load()); p != PhaseCleanup {
		return errors.Join(ErrMarkingActive, fmt.Errorf("cleanup for next mark in phase %s", p))
	}
	if err := m.clearBitmap(ctx, m.next); err != nil {
		return err
	}
	m.phase.Store(int32(PhaseIdle))
	return nil
}

// Abort stops the cycle from any marking state. Tasks notice within one
// regular-clock interval; blocked tasks are released from the registry,
// the barriers, and the termination vote. Bitmaps and liveness counts are
// untrusted until a full cycle completes.
func (m *Marker) Abort() {
	p := Phase(m.phase.Load())
	if p == PhaseIdle || p == PhaseAborted {
		return
	}
	m.aborted.Store(true)
	m.phase.Store(int32(PhaseAborted))
	m.rootRegions.Abort()
	m.barrier1.abort()
	m.barrier2.abort()
	m.term.kick()
}

func (m *Marker) abortCleanup() {
	m.hp.SATB().SetActive(false)
	m.hp.SATB().Reset()
	m.rootRegions.Abort()
	m.rootRegions.ScanFinished()
	m.stack.SetEmpty()
	m.phase.Store(int32(PhaseAborted))
}

// IsLive reports whether the object is known live. During the remark
// pause this is the cycle being finished; afterwards, the last completed
// cycle. Objects allocated after the snapshot are implicitly live.
func (m *Marker) IsLive(ref heap.Address) bool {
	if ref == 0 {
		return false
	}
	bm := m.prev
	if Phase(m.phase.Load()) == PhaseRemark {
		bm = m.next
	}
	r := m.hp.RegionAt(ref)
	return ref >= r.TAMS() || bm.IsMarked(ref)
}

// KeepAlive marks a dead referent live again and queues it for tracing.
// Only legal during the remark pause's reference processing.
func (m *Marker) KeepAlive(ref heap.Address) {
	if markAsserts && Phase(m.phase.Load()) != PhaseRemark {
		panic("mark: KeepAlive outside the remark pause")
	}
	m.tasks[0].dealWithReference(ref)
}

// RunCycle drives one full liveness cycle: prepare, the initial mark
// pause, root region scan, concurrent mark, the remark pause (re-running
// concurrent mark when remark overflows), live data accounting, and the
// cleanup pause. Context cancellation aborts the cycle.
func (m *Marker) RunCycle(ctx context.Context, world WorldStopper, roots RootProvider) (*CycleStats, error) {
	run := func(p Phase, fn func() error) error {
		start := time.Now()
		err := fn()
		m.stats.addPhase(p, time.Since(start))
		return err
	}
	fail := func(err error) (*CycleStats, error) {
		m.abortCleanup()
		return m.stats, err
	}

	if err := run(PhaseIdle, func() error { return m.PrepareCycle(ctx) }); err != nil {
		return fail(err)
	}

	world.StopWorld()
	err := run(PhaseInitialMark, func() error { return m.InitialMark(roots.Roots()) })
	world.StartWorld()
	if err != nil {
		return fail(err)
	}

	if err := run(PhaseRootScan, func() error { return m.ScanRootRegions(ctx) }); err != nil {
		return fail(err)
	}

	for {
		if err := run(PhaseMarking, func() error { return m.MarkFromRoots(ctx) }); err != nil {
			return fail(err)
		}
		world.StopWorld()
		err = run(PhaseRemark, func() error { return m.Remark(roots.Roots()) })
		world.StartWorld()
		if err != nil {
			return fail(err)
		}
		if !m.restartForOverflow {
			break
		}
		m.restartForOverflow = false
		m.stats.Restarts++
	}

	if err := run(PhaseLiveData, func() error { return m.CreateLiveData(ctx) }); err != nil {
		return fail(err)
	}

	world.StopWorld()
	err = run(PhaseCleanup, func() error {
		_, err := m.Cleanup()
		return err
	})
	world.StartWorld()
	if err != nil {
		return fail(err)
	}

	if err := run(PhaseCleanup, func() error { return m.CompleteCleanup(ctx) }); err != nil {
		return fail(err)
	}
	if err := run(PhaseCleanup, func() error { return m.CleanupForNextMark(ctx) }); err != nil {
		return fail(err)
	}
	return m.stats, nil
}
