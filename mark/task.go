package mark

import (
	"fmt"
	"time"

	"omibyte.io/regiongc/heap"
)

// drainTargetEntries bounds how many entries a partial drain leaves in the
// local queue so idle tasks keep finding something to steal.
const drainTargetEntries = 64

// markingSupport is the narrow view a task has of its coordinator: region
// claiming, the global stack, overflow and abort signalling, stealing and
// the termination vote. Tests substitute fakes.
type markingSupport interface {
	concurrentPhase() bool
	hasOverflown() bool
	markingAborted() bool
	signalOverflow()

	fingerValue() heap.Address
	claimNextRegion() *heap.Region
	outOfRegions() bool

	pushGlobalChunk(buf *[chunkEntries]taskEntry) bool
	popGlobalChunk(buf *[chunkEntries]taskEntry) bool
	globalStackSize() int
	globalPartialTarget() int

	tryStealing(self int, seed *uint32) (taskEntry, bool)
	offerTermination() bool

	enterFirstOverflowBarrier(worker int)
	enterSecondOverflowBarrier(worker int)
	resetForRestart()
}

// task drives one worker's share of a marking phase. A task owns its
// queue's tail and all of its plain fields; everything shared runs
// through the markingSupport interface or the bitmap.
type task struct {
	id     int
	cm     markingSupport
	hp     *heap.Heap
	bitmap *Bitmap
	queue  *taskQueue

	wordsPeriod uint64
	refsPeriod  uint64
	stride      uint64
	drainTarget int

	stats taskStats

	// The regular clock fires when a counter passes its limit. Real
	// limits mark full periods; the working limits are pulled closer
	// after expensive operations.
	wordsLimit     uint64
	realWordsLimit uint64
	refsLimit      uint64
	realRefsLimit  uint64

	start  time.Time
	target time.Duration

	aborted      bool
	timedOut     bool
	drainingSATB bool

	// Linear scan state for the claimed region. finger trails the scan;
	// objects between it and regionLimit will still be visited, so they
	// need no queue entries.
	currRegion  *heap.Region
	finger      heap.Address
	regionLimit heap.Address

	hashSeed uint32

	// onGrey, when set, observes every grey object entry this task
	// produces. Tests use it to audit entry accounting.
	onGrey func(heap.Address)
}

func newTask(id int, cm markingSupport, hp *heap.Heap, queue *taskQueue, tn Tuning) *task {
	t := &task{
		id:          id,
		cm:          cm,
		hp:          hp,
		queue:       queue,
		wordsPeriod: tn.WordsScannedPeriod,
		refsPeriod:  tn.RefsReachedPeriod,
		stride:      tn.SliceStride,
		hashSeed:    17,
	}
	t.drainTarget = queue.capacity() / 3
	if t.drainTarget > drainTargetEntries {
		t.drainTarget = drainTargetEntries
	}
	return t
}

// reset prepares the task for a new cycle on the given bitmap.
func (t *task) reset(b *Bitmap) {
	t.bitmap = b
	t.stats = taskStats{}
	t.clearRegionFields()
	t.aborted = false
	t.timedOut = false
}

func (t *task) hasAborted() bool { return t.aborted }
func (t *task) setAborted()      { t.aborted = true }

func (t *task) clearRegionFields() {
	t.currRegion = nil
	t.finger = 0
	t.regionLimit = 0
}

func (t *task) setupForRegion(r *heap.Region) {
	t.currRegion = r
	t.finger = r.Bottom()
	t.updateRegionLimit()
	t.stats.RegionsClaimed++
}

// updateRegionLimit snapshots how far the linear scan may go. Objects at
// or above TAMS are implicitly live and carry no marks.
func (t *task) updateRegionLimit() {
	t.regionLimit = t.currRegion.TAMS()
}

func (t *task) moveFingerTo(addr heap.Address) {
	if markAsserts && addr < t.finger {
		panic(fmt.Sprintf("mark: finger moved backwards: %#x -> %#x", t.finger, addr))
	}
	t.finger = addr
}

func (t *task) giveupCurrentRegion() {
	t.clearRegionFields()
}

func (t *task) recalculateLimits() {
	t.realWordsLimit = t.stats.WordsScanned + t.wordsPeriod
	t.wordsLimit = t.realWordsLimit
	t.realRefsLimit = t.stats.RefsReached + t.refsPeriod
	t.refsLimit = t.realRefsLimit
}

// decreaseLimits pulls the next clock check closer after an expensive
// operation such as a chunk transfer or an SATB buffer.
func (t *task) decreaseLimits() {
	t.wordsLimit = t.realWordsLimit - 3*t.wordsPeriod/4
	t.refsLimit = t.realRefsLimit - 3*t.refsPeriod/4
}

func (t *task) checkLimits() {
	if t.stats.WordsScanned >= t.wordsLimit || t.stats.RefsReached >= t.refsLimit {
		t.regularClockCall()
	}
}

// regularClockCall is the only place a running step notices overflow,
// aborts, its time budget, and pending SATB work. Everything in between
// clock calls runs undisturbed.
func (t *task) regularClockCall() {
	if t.aborted {
		return
	}
	t.recalculateLimits()

	if t.cm.hasOverflown() {
		t.setAborted()
		return
	}
	if t.cm.markingAborted() {
		t.setAborted()
		return
	}

	// Pauses own the machine; only concurrent steps are time bounded and
	// yield to SATB work.
	if !t.cm.concurrentPhase() {
		return
	}
	if time.Since(t.start) > t.target {
		t.timedOut = true
		t.setAborted()
		return
	}
	if !t.drainingSATB && t.hp.SATB().HasCompleted() {
		t.setAborted()
	}
}

// dealWithReference filters one reference. Null and allocated-since-snapshot
// references are ignored; the first task to flip the bitmap bit owns the
// object. An entry is queued only when no later linear scan will reach the
// object.
func (t *task) dealWithReference(ref heap.Address) {
	t.stats.RefsReached++
	if ref == 0 {
		return
	}
	if markAsserts && (ref < t.hp.Start() || ref >= t.hp.End()) {
		panic(fmt.Sprintf("mark: reference %#x outside the heap", ref))
	}
	r := t.hp.RegionAt(ref)
	if ref >= r.TAMS() {
		return
	}
	if !t.bitmap.Mark(ref) {
		return
	}
	if !t.isBelowFinger(ref) {
		return
	}
	if t.hp.ObjectKind(ref) == heap.KindData {
		// Nothing to trace. Account for the object here rather than
		// round-tripping it through the queues.
		t.stats.WordsScanned += t.hp.ObjectSize(ref)
		t.stats.ObjectsScanned++
		t.checkLimits()
		return
	}
	t.push(objectEntry(ref))
	t.stats.RefsPushed++
	if t.onGrey != nil {
		t.onGrey(ref)
	}
}

// isBelowFinger decides whether a freshly marked object still needs a
// queue entry. Between the local finger and the current region's limit
// this task's own scan will reach it; at or above the global finger some
// task's future scan will.
func (t *task) isBelowFinger(obj heap.Address) bool {
	if t.finger != 0 && obj > t.finger && obj < t.regionLimit {
		return false
	}
	return obj < t.cm.fingerValue()
}

// push queues an entry locally, spilling a chunk of entries to the global
// stack when the ring is full. The spill always frees enough room for the
// retry.
func (t *task) push(e taskEntry) {
	if t.queue.push(e) {
		return
	}
	t.moveEntriesToGlobalStack()
	if !t.queue.push(e) && markAsserts {
		panic("mark: queue push failed after spilling to the global stack")
	}
}

// moveEntriesToGlobalStack pops up to one chunk of local entries and
// pushes them as a global chunk. On push failure the entries are dropped
// and global overflow is raised: the bitmap still records the objects as
// grey, and the post-overflow rescan recreates the lost work.
func (t *task) moveEntriesToGlobalStack() {
	var buf [chunkEntries]taskEntry
	n := 0
	for n < chunkEntries {
		e, ok := t.queue.pop()
		if !ok {
			break
		}
		buf[n] = e
		n++
	}
	if n < chunkEntries {
		buf[n] = 0
	}
	if n > 0 && !t.cm.pushGlobalChunk(&buf) {
		t.stats.Overflows++
		t.cm.signalOverflow()
		t.setAborted()
	}
	t.decreaseLimits()
}

// getEntriesFromGlobalStack pops one global chunk into the local queue.
// Callers only invoke it with the queue at or below its drain target, so
// the chunk always fits.
func (t *task) getEntriesFromGlobalStack() bool {
	var buf [chunkEntries]taskEntry
	if !t.cm.popGlobalChunk(&buf) {
		return false
	}
	for _, e := range buf {
		if e.isNull() {
			break
		}
		if !t.queue.push(e) && markAsserts {
			panic("mark: local queue cannot hold a global chunk")
		}
	}
	t.decreaseLimits()
	return true
}

// scanObject traces every reference of a plain grey object.
func (t *task) scanObject(obj heap.Address) {
	if t.hp.ObjectKind(obj) != heap.KindData {
		it := t.hp.References(obj)
		for ref, ok := it.Next(); ok; ref, ok = it.Next() {
			t.dealWithReference(ref)
		}
	}
	t.stats.WordsScanned += t.hp.ObjectSize(obj)
	t.stats.ObjectsScanned++
	t.checkLimits()
}

func (t *task) shouldSlice(obj heap.Address) bool {
	return t.hp.ObjectKind(obj) == heap.KindRefArray && t.hp.RefCount(obj) >= 2*t.stride
}

// processSlice scans one stride of a large reference array, pushing the
// continuation first so an idle task can steal it.
func (t *task) processSlice(obj heap.Address, from uint64) {
	count := t.hp.RefCount(obj)
	if markAsserts && from >= count {
		panic(fmt.Sprintf("mark: slice start %d beyond the %d element array", from, count))
	}
	to := from + t.stride
	if to < count {
		t.push(sliceEntry(obj, to))
	} else {
		to = count
	}
	it := t.hp.RefsRange(obj, from, to)
	for ref, ok := it.Next(); ok; ref, ok = it.Next() {
		t.dealWithReference(ref)
	}
	t.stats.WordsScanned += to - from
	if from == 0 {
		t.stats.ObjectsScanned++
	}
	t.checkLimits()
}

func (t *task) processGreyEntry(e taskEntry) {
	if e.isSlice() {
		t.processSlice(e.object(), e.sliceFrom())
		return
	}
	obj := e.object()
	if markAsserts && !t.bitmap.IsMarked(obj) {
		panic(fmt.Sprintf("mark: grey entry %#x is not marked", obj))
	}
	if t.shouldSlice(obj) {
		t.processSlice(obj, 0)
		return
	}
	t.scanObject(obj)
}

// drainLocalQueue processes local entries. A partial drain stops at the
// drain target so other tasks still find entries to steal; a full drain
// runs the queue dry.
func (t *task) drainLocalQueue(partially bool) {
	if t.aborted {
		return
	}
	target := 0
	if partially {
		target = t.drainTarget
	}
	if t.queue.size() <= target {
		return
	}
	e, ok := t.queue.pop()
	for ok {
		t.processGreyEntry(e)
		if t.queue.size() <= target || t.aborted {
			return
		}
		e, ok = t.queue.pop()
	}
}

// drainGlobalStack pulls chunks from the global stack through the local
// queue. A partial drain stops once the stack is at or below its
// watermark; the size reading is racy, so a failed pop ends the round.
func (t *task) drainGlobalStack(partially bool) {
	if t.aborted {
		return
	}
	if markAsserts && !partially && t.queue.size() != 0 {
		panic("mark: full global drain with local entries still queued")
	}
	if partially {
		target := t.cm.globalPartialTarget()
		for !t.aborted && t.cm.globalStackSize() > target {
			if !t.getEntriesFromGlobalStack() {
				return
			}
			t.drainLocalQueue(partially)
		}
		return
	}
	for !t.aborted && t.getEntriesFromGlobalStack() {
		t.drainLocalQueue(partially)
	}
}

// drainSATBBuffers processes completed snapshot buffers: every logged old
// value goes through the reference filter. The flag keeps the regular
// clock from aborting the step over the very buffers being drained.
func (t *task) drainSATBBuffers() {
	if t.aborted {
		return
	}
	t.drainingSATB = true
	satb := t.hp.SATB()
	for !t.aborted {
		refs, ok := satb.PopCompleted()
		if !ok {
			break
		}
		t.stats.SATBBuffers++
		for _, ref := range refs {
			t.dealWithReference(ref)
		}
		t.regularClockCall()
	}
	t.drainingSATB = false
	t.decreaseLimits()
}

// doMarkingStep runs one bounded slice of marking work: drain what is
// pending, claim and scan regions through the global finger, then steal,
// and finally vote on termination. The step ends either complete and
// unaborted, or aborted by the regular clock, an external abort, or
// global overflow; overflow additionally runs the two-barrier reset
// before returning so the caller can simply run another step.
func (t *task) doMarkingStep(target time.Duration, doTermination, isSerial bool) {
	t.start = time.Now()
	t.target = target
	t.aborted = false
	t.timedOut = false
	t.recalculateLimits()

	doStealing := doTermination && !isSerial

	// A pending overflow from an earlier step sends this one straight to
	// the recovery protocol at the bottom.
	if t.cm.hasOverflown() {
		t.setAborted()
	}

	t.drainSATBBuffers()
	t.drainLocalQueue(true)
	t.drainGlobalStack(true)

	// Claim regions through the global finger and scan their marked
	// objects linearly, keeping the queues partially drained throughout.
	for {
		if !t.aborted && t.currRegion != nil {
			t.scanCurrentRegion()
		}
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)

		// Claiming can return nothing while regions remain: empty
		// regions are claimed and skipped without being returned. The
		// clock still has to run on such stretches.
		for !t.aborted && t.currRegion == nil && !t.cm.outOfRegions() {
			if r := t.cm.claimNextRegion(); r != nil {
				t.setupForRegion(r)
			}
			t.regularClockCall()
		}
		if t.currRegion == nil || t.aborted {
			break
		}
	}

	if !t.aborted {
		if markAsserts && !t.cm.outOfRegions() {
			panic("mark: region loop ended with regions unclaimed")
		}
		// Shrink the remark pause while we are here anyway.
		t.drainSATBBuffers()
	}

	t.drainLocalQueue(false)
	t.drainGlobalStack(false)

	if doStealing && !t.aborted {
		for !t.aborted {
			t.stats.StealAttempts++
			e, ok := t.cm.tryStealing(t.id, &t.hashSeed)
			if !ok {
				break
			}
			t.stats.Steals++
			t.processGreyEntry(e)
			t.drainLocalQueue(false)
			t.drainGlobalStack(false)
		}
	}

	if doTermination && !t.aborted {
		finished := isSerial || t.cm.offerTermination()
		if finished {
			// Every task agreed, so the whole system is quiet.
			if markAsserts {
				switch {
				case !t.cm.outOfRegions():
					panic("mark: terminated with regions unclaimed")
				case t.cm.globalStackSize() != 0:
					panic("mark: terminated with a non-empty global stack")
				case !t.queue.empty():
					panic("mark: terminated with a non-empty local queue")
				case t.cm.hasOverflown():
					panic("mark: terminated with overflow raised")
				}
			}
		} else {
			// The vote was cancelled: work reappeared or the step must
			// re-check its abort conditions. Run another step.
			t.setAborted()
		}
	}

	t.stats.StepTimes = append(t.stats.StepTimes, time.Since(t.start).Seconds()*1000)

	if !t.aborted {
		return
	}
	if t.timedOut {
		t.stats.ClockAborts++
	}
	if t.cm.hasOverflown() {
		// Global overflow. Every task meets at the first barrier, after
		// which nobody touches shared marking state; task 0 resets it
		// during the concurrent phase, and the second barrier releases
		// everyone into a fresh step. During a pause the coordinator
		// resets after the gang finishes instead.
		if !isSerial {
			t.cm.enterFirstOverflowBarrier(t.id)
		}
		t.clearRegionFields()
		if !isSerial {
			if t.id == 0 && t.cm.concurrentPhase() {
				t.cm.resetForRestart()
			}
			t.cm.enterSecondOverflowBarrier(t.id)
		}
	}
}

// scanCurrentRegion walks the bitmap across the claimed region from the
// local finger. Each marked object is scanned as a grey entry; the finger
// advances first so re-marks of the object being scanned stay below it.
func (t *task) scanCurrentRegion() {
	if t.finger >= t.regionLimit {
		t.giveupCurrentRegion()
		t.regularClockCall()
		return
	}
	completed := t.bitmap.IterateMarked(t.finger, t.regionLimit, func(obj heap.Address) bool {
		t.moveFingerTo(obj)
		t.processGreyEntry(objectEntry(obj))
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)
		return !t.aborted
	})
	if completed {
		t.giveupCurrentRegion()
		t.regularClockCall()
	} else if markAsserts && !t.aborted {
		panic("mark: bitmap iteration stopped without an abort")
	}
}
