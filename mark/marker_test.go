package mark

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"omibyte.io/regiongc/heap"
)

type countingWorld struct {
	stops, starts int
}

func (w *countingWorld) StopWorld()  { w.stops++ }
func (w *countingWorld) StartWorld() { w.starts++ }

type rootSlice []heap.Address

func (r rootSlice) Roots() []heap.Address { return r }

func markerTuning(threads int) Tuning {
	tn := DefaultTuning()
	tn.MarkingThreads = threads
	tn.ConcurrentRatio = 1.0
	tn.LocalQueueCapacity = 2048
	tn.StepTargetMillis = 1000.0
	return tn
}

func newTestMarker(t *testing.T, hp *heap.Heap, tn Tuning) *Marker {
	t.Helper()
	m, err := NewMarker(hp, tn)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// testGraph is the shared fixture: a dead cluster alone in region 0, a
// mixed live and dead region 1, and a survivor region 2 whose objects
// reference an otherwise unreachable eden object.
type testGraph struct {
	hp                     *heap.Heap
	root                   heap.Address
	a, b, cycle1, cycle2   heap.Address
	dead1, dead2, deadLive heap.Address
	sRoot, sTarget         heap.Address
}

func buildTestGraph(t *testing.T) *testGraph {
	t.Helper()
	hp, err := heap.New(heap.Config{RegionWords: 256, RegionCount: 8})
	if err != nil {
		t.Fatal(err)
	}
	g := &testGraph{hp: hp}

	// Region 0: garbage only.
	g.dead2 = allocIn(t, hp, heap.RegionOld, heap.KindData)
	g.dead1 = allocIn(t, hp, heap.RegionOld, heap.KindRefs, g.dead2)

	// Region 1: the live graph plus one dead object.
	g.a = allocIn(t, hp, heap.RegionEden, heap.KindData)
	g.b = allocIn(t, hp, heap.RegionEden, heap.KindRefs, g.a)
	g.cycle1 = allocIn(t, hp, heap.RegionEden, heap.KindRefs, 0)
	g.cycle2 = allocIn(t, hp, heap.RegionEden, heap.KindRefs, g.cycle1)
	hp.InitField(g.cycle1, 0, g.cycle2)
	g.deadLive = allocIn(t, hp, heap.RegionEden, heap.KindData)
	g.sTarget = allocIn(t, hp, heap.RegionEden, heap.KindData)
	g.root = allocIn(t, hp, heap.RegionEden, heap.KindRefs, g.b, g.cycle1)

	// Region 2: survivor contents are implicitly live and their
	// references are cycle roots.
	g.sRoot = allocIn(t, hp, heap.RegionSurvivor, heap.KindRefs, g.sTarget)
	return g
}

func (g *testGraph) live() []heap.Address {
	return []heap.Address{g.root, g.a, g.b, g.cycle1, g.cycle2, g.sRoot, g.sTarget}
}

func (g *testGraph) dead() []heap.Address {
	return []heap.Address{g.dead1, g.dead2, g.deadLive}
}

func TestCycleMarksExactlyReachable(t *testing.T) {
	g := buildTestGraph(t)
	m := newTestMarker(t, g.hp, markerTuning(2))
	ctx := context.Background()
	roots := []heap.Address{g.root}

	if err := m.PrepareCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.InitialMark(roots); err != nil {
		t.Fatal(err)
	}
	if got := m.rootRegions.Count(); got != 1 {
		t.Fatalf("root regions = %d, want 1", got)
	}
	if !g.hp.SATB().Active() {
		t.Fatal("snapshot barrier inactive after initial mark")
	}
	if err := m.ScanRootRegions(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkFromRoots(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Remark(roots); err != nil {
		t.Fatal(err)
	}
	if m.RestartForOverflow() {
		t.Fatal("remark demanded a restart on a small graph")
	}
	if g.hp.SATB().Active() {
		t.Fatal("snapshot barrier still active after remark")
	}
	if err := m.CreateLiveData(ctx); err != nil {
		t.Fatal(err)
	}

	for _, obj := range g.live() {
		if !m.IsLive(obj) {
			t.Errorf("live object %#x reported dead", obj)
		}
	}
	for _, obj := range g.dead() {
		if m.IsLive(obj) {
			t.Errorf("dead object %#x reported live", obj)
		}
	}

	// Region 1 carries the traced graph and the root scan target, not
	// the dead object.
	wantLive := g.hp.ObjectSize(g.a) + g.hp.ObjectSize(g.b) +
		g.hp.ObjectSize(g.cycle1) + g.hp.ObjectSize(g.cycle2) +
		g.hp.ObjectSize(g.sTarget) + g.hp.ObjectSize(g.root)
	if got := g.hp.Region(1).LiveWords(); got != wantLive {
		t.Errorf("region 1 live words = %d, want %d", got, wantLive)
	}
	// The survivor region is live end to end.
	r2 := g.hp.Region(2)
	if got := r2.LiveWords(); got != uint64(r2.Top()-r2.Bottom()) {
		t.Errorf("survivor live words = %d, want %d", got, r2.Top()-r2.Bottom())
	}

	reclaimed, err := m.Cleanup()
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Index() != 0 {
		t.Fatalf("reclaimed %v, want just region 0", regionIndices(reclaimed))
	}
	if !g.hp.Region(0).IsFree() {
		t.Error("reclaimed region not freed")
	}

	if err := m.CompleteCleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.CleanupForNextMark(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Phase() != PhaseIdle {
		t.Fatalf("phase = %s after the cycle, want idle", m.Phase())
	}
}

func regionIndices(regions []*heap.Region) []uint32 {
	out := make([]uint32, len(regions))
	for i, r := range regions {
		out[i] = r.Index()
	}
	return out
}

func TestRunCycle(t *testing.T) {
	g := buildTestGraph(t)
	m := newTestMarker(t, g.hp, markerTuning(2))
	world := &countingWorld{}

	stats, err := m.RunCycle(context.Background(), world, rootSlice{g.root})
	if err != nil {
		t.Fatal(err)
	}
	if world.stops != 3 || world.starts != 3 {
		t.Errorf("world stopped %d/%d times, want 3/3", world.stops, world.starts)
	}
	if m.Phase() != PhaseIdle {
		t.Fatalf("phase = %s, want idle", m.Phase())
	}
	if !g.hp.Region(0).IsFree() {
		t.Error("dead region survived the cycle")
	}
	if stats.Restarts != 0 {
		t.Errorf("restarts = %d, want 0", stats.Restarts)
	}
	totals := stats.Totals()
	if totals.ObjectsScanned == 0 || totals.RegionsClaimed == 0 {
		t.Errorf("empty totals: %+v", totals)
	}
	for _, p := range []Phase{PhaseInitialMark, PhaseMarking, PhaseRemark, PhaseLiveData, PhaseCleanup} {
		if _, ok := stats.Phases[p]; !ok {
			t.Errorf("phase %s missing from the timings", p)
		}
	}
	if stats.Summary() == "" {
		t.Error("empty stats summary")
	}

	// The marker must be reusable for the next cycle.
	if _, err := m.RunCycle(context.Background(), world, rootSlice{g.root}); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
}

// A reference overwritten while marking runs must still be found live:
// the write barrier logged its old value and remark drains the log.
func TestSnapshotPreservesOverwrittenReference(t *testing.T) {
	hp, err := heap.New(heap.Config{RegionWords: 256, RegionCount: 4})
	if err != nil {
		t.Fatal(err)
	}
	victim := allocIn(t, hp, heap.RegionEden, heap.KindData)
	decoy := allocIn(t, hp, heap.RegionEden, heap.KindData)
	holder := allocIn(t, hp, heap.RegionEden, heap.KindRefs, victim)

	m := newTestMarker(t, hp, markerTuning(1))
	ctx := context.Background()
	roots := []heap.Address{holder}

	if err := m.PrepareCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.InitialMark(roots); err != nil {
		t.Fatal(err)
	}
	if err := m.ScanRootRegions(ctx); err != nil {
		t.Fatal(err)
	}

	// The mutator severs the only path to the victim mid-cycle.
	mut := hp.NewMutator()
	mut.Store(holder, 0, 0)

	if err := m.MarkFromRoots(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Remark(roots); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateLiveData(ctx); err != nil {
		t.Fatal(err)
	}

	if !m.IsLive(victim) {
		t.Error("snapshot lost the overwritten reference")
	}
	if m.IsLive(decoy) {
		t.Error("unreferenced object reported live")
	}
}

// A one-chunk stack cannot hold the spill from a wide fan-out, so the
// cycle must overflow, expand, restart its linear scans, and still
// account every object.
func TestOverflowExpandsAndRecovers(t *testing.T) {
	hp, err := heap.New(heap.Config{RegionWords: 8192, RegionCount: 4})
	if err != nil {
		t.Fatal(err)
	}
	const fanout = 4000
	children := make([]heap.Address, fanout)
	for i := range children {
		children[i] = allocIn(t, hp, heap.RegionOld, heap.KindRefs, 0)
	}
	root := allocIn(t, hp, heap.RegionEden, heap.KindRefs, children...)

	tn := markerTuning(1)
	tn.MarkStackSize = "8KB"
	tn.MarkStackSizeMax = "16KB"
	m := newTestMarker(t, hp, tn)

	stats, err := m.RunCycle(context.Background(), &countingWorld{}, rootSlice{root})
	if err != nil {
		t.Fatal(err)
	}
	if got := stats.Totals().Overflows; got == 0 {
		t.Error("the cycle never overflowed the one-chunk stack")
	}
	// Lost queue entries must not translate into lost liveness.
	if got := hp.Region(0).LiveWords(); got != uint64(fanout*2) {
		t.Errorf("region 0 live words = %d, want %d", got, fanout*2)
	}
	if got := hp.Region(1).LiveWords(); got != hp.ObjectSize(root) {
		t.Errorf("region 1 live words = %d, want %d", got, hp.ObjectSize(root))
	}

	// Capacity gained during recovery survives the cycle. Growing is
	// one-way: a workload that overflowed once starts its next cycle
	// with the expanded stack instead of paying for recovery again.
	expanded := m.stack.Capacity()
	if expanded <= 1 {
		t.Fatalf("stack capacity = %d chunks after the cycle, want the expansion kept", expanded)
	}
	if _, err := m.RunCycle(context.Background(), &countingWorld{}, rootSlice{root}); err != nil {
		t.Fatal(err)
	}
	if got := m.stack.Capacity(); got < expanded {
		t.Errorf("stack capacity shrank from %d to %d chunks across cycles", expanded, got)
	}
}

// Every grey entry is gated by the object's unmarked-to-marked
// transition, so across a whole cycle no object may be queued twice, no
// matter how many workers race for it.
func TestGreyEntryPerObjectAccounting(t *testing.T) {
	hp, err := heap.New(heap.Config{RegionWords: 4096, RegionCount: 8})
	if err != nil {
		t.Fatal(err)
	}
	const n = 3000
	rng := rand.New(rand.NewSource(11))
	objs := make([]heap.Address, n)
	for i := range objs {
		objs[i] = allocIn(t, hp, heap.RegionOld, heap.KindRefs, 0, 0, 0)
	}
	// A ring keeps everything reachable; the extra edges make objects
	// race-contended from many predecessors at once.
	for i, obj := range objs {
		hp.InitField(obj, 0, objs[(i+1)%n])
		hp.InitField(obj, 1, objs[rng.Intn(n)])
		hp.InitField(obj, 2, objs[rng.Intn(n)])
	}

	m := newTestMarker(t, hp, markerTuning(4))
	counts := make([]map[heap.Address]int, len(m.tasks))
	for i, tk := range m.tasks {
		c := make(map[heap.Address]int)
		counts[i] = c
		tk.onGrey = func(obj heap.Address) { c[obj]++ }
	}

	if _, err := m.RunCycle(context.Background(), &countingWorld{}, rootSlice{objs[0]}); err != nil {
		t.Fatal(err)
	}

	total := make(map[heap.Address]int)
	for _, c := range counts {
		for obj, k := range c {
			total[obj] += k
		}
	}
	if len(total) == 0 {
		t.Fatal("no grey entries were produced")
	}
	for obj, k := range total {
		if k > 1 {
			t.Fatalf("object %#x was queued %d times", obj, k)
		}
	}
}

func TestStackExhaustedIsFatal(t *testing.T) {
	hp, err := heap.New(heap.Config{RegionWords: 8192, RegionCount: 4})
	if err != nil {
		t.Fatal(err)
	}
	children := make([]heap.Address, 4000)
	for i := range children {
		children[i] = allocIn(t, hp, heap.RegionOld, heap.KindRefs, 0)
	}
	root := allocIn(t, hp, heap.RegionEden, heap.KindRefs, children...)

	tn := markerTuning(1)
	tn.MarkStackSize = "8KB"
	tn.MarkStackSizeMax = "8KB"
	m := newTestMarker(t, hp, tn)

	_, err = m.RunCycle(context.Background(), &countingWorld{}, rootSlice{root})
	if !errors.Is(err, ErrStackExhausted) {
		t.Fatalf("got %v, want ErrStackExhausted", err)
	}
	if m.Phase() != PhaseAborted {
		t.Fatalf("phase = %s, want aborted", m.Phase())
	}
	if hp.SATB().Active() {
		t.Error("snapshot barrier left active after the failed cycle")
	}

	// The next cycle starts from the aborted state.
	if err := m.PrepareCycle(context.Background()); err != nil {
		t.Fatalf("prepare after abort: %v", err)
	}
}

func TestKeepAliveDuringRemark(t *testing.T) {
	hp, err := heap.New(heap.Config{RegionWords: 256, RegionCount: 4})
	if err != nil {
		t.Fatal(err)
	}
	weak := allocIn(t, hp, heap.RegionEden, heap.KindData)
	// A second dead object that nothing resurrects.
	allocIn(t, hp, heap.RegionEden, heap.KindData)
	root := allocIn(t, hp, heap.RegionEden, heap.KindRefs, 0)

	m := newTestMarker(t, hp, markerTuning(1))
	var sawDead bool
	m.ReferenceProcessor = func(isLive func(heap.Address) bool, keepAlive func(heap.Address)) {
		if !isLive(weak) {
			sawDead = true
			keepAlive(weak)
		}
	}

	if _, err := m.RunCycle(context.Background(), &countingWorld{}, rootSlice{root}); err != nil {
		t.Fatal(err)
	}
	if !sawDead {
		t.Fatal("reference processor never saw the dead referent")
	}
	// The resurrected object is counted live, its neighbor is not.
	want := hp.ObjectSize(weak) + hp.ObjectSize(root)
	if got := hp.Region(0).LiveWords(); got != want {
		t.Errorf("region 0 live words = %d, want %d", got, want)
	}
}

func TestPhasePreconditions(t *testing.T) {
	g := buildTestGraph(t)
	m := newTestMarker(t, g.hp, markerTuning(1))
	ctx := context.Background()

	wrong := []struct {
		name string
		call func() error
	}{
		{"scanRootRegions", func() error { return m.ScanRootRegions(ctx) }},
		{"markFromRoots", func() error { return m.MarkFromRoots(ctx) }},
		{"remark", func() error { return m.Remark(nil) }},
		{"createLiveData", func() error { return m.CreateLiveData(ctx) }},
		{"cleanup", func() error { _, err := m.Cleanup(); return err }},
		{"completeCleanup", func() error { return m.CompleteCleanup(ctx) }},
	}
	for _, tt := range wrong {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrMarkingActive) {
				t.Fatalf("from idle: got %v, want ErrMarkingActive", err)
			}
		})
	}

	// Abort outside a cycle is a no-op.
	m.Abort()
	if m.Phase() != PhaseIdle {
		t.Fatalf("abort from idle moved the phase to %s", m.Phase())
	}

	if err := m.PrepareCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.InitialMark([]heap.Address{g.root}); err != nil {
		t.Fatal(err)
	}
	m.Abort()
	if m.Phase() != PhaseAborted {
		t.Fatalf("phase = %s after abort, want aborted", m.Phase())
	}
	if err := m.ScanRootRegions(ctx); !errors.Is(err, ErrMarkingActive) {
		t.Fatalf("scan after abort: got %v, want ErrMarkingActive", err)
	}
	g.hp.SATB().SetActive(false)
	g.hp.SATB().Reset()

	// PrepareCycle recovers from the aborted state.
	if err := m.PrepareCycle(ctx); err != nil {
		t.Fatal(err)
	}
}
