package simulate

import (
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"omibyte.io/regiongc/heap"
)

// localSlots is the number of recently touched references each mutator
// publishes as roots.
const localSlots = 8

// World owns a materialized scenario and its mutator goroutines. It
// implements the marking engine's WorldStopper and RootProvider: stopping
// the world parks every mutator between two heap operations, and the root
// set is the pinned cluster heads plus each mutator's published locals.
type World struct {
	Scenario Scenario
	Heap     *heap.Heap
	Inst     *Instance

	pause  sync.RWMutex
	halt   atomic.Bool
	wg     sync.WaitGroup
	ops    atomic.Uint64
	allocs atomic.Uint64
	oom    atomic.Bool

	locals [][]heap.Address
}

// NewWorld builds the heap, the plan, and the initial object graph.
func NewWorld(sc Scenario) (*World, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	cfg, err := sc.HeapConfig()
	if err != nil {
		return nil, err
	}
	hp, err := heap.New(cfg)
	if err != nil {
		return nil, errors.Join(ErrScenarioInvalid, err)
	}
	plan, err := BuildPlan(sc)
	if err != nil {
		return nil, err
	}
	inst, err := plan.Materialize(hp)
	if err != nil {
		return nil, err
	}
	return &World{Scenario: sc, Heap: hp, Inst: inst}, nil
}

func (w *World) StopWorld() {
	w.pause.Lock()
}

func (w *World) StartWorld() {
	w.pause.Unlock()
}

// Roots returns the pinned cluster heads plus every mutator's published
// locals. Callers hold the world stopped, which orders the reads after
// the mutators' writes.
func (w *World) Roots() []heap.Address {
	roots := slices.Clone(w.Inst.Roots)
	for _, local := range w.locals {
		for _, ref := range local {
			if ref != 0 {
				roots = append(roots, ref)
			}
		}
	}
	return roots
}

// PromoteYoung stands in for the young collection that precedes a
// concurrent cycle: allocated eden regions become survivor regions, and
// the previous survivors age into old regions. The promoted regions are
// the next initial mark's root regions; their contents are implicitly
// live for one cycle, and the aged regions are traced normally from then
// on. Runs inside its own pause. Returns the number promoted.
func (w *World) PromoteYoung() int {
	w.StopWorld()
	defer w.StartWorld()
	promoted := 0
	for i := 0; i < w.Heap.RegionCount(); i++ {
		r := w.Heap.Region(i)
		switch {
		case r.Kind() == heap.RegionSurvivor:
			w.Heap.SetRegionKind(r, heap.RegionOld)
		case r.Kind() == heap.RegionEden && r.UsedWords() > 0:
			w.Heap.SetRegionKind(r, heap.RegionSurvivor)
			r.ResetMarkState()
			promoted++
		}
	}
	return promoted
}

// StartMutators launches the scenario's mutator goroutines. Each runs
// until its store budget is spent or StopMutators is called.
func (w *World) StartMutators() {
	w.halt.Store(false)
	w.locals = make([][]heap.Address, w.Scenario.Mutators)
	for i := range w.locals {
		w.locals[i] = make([]heap.Address, localSlots)
	}
	for i := 0; i < w.Scenario.Mutators; i++ {
		w.wg.Add(1)
		go w.mutate(i)
	}
}

// StopMutators halts every mutator, waits them out, and reports the
// stores performed.
func (w *World) StopMutators() uint64 {
	w.halt.Store(true)
	w.wg.Wait()
	return w.ops.Load()
}

// WaitMutators blocks until every mutator spends its store budget. Only
// meaningful when the scenario sets one.
func (w *World) WaitMutators() uint64 {
	w.wg.Wait()
	return w.ops.Load()
}

// Ops is the number of stores performed so far.
func (w *World) Ops() uint64 {
	return w.ops.Load()
}

// Allocs is the number of objects mutators allocated so far.
func (w *World) Allocs() uint64 {
	return w.allocs.Load()
}

// HitOOM reports whether any mutator allocation failed. Mutators degrade
// to rewiring when the heap fills; the workload keeps running.
func (w *World) HitOOM() bool {
	return w.oom.Load()
}

func (w *World) mutate(id int) {
	defer w.wg.Done()
	mu := w.Heap.NewMutator()
	rng := rand.New(rand.NewSource(w.Scenario.Seed + int64(id)*0x9e3779b9))
	local := w.locals[id]
	budget := w.Scenario.StoresPerMutator
	for n := 0; budget == 0 || n < budget; n++ {
		if w.halt.Load() {
			return
		}
		w.pause.RLock()
		w.step(mu, rng, local)
		w.pause.RUnlock()
		if n&63 == 0 {
			runtime.Gosched()
		}
	}
}

// step performs one mutation: walk to a reachable reference-bearing
// object, then rewire one of its slots to another reachable object,
// clear it, or install a fresh allocation. Stored values are always
// obtained by loading reachable fields, never by remembering addresses
// the graph may have dropped.
func (w *World) step(mu *heap.Mutator, rng *rand.Rand, local []heap.Address) {
	obj, _ := w.walk(rng, local)
	if obj == 0 {
		return
	}
	slot := uint64(rng.Int63n(int64(w.Heap.RefCount(obj))))
	x := rng.Float64()
	switch {
	case x < w.Scenario.AllocFraction:
		addr, err := w.Heap.AllocateObject(heap.KindRefs, 1+rng.Intn(6))
		if err != nil {
			w.oom.Store(true)
			return
		}
		w.allocs.Add(1)
		mu.Store(obj, slot, addr)
		local[rng.Intn(localSlots)] = addr
	case x < w.Scenario.AllocFraction+w.Scenario.ClearFraction:
		mu.Store(obj, slot, 0)
	default:
		_, val := w.walk(rng, local)
		mu.Store(obj, slot, val)
	}
	w.ops.Add(1)
}

// walk follows a few random reference loads from a root or local. It
// returns the last reference-bearing object on the path and the final
// object reached, which may be a leaf or null.
func (w *World) walk(rng *rand.Rand, local []heap.Address) (container, end heap.Address) {
	cur := w.anchor(rng, local)
	if cur == 0 {
		return 0, 0
	}
	if w.Heap.ObjectKind(cur) != heap.KindData {
		container = cur
	}
	for hop := rng.Intn(4); hop > 0; hop-- {
		if w.Heap.ObjectKind(cur) == heap.KindData {
			break
		}
		n := w.Heap.RefCount(cur)
		next := w.Heap.Field(cur, uint64(rng.Int63n(int64(n))))
		if next == 0 {
			break
		}
		cur = next
		if w.Heap.ObjectKind(cur) != heap.KindData {
			container = cur
		}
	}
	return container, cur
}

func (w *World) anchor(rng *rand.Rand, local []heap.Address) heap.Address {
	if len(local) > 0 && rng.Intn(4) == 0 {
		if ref := local[rng.Intn(len(local))]; ref != 0 {
			return ref
		}
	}
	if len(w.Inst.Roots) == 0 {
		return 0
	}
	return w.Inst.Roots[rng.Intn(len(w.Inst.Roots))]
}
