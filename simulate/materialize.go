package simulate

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"

	"omibyte.io/regiongc/heap"
)

// Instance is a plan laid out on a real heap.
type Instance struct {
	Plan  *Plan
	Heap  *heap.Heap
	Addr  []heap.Address
	Roots []heap.Address
}

// Materialize allocates every planned object and wires every line into a
// reference slot. Lines fill slots in ascending target id order, so a
// plan materializes identically on identical heaps. Clusters allocate in
// declaration order, which fixes the address order tracing sees.
func (p *Plan) Materialize(hp *heap.Heap) (*Instance, error) {
	inst := &Instance{Plan: p, Heap: hp, Addr: make([]heap.Address, len(p.objects))}
	for id := range p.objects {
		o := &p.objects[id]
		addr, err := hp.AllocateObjectIn(o.region, o.kind, o.slots)
		if err != nil {
			return nil, errors.Join(ErrScenarioInvalid,
				fmt.Errorf("materializing object %d of %d", id, len(p.objects)), err)
		}
		inst.Addr[id] = addr
	}
	for id := range p.objects {
		u := int64(id)
		targets := graph.NodesOf(p.graph.From(u))
		slices.SortFunc(targets, func(a, b graph.Node) bool { return a.ID() < b.ID() })
		slot := uint64(0)
		for _, v := range targets {
			lines := p.graph.Lines(u, v.ID())
			for lines.Next() {
				hp.InitField(inst.Addr[id], slot, inst.Addr[v.ID()])
				slot++
			}
		}
	}
	for _, id := range p.roots {
		inst.Roots = append(inst.Roots, inst.Addr[id])
	}
	return inst, nil
}
