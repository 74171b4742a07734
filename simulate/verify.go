package simulate

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/traverse"

	"omibyte.io/regiongc/heap"
	"omibyte.io/regiongc/mark"
)

// heapNode adapts a heap address to a graph node; the address is the id.
type heapNode heap.Address

func (n heapNode) ID() int64 {
	return int64(n)
}

type heapEdge struct {
	f, t heapNode
}

func (e heapEdge) From() graph.Node         { return e.f }
func (e heapEdge) To() graph.Node           { return e.t }
func (e heapEdge) ReversedEdge() graph.Edge { return heapEdge{e.t, e.f} }

// heapGraph exposes a heap's current object graph to gonum traversals.
// Nodes are object addresses; From follows the object's reference slots
// as they are now, not as they were at any snapshot.
type heapGraph struct {
	h *heap.Heap
}

func (g heapGraph) Node(id int64) graph.Node {
	return heapNode(id)
}

func (g heapGraph) Nodes() graph.Nodes {
	return graph.Empty
}

func (g heapGraph) From(id int64) graph.Nodes {
	var out []graph.Node
	it := g.h.References(heap.Address(id))
	for ref, ok := it.Next(); ok; ref, ok = it.Next() {
		out = append(out, heapNode(ref))
	}
	if len(out) == 0 {
		return graph.Empty
	}
	return iterator.NewOrderedNodes(out)
}

func (g heapGraph) HasEdgeBetween(xid, yid int64) bool {
	return g.references(xid, yid) || g.references(yid, xid)
}

func (g heapGraph) Edge(uid, vid int64) graph.Edge {
	if g.references(uid, vid) {
		return heapEdge{heapNode(uid), heapNode(vid)}
	}
	return nil
}

func (g heapGraph) references(uid, vid int64) bool {
	it := g.h.References(heap.Address(uid))
	for ref, ok := it.Next(); ok; ref, ok = it.Next() {
		if ref == heap.Address(vid) {
			return true
		}
	}
	return false
}

// Report is the outcome of one liveness cross-check.
type Report struct {
	Reachable  int
	Violations []heap.Address
}

func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// VerifyLiveness walks the real heap from the seed set and asks the
// engine about every object it can reach. Under the snapshot guarantee
// every reachable object must be live. The converse does not hold:
// objects that died during the cycle float until the next one.
func VerifyLiveness(hp *heap.Heap, m *mark.Marker, seeds []heap.Address) Report {
	var rep Report
	bfs := traverse.BreadthFirst{Visit: func(n graph.Node) {
		obj := heap.Address(n.ID())
		rep.Reachable++
		if !m.IsLive(obj) {
			rep.Violations = append(rep.Violations, obj)
		}
	}}
	hg := heapGraph{h: hp}
	for _, s := range seeds {
		if s == 0 || bfs.Visited(heapNode(s)) {
			continue
		}
		bfs.Walk(hg, heapNode(s), nil)
	}
	return rep
}

// SurvivorObjects enumerates every object in survivor regions. The
// engine scans these as wholesale-live root regions, so verification
// seeds them alongside the ordinary roots.
func SurvivorObjects(hp *heap.Heap) []heap.Address {
	var out []heap.Address
	for _, r := range hp.Survivors() {
		for obj := r.Bottom(); obj < r.Top(); {
			out = append(out, obj)
			obj += heap.Address(hp.ObjectSize(obj))
		}
	}
	return out
}
