package simulate

import (
	"math/rand"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/multi"
	"gonum.org/v1/gonum/graph/traverse"

	"omibyte.io/regiongc/heap"
)

// objNode is one planned object in the workload graph.
type objNode struct {
	id int64
}

func (n objNode) ID() int64 {
	return n.id
}

type objectPlan struct {
	cluster int
	kind    heap.ObjectKind
	slots   int
	region  heap.RegionKind
}

// span is a cluster's node id range: [first, first+live) is the live
// part, [first+live, first+count) the guaranteed-garbage tail.
type span struct {
	first int64
	live  int64
	count int64
}

// Plan is a materializable object graph. Nodes are future heap objects,
// lines are reference slots to fill; parallel lines are distinct slots
// referencing the same target.
type Plan struct {
	graph   *multi.DirectedGraph
	objects []objectPlan
	outDeg  []int
	spans   []span
	byName  map[string]int
	roots   []int64
}

// BuildPlan expands the scenario's clusters and links into a concrete
// graph. The same scenario and seed produce the same plan.
func BuildPlan(sc Scenario) (*Plan, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	p := &Plan{
		graph:  multi.NewDirectedGraph(),
		byName: make(map[string]int),
	}
	rng := rand.New(rand.NewSource(sc.Seed))

	for ci, c := range sc.Clusters {
		kind, _ := parseObjectKind(c.Kind)
		region, _ := parseRegionKind(c.Region)
		first := int64(len(p.objects))
		p.spans = append(p.spans, span{
			first: first,
			live:  int64(c.liveCount()),
			count: int64(c.Objects),
		})
		p.byName[c.Name] = ci
		for i := 0; i < c.Objects; i++ {
			id := int64(len(p.objects))
			p.objects = append(p.objects, objectPlan{cluster: ci, kind: kind, slots: c.Slots, region: region})
			p.graph.AddNode(objNode{id: id})
		}
	}
	p.outDeg = make([]int, len(p.objects))

	for ci, c := range sc.Clusters {
		if c.Rooted {
			p.roots = append(p.roots, p.spans[ci].first)
		}
		if kind, _ := parseObjectKind(c.Kind); kind != heap.KindData {
			p.wireCluster(rng, ci, c)
		}
	}
	for _, l := range sc.Links {
		p.wireLink(rng, l)
	}
	return p, nil
}

// wireCluster connects the live part with one spanning edge per member,
// then adds the fanout edges. Live members only ever target other live
// members; the garbage tail chains and fans out among the whole cluster,
// which never resurrects it.
func (p *Plan) wireCluster(rng *rand.Rand, ci int, c Cluster) {
	s := p.spans[ci]
	for i := int64(1); i < s.live; i++ {
		p.edgeFromWindow(rng, s.first, i, s.first+i)
	}
	for i := s.live + 1; i < s.count; i++ {
		p.edgeFromWindow(rng, s.first+s.live, i-s.live, s.first+i)
	}
	for i := int64(0); i < s.count; i++ {
		id := s.first + i
		window := s.live
		if i >= s.live {
			window = s.count
		}
		for f := 0; f < c.Fanout && p.outDeg[id] < p.objects[id].slots; f++ {
			t := s.first + rng.Int63n(window)
			if t == id {
				t = s.first + (t-s.first+1)%window
				if t == id {
					continue
				}
			}
			p.setLine(id, t)
		}
	}
}

// edgeFromWindow draws a line to target from some node in the window of
// n nodes starting at lo that still has a spare slot.
func (p *Plan) edgeFromWindow(rng *rand.Rand, lo, n, target int64) {
	base := rng.Int63n(n)
	for probe := int64(0); probe < n; probe++ {
		s := lo + (base+probe)%n
		if p.outDeg[s] < p.objects[s].slots {
			p.setLine(s, target)
			return
		}
	}
}

// wireLink draws cross-cluster references from live sources with spare
// slots to live targets.
func (p *Plan) wireLink(rng *rand.Rand, l Link) {
	from := p.spans[p.byName[l.From]]
	to := p.spans[p.byName[l.To]]
	for i := 0; i < l.Count; i++ {
		t := to.first + rng.Int63n(to.live)
		base := rng.Int63n(from.live)
		for probe := int64(0); probe < from.live; probe++ {
			s := from.first + (base+probe)%from.live
			if p.outDeg[s] < p.objects[s].slots {
				p.setLine(s, t)
				break
			}
		}
	}
}

func (p *Plan) setLine(from, to int64) {
	u := p.graph.Node(from)
	v := p.graph.Node(to)
	p.graph.SetLine(p.graph.NewLine(u, v))
	p.outDeg[from]++
}

// NodeCount is the number of planned objects.
func (p *Plan) NodeCount() int {
	return len(p.objects)
}

// RootIDs lists the pinned cluster heads.
func (p *Plan) RootIDs() []int64 {
	return slices.Clone(p.roots)
}

// ClusterIDs returns a cluster's live part and garbage tail as node ids.
func (p *Plan) ClusterIDs(name string) (live, garbage []int64) {
	s := p.spans[p.byName[name]]
	for i := int64(0); i < s.count; i++ {
		if i < s.live {
			live = append(live, s.first+i)
		} else {
			garbage = append(garbage, s.first+i)
		}
	}
	return live, garbage
}

// ExpectedLive computes the plan-side reachable set: everything the
// pinned roots reach, plus survivor members and what they reach, since
// the engine scans survivor regions as wholesale-live roots.
func (p *Plan) ExpectedLive() map[int64]bool {
	live := make(map[int64]bool)
	bfs := traverse.BreadthFirst{Visit: func(n graph.Node) { live[n.ID()] = true }}
	seeds := slices.Clone(p.roots)
	for _, s := range p.spans {
		if p.objects[s.first].region == heap.RegionSurvivor {
			for i := int64(0); i < s.count; i++ {
				seeds = append(seeds, s.first+i)
			}
		}
	}
	for _, id := range seeds {
		if !bfs.Visited(objNode{id: id}) {
			bfs.Walk(p.graph, objNode{id: id}, nil)
		}
	}
	return live
}
