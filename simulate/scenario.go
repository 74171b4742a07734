// Package simulate builds synthetic region heaps with known object
// graphs and drives mutator goroutines against them, so marking cycles
// can be exercised and cross-checked end to end.
package simulate

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v3"

	"omibyte.io/regiongc/heap"
)

//go:embed scenario.yaml
var rawScenario []byte

var defaultScenario Scenario

var ErrScenarioInvalid = errors.New("invalid scenario")

// Cluster describes one family of objects: how many, their shape, the
// region kind they live in, and how densely they reference each other.
// The trailing garbageFraction of the members is never referenced from
// the live part, so it stays unreachable no matter how the rest is wired.
type Cluster struct {
	Name    string `yaml:"name"`
	Region  string `yaml:"region"`
	Kind    string `yaml:"kind"`
	Objects int    `yaml:"objects"`

	// Slots is the payload size in words. For reference kinds every
	// slot can hold an outgoing edge.
	Slots int `yaml:"slots"`

	// Fanout is the number of extra outgoing references per object,
	// beyond the spanning edge that keeps the live part connected.
	Fanout int `yaml:"fanout"`

	GarbageFraction float64 `yaml:"garbageFraction"`

	// Rooted pins the first member into the root set.
	Rooted bool `yaml:"rooted"`
}

// liveCount is the number of members outside the guaranteed-garbage tail.
func (c Cluster) liveCount() int {
	return c.Objects - int(float64(c.Objects)*c.GarbageFraction)
}

// Link adds cross-cluster references from live members of one cluster to
// live members of another.
type Link struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Count int    `yaml:"count"`
}

// Scenario is a complete workload description: heap geometry, the object
// graph to materialize, and the mutator load to run while marking.
type Scenario struct {
	Name        string `yaml:"name"`
	RegionSize  string `yaml:"regionSize"`
	RegionCount int    `yaml:"regionCount"`
	Seed        int64  `yaml:"seed"`

	Clusters []Cluster `yaml:"clusters"`
	Links    []Link    `yaml:"links"`

	// Mutator load: goroutine count, stores per goroutine (zero means
	// run until stopped), and the fraction of stores that install a
	// fresh allocation or clear the slot. The remainder rewires slots
	// between reachable objects.
	Mutators         int     `yaml:"mutators"`
	StoresPerMutator int     `yaml:"storesPerMutator"`
	AllocFraction    float64 `yaml:"allocFraction"`
	ClearFraction    float64 `yaml:"clearFraction"`
}

// DefaultScenario returns the embedded workload.
func DefaultScenario() Scenario {
	return defaultScenario
}

// LoadScenario reads a scenario file. Scenarios are complete documents,
// not overlays onto the default.
func LoadScenario(path string) (Scenario, error) {
	var sc Scenario
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, errors.Join(ErrScenarioInvalid, err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, errors.Join(ErrScenarioInvalid, err)
	}
	if err := sc.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

// RegionWords converts the region byte size to words.
func (sc Scenario) RegionWords() (uint64, error) {
	size, err := bytesize.Parse(sc.RegionSize)
	if err != nil {
		return 0, errors.Join(ErrScenarioInvalid, err)
	}
	return uint64(size) / 8, nil
}

// HeapConfig returns the heap geometry the scenario asks for.
func (sc Scenario) HeapConfig() (heap.Config, error) {
	words, err := sc.RegionWords()
	if err != nil {
		return heap.Config{}, err
	}
	return heap.Config{RegionWords: words, RegionCount: sc.RegionCount}, nil
}

func parseRegionKind(s string) (heap.RegionKind, error) {
	switch s {
	case "eden":
		return heap.RegionEden, nil
	case "survivor":
		return heap.RegionSurvivor, nil
	case "old":
		return heap.RegionOld, nil
	}
	return 0, fmt.Errorf("region kind %q is not eden, survivor or old", s)
}

func parseObjectKind(s string) (heap.ObjectKind, error) {
	switch s {
	case "data":
		return heap.KindData, nil
	case "refs":
		return heap.KindRefs, nil
	case "refarray":
		return heap.KindRefArray, nil
	}
	return 0, fmt.Errorf("object kind %q is not data, refs or refarray", s)
}

func (sc Scenario) Validate() error {
	var errs []error
	words, err := sc.RegionWords()
	if err != nil {
		errs = append(errs, err)
		words = 0
	} else if words < 8 {
		errs = append(errs, fmt.Errorf("regionSize %s is below 8 words", sc.RegionSize))
	}
	if sc.RegionCount < 1 {
		errs = append(errs, fmt.Errorf("regionCount %d is not positive", sc.RegionCount))
	}
	if len(sc.Clusters) == 0 {
		errs = append(errs, errors.New("no clusters"))
	}

	names := make(map[string]int)
	for i, c := range sc.Clusters {
		tag := fmt.Sprintf("cluster %d (%s)", i, c.Name)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("cluster %d has no name", i))
		} else if _, dup := names[c.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate name", tag))
		} else {
			names[c.Name] = i
		}
		if _, err := parseRegionKind(c.Region); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tag, err))
		}
		if c.Objects < 1 {
			errs = append(errs, fmt.Errorf("%s: objects %d is not positive", tag, c.Objects))
		}
		if c.Slots < 0 {
			errs = append(errs, fmt.Errorf("%s: slots %d is negative", tag, c.Slots))
		}
		switch kind, err := parseObjectKind(c.Kind); {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", tag, err))
		case kind == heap.KindData:
			if c.Fanout != 0 {
				errs = append(errs, fmt.Errorf("%s: data objects cannot hold references", tag))
			}
		default:
			if c.Slots < 1 {
				errs = append(errs, fmt.Errorf("%s: reference objects need at least one slot", tag))
			}
			if c.Fanout < 0 || c.Fanout > c.Slots {
				errs = append(errs, fmt.Errorf("%s: fanout %d is outside [0, slots]", tag, c.Fanout))
			}
		}
		if c.GarbageFraction < 0 || c.GarbageFraction > 1 {
			errs = append(errs, fmt.Errorf("%s: garbageFraction %v is outside [0, 1]", tag, c.GarbageFraction))
		}
		if c.Rooted && c.liveCount() < 1 {
			errs = append(errs, fmt.Errorf("%s: rooted but the live part is empty", tag))
		}
		if words > 0 && uint64(c.Slots)+1 > words {
			errs = append(errs, fmt.Errorf("%s: object of %d words exceeds the region", tag, c.Slots+1))
		}
	}

	for i, l := range sc.Links {
		tag := fmt.Sprintf("link %d (%s -> %s)", i, l.From, l.To)
		if l.Count < 0 {
			errs = append(errs, fmt.Errorf("%s: count %d is negative", tag, l.Count))
		}
		from, ok := names[l.From]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown cluster %q", tag, l.From))
		} else {
			c := sc.Clusters[from]
			if c.Kind == "data" {
				errs = append(errs, fmt.Errorf("%s: data objects cannot source links", tag))
			}
			if c.liveCount() < 1 {
				errs = append(errs, fmt.Errorf("%s: source cluster has no live part", tag))
			}
		}
		to, ok := names[l.To]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown cluster %q", tag, l.To))
		} else if sc.Clusters[to].liveCount() < 1 {
			errs = append(errs, fmt.Errorf("%s: target cluster has no live part", tag))
		}
	}

	if sc.Mutators < 0 {
		errs = append(errs, fmt.Errorf("mutators %d is negative", sc.Mutators))
	}
	if sc.StoresPerMutator < 0 {
		errs = append(errs, fmt.Errorf("storesPerMutator %d is negative", sc.StoresPerMutator))
	}
	if sc.AllocFraction < 0 || sc.ClearFraction < 0 || sc.AllocFraction+sc.ClearFraction > 1 {
		errs = append(errs, fmt.Errorf("store fractions %v + %v are outside [0, 1]",
			sc.AllocFraction, sc.ClearFraction))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrScenarioInvalid}, errs...)...)
	}
	return nil
}

func init() {
	if err := yaml.Unmarshal(rawScenario, &defaultScenario); err != nil {
		panic(err)
	}
	if err := defaultScenario.Validate(); err != nil {
		panic(err)
	}
}
