package mark

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// taskStats counts one task's work within a cycle. Counters are plain
// integers: every task owns its own slot and the coordinator reads them
// only between phases.
type taskStats struct {
	ObjectsScanned uint64
	WordsScanned   uint64
	RefsReached    uint64
	RefsPushed     uint64
	StealAttempts  uint64
	Steals         uint64
	RegionsClaimed uint64
	SATBBuffers    uint64
	ClockAborts    uint64
	Overflows      uint64

	// StepTimes records each marking step's wall time in milliseconds.
	StepTimes []float64
}

func (s *taskStats) add(o taskStats) {
	s.ObjectsScanned += o.ObjectsScanned
	s.WordsScanned += o.WordsScanned
	s.RefsReached += o.RefsReached
	s.RefsPushed += o.RefsPushed
	s.StealAttempts += o.StealAttempts
	s.Steals += o.Steals
	s.RegionsClaimed += o.RegionsClaimed
	s.SATBBuffers += o.SATBBuffers
	s.ClockAborts += o.ClockAborts
	s.Overflows += o.Overflows
	s.StepTimes = append(s.StepTimes, o.StepTimes...)
}

// CycleStats collects what one full liveness cycle did: wall time per
// phase, per-task work counters, and the restart count when overflow
// forced remark to re-run concurrent marking.
type CycleStats struct {
	Phases   map[Phase]time.Duration
	Tasks    []taskStats
	Restarts int
}

func newCycleStats(tasks int) *CycleStats {
	return &CycleStats{
		Phases: make(map[Phase]time.Duration),
		Tasks:  make([]taskStats, tasks),
	}
}

func (c *CycleStats) addPhase(p Phase, d time.Duration) {
	c.Phases[p] += d
}

// Totals folds all per-task counters into one.
func (c *CycleStats) Totals() taskStats {
	var t taskStats
	for i := range c.Tasks {
		t.add(c.Tasks[i])
	}
	return t
}

// Balance reports the mean and standard deviation of words scanned per
// task. A large deviation relative to the mean means stealing failed to
// even out the load.
func (c *CycleStats) Balance() (mean, stddev float64) {
	if len(c.Tasks) == 0 {
		return 0, 0
	}
	words := make([]float64, len(c.Tasks))
	for i := range c.Tasks {
		words[i] = float64(c.Tasks[i].WordsScanned)
	}
	if len(words) < 2 {
		return words[0], 0
	}
	return stat.MeanStdDev(words, nil)
}

// StepTimeQuantiles reports the mean and 95th percentile marking step
// time in milliseconds, over all tasks and steps of the cycle.
func (c *CycleStats) StepTimeQuantiles() (mean, p95 float64) {
	var all []float64
	for i := range c.Tasks {
		all = append(all, c.Tasks[i].StepTimes...)
	}
	if len(all) == 0 {
		return 0, 0
	}
	slices.Sort(all)
	return stat.Mean(all, nil), stat.Quantile(0.95, stat.Empirical, all, nil)
}

// Summary renders the cycle for log output.
func (c *CycleStats) Summary() string {
	var b strings.Builder
	phases := maps.Keys(c.Phases)
	slices.Sort(phases)
	var wall time.Duration
	for _, p := range phases {
		d := c.Phases[p]
		wall += d
		fmt.Fprintf(&b, "  %-22s %12v\n", p, d.Round(time.Microsecond))
	}
	fmt.Fprintf(&b, "  %-22s %12v\n", "total", wall.Round(time.Microsecond))
	t := c.Totals()
	fmt.Fprintf(&b, "  objects %d words %d refs %d pushed %d\n",
		t.ObjectsScanned, t.WordsScanned, t.RefsReached, t.RefsPushed)
	fmt.Fprintf(&b, "  steals %d/%d regions %d satb buffers %d clock aborts %d\n",
		t.Steals, t.StealAttempts, t.RegionsClaimed, t.SATBBuffers, t.ClockAborts)
	if len(c.Tasks) > 1 {
		words := make([]float64, len(c.Tasks))
		for i := range c.Tasks {
			words[i] = float64(c.Tasks[i].WordsScanned)
		}
		mean, stddev := stat.MeanStdDev(words, nil)
		fmt.Fprintf(&b, "  balance mean %.0f stddev %.0f max %.0f words/task\n",
			mean, stddev, floats.Max(words))
	}
	if mean, p95 := c.StepTimeQuantiles(); mean > 0 {
		fmt.Fprintf(&b, "  step time mean %.2fms p95 %.2fms\n", mean, p95)
	}
	if c.Restarts > 0 {
		fmt.Fprintf(&b, "  overflow restarts %d\n", c.Restarts)
	}
	return b.String()
}
