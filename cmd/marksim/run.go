package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/inhies/go-bytesize"
	"github.com/spf13/cobra"

	"omibyte.io/regiongc/heap"
	"omibyte.io/regiongc/mark"
	"omibyte.io/regiongc/simulate"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

var (
	runOpts = struct {
		scenario string
		tuning   string
		cycles   int
		verify   bool
	}{}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run marking cycles against a scenario",
		Long: "Build the scenario's heap and object graph, start its mutators, and\n" +
			"run concurrent mark cycles while they store and allocate. Each cycle\n" +
			"prints a phase report; --verify cross-checks liveness after the last one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := loadScenario(runOpts.scenario)
			if err != nil {
				return err
			}
			tn, err := loadTuning(runOpts.tuning)
			if err != nil {
				return err
			}

			world, err := simulate.NewWorld(sc)
			if err != nil {
				return err
			}
			marker, err := mark.NewMarker(world.Heap, tn)
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "scenario %q: %d regions x %s, %d objects, %d mutators\n",
				sc.Name, world.Heap.RegionCount(),
				bytesize.New(float64(world.Heap.RegionWords()*8)),
				len(world.Inst.Addr), sc.Mutators)

			world.StartMutators()
			defer world.StopMutators()

			for cycle := 1; cycle <= runOpts.cycles; cycle++ {
				before := freeRegions(world.Heap)
				stats, err := marker.RunCycle(context.Background(), world, world)
				if err != nil {
					return reportCycleError(cycle, err)
				}
				reclaimed := freeRegions(world.Heap) - before

				fmt.Fprintf(stdout, "cycle %d:\n%s", cycle, stats.Summary())
				fmt.Fprintf(stdout, "  reclaimed %d regions (%s), %s live\n",
					reclaimed,
					bytesize.New(float64(uint64(reclaimed)*world.Heap.RegionWords()*8)),
					bytesize.New(float64(liveWords(world.Heap)*8)))
				if stats.Restarts > 0 {
					fmt.Fprintf(stdout, "  %soverflow: restarted %d time(s)%s\n",
						ansiYellow, stats.Restarts, ansiReset)
				}
				if cycle < runOpts.cycles {
					fmt.Fprintf(stdout, "  promoted %d young regions\n", world.PromoteYoung())
				}
			}

			ops := world.StopMutators()
			fmt.Fprintf(stdout, "mutators: %d stores, %d allocations\n", ops, world.Allocs())
			if world.HitOOM() {
				fmt.Fprintf(stdout, "%smutators hit out-of-memory; load outran reclamation%s\n",
					ansiYellow, ansiReset)
			}

			if runOpts.verify {
				return verifyWorld(world, marker)
			}
			return nil
		},
	}
)

func init() {
	runCmd.Flags().StringVarP(&runOpts.scenario, "scenario", "s", "", "scenario YAML file. Default: embedded workload")
	runCmd.Flags().StringVarP(&runOpts.tuning, "tuning", "t", "", "tuning YAML file. Default: embedded defaults")
	runCmd.Flags().IntVarP(&runOpts.cycles, "cycles", "n", 3, "number of marking cycles to run")
	runCmd.Flags().BoolVar(&runOpts.verify, "verify", false, "cross-check liveness after the last cycle")
}

func loadScenario(path string) (simulate.Scenario, error) {
	if path == "" {
		return simulate.DefaultScenario(), nil
	}
	return simulate.LoadScenario(path)
}

func loadTuning(path string) (mark.Tuning, error) {
	if path == "" {
		return mark.DefaultTuning(), nil
	}
	return mark.LoadTuning(path)
}

func reportCycleError(cycle int, err error) error {
	switch {
	case errors.Is(err, mark.ErrStackExhausted):
		fmt.Fprintf(stderr, "%scycle %d: mark stack exhausted at maximum capacity: %v%s\n",
			ansiRed, cycle, err, ansiReset)
		fmt.Fprintln(stderr, "raise markStackSizeMax in the tuning file")
	case errors.Is(err, mark.ErrCycleAborted):
		fmt.Fprintf(stderr, "%scycle %d aborted: %v%s\n", ansiRed, cycle, err, ansiReset)
	default:
		fmt.Fprintf(stderr, "%scycle %d: %v%s\n", ansiRed, cycle, err, ansiReset)
	}
	return err
}

// verifyWorld stops the world and walks the real object graph from the
// current roots plus the survivor regions, asking the engine about every
// object it reaches.
func verifyWorld(world *simulate.World, marker *mark.Marker) error {
	world.StopWorld()
	defer world.StartWorld()

	seeds := append(world.Roots(), simulate.SurvivorObjects(world.Heap)...)
	rep := simulate.VerifyLiveness(world.Heap, marker, seeds)
	if !rep.OK() {
		fmt.Fprintf(stderr, "%sverify: %d of %d reachable objects not live%s\n",
			ansiRed, len(rep.Violations), rep.Reachable, ansiReset)
		for i, obj := range rep.Violations {
			if i == 16 {
				fmt.Fprintf(stderr, "  ... %d more\n", len(rep.Violations)-i)
				break
			}
			fmt.Fprintf(stderr, "  object %#x region %d\n", uint64(obj), world.Heap.RegionAt(obj).Index())
		}
		return fmt.Errorf("liveness verification failed: %d violations", len(rep.Violations))
	}
	fmt.Fprintf(stdout, "%sverify: all %d reachable objects live%s\n",
		ansiGreen, rep.Reachable, ansiReset)
	return nil
}

func freeRegions(hp *heap.Heap) int {
	n := 0
	for i := 0; i < hp.RegionCount(); i++ {
		if hp.Region(i).IsFree() {
			n++
		}
	}
	return n
}

func liveWords(hp *heap.Heap) uint64 {
	var n uint64
	for i := 0; i < hp.RegionCount(); i++ {
		if r := hp.Region(i); !r.IsFree() {
			n += r.LiveWords()
		}
	}
	return n
}
