package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	// All report output goes through a colorable writer so ANSI escapes
	// survive on Windows consoles too.
	stdout = colorable.NewColorableStdout()
	stderr = colorable.NewColorableStderr()

	mainCmd = &cobra.Command{
		Use:   "marksim",
		Short: "Run concurrent marking cycles against synthetic region heaps",
		Long: "marksim drives the regiongc liveness engine: it builds a region heap\n" +
			"from a scenario file, runs mutator goroutines against it, and executes\n" +
			"concurrent mark cycles while they run.",
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print marksim version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("marksim version", version)
		},
	}
)

func init() {
	mainCmd.AddCommand(runCmd)
	mainCmd.AddCommand(verifyCmd)
	mainCmd.AddCommand(versionCmd)
}

func main() {
	if err := mainCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
