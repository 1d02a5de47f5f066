package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/benchmark"
)

var benchmarkCmd = &cobra.Command{
	Use:     "benchmark",
	GroupID: "advanced",
	Short:   "Measure sync cycle cost on a synthetic vault",
	Long: `Write a synthetic vault, then time full sync cycles against an
in-memory calendar with a real SQLite state store.

Phases:
  initial  - every task is created
  steady   - nothing changed
  edit     - a share of tasks is retimed
  remove   - a document is deleted and its tasks diverted
  approve  - the diverted deletions are sent

Examples:
  # Default: 1000 tasks, 50 per batch
  tasksync benchmark

  # 5000 tasks with 80ms per batch round trip
  tasksync benchmark --tasks 5000 --latency 80ms

  # Output as JSON
  tasksync benchmark --json
`,
	Run: runBenchmark,
}

func init() {
	defaults := benchmark.DefaultConfig()
	benchmarkCmd.Flags().Int("tasks", defaults.NumTasks, "Number of dated tasks in the vault")
	benchmarkCmd.Flags().Int("per-file", defaults.TasksPerFile, "Tasks per document")
	benchmarkCmd.Flags().Int("cycles", defaults.SteadyCycles, "Number of steady-state cycles to time")
	benchmarkCmd.Flags().Float64("edit", defaults.EditPct, "Share of tasks retimed in the edit phase (0.0-1.0)")
	benchmarkCmd.Flags().Int("batch", defaults.BatchSize, "Operations per batch envelope")
	benchmarkCmd.Flags().Duration("latency", 0, "Simulated round trip per batch envelope")
	rootCmd.AddCommand(benchmarkCmd)
}

func runBenchmark(cmd *cobra.Command, args []string) {
	config := benchmark.DefaultConfig()
	config.NumTasks, _ = cmd.Flags().GetInt("tasks")
	config.TasksPerFile, _ = cmd.Flags().GetInt("per-file")
	config.SteadyCycles, _ = cmd.Flags().GetInt("cycles")
	config.EditPct, _ = cmd.Flags().GetFloat64("edit")
	config.BatchSize, _ = cmd.Flags().GetInt("batch")
	config.Latency, _ = cmd.Flags().GetDuration("latency")

	if config.EditPct < 0 || config.EditPct > 1 {
		fatal("--edit must be between 0.0 and 1.0")
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	result, err := benchmark.Run(ctx, config)
	if err != nil {
		fatal("benchmark failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
	}

	if jsonOutput {
		printJSON(result)
		return
	}
	benchmark.PrintResult(result)
}
