// Package benchmark measures sync cycle cost at vault scale.
//
// A run writes a synthetic vault, opens a real SQLite state store and
// drives the engine through five phases against an in-memory calendar:
//
//	initial   every task is new and created in batches
//	steady    nothing changed; measures scan, diff and save alone
//	edit      a share of tasks is retimed in place and updated
//	remove    a document is deleted and its tasks diverted
//	approve   the diverted deletions are approved and sent
//
// The calendar can add a fixed latency per batch envelope to approximate a
// remote round trip.
package benchmark

import (
	"fmt"
	"runtime"
	"sort"
	"time"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// NumTasks is the number of dated tasks written into the vault
	NumTasks int

	// TasksPerFile controls how tasks are spread over documents
	TasksPerFile int

	// SteadyCycles is how many no-change cycles are timed
	SteadyCycles int

	// EditPct is the share of tasks retimed in the edit phase (0.0-1.0)
	EditPct float64

	// BatchSize is the maximum operations per batch envelope
	BatchSize int

	// Latency is added to every batch envelope
	Latency time.Duration

	// Dir holds the vault and state. Empty means a temp directory that is
	// removed afterwards.
	Dir string
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumTasks:     1000,
		TasksPerFile: 50,
		SteadyCycles: 5,
		EditPct:      0.1,
		BatchSize:    50,
	}
}

// Result captures the metrics of one run.
type Result struct {
	Config Config

	Phases []PhaseResult

	Resources ResourceMetrics

	// DatabaseBytes is the state database size after the run
	DatabaseBytes int64

	TotalDuration time.Duration
	Failed        int
	Success       bool
}

// Phase returns the named phase result.
func (r *Result) Phase(name string) (PhaseResult, bool) {
	for _, p := range r.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseResult{}, false
}

// PhaseResult is the timing and outcome of one phase.
type PhaseResult struct {
	Name      string
	Latency   LatencyMetrics
	Created   int
	Updated   int
	Deleted   int
	Diverted  int
	Unchanged int
	Envelopes int
	Requests  int
}

// LatencyMetrics captures cycle latency statistics.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration
	Mean time.Duration
	P95  time.Duration
	Max  time.Duration
}

// ResourceMetrics captures heap usage around the run.
type ResourceMetrics struct {
	HeapBeforeBytes uint64
	HeapAfterBytes  uint64
	SysBytes        uint64
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		Min:  sorted[0],
		P50:  sorted[len(sorted)*50/100],
		Mean: sum / time.Duration(len(sorted)),
		P95:  sorted[len(sorted)*95/100],
		Max:  sorted[len(sorted)-1],
	}
}

func heap() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration with a unit suited to its size.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// PrintResult outputs a formatted benchmark result.
func PrintResult(r *Result) {
	fmt.Printf("\n=== Sync Benchmark ===\n\n")

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Tasks:             %d (%d per file)\n", r.Config.NumTasks, r.Config.TasksPerFile)
	fmt.Printf("  Batch Size:        %d\n", r.Config.BatchSize)
	fmt.Printf("  Envelope Latency:  %s\n", FormatDuration(r.Config.Latency))
	fmt.Printf("  Edited:            %.1f%%\n", r.Config.EditPct*100)
	fmt.Printf("\n")

	for _, p := range r.Phases {
		fmt.Printf("%s:\n", p.Name)
		if p.Latency.Max == p.Latency.Min {
			fmt.Printf("  Duration:          %s\n", FormatDuration(p.Latency.Max))
		} else {
			fmt.Printf("  P50 / P95 / Max:   %s / %s / %s\n",
				FormatDuration(p.Latency.P50), FormatDuration(p.Latency.P95), FormatDuration(p.Latency.Max))
		}
		fmt.Printf("  Changes:           %d created, %d updated, %d deleted, %d diverted\n",
			p.Created, p.Updated, p.Deleted, p.Diverted)
		fmt.Printf("  Requests:          %d in %d envelope(s)\n", p.Requests, p.Envelopes)
		fmt.Printf("\n")
	}

	fmt.Printf("Resources:\n")
	fmt.Printf("  Heap Before:       %s\n", FormatBytes(r.Resources.HeapBeforeBytes))
	fmt.Printf("  Heap After:        %s\n", FormatBytes(r.Resources.HeapAfterBytes))
	fmt.Printf("  Sys:               %s\n", FormatBytes(r.Resources.SysBytes))
	fmt.Printf("  State Database:    %s\n", FormatBytes(uint64(r.DatabaseBytes)))
	fmt.Printf("\n")

	fmt.Printf("Overall:\n")
	fmt.Printf("  Total Duration:    %s\n", FormatDuration(r.TotalDuration))
	fmt.Printf("  Failed Operations: %d\n", r.Failed)
	fmt.Printf("  Success:           %v\n", r.Success)
	fmt.Printf("\n")
}
