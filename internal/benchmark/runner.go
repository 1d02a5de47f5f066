package benchmark

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tasksync/tasksync/internal/baseline"
	"github.com/tasksync/tasksync/internal/db"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/scanner"
	"github.com/tasksync/tasksync/internal/schema"
)

// Run executes the phases and returns their metrics.
func Run(ctx context.Context, config Config) (*Result, error) {
	if config.NumTasks <= 0 {
		return nil, fmt.Errorf("NumTasks must be positive")
	}
	if config.TasksPerFile <= 0 {
		config.TasksPerFile = DefaultConfig().TasksPerFile
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}

	dir := config.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "tasksync-bench-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	vault := filepath.Join(dir, "vault")
	files, err := writeVault(vault, config.NumTasks, config.TasksPerFile, "09:00")
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "state.db")
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	cal := newMemCalendar(config.Latency)

	ec := engine.DefaultConfig()
	ec.Batch.MaxBatchSize = config.BatchSize
	ec.Batch.RetryDelay = 0

	sc := scanner.DefaultConfig()
	sc.Root = vault
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := engine.New(scanner.New(sc, quiet), cal, database,
		baseline.NewStore(filepath.Join(dir, "writer.yaml")), ec, quiet)
	if err != nil {
		return nil, err
	}

	result := &Result{Config: config}
	before, _ := heap()
	result.Resources.HeapBeforeBytes = before
	start := time.Now()

	cycle := func(name string, n int) (PhaseResult, error) {
		p := PhaseResult{Name: name}
		durations := make([]time.Duration, 0, n)
		for i := 0; i < n; i++ {
			s, err := eng.RunCycle(ctx, engine.Options{})
			if err != nil {
				return p, fmt.Errorf("%s cycle failed: %w", name, err)
			}
			durations = append(durations, s.Duration)
			p.Created += s.Created
			p.Updated += s.Updated
			p.Deleted += s.Deleted
			p.Diverted += s.Diverted
			p.Unchanged += s.Unchanged
			result.Failed += s.Failed
		}
		p.Latency = ComputeStats(durations)
		p.Envelopes, p.Requests = cal.counters()
		return p, nil
	}

	initial, err := cycle("initial", 1)
	if err != nil {
		return nil, err
	}
	result.Phases = append(result.Phases, initial)

	steady, err := cycle("steady", max(config.SteadyCycles, 1))
	if err != nil {
		return nil, err
	}
	result.Phases = append(result.Phases, steady)

	edits := int(float64(config.NumTasks) * config.EditPct)
	if err := retime(files, edits, "10:30"); err != nil {
		return nil, err
	}
	edit, err := cycle("edit", 1)
	if err != nil {
		return nil, err
	}
	result.Phases = append(result.Phases, edit)

	// Removing the last document diverts its tasks; approving them issues
	// the deletes.
	if err := os.Remove(files[len(files)-1]); err != nil {
		return nil, fmt.Errorf("failed to remove document: %w", err)
	}
	remove, err := cycle("remove", 1)
	if err != nil {
		return nil, err
	}
	result.Phases = append(result.Phases, remove)

	approve := PhaseResult{Name: "approve"}
	approveStart := time.Now()
	res, err := eng.ApproveAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("approve failed: %w", err)
	}
	approve.Latency = ComputeStats([]time.Duration{time.Since(approveStart)})
	for _, r := range res {
		if r.Err != nil {
			result.Failed++
			continue
		}
		approve.Deleted++
	}
	approve.Envelopes, approve.Requests = cal.counters()
	result.Phases = append(result.Phases, approve)

	result.TotalDuration = time.Since(start)
	after, sys := heap()
	result.Resources.HeapAfterBytes = after
	result.Resources.SysBytes = sys
	if info, err := os.Stat(dbPath); err == nil {
		result.DatabaseBytes = info.Size()
	}

	remaining := tasksIn(config.NumTasks, config.TasksPerFile, len(files)-1)
	result.Success = result.Failed == 0 && cal.size() == remaining
	return result, nil
}

// writeVault spreads n tasks over documents and returns their paths.
func writeVault(root string, n, perFile int, clock string) ([]string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var files []string
	for start := 0; start < n; start += perFile {
		var b strings.Builder
		fmt.Fprintf(&b, "# Notes %d\n\n", len(files))
		for i := start; i < n && i < start+perFile; i++ {
			date := base.AddDate(0, 0, i%365).Format("2006-01-02")
			b.WriteString(schema.FormatTaskLine(fmt.Sprintf("Task %05d", i), date, clock))
			b.WriteString("\n")
		}
		path := filepath.Join(root, fmt.Sprintf("notes-%04d.md", len(files)))
		if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		files = append(files, path)
	}
	return files, nil
}

// retime rewrites the clock of the first n task lines, in file order.
func retime(files []string, n int, clock string) error {
	for _, path := range files {
		if n <= 0 {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			if n > 0 && strings.Contains(line, "⏰ ") {
				lines[i] = line[:strings.LastIndex(line, "⏰ ")] + "⏰ " + clock
				n--
			}
		}
		if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

// tasksIn counts the tasks in the first k documents.
func tasksIn(n, perFile, k int) int {
	return min(n, perFile*k)
}
