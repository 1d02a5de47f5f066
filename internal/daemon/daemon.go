package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/engine"
)

// Runner runs one sync cycle. *engine.Engine implements it.
type Runner interface {
	RunCycle(ctx context.Context, opts engine.Options) (*engine.Summary, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Root is the document tree to watch. Empty disables watching and
	// leaves only the interval timer.
	Root string

	// Filter selects the documents whose changes trigger a cycle.
	Filter Filter

	// Interval is how often a cycle runs without any file change.
	Interval time.Duration

	// Debounce is how long the tree must be quiet after a change before a
	// cycle runs. This batches rapid saves together.
	Debounce time.Duration

	// OnCycle is called after every cycle, from the cycle goroutine.
	OnCycle func(trigger string, summary *engine.Summary, err error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Debounce: 2 * time.Second,
	}
}

// Daemon runs sync cycles on a timer, on file changes and on request.
// Cycles never overlap: they all run on one goroutine.
type Daemon struct {
	runner Runner
	config Config
	logger *slog.Logger

	watcher *FileWatcher
	trigger chan struct{}

	mu        sync.Mutex
	dirty     bool
	changedAt time.Time

	wg sync.WaitGroup
}

// New creates a daemon. If logger is nil, slog.Default() is used.
func New(runner Runner, config Config, logger *slog.Logger) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		runner:  runner,
		config:  config,
		logger:  logger.With("component", "daemon"),
		trigger: make(chan struct{}, 1),
	}
	if config.Root != "" {
		w, err := NewFileWatcher(config.Filter)
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start runs an initial cycle, then watches and syncs until ctx is
// cancelled. A failed initial cycle is logged, not returned: the next
// trigger retries it.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon", "root", d.config.Root, "interval", d.config.Interval, "debounce", d.config.Debounce)

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.Root); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		d.wg.Add(1)
		go d.watchFileEvents(ctx)
	}

	d.runCycle(ctx, "startup")

	d.wg.Add(1)
	go d.loop(ctx)

	<-ctx.Done()
	d.logger.Info("shutdown signal received")
	return d.stop()
}

// Trigger requests a cycle as soon as the current one, if any, finishes.
// Requests made while one is already waiting are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) stop() error {
	var err error
	if d.watcher != nil {
		err = d.watcher.Stop()
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// watchFileEvents marks the tree dirty on every relevant change.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Debug("file event", "op", ev.Op, "path", ev.Rel)
			d.markDirty(time.Now())

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *Daemon) markDirty(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = true
	d.changedAt = at
}

// takeDirty reports whether a change has been quiet for the debounce
// interval, and clears it if so.
func (d *Daemon) takeDirty(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty || now.Sub(d.changedAt) < d.config.Debounce {
		return false
	}
	d.dirty = false
	return true
}

// loop is the only goroutine that runs cycles after startup.
func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	interval := time.NewTicker(d.config.Interval)
	defer interval.Stop()
	debounce := time.NewTicker(d.config.Debounce / 2)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-interval.C:
			d.runCycle(ctx, "interval")
		case <-d.trigger:
			d.runCycle(ctx, "manual")
		case now := <-debounce.C:
			if d.takeDirty(now) {
				d.runCycle(ctx, "change")
			}
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context, trigger string) {
	summary, err := d.runner.RunCycle(ctx, engine.Options{})
	switch {
	case errors.Is(err, engine.ErrCycleInProgress):
		d.logger.Debug("cycle skipped, another is running", "trigger", trigger)
		return
	case err != nil:
		d.logger.Error("sync cycle failed", "trigger", trigger, "error", err)
	default:
		d.logger.Info("sync cycle complete", "trigger", trigger, "summary", summary.String())
	}
	if d.config.OnCycle != nil {
		d.config.OnCycle(trigger, summary, err)
	}
}
