package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/tasksync/tasksync/internal/baseline"
	"github.com/tasksync/tasksync/internal/batch"
	"github.com/tasksync/tasksync/internal/batchcodec"
	"github.com/tasksync/tasksync/internal/calendar"
	"github.com/tasksync/tasksync/internal/changeset"
	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/reconcile"
	"github.com/tasksync/tasksync/internal/routing"
	"github.com/tasksync/tasksync/internal/safety"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// ErrCycleInProgress is returned when another cycle or state edit holds the
// lock.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Scanner returns the current task records.
type Scanner interface {
	Scan(ctx context.Context) ([]schema.TaskRecord, error)
}

// Remote is the calendar service. *calendar.Client implements it.
type Remote interface {
	ListCollections(ctx context.Context) ([]routing.Collection, error)
	Do(ctx context.Context, reqs []batchcodec.Request) ([]batchcodec.Response, error)
	BasePath() string
}

// ExternalPolicy decides what happens when a tracked event is found missing
// on the remote side.
type ExternalPolicy string

const (
	// ExternalAsk queues the removal for review and severs tracking until
	// the user decides.
	ExternalAsk      ExternalPolicy = "ask"
	ExternalSever    ExternalPolicy = "sever"
	ExternalRecreate ExternalPolicy = "recreate"
)

// Config holds engine settings.
type Config struct {
	Policy    changeset.Policy
	External  ExternalPolicy
	Routing   routing.Rules
	Event     calendar.EventOptions
	Batch     batch.Config
	Retention time.Duration

	// LockPath is the file locked for the duration of a cycle. Empty means
	// the lock is held in-process only.
	LockPath string
}

// DefaultConfig returns safe-mode defaults.
func DefaultConfig() Config {
	return Config{
		Policy:    changeset.DefaultPolicy(),
		External:  ExternalAsk,
		Event:     calendar.DefaultEventOptions(),
		Batch:     batch.DefaultConfig(),
		Retention: safety.DefaultRetention,
	}
}

// Validate rejects unknown policies.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	switch c.External {
	case ExternalAsk, ExternalSever, ExternalRecreate:
	default:
		return fmt.Errorf("invalid external delete policy %q (want ask, sever or recreate)", c.External)
	}
	return nil
}

// Options modify a single cycle.
type Options struct {
	// DryRun computes the change set without remote writes or saving.
	DryRun bool
}

// Summary reports what a cycle did.
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Diverted  int `json:"diverted"`
	Unchanged int `json:"unchanged"`

	Warnings []string      `json:"warnings,omitempty"`
	DryRun   bool          `json:"dryRun,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d created, %d updated, %d deleted, %d failed, %d pending",
		s.Created, s.Updated, s.Deleted, s.Failed, s.Pending)
}

// Engine runs sync cycles against one state store.
type Engine struct {
	scanner  Scanner
	remote   Remote
	store    state.Store
	baseline *baseline.Store
	config   Config
	logger   *slog.Logger

	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

// New creates an engine. If logger is nil, slog.Default() is used.
func New(scanner Scanner, remote Remote, store state.Store, base *baseline.Store, config Config, logger *slog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Retention <= 0 {
		config.Retention = safety.DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		scanner:  scanner,
		remote:   remote,
		store:    store,
		baseline: base,
		config:   config,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
	}
	if config.LockPath != "" {
		e.lock = flock.New(config.LockPath)
	}
	return e, nil
}

// acquire takes the cycle lock without waiting.
func (e *Engine) acquire() (func(), error) {
	if !e.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	if e.lock == nil {
		return e.mu.Unlock, nil
	}
	ok, err := e.lock.TryLock()
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to take cycle lock: %w", err)
	}
	if !ok {
		e.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	return func() {
		_ = e.lock.Unlock()
		e.mu.Unlock()
	}, nil
}

// cycle carries the per-cycle working set.
type cycle struct {
	st      *state.State
	snap    *baseline.Snapshot
	now     time.Time
	summary *Summary
	encoder *calendar.Encoder

	// clean stays true while every remote operation succeeded.
	clean bool

	// written holds the tasks whose remote operation succeeded.
	written []string
}

// RunCycle runs one sync cycle.
func (e *Engine) RunCycle(ctx context.Context, opts Options) (*Summary, error) {
	unlock, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := e.now()
	st, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	snap, err := e.baseline.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	if n := st.PruneArchive(start); n > 0 {
		e.logger.Debug("pruned expired archive entries", "count", n)
	}

	collections, err := e.remote.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	router := routing.New(e.config.Routing, collections)

	records, err := e.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}

	c := &cycle{
		st:      st,
		snap:    snap,
		now:     start,
		summary: &Summary{DryRun: opts.DryRun},
		encoder: &calendar.Encoder{
			BasePath: e.remote.BasePath(),
			Options:  e.config.Event,
			Fetched:  make(map[string]json.RawMessage),
		},
		clean: true,
	}

	report := conflict.NewModel(snap.WriterID, e.logger).Check(st, snap, records)
	diff := reconcile.ComputeDiff(records, st, router.Resolve)
	rekey(snap, diff)
	diff.ToUpdate = without(diff.ToUpdate, report.Skip)
	diff.ToReroute = without(diff.ToReroute, report.Skip)
	for _, w := range diff.Warnings {
		e.logger.Warn(w)
		st.Log(schema.LevelWarn, "", w, start)
	}
	c.summary.Warnings = diff.Warnings
	c.summary.Unchanged = len(diff.Unchanged)

	cs := changeset.Build(diff, diff.Completed, e.config.Policy)
	c.summary.Diverted = len(cs.Diverted)
	e.logger.Info("change set built", "diff", diff.Counts(), "operations", len(cs.Operations),
		"diverted", len(cs.Diverted), "dry_run", opts.DryRun)

	if opts.DryRun {
		for _, op := range cs.Operations {
			c.count(op)
		}
		c.summary.Pending = len(st.PendingOperations)
		c.summary.Duration = e.now().Sub(start)
		return c.summary, nil
	}

	for _, id := range cs.Released {
		st.RemoveSync(id)
		snap.Forget(id)
		e.logger.Debug("released severed orphan", "task", id)
	}
	for _, d := range cs.Diverted {
		d.DivertedAt = start
		if prev, ok := st.PendingDeletion(d.TaskID); ok {
			d.DivertedAt = prev.DivertedAt
		} else {
			st.Log(schema.LevelWarn, d.TaskID, fmt.Sprintf("Deletion of %q is waiting for approval", d.Title), start)
		}
		st.DivertDeletion(d)
	}

	ops := e.replay(c, diff, cs)
	executor := batch.New(e.remote, c.encoder, e.config.Batch, e.logger)
	ops = e.prefetch(ctx, c, executor, ops)

	out := executor.Execute(ctx, ops)
	for _, r := range out.Results {
		e.apply(c, r)
	}

	c.summary.Pending = len(st.PendingOperations)
	st.LastSyncAt = start
	st.Log(schema.LevelInfo, "", "Sync complete: "+c.summary.String(), start)
	if err := e.store.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to save sync state: %w", err)
	}

	// The base only moves forward after a fully successful cycle. Otherwise
	// only the tasks this writer wrote are refreshed. Entries forgotten or
	// re-keyed above are persisted either way.
	if c.clean {
		snap.Capture(st, start)
	} else {
		snap.Refresh(st, c.written...)
	}
	if err := e.baseline.Save(snap); err != nil {
		e.logger.Error("failed to save baseline", "path", e.baseline.Path(), "error", err)
	}

	c.summary.Duration = e.now().Sub(start)
	e.logger.Info("sync complete", "created", c.summary.Created, "updated", c.summary.Updated,
		"deleted", c.summary.Deleted, "failed", c.summary.Failed, "pending", c.summary.Pending,
		"duration", c.summary.Duration)
	return c.summary, nil
}

// rekey follows the records the reconciliation passes migrated, so the old
// stable ID is not later read as another writer's deletion.
func rekey(snap *baseline.Snapshot, diff *reconcile.Diff) {
	for _, bucket := range [][]reconcile.Entry{diff.ToUpdate, diff.ToReroute, diff.Unchanged, diff.Completed} {
		for _, en := range bucket {
			if en.ReconciledFrom != "" {
				snap.Rekey(en.ReconciledFrom, en.TaskID)
			}
		}
	}
}

// replay merges the retry queue into the fresh operations. A queued
// operation is dropped when a fresh one has the same key, when its task is
// no longer present, or when tracking was severed.
func (e *Engine) replay(c *cycle, diff *reconcile.Diff, cs *changeset.ChangeSet) []changeset.Operation {
	ops := append([]changeset.Operation(nil), cs.Operations...)
	if len(c.st.PendingOperations) == 0 {
		return ops
	}

	fresh := make(map[schema.PendingKey]bool, len(ops))
	for _, op := range ops {
		fresh[keyOf(op)] = true
	}
	present := make(map[string]bool)
	for _, bucket := range [][]reconcile.Entry{diff.ToCreate, diff.ToUpdate, diff.ToReroute, diff.Unchanged, diff.Completed} {
		for _, en := range bucket {
			present[en.TaskID] = true
		}
	}

	queued := append([]schema.PendingOperation(nil), c.st.PendingOperations...)
	for _, p := range queued {
		key := p.Key()
		if fresh[key] {
			continue
		}
		rec, tracked := c.st.Get(p.TaskID)
		stale := p.Type != schema.OpDelete && !present[p.TaskID]
		if p.Type == schema.OpCreate && tracked {
			stale = true
		}
		if stale || (tracked && rec.IsSevered) {
			c.st.DequeueOperation(key)
			e.logger.Debug("dropped stale queued operation", "task", p.TaskID, "type", p.Type)
			continue
		}
		op, err := changeset.Unmarshal(p)
		if err != nil {
			c.st.DequeueOperation(key)
			e.logger.Warn("dropped unreadable queued operation", "task", p.TaskID, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

// prefetch reads the current remote event for every update and complete.
// Operations whose read failed are taken out of ops.
func (e *Engine) prefetch(ctx context.Context, c *cycle, executor *batch.Executor, ops []changeset.Operation) []changeset.Operation {
	var gets []changeset.Operation
	for _, op := range ops {
		if changeset.NeedsFetch(op) {
			gets = append(gets, changeset.Fetch(op))
		}
	}
	if len(gets) == 0 {
		return ops
	}

	failed := make(map[string]batch.Result)
	for _, r := range executor.Execute(ctx, gets).Results {
		get := r.Op.(*changeset.GetOp)
		if r.Success {
			c.encoder.Fetched[get.For] = r.Body
			continue
		}
		failed[get.For] = r
	}
	if len(failed) == 0 {
		return ops
	}

	kept := ops[:0]
	for _, op := range ops {
		r, ok := failed[op.Head().CorrelationID]
		if !ok {
			kept = append(kept, op)
			continue
		}
		r.Op = op
		e.fail(c, r, "prefetch")
	}
	return kept
}

func (c *cycle) count(op changeset.Operation) {
	switch op.(type) {
	case *changeset.CreateOp:
		c.summary.Created++
	case *changeset.UpdateOp, *changeset.MoveOp, *changeset.CompleteOp:
		c.summary.Updated++
	case *changeset.DeleteOp:
		c.summary.Deleted++
	}
}

func keyOf(op changeset.Operation) schema.PendingKey {
	return schema.PendingKey{TaskID: op.Head().TaskID, Type: op.Kind()}
}

func without(entries []reconcile.Entry, skip map[string]bool) []reconcile.Entry {
	if len(skip) == 0 {
		return entries
	}
	out := entries[:0]
	for _, en := range entries {
		if !skip[en.TaskID] {
			out = append(out, en)
		}
	}
	return out
}
