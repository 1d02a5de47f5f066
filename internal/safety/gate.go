// Package safety implements the approval workflow for diverted deletions.
//
// A diverted deletion is Pending until one of three transitions:
//
//   - Approve runs the withheld delete, plus the linked create of a
//     fresh-start reroute, then archives a snapshot of the event.
//   - Keep drops the pending item and leaves the remote event alone. The
//     sync record stays so a later edit can still reconcile against it.
//   - Restore is local only. It returns the task line for the user to paste
//     back; the next cycle notices the task again on its own.
//
// Approve and ApproveAll never roll back. Items whose delete failed stay
// pending and everything else is resolved.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tasksync/tasksync/internal/batch"
	"github.com/tasksync/tasksync/internal/calendar"
	"github.com/tasksync/tasksync/internal/changeset"
	"github.com/tasksync/tasksync/internal/identity"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// DefaultRetention is how long archived deletions can be recovered.
const DefaultRetention = 30 * 24 * time.Hour

var (
	// ErrNoPendingDeletion is returned for a task with no pending deletion.
	ErrNoPendingDeletion = errors.New("no pending deletion for task")

	// ErrArchiveIndex is returned for an out-of-range archive index.
	ErrArchiveIndex = errors.New("archive index out of range")
)

// Runner executes remote operations.
type Runner interface {
	Execute(ctx context.Context, ops []changeset.Operation) *batch.Outcome
}

// Config holds gate settings.
type Config struct {
	WriterID  string
	Retention time.Duration

	// CollectionNames maps calendar IDs to display names for archive entries.
	CollectionNames map[string]string
}

// Resolution is the outcome of approving one pending deletion.
type Resolution struct {
	TaskID string
	Title  string
	Err    error
}

// Gate applies approval transitions to a state document.
type Gate struct {
	runner Runner
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate.
func NewGate(runner Runner, config Config, logger *slog.Logger) *Gate {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		runner: runner,
		config: config,
		logger: logger.With("component", "safety"),
		now:    time.Now,
	}
}

// Approve executes the pending deletion for taskID.
func (g *Gate) Approve(ctx context.Context, st *state.State, taskID string) error {
	d, ok := st.PendingDeletion(taskID)
	if !ok {
		return fmt.Errorf("approve %s: %w", taskID, ErrNoPendingDeletion)
	}
	res := g.approve(ctx, st, []schema.DivertedDeletion{d})
	return res[0].Err
}

// ApproveAll executes every pending deletion and reports per-item outcomes.
func (g *Gate) ApproveAll(ctx context.Context, st *state.State) []Resolution {
	if len(st.PendingDeletions) == 0 {
		return nil
	}
	items := append([]schema.DivertedDeletion(nil), st.PendingDeletions...)
	return g.approve(ctx, st, items)
}

func (g *Gate) approve(ctx context.Context, st *state.State, items []schema.DivertedDeletion) []Resolution {
	// Snapshot first so the archive can hold the event as it was.
	gets := make([]changeset.Operation, len(items))
	for i, d := range items {
		gets[i] = &changeset.GetOp{
			Header:  changeset.Header{CorrelationID: "get-" + d.TaskID, TaskID: d.TaskID, CollectionID: d.CollectionID},
			EventID: d.EventID,
		}
	}
	snapshots := make(map[string][]byte, len(items))
	for _, r := range g.runner.Execute(ctx, gets).Results {
		if r.Success {
			snapshots[r.Op.Head().TaskID] = r.Body
		}
	}

	var ops []changeset.Operation
	deletes := make(map[string]string, len(items))
	creates := make(map[string]string)
	for _, d := range items {
		del := &changeset.DeleteOp{
			Header:  changeset.Header{CorrelationID: "delete-" + d.TaskID, TaskID: d.TaskID, CollectionID: d.CollectionID},
			EventID: d.EventID,
			Reason:  changeset.DeleteOrphan,
			Title:   d.Title,
			Date:    d.Date,
			Time:    d.Time,
		}
		deletes[d.TaskID] = del.CorrelationID
		ops = append(ops, del)

		if lc := d.LinkedCreate; lc != nil {
			del.Reason = changeset.DeleteReroute
			cr := &changeset.CreateOp{
				Header:      changeset.Header{CorrelationID: "create-" + d.TaskID, TaskID: lc.TaskID, CollectionID: lc.CollectionID},
				Record:      lc.Record,
				Fingerprint: identity.Fingerprint(&lc.Record),
			}
			creates[d.TaskID] = cr.CorrelationID
			ops = append(ops, cr)
		}
	}

	byID := make(map[string]batch.Result, len(ops))
	for _, r := range g.runner.Execute(ctx, ops).Results {
		byID[r.CorrelationID] = r
	}

	now := g.now()
	out := make([]Resolution, 0, len(items))
	for _, d := range items {
		res := Resolution{TaskID: d.TaskID, Title: d.Title}
		del := byID[deletes[d.TaskID]]
		if !deleted(del) {
			res.Err = fmt.Errorf("delete %q: %w", d.Title, resultErr(del))
			st.Log(schema.LevelError, d.TaskID, fmt.Sprintf("Approved deletion of %q failed: %v", d.Title, resultErr(del)), now)
			g.logger.Warn("approved delete failed", "task", d.TaskID, "error", resultErr(del))
			out = append(out, res)
			continue
		}

		st.RemoveSync(d.TaskID)
		if _, err := st.ResolveDeletion(d.TaskID); err != nil {
			g.logger.Debug("pending deletion already resolved", "task", d.TaskID)
		}
		st.Archive(schema.ArchiveEntry{
			TaskID:         d.TaskID,
			Title:          d.Title,
			Date:           d.Date,
			Time:           d.Time,
			CollectionName: g.collectionName(d.CollectionID),
			CollectionID:   d.CollectionID,
			DeletedAt:      now,
			ExpiresAt:      now.Add(g.config.Retention),
			Snapshot:       snapshots[d.TaskID],
		})
		st.Log(schema.LevelInfo, d.TaskID, fmt.Sprintf("Deleted %q after approval", d.Title), now)

		if id, ok := creates[d.TaskID]; ok {
			g.applyLinkedCreate(st, d.LinkedCreate, byID[id], now)
		}
		out = append(out, res)
	}
	return out
}

func (g *Gate) applyLinkedCreate(st *state.State, lc *schema.LinkedCreate, r batch.Result, now time.Time) {
	fp := identity.Fingerprint(&lc.Record)
	if r.Success {
		eventID, err := calendar.EventIDFromBody(r.Body)
		if err == nil {
			st.RecordSync(lc.TaskID, schema.NewSyncRecord(&lc.Record, eventID, lc.CollectionID, fp), g.config.WriterID, now)
			st.Log(schema.LevelInfo, lc.TaskID, fmt.Sprintf("Recreated %q in new calendar", lc.Record.Title), now)
			return
		}
		g.logger.Warn("linked create returned no event id", "task", lc.TaskID, "error", err)
	}

	// Queue the create so the next cycle retries it.
	p, err := changeset.Marshal(r.Op)
	if err != nil {
		g.logger.Error("failed to queue linked create", "task", lc.TaskID, "error", err)
		return
	}
	p.QueuedAt = now
	p.LastError = resultErr(r).Error()
	st.QueueOperation(p)
	st.Log(schema.LevelWarn, lc.TaskID, fmt.Sprintf("Recreate of %q queued for retry", lc.Record.Title), now)
}

// Keep discards the pending deletion and keeps the remote event.
func (g *Gate) Keep(st *state.State, taskID string) error {
	d, err := st.ResolveDeletion(taskID)
	if err != nil {
		return fmt.Errorf("keep %s: %w", taskID, ErrNoPendingDeletion)
	}
	if err := st.MarkKept(taskID); err != nil {
		g.logger.Debug("kept deletion has no sync record", "task", taskID)
	}
	st.Log(schema.LevelInfo, taskID, fmt.Sprintf("Kept %q in calendar", d.Title), g.now())
	return nil
}

// KeepAll keeps every pending deletion and returns how many were kept.
func (g *Gate) KeepAll(st *state.State) int {
	ids := make([]string, 0, len(st.PendingDeletions))
	for _, d := range st.PendingDeletions {
		ids = append(ids, d.TaskID)
	}
	for _, id := range ids {
		_ = g.Keep(st, id)
	}
	return len(ids)
}

// Restore discards the pending deletion and returns the task line to put
// back into the source document. The sync record is kept.
func (g *Gate) Restore(st *state.State, taskID string) (string, error) {
	d, err := st.ResolveDeletion(taskID)
	if err != nil {
		return "", fmt.Errorf("restore %s: %w", taskID, ErrNoPendingDeletion)
	}
	st.Log(schema.LevelInfo, taskID, fmt.Sprintf("Restore requested for %q", d.Title), g.now())
	return d.RestoreText(), nil
}

// RecoverText renders archive entry i as a task line.
func RecoverText(st *state.State, i int) (string, error) {
	if i < 0 || i >= len(st.RecentlyDeleted) {
		return "", fmt.Errorf("recover %d: %w", i, ErrArchiveIndex)
	}
	e := st.RecentlyDeleted[i]
	return schema.FormatTaskLine(e.Title, e.Date, e.Time), nil
}

func (g *Gate) collectionName(id string) string {
	if name, ok := g.config.CollectionNames[id]; ok {
		return name
	}
	return id
}

func deleted(r batch.Result) bool {
	return r.Success || (r.Status != 0 && calendar.ClassifyStatus(r.Status) == calendar.StatusNotFound)
}

func resultErr(r batch.Result) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Op == nil {
		return batch.ErrMissingResponse
	}
	return fmt.Errorf("status %d", r.Status)
}
