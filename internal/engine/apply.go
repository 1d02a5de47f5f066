package engine

import (
	"errors"
	"fmt"

	"github.com/tasksync/tasksync/internal/batch"
	"github.com/tasksync/tasksync/internal/calendar"
	"github.com/tasksync/tasksync/internal/changeset"
	"github.com/tasksync/tasksync/internal/schema"
)

// apply folds one operation result into the cycle state.
func (e *Engine) apply(c *cycle, r batch.Result) {
	if _, ok := r.Op.(*changeset.GetOp); ok {
		return
	}
	if r.Success {
		c.st.DequeueOperation(keyOf(r.Op))
		e.applySuccess(c, r)
		c.written = append(c.written, r.Op.Head().TaskID)
		return
	}
	if del, ok := r.Op.(*changeset.DeleteOp); ok && classify(r) == calendar.StatusNotFound {
		// Already gone counts as deleted.
		c.st.DequeueOperation(keyOf(r.Op))
		e.applyDelete(c, del)
		c.written = append(c.written, del.TaskID)
		return
	}
	e.fail(c, r, "execute")
}

func (e *Engine) applySuccess(c *cycle, r batch.Result) {
	st, now, writer := c.st, c.now, c.snap.WriterID

	switch op := r.Op.(type) {
	case *changeset.CreateOp:
		eventID, err := calendar.EventIDFromBody(r.Body)
		if err != nil {
			c.clean = false
			c.summary.Failed++
			e.logger.Error("create returned no event id", "task", op.TaskID, "error", err)
			st.Log(schema.LevelError, op.TaskID, fmt.Sprintf("Created %q but the response had no event id", op.Record.Title), now)
			return
		}
		st.RecordSync(op.TaskID, schema.NewSyncRecord(&op.Record, eventID, op.CollectionID, op.Fingerprint), writer, now)
		st.Log(schema.LevelInfo, op.TaskID, fmt.Sprintf("Created %q", op.Record.Title), now)
		c.summary.Created++

	case *changeset.UpdateOp:
		st.RecordSync(op.TaskID, schema.NewSyncRecord(&op.Record, op.EventID, op.CollectionID, op.Fingerprint), writer, now)
		st.Log(schema.LevelInfo, op.TaskID, fmt.Sprintf("Updated %q", op.Record.Title), now)
		c.summary.Updated++

	case *changeset.MoveOp:
		eventID := op.EventID
		if id, err := calendar.EventIDFromBody(r.Body); err == nil {
			eventID = id
		}
		// A move does not rewrite the event, so keep the old fingerprint and
		// let the next cycle send any content change as an update.
		fp := op.Fingerprint
		if prev, ok := st.Get(op.TaskID); ok {
			fp = prev.ContentFingerprint
		}
		st.RecordSync(op.TaskID, schema.NewSyncRecord(&op.Record, eventID, op.To, fp), writer, now)
		st.Log(schema.LevelInfo, op.TaskID, fmt.Sprintf("Moved %q to another calendar", op.Record.Title), now)
		c.summary.Updated++

	case *changeset.CompleteOp:
		rec := schema.NewSyncRecord(&op.Record, op.EventID, op.CollectionID, op.Fingerprint)
		rec.Completed = true
		st.RecordSync(op.TaskID, rec, writer, now)
		st.Log(schema.LevelInfo, op.TaskID, fmt.Sprintf("Marked %q complete", op.Record.Title), now)
		c.summary.Updated++

	case *changeset.DeleteOp:
		e.applyDelete(c, op)
	}
}

func (e *Engine) applyDelete(c *cycle, op *changeset.DeleteOp) {
	c.summary.Deleted++
	switch op.Reason {
	case changeset.DeleteReroute:
		// The paired create owns the record.
		c.st.Log(schema.LevelInfo, op.TaskID, fmt.Sprintf("Removed %q from its old calendar", op.Title), c.now)
	case changeset.DeleteCompleted:
		c.st.RemoveSync(op.TaskID)
		c.snap.Forget(op.TaskID)
		c.st.Log(schema.LevelInfo, op.TaskID, fmt.Sprintf("Deleted completed task %q", op.Title), c.now)
	default:
		c.st.RemoveSync(op.TaskID)
		c.snap.Forget(op.TaskID)
		c.st.Log(schema.LevelInfo, op.TaskID, fmt.Sprintf("Deleted %q", op.Title), c.now)
	}
}

// fail routes a failed operation by error class: not-found goes to the
// external policy, transient failures are queued, anything else is logged.
func (e *Engine) fail(c *cycle, r batch.Result, stage string) {
	c.clean = false
	op := r.Op
	h := op.Head()
	err := resultErr(r)

	class := classify(r)
	if _, ok := op.(*changeset.CreateOp); ok && class == calendar.StatusNotFound {
		// The target calendar is gone; there is no tracked event to review.
		class = calendar.StatusClient
	}

	switch class {
	case calendar.StatusNotFound:
		c.st.DequeueOperation(keyOf(op))
		e.externallyRemoved(c, op)

	case calendar.StatusTransient:
		c.summary.Failed++
		p, merr := changeset.Marshal(op)
		if merr != nil {
			e.logger.Error("failed to queue operation", "task", h.TaskID, "type", op.Kind(), "error", merr)
			return
		}
		p.QueuedAt = c.now
		p.LastError = err.Error()
		c.st.QueueOperation(p)
		e.logger.Warn("operation queued for retry", "task", h.TaskID, "type", op.Kind(), "stage", stage, "error", err)
		c.st.Log(schema.LevelWarn, h.TaskID, fmt.Sprintf("%s queued for retry: %v", op.Kind(), err), c.now)

	default:
		c.summary.Failed++
		c.st.DequeueOperation(keyOf(op))
		e.logger.Error("operation rejected", "task", h.TaskID, "type", op.Kind(), "stage", stage, "error", err)
		c.st.Log(schema.LevelError, h.TaskID, fmt.Sprintf("%s failed: %v", op.Kind(), err), c.now)
	}
}

// externallyRemoved applies the external policy to a tracked event that the
// remote side no longer has.
func (e *Engine) externallyRemoved(c *cycle, op changeset.Operation) {
	id := op.Head().TaskID
	rec, ok := c.st.Get(id)
	if !ok {
		return
	}
	e.logger.Info("event removed remotely", "task", id, "event", rec.EventID, "policy", e.config.External)

	switch e.config.External {
	case ExternalRecreate:
		c.st.RemoveSync(id)
		c.snap.Forget(id)
		c.st.Log(schema.LevelWarn, id, fmt.Sprintf("%q was removed from the calendar; it will be recreated", rec.Title), c.now)
	case ExternalSever:
		_ = c.st.Sever(id)
		c.st.Log(schema.LevelWarn, id, fmt.Sprintf("%q was removed from the calendar; tracking stopped", rec.Title), c.now)
	default:
		c.st.AddExternalRemoval(schema.ExternalRemoval{
			TaskID:       id,
			EventID:      rec.EventID,
			CollectionID: rec.CollectionID,
			Title:        rec.Title,
			Date:         rec.Date,
			DetectedAt:   c.now,
		})
		_ = c.st.Sever(id)
		c.st.Log(schema.LevelWarn, id, fmt.Sprintf("%q was removed from the calendar; waiting for review", rec.Title), c.now)
	}
}

// classify maps a failed result to a status class. Results without a
// status never reached the remote side; they are transient unless the
// request could not be built at all.
func classify(r batch.Result) calendar.StatusClass {
	if r.Status != 0 {
		return calendar.ClassifyStatus(r.Status)
	}
	if errors.Is(r.Err, batch.ErrEncode) {
		return calendar.StatusClient
	}
	return calendar.StatusTransient
}

func resultErr(r batch.Result) error {
	if r.Err != nil {
		return r.Err
	}
	return &calendar.StatusError{Status: r.Status, Body: string(r.Body)}
}
