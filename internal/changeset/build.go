// Package changeset turns a classified diff into remote operations.
//
// Deletions are the only destructive operations and are gated: an orphan or
// a fresh-start reroute is diverted into the approval queue while safe mode
// is on. Completed-task deletions are explicit user actions and always go
// straight through.
package changeset

import (
	"fmt"

	"github.com/tasksync/tasksync/internal/reconcile"
	"github.com/tasksync/tasksync/internal/schema"
)

// RerouteMode decides what happens when a task's target calendar changes.
type RerouteMode string

const (
	ReroutePreserve   RerouteMode = "preserve"
	RerouteDuplicate  RerouteMode = "duplicate"
	RerouteFreshStart RerouteMode = "freshStart"
)

// CompletedPolicy decides what happens to the event of a completed task.
type CompletedPolicy string

const (
	CompletedDelete       CompletedPolicy = "delete"
	CompletedMarkComplete CompletedPolicy = "markComplete"
)

// Policy configures Build.
type Policy struct {
	Reroute   RerouteMode
	Completed CompletedPolicy
	SafeMode  bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Reroute:   ReroutePreserve,
		Completed: CompletedMarkComplete,
		SafeMode:  true,
	}
}

// Validate rejects unknown modes.
func (p Policy) Validate() error {
	switch p.Reroute {
	case ReroutePreserve, RerouteDuplicate, RerouteFreshStart:
	default:
		return fmt.Errorf("invalid reroute mode %q (want preserve, duplicate or freshStart)", p.Reroute)
	}
	switch p.Completed {
	case CompletedDelete, CompletedMarkComplete:
	default:
		return fmt.Errorf("invalid completed policy %q (want delete or markComplete)", p.Completed)
	}
	return nil
}

// ChangeSet is the output of Build.
type ChangeSet struct {
	Operations []Operation

	// NeedsSourceFetch holds the correlation IDs of operations that must be
	// merged over the current remote event.
	NeedsSourceFetch []string

	// Diverted deletions wait for approval. DivertedAt is set by the caller.
	Diverted []schema.DivertedDeletion

	// Released lists severed orphans whose tracking is dropped without any
	// remote call.
	Released []string
}

func (cs *ChangeSet) add(op Operation) {
	cs.Operations = append(cs.Operations, op)
	if NeedsFetch(op) {
		cs.NeedsSourceFetch = append(cs.NeedsSourceFetch, op.Head().CorrelationID)
	}
}

// Counts returns the number of operations of each kind.
func (cs *ChangeSet) Counts() map[schema.OpKind]int {
	out := make(map[schema.OpKind]int)
	for _, op := range cs.Operations {
		out[op.Kind()]++
	}
	return out
}

// Build converts d and the completed entries into operations under p.
func Build(d *reconcile.Diff, completed []reconcile.Entry, p Policy) *ChangeSet {
	cs := &ChangeSet{}

	for _, e := range d.ToCreate {
		cs.add(createOp(e, e.CollectionID))
	}

	for _, e := range d.ToUpdate {
		cs.add(&UpdateOp{
			Header:      newHeader(e.TaskID, e.CollectionID),
			EventID:     e.EventID,
			Record:      e.Record,
			Fingerprint: e.Fingerprint,
		})
	}

	for _, e := range d.ToReroute {
		switch p.Reroute {
		case RerouteDuplicate:
			cs.add(createOp(e, e.CollectionID))
		case RerouteFreshStart:
			if p.SafeMode {
				div := divert(e.TaskID, e.EventID, e.OldCollectionID, schema.ReasonReroute,
					e.Record.Title, e.Record.Date, e.Record.Time, e.Record.FilePath)
				div.OriginalLine = e.Record.RawText
				div.LinkedCreate = &schema.LinkedCreate{
					TaskID:       e.TaskID,
					CollectionID: e.CollectionID,
					Record:       e.Record,
				}
				cs.Diverted = append(cs.Diverted, div)
				continue
			}
			cs.add(&DeleteOp{
				Header:  newHeader(e.TaskID, e.OldCollectionID),
				EventID: e.EventID,
				Reason:  DeleteReroute,
				Title:   e.Record.Title,
				Date:    e.Record.Date,
				Time:    e.Record.Time,
			})
			cs.add(createOp(e, e.CollectionID))
		default:
			cs.add(&MoveOp{
				Header:      newHeader(e.TaskID, e.OldCollectionID),
				EventID:     e.EventID,
				To:          e.CollectionID,
				Record:      e.Record,
				Fingerprint: e.Fingerprint,
			})
		}
	}

	for _, e := range completed {
		if p.Completed == CompletedDelete {
			cs.add(&DeleteOp{
				Header:  newHeader(e.TaskID, e.CollectionID),
				EventID: e.EventID,
				Reason:  DeleteCompleted,
				Title:   e.Record.Title,
				Date:    e.Record.Date,
				Time:    e.Record.Time,
			})
			continue
		}
		cs.add(&CompleteOp{
			Header:      newHeader(e.TaskID, e.CollectionID),
			EventID:     e.EventID,
			Record:      e.Record,
			Fingerprint: e.Fingerprint,
		})
	}

	for _, o := range d.Orphaned {
		r := o.Record
		switch {
		case r.IsSevered:
			cs.Released = append(cs.Released, o.TaskID)
		case r.KeepRemote:
		case p.SafeMode:
			cs.Diverted = append(cs.Diverted,
				divert(o.TaskID, r.EventID, r.CollectionID, schema.ReasonOrphaned, r.Title, r.Date, r.Time, r.FilePath))
		default:
			cs.add(&DeleteOp{
				Header:  newHeader(o.TaskID, r.CollectionID),
				EventID: r.EventID,
				Reason:  DeleteOrphan,
				Title:   r.Title,
				Date:    r.Date,
				Time:    r.Time,
			})
		}
	}

	return cs
}

func createOp(e reconcile.Entry, collectionID string) *CreateOp {
	return &CreateOp{
		Header:      newHeader(e.TaskID, collectionID),
		Record:      e.Record,
		Fingerprint: e.Fingerprint,
	}
}

func divert(taskID, eventID, collectionID string, reason schema.DeletionReason, title, date, tm, file string) schema.DivertedDeletion {
	return schema.DivertedDeletion{
		TaskID:       taskID,
		EventID:      eventID,
		CollectionID: collectionID,
		Title:        title,
		Date:         date,
		Time:         tm,
		SourceFile:   file,
		Reason:       reason,
	}
}
