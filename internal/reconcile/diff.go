package reconcile

import (
	"fmt"
	"sort"

	"github.com/tasksync/tasksync/internal/identity"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// Target is the calendar a record routes to, with an optional routing warning.
type Target struct {
	CollectionID string
	Warning      string
}

// TargetResolver routes a record to a calendar.
type TargetResolver func(rec *schema.TaskRecord) Target

// Pass identifies how an entry was matched to its sync record.
type Pass int

const (
	// PassDirect means the stable ID matched an existing sync record.
	PassDirect Pass = iota
	// PassInPlace means the record was matched by file and line.
	PassInPlace
	// PassMoved means the record was matched by title, date and time.
	PassMoved
)

// Entry is one classified task record.
type Entry struct {
	TaskID      string
	Record      schema.TaskRecord
	Fingerprint string

	// CollectionID is the calendar the record routes to this cycle.
	CollectionID string

	// EventID and OldCollectionID come from the existing sync record.
	EventID         string
	OldCollectionID string

	// ReconciledFrom is the previous stable ID when a pass matched.
	ReconciledFrom string
	Pass           Pass
}

// Orphan is a sync record whose task was not seen this cycle.
type Orphan struct {
	TaskID string
	Record schema.SyncRecord
}

// Diff is the classification of one cycle.
type Diff struct {
	ToCreate  []Entry
	ToUpdate  []Entry
	ToReroute []Entry
	Unchanged []Entry

	// Completed holds completed records whose event is not yet resolved
	// under the completed-task policy.
	Completed []Entry

	Orphaned []Orphan
	Warnings []string
}

// Counts summarises the diff for logs.
func (d *Diff) Counts() string {
	return fmt.Sprintf("create=%d update=%d reroute=%d unchanged=%d completed=%d orphaned=%d",
		len(d.ToCreate), len(d.ToUpdate), len(d.ToReroute), len(d.Unchanged), len(d.Completed), len(d.Orphaned))
}

// ComputeDiff classifies records against st. Matches found by the
// reconciliation passes are migrated in st.
func ComputeDiff(records []schema.TaskRecord, st *state.State, resolve TargetResolver) *Diff {
	d := &Diff{}
	observed := make(map[string]bool)
	firstSeen := make(map[string]string)

	for i := range records {
		rec := records[i]
		if err := rec.Validate(); err != nil {
			d.Warnings = append(d.Warnings, fmt.Sprintf("skipping task at %s: %v", rec.Location(), err))
			continue
		}

		id := identity.StableID(&rec)
		if first, dup := firstSeen[id]; dup {
			d.Warnings = append(d.Warnings, fmt.Sprintf(
				"duplicate task %q at %s (first seen at %s); skipping duplicate", rec.Title, rec.Location(), first))
			continue
		}
		firstSeen[id] = rec.Location()

		entry := Entry{TaskID: id, Record: rec, Fingerprint: identity.Fingerprint(&rec)}
		existing, tracked := st.Get(id)

		if rec.IsCompleted {
			if tracked {
				observed[id] = true
				if !existing.IsSevered && !existing.Completed {
					entry.EventID = existing.EventID
					entry.CollectionID = existing.CollectionID
					entry.OldCollectionID = existing.CollectionID
					d.Completed = append(d.Completed, entry)
				}
			}
			continue
		}

		if !tracked {
			target := resolve(&rec)
			if target.Warning != "" {
				d.Warnings = append(d.Warnings, target.Warning)
			}
			entry.CollectionID = target.CollectionID
			d.ToCreate = append(d.ToCreate, entry)
			continue
		}

		observed[id] = true
		if existing.KeepRemote {
			st.Resume(id)
		}
		d.classify(entry, existing, resolve)
	}

	orphans := potentialOrphans(st, observed)
	matched := make([]bool, len(d.ToCreate))

	orphans = d.runPass(st, orphans, matched, PassInPlace, resolve)
	orphans = d.runPass(st, orphans, matched, PassMoved, resolve)

	creates := d.ToCreate[:0]
	for i, c := range d.ToCreate {
		if !matched[i] {
			creates = append(creates, c)
		}
	}
	d.ToCreate = creates
	d.Orphaned = orphans
	return d
}

// classify buckets an entry that has a sync record. existing must be the
// record as it stood before any migration this cycle.
func (d *Diff) classify(entry Entry, existing *schema.SyncRecord, resolve TargetResolver) {
	entry.EventID = existing.EventID
	entry.OldCollectionID = existing.CollectionID

	if existing.IsSevered {
		entry.CollectionID = existing.CollectionID
		d.Unchanged = append(d.Unchanged, entry)
		return
	}

	target := resolve(&entry.Record)
	if target.Warning != "" {
		d.Warnings = append(d.Warnings, target.Warning)
	}
	entry.CollectionID = target.CollectionID

	switch {
	case target.CollectionID != existing.CollectionID:
		d.ToReroute = append(d.ToReroute, entry)
	case entry.Fingerprint != existing.ContentFingerprint:
		d.ToUpdate = append(d.ToUpdate, entry)
	default:
		d.Unchanged = append(d.Unchanged, entry)
	}
}

// runPass greedily pairs orphans with unmatched creates and returns the
// orphans left over.
func (d *Diff) runPass(st *state.State, orphans []Orphan, matched []bool, pass Pass, resolve TargetResolver) []Orphan {
	var remaining []Orphan
	for _, o := range orphans {
		j := -1
		for i := range d.ToCreate {
			if matched[i] {
				continue
			}
			if matches(pass, &o.Record, &d.ToCreate[i].Record) {
				j = i
				break
			}
		}
		if j < 0 {
			remaining = append(remaining, o)
			continue
		}

		c := d.ToCreate[j]
		old := o.Record
		if _, err := st.MigrateRecord(o.TaskID, c.TaskID, &c.Record, pass == PassMoved); err != nil {
			d.Warnings = append(d.Warnings, fmt.Sprintf("could not reconcile %s with %s: %v", o.TaskID, c.TaskID, err))
			remaining = append(remaining, o)
			continue
		}
		matched[j] = true

		c.ReconciledFrom = o.TaskID
		c.Pass = pass
		d.classify(c, &old, resolve)
	}
	return remaining
}

func matches(pass Pass, old *schema.SyncRecord, rec *schema.TaskRecord) bool {
	switch pass {
	case PassInPlace:
		return old.FilePath == rec.FilePath && old.LineNumber == rec.LineNumber
	case PassMoved:
		return old.Title == rec.Title && old.Date == rec.Date && normalizeTime(old.Time) == rec.TimeOrAllDay()
	}
	return false
}

func normalizeTime(t string) string {
	if t == "" {
		return schema.AllDay
	}
	return t
}

// potentialOrphans returns tracked records not observed this cycle, ordered
// by file, line and ID.
func potentialOrphans(st *state.State, observed map[string]bool) []Orphan {
	var out []Orphan
	for id, rec := range st.SyncedTasks {
		if observed[id] {
			continue
		}
		out = append(out, Orphan{TaskID: id, Record: *rec})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Record, out[j].Record
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.LineNumber != b.LineNumber {
			return a.LineNumber < b.LineNumber
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}
