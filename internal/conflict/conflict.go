// Package conflict detects divergence between writers that share one state
// store.
//
// Each tracked task is seen three ways: Base is this writer's snapshot from
// its last fully successful sync, Remote is the shared sync record, and
// Local is the task as it reads on this machine right now.
//
//	remote changed  Remote.Version > Base.Version
//	local changed   Fingerprint(Local) != Base.ContentFingerprint
//
// Both at once is a conflict, settled by last-write-wins: Remote's
// LastModifiedAt is compared with the current wall clock, not with the time
// the local edit was made. A remote timestamp is almost never in the future,
// so local nearly always wins. Only remote changed means the other writer's
// version is adopted and the task is left out of this cycle's writes.
//
// A remote record that vanished while Base and Local still have the task
// means another writer deleted or completed it. The task is tombstoned
// rather than created again. This writer drops or re-keys its own Base
// entries whenever it removes or migrates a record, so only a removal made
// elsewhere reaches this case.
package conflict

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tasksync/tasksync/internal/baseline"
	"github.com/tasksync/tasksync/internal/identity"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// Outcome is the detection result for one task.
type Outcome int

const (
	NoChange Outcome = iota
	LocalChanged
	AdoptRemote
	Conflict
	RemoteDeleted
)

func (o Outcome) String() string {
	switch o {
	case NoChange:
		return "no-change"
	case LocalChanged:
		return "local-changed"
	case AdoptRemote:
		return "adopt-remote"
	case Conflict:
		return "conflict"
	case RemoteDeleted:
		return "remote-deleted"
	}
	return "unknown"
}

// Winner is the side that prevails in a conflict.
type Winner int

const (
	LocalWins Winner = iota
	RemoteWins
)

func (w Winner) String() string {
	if w == RemoteWins {
		return "remote"
	}
	return "local"
}

// Detect compares the three views of one task. remote is nil when the
// shared store has no record.
func Detect(base baseline.Entry, remote *schema.SyncRecord, localFingerprint string) Outcome {
	if remote == nil {
		return RemoteDeleted
	}
	remoteChanged := remote.Version > base.Version
	localChanged := localFingerprint != base.ContentFingerprint

	switch {
	case remoteChanged && localChanged:
		return Conflict
	case remoteChanged:
		return AdoptRemote
	case localChanged:
		return LocalChanged
	}
	return NoChange
}

// Resolve applies last-write-wins between the remote record and a local
// change observed at now.
func Resolve(remote *schema.SyncRecord, now time.Time) Winner {
	if remote.LastModifiedAt.After(now) {
		return RemoteWins
	}
	return LocalWins
}

// Finding is one non-trivial detection.
type Finding struct {
	TaskID  string
	Title   string
	Outcome Outcome
	Winner  Winner
}

// Report is the result of checking one cycle.
type Report struct {
	Findings []Finding

	// Skip holds task IDs whose local changes must not be written this
	// cycle because the remote version prevails.
	Skip map[string]bool
}

// Model runs detection for a writer.
type Model struct {
	writerID string
	logger   *slog.Logger
	now      func() time.Time
}

// NewModel creates a model for writerID.
func NewModel(writerID string, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{writerID: writerID, logger: logger.With("component", "conflict"), now: time.Now}
}

// Check runs detection for every open local record that has a base entry.
// Remote deletions are tombstoned in st.
func (m *Model) Check(st *state.State, base *baseline.Snapshot, records []schema.TaskRecord) *Report {
	report := &Report{Skip: make(map[string]bool)}
	now := m.now()
	seen := make(map[string]bool)

	for i := range records {
		rec := &records[i]
		if rec.IsCompleted || rec.Validate() != nil {
			continue
		}
		id := identity.StableID(rec)
		if seen[id] {
			continue
		}
		seen[id] = true

		b, ok := base.Get(id)
		if !ok {
			continue
		}
		remote, _ := st.Get(id)
		fp := identity.Fingerprint(rec)

		f := Finding{TaskID: id, Title: rec.Title, Outcome: Detect(b, remote, fp)}
		switch f.Outcome {
		case NoChange, LocalChanged:
			continue
		case AdoptRemote:
			report.Skip[id] = true
			m.logger.Info("adopting remote change", "task", id, "remote_version", remote.Version, "base_version", b.Version)
		case Conflict:
			f.Winner = Resolve(remote, now)
			if f.Winner == RemoteWins {
				report.Skip[id] = true
			}
			m.logger.Warn("conflict", "task", id, "winner", f.Winner, "modified_by", remote.LastModifiedBy)
			st.Log(schema.LevelWarn, id, fmt.Sprintf("Conflict on %q: %s change wins", rec.Title, f.Winner), now)
		case RemoteDeleted:
			st.Tombstone(id, rec, fp, m.writerID, now)
			m.logger.Info("task removed by another writer", "task", id)
			st.Log(schema.LevelInfo, id, fmt.Sprintf("%q was removed by another writer; tracking dropped", rec.Title), now)
		}
		report.Findings = append(report.Findings, f)
	}
	return report
}
