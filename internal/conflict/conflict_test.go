package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasksync/tasksync/internal/baseline"
	"github.com/tasksync/tasksync/internal/identity"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

var now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func TestDetect(t *testing.T) {
	base := baseline.Entry{Version: 1, ContentFingerprint: "fp-base"}

	tests := []struct {
		name   string
		remote *schema.SyncRecord
		local  string
		want   Outcome
	}{
		{"nothing changed", &schema.SyncRecord{Version: 1}, "fp-base", NoChange},
		{"local edit", &schema.SyncRecord{Version: 1}, "fp-local", LocalChanged},
		{"remote edit adopts remote", &schema.SyncRecord{Version: 2}, "fp-base", AdoptRemote},
		{"both changed", &schema.SyncRecord{Version: 2}, "fp-local", Conflict},
		{"remote record gone", nil, "fp-base", RemoteDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(base, tt.remote, tt.local))
		})
	}
}

func TestResolve(t *testing.T) {
	future := &schema.SyncRecord{LastModifiedAt: now.Add(time.Minute)}
	assert.Equal(t, RemoteWins, Resolve(future, now))

	equal := &schema.SyncRecord{LastModifiedAt: now}
	assert.Equal(t, LocalWins, Resolve(equal, now))
}

// The comparison uses the wall clock at detection time, not the time of the
// local edit. A remote write made after the local edit but before this
// cycle still loses.
func TestResolve_WallClockAsymmetry(t *testing.T) {
	localEditAt := now.Add(-2 * time.Hour)
	remoteEditAt := now.Add(-1 * time.Hour)
	require.True(t, remoteEditAt.After(localEditAt))

	remote := &schema.SyncRecord{Version: 2, LastModifiedAt: remoteEditAt}
	assert.Equal(t, LocalWins, Resolve(remote, now))
}

func setup(t *testing.T) (*state.State, *baseline.Snapshot, schema.TaskRecord, string) {
	t.Helper()
	rec := schema.TaskRecord{Title: "Standup", Date: "2024-03-15", Time: "09:00", FilePath: "a.md", LineNumber: 2, RawText: "- [ ] Standup 📅 2024-03-15 ⏰ 09:00"}
	id := identity.StableID(&rec)
	fp := identity.Fingerprint(&rec)

	st := state.New()
	st.RecordSync(id, schema.NewSyncRecord(&rec, "E1", "cal", fp), "writer-a", now.Add(-time.Hour))

	snap := &baseline.Snapshot{WriterID: "writer-a"}
	snap.Capture(st, now.Add(-time.Hour))
	return st, snap, rec, id
}

func newModel() *Model {
	m := NewModel("writer-a", nil)
	m.now = func() time.Time { return now }
	return m
}

func TestCheck_NoFindingsWhenInSync(t *testing.T) {
	st, snap, rec, _ := setup(t)
	report := newModel().Check(st, snap, []schema.TaskRecord{rec})
	assert.Empty(t, report.Findings)
	assert.Empty(t, report.Skip)
}

func TestCheck_AdoptRemote(t *testing.T) {
	st, snap, rec, id := setup(t)
	// Another writer rewrote the record.
	other := *st.SyncedTasks[id]
	other.ContentFingerprint = "fp-other"
	st.RecordSync(id, other, "writer-b", now.Add(-time.Minute))

	report := newModel().Check(st, snap, []schema.TaskRecord{rec})
	require.Len(t, report.Findings, 1)
	assert.Equal(t, AdoptRemote, report.Findings[0].Outcome)
	assert.True(t, report.Skip[id])
}

func TestCheck_ConflictLocalWins(t *testing.T) {
	st, snap, rec, id := setup(t)
	other := *st.SyncedTasks[id]
	st.RecordSync(id, other, "writer-b", now.Add(-time.Minute))

	edited := rec
	edited.RawText += " #urgent"
	report := newModel().Check(st, snap, []schema.TaskRecord{edited})

	require.Len(t, report.Findings, 1)
	assert.Equal(t, Conflict, report.Findings[0].Outcome)
	assert.Equal(t, LocalWins, report.Findings[0].Winner)
	assert.False(t, report.Skip[id])
	require.NotEmpty(t, st.SyncLog)
	assert.Contains(t, st.SyncLog[len(st.SyncLog)-1].Message, "local change wins")
}

func TestCheck_ConflictRemoteWinsWithFutureTimestamp(t *testing.T) {
	st, snap, rec, id := setup(t)
	other := *st.SyncedTasks[id]
	st.RecordSync(id, other, "writer-b", now.Add(time.Hour))

	edited := rec
	edited.RawText += " #urgent"
	report := newModel().Check(st, snap, []schema.TaskRecord{edited})

	require.Len(t, report.Findings, 1)
	assert.Equal(t, RemoteWins, report.Findings[0].Winner)
	assert.True(t, report.Skip[id])
}

func TestCheck_RemoteDeletedTombstones(t *testing.T) {
	st, snap, rec, id := setup(t)
	st.RemoveSync(id)

	report := newModel().Check(st, snap, []schema.TaskRecord{rec})
	require.Len(t, report.Findings, 1)
	assert.Equal(t, RemoteDeleted, report.Findings[0].Outcome)

	got, ok := st.Get(id)
	require.True(t, ok)
	assert.True(t, got.IsSevered)
	assert.Equal(t, "writer-a", got.LastModifiedBy)
}

func TestCheck_IgnoresTasksWithoutBase(t *testing.T) {
	st := state.New()
	rec := schema.TaskRecord{Title: "New", Date: "2024-03-15", FilePath: "a.md"}
	report := newModel().Check(st, &baseline.Snapshot{}, []schema.TaskRecord{rec})
	assert.Empty(t, report.Findings)
	_, tracked := st.Get(identity.StableID(&rec))
	assert.False(t, tracked)
}
