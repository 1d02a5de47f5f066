package db

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "state.db")
}

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleState() *state.State {
	now := time.Date(2024, 3, 15, 12, 30, 0, 123, time.UTC)
	st := state.New()
	st.RecordSync("task-a", schema.SyncRecord{
		EventID:            "E1",
		ContentFingerprint: "fp1",
		CollectionID:       "primary",
		FilePath:           "inbox.md",
		LineNumber:         3,
		Title:              "Buy milk",
		Date:               "2024-03-15",
		Time:               "09:00",
		RecurrenceRule:     "RRULE:FREQ=WEEKLY",
	}, "writer-a", now)
	st.RecordSync("task-b", schema.SyncRecord{
		EventID:      "E2",
		CollectionID: "work",
		FilePath:     "work.md",
		LineNumber:   1,
		Title:        "Standup",
		Date:         "2024-03-16",
		KeepRemote:   true,
		Completed:    true,
	}, "writer-b", now)
	st.QueueOperation(schema.PendingOperation{
		Type:         schema.OpUpdate,
		TaskID:       "task-a",
		Payload:      json.RawMessage(`{"eventId":"E1"}`),
		CollectionID: "primary",
		QueuedAt:     now,
		LastError:    "503",
	})
	st.DivertDeletion(schema.DivertedDeletion{
		TaskID:       "task-c",
		EventID:      "E3",
		CollectionID: "primary",
		Title:        "Old thing",
		Date:         "2024-03-01",
		Reason:       schema.ReasonReroute,
		LinkedCreate: &schema.LinkedCreate{TaskID: "task-c", CollectionID: "work", Record: schema.TaskRecord{Title: "Old thing", Date: "2024-03-01"}},
		DivertedAt:   now,
	})
	st.Archive(schema.ArchiveEntry{
		TaskID:    "task-d",
		Title:     "Gone",
		Date:      "2024-02-01",
		DeletedAt: now,
		ExpiresAt: now.Add(720 * time.Hour),
		Snapshot:  json.RawMessage(`{"id":"E4"}`),
	})
	st.AddExternalRemoval(schema.ExternalRemoval{TaskID: "task-e", EventID: "E5", Title: "Vanished", DetectedAt: now})
	st.Log(schema.LevelInfo, "task-a", "Created \"Buy milk\"", now)
	st.Log(schema.LevelError, "", "cycle failed", now.Add(time.Second))
	st.LastSyncAt = now
	return st
}

// TestOpen_CreatesSchema tests that all tables exist after Open
func TestOpen_CreatesSchema(t *testing.T) {
	db := openTest(t)

	tables := []string{"sync_records", "pending_operations", "pending_deletions", "archive", "external_removals", "sync_log", "meta"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

// TestLoad_Empty tests loading a fresh database
func TestLoad_Empty(t *testing.T) {
	db := openTest(t)

	st, err := db.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(st.SyncedTasks) != 0 || len(st.PendingOperations) != 0 || len(st.SyncLog) != 0 {
		t.Errorf("expected empty document, got %+v", st)
	}
	if !st.LastSyncAt.IsZero() {
		t.Errorf("LastSyncAt = %v, want zero", st.LastSyncAt)
	}
}

// TestSaveLoad_RoundTrip tests that every part of the document survives
func TestSaveLoad_RoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	want := sampleState()

	if err := db.Save(ctx, want); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	got, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if len(got.SyncedTasks) != 2 {
		t.Fatalf("SyncedTasks = %d, want 2", len(got.SyncedTasks))
	}
	a := got.SyncedTasks["task-a"]
	if a.EventID != "E1" || a.Time != "09:00" || a.Version != 1 || a.RecurrenceRule != "RRULE:FREQ=WEEKLY" {
		t.Errorf("task-a = %+v", a)
	}
	if !a.LastModifiedAt.Equal(want.SyncedTasks["task-a"].LastModifiedAt) {
		t.Errorf("LastModifiedAt = %v, want %v", a.LastModifiedAt, want.SyncedTasks["task-a"].LastModifiedAt)
	}
	b := got.SyncedTasks["task-b"]
	if !b.KeepRemote || !b.Completed || b.IsSevered {
		t.Errorf("task-b flags = %+v", b)
	}

	if len(got.PendingOperations) != 1 || got.PendingOperations[0].RetryCount != 1 || got.PendingOperations[0].LastError != "503" {
		t.Errorf("PendingOperations = %+v", got.PendingOperations)
	}
	if len(got.PendingDeletions) != 1 || got.PendingDeletions[0].LinkedCreate == nil {
		t.Fatalf("PendingDeletions = %+v", got.PendingDeletions)
	}
	if got.PendingDeletions[0].LinkedCreate.CollectionID != "work" {
		t.Errorf("LinkedCreate = %+v", got.PendingDeletions[0].LinkedCreate)
	}
	if len(got.RecentlyDeleted) != 1 || string(got.RecentlyDeleted[0].Snapshot) != `{"id":"E4"}` {
		t.Errorf("RecentlyDeleted = %+v", got.RecentlyDeleted)
	}
	if len(got.ExternalRemovals) != 1 || got.ExternalRemovals[0].EventID != "E5" {
		t.Errorf("ExternalRemovals = %+v", got.ExternalRemovals)
	}
	if len(got.SyncLog) != 2 || got.SyncLog[1].Level != schema.LevelError || got.SyncLog[0].TaskID != "task-a" {
		t.Errorf("SyncLog = %+v", got.SyncLog)
	}
	if !got.LastSyncAt.Equal(want.LastSyncAt) {
		t.Errorf("LastSyncAt = %v, want %v", got.LastSyncAt, want.LastSyncAt)
	}
}

// TestSave_ReplacesDocument tests that removed records do not linger
func TestSave_ReplacesDocument(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	st := sampleState()
	if err := db.Save(ctx, st); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	st.RemoveSync("task-b")
	st.ClearQueue()
	st.ClearLog()
	if err := db.Save(ctx, st); err != nil {
		t.Fatalf("second Save() failed: %v", err)
	}

	counts, err := db.GetCounts(ctx)
	if err != nil {
		t.Fatalf("GetCounts() failed: %v", err)
	}
	want := Counts{SyncedTasks: 1, PendingDeletions: 1, RecentlyDeleted: 1, ExternalRemovals: 1}
	if counts != want {
		t.Errorf("GetCounts() = %+v, want %+v", counts, want)
	}
}

// TestSave_CanceledContextKeepsPrevious tests that a failed save is not partial
func TestSave_CanceledContextKeepsPrevious(t *testing.T) {
	db := openTest(t)
	if err := db.Save(context.Background(), sampleState()); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := db.Save(ctx, state.New())
	if err == nil {
		t.Fatal("Save() with canceled context should fail")
	}
	if !errors.Is(err, context.Canceled) {
		t.Logf("Save() error: %v", err)
	}

	got, err := db.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(got.SyncedTasks) != 2 {
		t.Errorf("SyncedTasks = %d after failed save, want 2", len(got.SyncedTasks))
	}
}

// TestStoreInterface tests that DB satisfies state.Store
func TestStoreInterface(t *testing.T) {
	var _ state.Store = (*DB)(nil)
}

// TestClose_Idempotent tests that Close can be called twice
func TestClose_Idempotent(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
