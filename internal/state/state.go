package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

// MaxLogEntries bounds the sync log ring buffer.
const MaxLogEntries = 200

var (
	// ErrNotFound is returned when a record or queue entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when a migration target is already tracked.
	ErrExists = errors.New("already exists")
)

// Store loads and saves the shared document.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st *State) error
}

// State is the shared sync-state document.
type State struct {
	SyncedTasks       map[string]*schema.SyncRecord `json:"syncedTasks"`
	PendingOperations []schema.PendingOperation     `json:"pendingOperations"`
	PendingDeletions  []schema.DivertedDeletion     `json:"pendingDeletions"`
	RecentlyDeleted   []schema.ArchiveEntry         `json:"recentlyDeleted"`
	ExternalRemovals  []schema.ExternalRemoval      `json:"externalRemovals,omitempty"`
	SyncLog           []schema.LogEntry             `json:"syncLog"`
	LastSyncAt        time.Time                     `json:"lastSyncAt"`
}

// New returns an empty document.
func New() *State {
	return &State{SyncedTasks: make(map[string]*schema.SyncRecord)}
}

// Get returns the sync record for taskID.
func (s *State) Get(taskID string) (*schema.SyncRecord, bool) {
	rec, ok := s.SyncedTasks[taskID]
	return rec, ok
}

// IDs returns all tracked task IDs in sorted order.
func (s *State) IDs() []string {
	ids := make([]string, 0, len(s.SyncedTasks))
	for id := range s.SyncedTasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecordSync stores rec under taskID after a successful remote write and
// bumps its version.
func (s *State) RecordSync(taskID string, rec schema.SyncRecord, writerID string, now time.Time) {
	version := 0
	if prev, ok := s.SyncedTasks[taskID]; ok {
		version = prev.Version
	}
	rec.Version = version + 1
	rec.LastModifiedBy = writerID
	rec.LastModifiedAt = now
	rec.LastSyncedAt = now
	s.SyncedTasks[taskID] = &rec
}

// MigrateRecord moves the record at oldID to newID, keeping its event ID,
// collection and fingerprint while adopting the new title, date and time.
// When moved is true the file path and line are updated as well.
func (s *State) MigrateRecord(oldID, newID string, rec *schema.TaskRecord, moved bool) (*schema.SyncRecord, error) {
	existing, ok := s.SyncedTasks[oldID]
	if !ok {
		return nil, fmt.Errorf("migrate %s: %w", oldID, ErrNotFound)
	}
	if oldID == newID {
		return existing, nil
	}
	if _, taken := s.SyncedTasks[newID]; taken {
		return nil, fmt.Errorf("migrate %s to %s: %w", oldID, newID, ErrExists)
	}

	migrated := *existing
	migrated.Title = rec.Title
	migrated.Date = rec.Date
	migrated.Time = rec.Time
	migrated.LineNumber = rec.LineNumber
	if moved {
		migrated.FilePath = rec.FilePath
	}
	migrated.KeepRemote = false

	delete(s.SyncedTasks, oldID)
	s.SyncedTasks[newID] = &migrated

	for i := range s.PendingDeletions {
		if s.PendingDeletions[i].TaskID == oldID {
			s.PendingDeletions = append(s.PendingDeletions[:i], s.PendingDeletions[i+1:]...)
			break
		}
	}
	return &migrated, nil
}

// RemoveSync drops the record for taskID. Missing IDs are ignored.
func (s *State) RemoveSync(taskID string) {
	delete(s.SyncedTasks, taskID)
}

// Sever keeps the record but stops all remote operations for it.
func (s *State) Sever(taskID string) error {
	rec, ok := s.SyncedTasks[taskID]
	if !ok {
		return fmt.Errorf("sever %s: %w", taskID, ErrNotFound)
	}
	rec.IsSevered = true
	return nil
}

// Tombstone records a severed placeholder for a task whose remote record was
// deleted by another writer, so the task is not created again.
func (s *State) Tombstone(taskID string, rec *schema.TaskRecord, fingerprint, writerID string, now time.Time) {
	s.SyncedTasks[taskID] = &schema.SyncRecord{
		ContentFingerprint: fingerprint,
		FilePath:           rec.FilePath,
		LineNumber:         rec.LineNumber,
		Title:              rec.Title,
		Date:               rec.Date,
		Time:               rec.Time,
		IsSevered:          true,
		LastModifiedBy:     writerID,
		LastModifiedAt:     now,
		LastSyncedAt:       now,
		Version:            1,
	}
}

// MarkKept flags the record so its orphan is retained without being
// diverted again.
func (s *State) MarkKept(taskID string) error {
	rec, ok := s.SyncedTasks[taskID]
	if !ok {
		return fmt.Errorf("keep %s: %w", taskID, ErrNotFound)
	}
	rec.KeepRemote = true
	return nil
}

// Resume clears the kept flag once the task is seen again.
func (s *State) Resume(taskID string) {
	if rec, ok := s.SyncedTasks[taskID]; ok {
		rec.KeepRemote = false
	}
}

// Clone returns a deep copy of the document.
func (s *State) Clone() *State {
	out := &State{
		SyncedTasks:       make(map[string]*schema.SyncRecord, len(s.SyncedTasks)),
		PendingOperations: append([]schema.PendingOperation(nil), s.PendingOperations...),
		PendingDeletions:  append([]schema.DivertedDeletion(nil), s.PendingDeletions...),
		RecentlyDeleted:   append([]schema.ArchiveEntry(nil), s.RecentlyDeleted...),
		ExternalRemovals:  append([]schema.ExternalRemoval(nil), s.ExternalRemovals...),
		SyncLog:           append([]schema.LogEntry(nil), s.SyncLog...),
		LastSyncAt:        s.LastSyncAt,
	}
	for id, rec := range s.SyncedTasks {
		cp := *rec
		out.SyncedTasks[id] = &cp
	}
	return out
}

// Log appends an entry to the ring buffer.
func (s *State) Log(level schema.LogLevel, taskID, message string, now time.Time) {
	s.SyncLog = append(s.SyncLog, schema.LogEntry{
		Time:    now,
		Level:   level,
		Message: message,
		TaskID:  taskID,
	})
	if over := len(s.SyncLog) - MaxLogEntries; over > 0 {
		s.SyncLog = append([]schema.LogEntry(nil), s.SyncLog[over:]...)
	}
}

// ClearLog empties the sync log.
func (s *State) ClearLog() {
	s.SyncLog = nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu  sync.Mutex
	doc *State

	// FailSave makes Save return an error, for exercising abort paths.
	FailSave error
}

// NewMemoryStore returns a store seeded with st (or an empty document).
func NewMemoryStore(st *State) *MemoryStore {
	if st == nil {
		st = New()
	}
	return &MemoryStore{doc: st.Clone()}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	m.doc = st.Clone()
	return nil
}
