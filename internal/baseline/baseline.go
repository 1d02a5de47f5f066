// Package baseline stores the writer-local snapshot of the last fully
// successful sync.
//
// The snapshot is the Base side of the three-way conflict comparison. It
// holds one entry per tracked task plus this writer's identity, and it must
// never be written to the shared state store: another writer reading it
// would lose the ability to tell its own changes from ours.
//
// The file is YAML, guarded by an advisory lock next to it, and replaced
// atomically on save.
package baseline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// Entry is the base view of one task.
type Entry struct {
	ContentFingerprint string    `yaml:"content_fingerprint"`
	EventID            string    `yaml:"event_id"`
	Version            int       `yaml:"version"`
	LastModifiedAt     time.Time `yaml:"last_modified_at,omitempty"`
	LastModifiedBy     string    `yaml:"last_modified_by,omitempty"`
}

func entryOf(rec *schema.SyncRecord) Entry {
	return Entry{
		ContentFingerprint: rec.ContentFingerprint,
		EventID:            rec.EventID,
		Version:            rec.Version,
		LastModifiedAt:     rec.LastModifiedAt,
		LastModifiedBy:     rec.LastModifiedBy,
	}
}

// Snapshot is the writer-local document.
type Snapshot struct {
	WriterID   string           `yaml:"writer_id"`
	LastSyncAt time.Time        `yaml:"last_sync_at,omitempty"`
	Entries    map[string]Entry `yaml:"entries"`
}

// Get returns the base entry for taskID.
func (s *Snapshot) Get(taskID string) (Entry, bool) {
	e, ok := s.Entries[taskID]
	return e, ok
}

// Forget drops the entry for taskID so a later absence of the remote record
// is not read as another writer's deletion.
func (s *Snapshot) Forget(taskID string) bool {
	if _, ok := s.Entries[taskID]; !ok {
		return false
	}
	delete(s.Entries, taskID)
	return true
}

// Rekey moves the entry for oldID to newID after this writer migrated the
// record to a new stable ID. It reports whether an entry moved.
func (s *Snapshot) Rekey(oldID, newID string) bool {
	e, ok := s.Entries[oldID]
	if !ok || oldID == newID {
		return false
	}
	delete(s.Entries, oldID)
	s.Entries[newID] = e
	return true
}

// Refresh re-reads the entries for ids from st after this writer changed
// those records outside a cycle. IDs st no longer tracks are forgotten.
func (s *Snapshot) Refresh(st *state.State, ids ...string) {
	for _, id := range ids {
		if rec, ok := st.Get(id); ok {
			s.Entries[id] = entryOf(rec)
			continue
		}
		delete(s.Entries, id)
	}
}

// Capture replaces the entries with the current sync records of st.
func (s *Snapshot) Capture(st *state.State, now time.Time) {
	s.Entries = make(map[string]Entry, len(st.SyncedTasks))
	for id, rec := range st.SyncedTasks {
		s.Entries[id] = entryOf(rec)
	}
	s.LastSyncAt = now
}

// Store reads and writes the snapshot file.
type Store struct {
	path string
	lock *flock.Flock
}

// NewStore returns a store for the file at path.
func NewStore(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields an empty snapshot with a
// fresh writer ID, which Save will persist.
func (s *Store) Load() (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create baseline directory: %w", err)
	}
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock baseline: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{WriterID: uuid.NewString(), Entries: map[string]Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}

	snap := &Snapshot{}
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to parse baseline %s: %w", s.path, err)
	}
	if snap.WriterID == "" {
		snap.WriterID = uuid.NewString()
	}
	if snap.Entries == nil {
		snap.Entries = map[string]Entry{}
	}
	return snap, nil
}

// Save writes the snapshot atomically.
func (s *Store) Save(snap *Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock baseline: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace baseline: %w", err)
	}
	return nil
}
