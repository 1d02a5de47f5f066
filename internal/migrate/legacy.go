// Package migrate imports a legacy JSON sync-state document into the
// SQLite store.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// ErrStoreNotEmpty is returned when the target store already tracks tasks
// and Force is not set.
var ErrStoreNotEmpty = errors.New("target store already tracks tasks")

// LegacyFile is the on-disk layout accepted by ReadLegacy. Older installs
// kept the state under a "syncState" key next to their settings; newer ones
// wrote the document at the top level.
type LegacyFile struct {
	SyncState *state.State `json:"syncState,omitempty"`
	state.State
}

// MigrateOptions contains configuration for the migration
type MigrateOptions struct {
	From   string // Input JSON file path
	DryRun bool   // Preview without writing
	Backup bool   // Copy the input aside before importing
	Force  bool   // Replace a store that already tracks tasks
}

// MigrateResult contains statistics about the migration
type MigrateResult struct {
	Tracked       int
	Queued        int
	Pending       int
	Archived      int
	External      int
	LogEntries    int
	BackupCreated string
	Errors        []string
}

// ReadLegacy reads and normalizes a legacy state document.
func ReadLegacy(path string) (*state.State, []string, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var file LegacyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("invalid state JSON: %w", err)
	}
	doc := &file.State
	if file.SyncState != nil {
		doc = file.SyncState
	}

	st, problems := normalize(doc)
	return st, problems, nil
}

// normalize drops entries the engine cannot act on and fills defaults the
// older format left out.
func normalize(doc *state.State) (*state.State, []string) {
	var problems []string
	st := state.New()

	ids := make([]string, 0, len(doc.SyncedTasks))
	for id := range doc.SyncedTasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := doc.SyncedTasks[id]
		switch {
		case rec == nil:
			problems = append(problems, fmt.Sprintf("task %s: empty record", id))
			continue
		case rec.EventID == "":
			problems = append(problems, fmt.Sprintf("task %s: no event id", id))
			continue
		case rec.CollectionID == "":
			problems = append(problems, fmt.Sprintf("task %s: no calendar id", id))
			continue
		}
		cp := *rec
		if cp.Version == 0 {
			cp.Version = 1
		}
		if cp.LastModifiedAt.IsZero() {
			cp.LastModifiedAt = cp.LastSyncedAt
		}
		st.SyncedTasks[id] = &cp
	}

	for _, p := range doc.PendingOperations {
		if p.TaskID == "" || p.Type == "" {
			problems = append(problems, "queued operation without task id or type")
			continue
		}
		st.PendingOperations = append(st.PendingOperations, p)
	}
	for _, d := range doc.PendingDeletions {
		if d.TaskID == "" || d.EventID == "" {
			problems = append(problems, fmt.Sprintf("pending deletion %q: missing ids", d.Title))
			continue
		}
		if d.Reason == "" {
			d.Reason = schema.ReasonOrphaned
		}
		st.PendingDeletions = append(st.PendingDeletions, d)
	}

	st.RecentlyDeleted = append(st.RecentlyDeleted, doc.RecentlyDeleted...)
	st.ExternalRemovals = append(st.ExternalRemovals, doc.ExternalRemovals...)

	st.SyncLog = append(st.SyncLog, doc.SyncLog...)
	if over := len(st.SyncLog) - state.MaxLogEntries; over > 0 {
		st.SyncLog = st.SyncLog[over:]
	}
	st.LastSyncAt = doc.LastSyncAt

	return st, problems
}

// Migrate imports the legacy document at opts.From into store.
func Migrate(ctx context.Context, store state.Store, opts MigrateOptions) (*MigrateResult, error) {
	result := &MigrateResult{}

	if _, err := os.Stat(opts.From); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	current, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load target store: %w", err)
	}
	if len(current.SyncedTasks) > 0 && !opts.Force {
		return nil, fmt.Errorf("%w (%d tracked); use --force to replace", ErrStoreNotEmpty, len(current.SyncedTasks))
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.From + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.From)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	st, problems, err := ReadLegacy(opts.From)
	if err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	result.Errors = problems
	result.Tracked = len(st.SyncedTasks)
	result.Queued = len(st.PendingOperations)
	result.Pending = len(st.PendingDeletions)
	result.Archived = len(st.RecentlyDeleted)
	result.External = len(st.ExternalRemovals)
	result.LogEntries = len(st.SyncLog)

	if opts.DryRun {
		return result, nil
	}
	if err := store.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to save imported state: %w", err)
	}
	return result, nil
}
