package state

import (
	"fmt"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

// QueueOperation stores op in the retry queue, replacing any entry with the
// same (task ID, type) and incrementing the retry counter.
func (s *State) QueueOperation(op schema.PendingOperation) {
	key := op.Key()
	for i := range s.PendingOperations {
		if s.PendingOperations[i].Key() == key {
			op.RetryCount = s.PendingOperations[i].RetryCount + 1
			s.PendingOperations[i] = op
			return
		}
	}
	op.RetryCount = 1
	s.PendingOperations = append(s.PendingOperations, op)
}

// DequeueOperation removes the entry for key and reports whether it existed.
func (s *State) DequeueOperation(key schema.PendingKey) bool {
	for i := range s.PendingOperations {
		if s.PendingOperations[i].Key() == key {
			s.PendingOperations = append(s.PendingOperations[:i], s.PendingOperations[i+1:]...)
			return true
		}
	}
	return false
}

// PendingOperation returns the queued entry for key.
func (s *State) PendingOperation(key schema.PendingKey) (schema.PendingOperation, bool) {
	for _, op := range s.PendingOperations {
		if op.Key() == key {
			return op, true
		}
	}
	return schema.PendingOperation{}, false
}

// ClearQueue drops every pending operation.
func (s *State) ClearQueue() {
	s.PendingOperations = nil
}

// DivertDeletion queues d for approval, replacing any pending deletion for
// the same task.
func (s *State) DivertDeletion(d schema.DivertedDeletion) {
	for i := range s.PendingDeletions {
		if s.PendingDeletions[i].TaskID == d.TaskID {
			s.PendingDeletions[i] = d
			return
		}
	}
	s.PendingDeletions = append(s.PendingDeletions, d)
}

// PendingDeletion returns the diverted deletion for taskID.
func (s *State) PendingDeletion(taskID string) (schema.DivertedDeletion, bool) {
	for _, d := range s.PendingDeletions {
		if d.TaskID == taskID {
			return d, true
		}
	}
	return schema.DivertedDeletion{}, false
}

// ResolveDeletion removes and returns the diverted deletion for taskID.
func (s *State) ResolveDeletion(taskID string) (schema.DivertedDeletion, error) {
	for i, d := range s.PendingDeletions {
		if d.TaskID == taskID {
			s.PendingDeletions = append(s.PendingDeletions[:i], s.PendingDeletions[i+1:]...)
			return d, nil
		}
	}
	return schema.DivertedDeletion{}, fmt.Errorf("pending deletion %s: %w", taskID, ErrNotFound)
}

// Archive records a confirmed deletion.
func (s *State) Archive(entry schema.ArchiveEntry) {
	s.RecentlyDeleted = append(s.RecentlyDeleted, entry)
}

// PruneArchive drops archive entries whose retention has expired and
// returns how many were removed.
func (s *State) PruneArchive(now time.Time) int {
	kept := s.RecentlyDeleted[:0]
	removed := 0
	for _, e := range s.RecentlyDeleted {
		if e.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.RecentlyDeleted = kept
	return removed
}

// AddExternalRemoval queues r for review, replacing any entry for the same task.
func (s *State) AddExternalRemoval(r schema.ExternalRemoval) {
	for i := range s.ExternalRemovals {
		if s.ExternalRemovals[i].TaskID == r.TaskID {
			s.ExternalRemovals[i] = r
			return
		}
	}
	s.ExternalRemovals = append(s.ExternalRemovals, r)
}

// ResolveExternalRemoval removes and returns the entry for taskID.
func (s *State) ResolveExternalRemoval(taskID string) (schema.ExternalRemoval, error) {
	for i, r := range s.ExternalRemovals {
		if r.TaskID == taskID {
			s.ExternalRemovals = append(s.ExternalRemovals[:i], s.ExternalRemovals[i+1:]...)
			return r, nil
		}
	}
	return schema.ExternalRemoval{}, fmt.Errorf("external removal %s: %w", taskID, ErrNotFound)
}
