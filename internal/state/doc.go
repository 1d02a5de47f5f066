// Package state holds the shared sync-state document: sync records keyed by
// stable task ID, the pending-retry queue, diverted deletions, the
// deleted-event archive, the externally-removed queue and the sync log.
//
// # Mutation
//
// The document is passed by reference into reconciliation and change-set
// building. All writes go through named methods so every side effect of a
// cycle is auditable:
//
//   - MigrateRecord moves a record to a new stable ID (reconciliation passes)
//   - RecordSync stores the outcome of a successful remote write
//   - RemoveSync drops a record after a confirmed deletion
//   - QueueOperation / DequeueOperation manage the retry queue
//   - DivertDeletion / ResolveDeletion manage the approval queue
//
// # Invariants
//
//   - at most one pending operation per (task ID, operation type); queueing
//     again replaces the entry and increments its retry counter
//   - at most one diverted deletion and one external removal per task ID
//   - the sync log never exceeds MaxLogEntries; oldest entries fall off
//
// # Persistence
//
// Store abstracts durable storage. Save must be all-or-nothing: a failed
// Save leaves the previously saved document authoritative. The SQLite
// implementation lives in package db; MemoryStore serves tests and dry runs.
package state
