// Package reconcile classifies the current task records against the
// persisted sync records.
//
// Every record is keyed by its stable ID (see package identity). A record
// with no sync record is a create; one whose routed calendar differs is a
// reroute; one whose fingerprint differs is an update; anything else is
// unchanged.
//
// Because the stable ID changes on every rename, reschedule or move, an edit
// first looks like a create of the new ID plus an orphan of the old one.
// Two greedy passes pair them back up before anything is declared orphaned:
//
//  1. in-place edit: same (file, line)
//  2. cross-file move: same (title, date, time), file-agnostic
//
// Orphans are visited in (file, line, ID) order and creates in input order;
// the first unmatched candidate wins and is consumed for both passes. A
// match migrates the sync record to the new ID in the state document, so
// ComputeDiff mutates its state argument.
//
// Renaming and moving a task in the same cycle defeats both passes and
// surfaces as a delete plus a create.
package reconcile
