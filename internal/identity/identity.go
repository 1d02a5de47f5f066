// Package identity derives the stable key and the content fingerprint of a
// task record. Both are pure functions of their input.
//
// The stable ID is a digest of (file path, title, date, time-or-"allday"),
// so renaming, rescheduling or retiming a task changes its ID. The
// reconciliation passes in package reconcile exist to undo that sensitivity.
// The fingerprint is a digest of the full raw line and changes on any edit,
// including cosmetic markers.
package identity

import (
	"fmt"
	"hash/fnv"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/tasksync/tasksync/internal/schema"
)

// IDPrefix is prepended to every stable task ID.
const IDPrefix = "task-"

type identityKey struct {
	FilePath string
	Title    string
	Date     string
	Time     string
}

type contentKey struct {
	RawText string
}

// StableID returns the identity key of a record.
func StableID(r *schema.TaskRecord) string {
	key := identityKey{
		FilePath: r.FilePath,
		Title:    r.Title,
		Date:     r.Date,
		Time:     r.TimeOrAllDay(),
	}
	return fmt.Sprintf("%s%016x", IDPrefix, digest(key, key.FilePath+"\x00"+key.Title+"\x00"+key.Date+"\x00"+key.Time))
}

// Fingerprint returns the change-detection digest of a record's raw text.
func Fingerprint(r *schema.TaskRecord) string {
	return FingerprintText(r.RawText)
}

// FingerprintText returns the fingerprint of a raw task line.
func FingerprintText(raw string) string {
	return fmt.Sprintf("%016x", digest(contentKey{RawText: raw}, raw))
}

// digest hashes v; hashstructure only fails on unsupported kinds, which the
// key structs never contain, so the FNV fallback keeps the function total.
func digest(v any, fallback string) uint64 {
	h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err == nil {
		return h
	}
	f := fnv.New64a()
	_, _ = f.Write([]byte(fallback))
	return f.Sum64()
}
